package arb

import (
	"fmt"
	"path/filepath"
)

// Layout resolves the fixed directory tree of a work directory.
// Every path it returns is absolute.
type Layout struct {
	Root string
}

func NewLayout(root string) (Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to resolve work directory %s: %w", root, err)
	}
	return Layout{Root: abs}, nil
}

func (l Layout) join(elem ...string) string {
	return filepath.Join(append([]string{l.Root}, elem...)...)
}

func (l Layout) Build() string               { return l.join("build") }
func (l Layout) BuildDir(name string) string { return l.join("build", name) }
func (l Layout) Sources() string             { return l.join("sources") }
func (l Layout) PkgbuildRepos() string       { return l.join("sources", "PKGBUILD") }
func (l Layout) PkgbuildRepo(name string) string {
	return l.join("sources", "PKGBUILD", name)
}
func (l Layout) GitRepos() string { return l.join("sources", "git") }
func (l Layout) GitRepo(urlHash uint64) string {
	return l.join("sources", "git", fmt.Sprintf("%016x", urlHash))
}
func (l Layout) FileCache(kind DigestKind) string {
	return l.join("sources", "file-"+kind.String())
}
func (l Layout) Roots() string                    { return l.join("roots") }
func (l Layout) BaseRoot() string                 { return l.join("roots", "base") }
func (l Layout) OverlayParent(name string) string { return l.join("roots", "overlay-"+name) }
func (l Layout) Pkgs() string                     { return l.join("pkgs") }
func (l Layout) PkgDir(id string) string          { return l.join("pkgs", id) }
func (l Layout) TempPkgDir(id string) string      { return l.join("pkgs", id+".temp") }
func (l Layout) Updated() string                  { return l.join("pkgs", "updated") }
func (l Layout) Latest() string                   { return l.join("pkgs", "latest") }
func (l Layout) Logs(name string) string          { return l.join("logs", name) }

// relToBuildDir turns a path inside the work directory into the relative
// form a symlink placed in build/<name>/ needs, e.g. ../../sources/git/<hash>.
func (l Layout) relToBuildDir(path string) (string, error) {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil {
		return "", err
	}
	return filepath.Join("..", "..", rel), nil
}
