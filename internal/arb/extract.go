package arb

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// extractor turns a PKGBUILD mirror and the source cache into a ready
// build/<name> directory.
type extractor struct {
	Layout   Layout
	Identity *Identity
	Git      *gitClient
	User     commandRunner
}

// extract checks out the recipe, links its cached sources in and lets
// makepkg unpack them. Output of makepkg goes to out.
func (x *extractor) extract(r *Recipe, out io.Writer) error {
	dir := x.Layout.BuildDir(r.Name)
	err := x.Identity.AsUser(func() error {
		if err := removeDirAllBest(dir); err != nil {
			return err
		}
		return os.MkdirAll(dir, 0o755)
	})
	if err != nil {
		return fmt.Errorf("failed to prepare %s: %w", dir, err)
	}
	if err := x.Git.checkout(x.Layout.PkgbuildRepo(r.Name), dir); err != nil {
		return err
	}
	if err := x.Identity.AsUser(func() error { return x.linkSources(r, dir) }); err != nil {
		return err
	}

	cmd := exec.Command("bash", "-c", mustScript("extract.bash"), "Source extractor", dir)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := x.User.Run(cmd); err != nil {
		return fmt.Errorf("failed to extract sources of %s: %w", r.Name, err)
	}
	r.extracted = true
	return nil
}

// linkSources places a relative symlink per cached source into dir, named
// the way makepkg expects to find it in SRCDEST.
func (x *extractor) linkSources(r *Recipe, dir string) error {
	for i := range r.Sources {
		src := &r.Sources[i]
		var target string
		switch {
		case src.Protocol.isNetfile():
			files := IntegFilesOf(src)
			if len(files) == 0 {
				continue
			}
			target = filepath.Join("..", "..", files[len(files)-1].relPath())
		case src.Protocol == ProtoGit:
			rel, err := x.Layout.relToBuildDir(x.Layout.GitRepo(src.URLHash))
			if err != nil {
				return err
			}
			target = rel
		default:
			continue
		}
		if err := symlinkForce(target, filepath.Join(dir, src.Name)); err != nil {
			return err
		}
	}
	return nil
}
