package arb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// publisher moves finished builds into pkgs/ and maintains the updated and
// latest link farms.
type publisher struct {
	Layout   Layout
	Identity *Identity
}

// prepare starts the updated and latest directories from scratch.
func (p *publisher) prepare() error {
	return p.Identity.AsUser(func() error {
		for _, dir := range []string{p.Layout.Updated(), p.Layout.Latest()} {
			if err := removeDirAllBest(dir); err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		return nil
	})
}

// artifacts lists the files of a published package directory.
func (p *publisher) artifacts(id string) ([]string, error) {
	entries, err := os.ReadDir(p.Layout.PkgDir(id))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// isBuilt reports whether a non-empty package directory exists for r.
func (p *publisher) isBuilt(r *Recipe) bool {
	names, err := p.artifacts(r.ID)
	return err == nil && len(names) > 0
}

// publish replaces pkgs/<id> with the temp directory and links its files
// into updated.
func (p *publisher) publish(r *Recipe, temp string) error {
	pkgdir := p.Layout.PkgDir(r.ID)
	return p.Identity.AsUser(func() error {
		if err := removeDirAllBest(pkgdir); err != nil {
			return err
		}
		if err := os.Rename(temp, pkgdir); err != nil {
			return fmt.Errorf("failed to publish %s: %w", r.ID, err)
		}
		return p.linkInto(p.Layout.Updated(), r.ID)
	})
}

func (p *publisher) linkInto(dir, id string) error {
	names, err := p.artifacts(id)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := symlinkForce(filepath.Join("..", id, name), filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// linkLatest links the artifacts of every built recipe into latest.
func (p *publisher) linkLatest(recipes []*Recipe) error {
	return p.Identity.AsUser(func() error {
		var errs []error
		for _, r := range recipes {
			if r.ID == "" || !p.isBuilt(r) {
				continue
			}
			errs = append(errs, p.linkInto(p.Layout.Latest(), r.ID))
		}
		return errors.Join(errs...)
	})
}

// cleanPkgdir removes package directories no recipe of this run maps to,
// including temp directories of interrupted builds.
func (p *publisher) cleanPkgdir(recipes []*Recipe) error {
	used := map[string]bool{"updated": true, "latest": true}
	for _, r := range recipes {
		if r.ID != "" {
			used[r.ID] = true
		}
	}
	return p.Identity.AsUser(func() error {
		return removeUnused(p.Layout.Pkgs(), used)
	})
}

// removeTemp deletes a temp package directory; a missing one is fine.
func (p *publisher) removeTemp(temp string) error {
	return p.Identity.AsUser(func() error {
		if err := removeDirAllBest(temp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	})
}

// freshTemp recreates an empty temp package directory.
func (p *publisher) freshTemp(temp string) error {
	return p.Identity.AsUser(func() error {
		if err := removeDirAllBest(temp); err != nil {
			return err
		}
		return os.MkdirAll(temp, 0o755)
	})
}

func isArtifact(name string) bool {
	return strings.Contains(name, ".pkg.tar") && !strings.HasSuffix(name, ".sig")
}
