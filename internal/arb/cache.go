package arb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// IntegFile is one cached copy of a net file, named by one of its digests.
type IntegFile struct {
	Kind DigestKind
	Sum  []byte
}

// IntegFilesOf lists one integ file per digest of src, in digest kind order.
func IntegFilesOf(src *Source) []IntegFile {
	var files []IntegFile
	for k, sum := range src.Digests {
		if sum != nil {
			files = append(files, IntegFile{Kind: DigestKind(k), Sum: sum})
		}
	}
	return files
}

// relPath is the location of f relative to the work directory.
func (f IntegFile) relPath() string {
	return filepath.Join("sources", "file-"+f.Kind.String(), digestPathName(f.Kind, f.Sum))
}

func (f IntegFile) path(l Layout) string {
	return filepath.Join(l.Root, f.relPath())
}

// validAt rehashes the file at path; a missing or unreadable file is invalid.
func (f IntegFile) validAt(path string) bool {
	got, err := fileDigest(path, f.Kind)
	if err != nil {
		return false
	}
	return bytes.Equal(got, f.Sum)
}

// Cache keeps the content addressed source store under sources/.
type Cache struct {
	Layout   Layout
	Identity *Identity
	Fetcher  *Fetcher
	Git      *gitClient
	SkipInt  bool // trust existing files without hashing
	HoldGit  bool // leave healthy git mirrors alone
}

func (c *Cache) ensureDirs() error {
	dirs := []string{c.Layout.GitRepos(), c.Layout.PkgbuildRepos()}
	for k := DigestKind(0); k < kindCount; k++ {
		dirs = append(dirs, c.Layout.FileCache(k))
	}
	return c.Identity.AsUser(func() error {
		for _, dir := range dirs {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		return nil
	})
}

func (c *Cache) valid(f IntegFile) bool {
	if c.SkipInt {
		_, err := os.Stat(f.path(c.Layout))
		return err == nil
	}
	return f.validAt(f.path(c.Layout))
}

// cacheNetfile makes every integ file of src present and valid. Missing
// digests are backfilled by cloning an already valid copy; only when no copy
// is valid is the file downloaded.
func (c *Cache) cacheNetfile(ctx context.Context, src *Source) error {
	var good, bad []IntegFile
	for _, f := range IntegFilesOf(src) {
		if c.valid(f) {
			good = append(good, f)
		} else {
			bad = append(bad, f)
		}
	}
	if len(bad) == 0 {
		debugf("Source %s already cached\n", src.Name)
		return nil
	}

	return c.Identity.AsUser(func() error {
		for _, f := range bad {
			path := f.path(c.Layout)
			err := withFileLock(path, func() error {
				// another run may have finished it while we waited
				if c.valid(f) {
					return nil
				}
				if len(good) == 0 {
					return c.Fetcher.fetch(ctx, src, f, path)
				}
				from := good[0].path(c.Layout)
				debugf("Cloning %s -> %s\n", from, path)
				if err := cloneFile(from, path); err != nil {
					return fmt.Errorf("failed to clone %s: %w", from, err)
				}
				if !f.validAt(path) {
					os.Remove(path)
					return fmt.Errorf("%s: content valid for %s is not valid for %s: %w",
						src.Name, good[0].Kind, f.Kind, ErrConflictingDigest)
				}
				return nil
			})
			if err != nil {
				return err
			}
			good = append(good, f)
		}
		return nil
	})
}

// cacheGit makes sure a bare mirror of the git source exists and is synced.
func (c *Cache) cacheGit(src *Source) error {
	dir := c.Layout.GitRepo(src.URLHash)
	if c.HoldGit && c.Git.healthyMirror(dir) {
		debugf("Holding git mirror %s for %s\n", dir, src.URL)
		return nil
	}
	stepf(colInfo, "Syncing git source %s\n", src.gitURL())
	return c.Git.sync(dir, src.gitURL(), sourceRefspecs)
}

// fetchJobs turns the unique sources into jobs partitioned by domain.
func (c *Cache) fetchJobs(ctx context.Context, netfiles, gits []Source) []job {
	jobs := make([]job, 0, len(netfiles)+len(gits))
	for i := range netfiles {
		src := &netfiles[i]
		jobs = append(jobs, job{key: src.Domain(), name: src.Name, run: func() error {
			return c.cacheNetfile(ctx, src)
		}})
	}
	for i := range gits {
		src := &gits[i]
		jobs = append(jobs, job{key: src.Domain(), name: src.Name, run: func() error {
			return c.cacheGit(src)
		}})
	}
	return jobs
}

// removeUnusedSources deletes cached files and mirrors no recipe of this
// run refers to.
func (c *Cache) removeUnusedSources(netfiles, gits []Source) error {
	used := make([]map[string]bool, kindCount)
	for k := range used {
		used[k] = make(map[string]bool)
	}
	for i := range netfiles {
		for _, f := range IntegFilesOf(&netfiles[i]) {
			used[f.Kind][digestPathName(f.Kind, f.Sum)] = true
		}
	}
	usedGit := make(map[string]bool)
	for i := range gits {
		usedGit[filepath.Base(c.Layout.GitRepo(gits[i].URLHash))] = true
	}

	var errs []error
	err := c.Identity.AsUser(func() error {
		for k := DigestKind(0); k < kindCount; k++ {
			errs = append(errs, removeUnused(c.Layout.FileCache(k), used[k]))
		}
		errs = append(errs, removeUnused(c.Layout.GitRepos(), usedGit))
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Join(errs...)
}

// removeUnusedPkgbuildRepos deletes PKGBUILD mirrors of recipes no longer
// listed.
func (c *Cache) removeUnusedPkgbuildRepos(recipes []*Recipe) error {
	used := make(map[string]bool, len(recipes))
	for _, r := range recipes {
		used[r.Name] = true
	}
	return c.Identity.AsUser(func() error {
		return removeUnused(c.Layout.PkgbuildRepos(), used)
	})
}
