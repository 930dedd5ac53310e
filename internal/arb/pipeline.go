package arb

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pipeline wires every stage of one build run together.
type Pipeline struct {
	Settings Settings
	Config   *Config
	Layout   Layout
	Identity *Identity

	User      *Executor
	Git       *gitClient
	Cache     *Cache
	Roots     *rootBuilder
	Extractor *extractor
	Publisher *publisher
	Builder   *Builder

	mu     sync.Mutex
	failed map[string]error
}

func newPipeline(ctx context.Context, s Settings, cfg *Config, id *Identity) (*Pipeline, error) {
	layout, err := NewLayout(s.Workdir)
	if err != nil {
		return nil, err
	}
	user := NewExecutor(ctx, id)
	root := user.Root()
	git := &gitClient{Runner: user, Proxy: s.Proxy, Mirror: s.GitMirror}
	roots := &rootBuilder{
		Layout:   layout,
		Sys:      linuxSys{},
		Identity: id,
		Runner:   root,
		HostEtc:  "/etc",
		BasePkgs: s.BasePkgs,
	}
	ext := &extractor{Layout: layout, Identity: id, Git: git, User: user}
	pub := &publisher{Layout: layout, Identity: id}

	return &Pipeline{
		Settings: s,
		Config:   cfg,
		Layout:   layout,
		Identity: id,
		User:     user,
		Git:      git,
		Cache: &Cache{
			Layout:   layout,
			Identity: id,
			Fetcher:  &Fetcher{Runner: user, Proxy: s.Proxy, Native: s.NativeHTTP},
			Git:      git,
			SkipInt:  s.SkipInt,
			HoldGit:  s.HoldGit,
		},
		Roots:     roots,
		Extractor: ext,
		Publisher: pub,
		Builder: &Builder{
			Layout:    layout,
			Identity:  id,
			User:      user,
			Roots:     roots,
			Extractor: ext,
			Publisher: pub,
			Makepkg: &chrootMakepkg{
				Layout:   layout,
				Identity: id,
				User:     user,
				Root:     root,
				NoNet:    s.NoNet,
			},
			Tries: s.BuildTries,
			Sign:  s.Sign,
		},
		failed: make(map[string]error),
	}, nil
}

func (p *Pipeline) fail(r *Recipe, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.failed[r.Name]; !ok {
		p.failed[r.Name] = err
	}
}

func (p *Pipeline) live(recipes []*Recipe) []*Recipe {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Recipe
	for _, r := range recipes {
		if _, bad := p.failed[r.Name]; !bad {
			out = append(out, r)
		}
	}
	return out
}

// Run executes the whole pipeline. Failed recipes drop out of later stages;
// the returned error joins every failure.
func (p *Pipeline) Run(ctx context.Context) error {
	recipes, err := loadRecipes(p.Settings.PkgbuildsFile)
	if err != nil {
		return err
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Loaded %d recipes, work directory %s\n", len(recipes), p.Layout.Root)

	if err := p.Cache.ensureDirs(); err != nil {
		return err
	}
	p.syncPkgbuilds(recipes)

	pkgbuilds, err := p.dumpPkgbuilds(p.live(recipes))
	if err != nil {
		return err
	}
	defer os.RemoveAll(pkgbuilds)

	// Bad source definitions are configuration errors: stop before fetching.
	if err := p.readAllSources(p.live(recipes), pkgbuilds); err != nil {
		return err
	}
	var all []Source
	for _, r := range p.live(recipes) {
		all = append(all, r.Sources...)
	}
	netfiles, gits, err := uniqueSources(all)
	if err != nil {
		return err
	}

	var bg errgroup.Group
	bg.Go(func() error {
		return p.Identity.AsUser(func() error { return removeDirAllBest(p.Layout.Build()) })
	})
	if !p.Settings.NoClean {
		bg.Go(func() error { return p.Cache.removeUnusedSources(netfiles, gits) })
		bg.Go(func() error { return p.Cache.removeUnusedPkgbuildRepos(recipes) })
	}

	p.cacheSources(ctx, recipes, netfiles, gits)
	if err := bg.Wait(); err != nil {
		cPrintf(colWarn, "Warning: cleanup failed: %v\n", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.resolvePkgvers(p.live(recipes), pkgbuilds)

	base, err := p.Roots.buildBase()
	if err != nil {
		return err
	}
	defer func() {
		if err := base.Close(); err != nil {
			cPrintf(colError, "Failed to remove base root: %v\n", err)
		}
	}()

	p.resolveIdentities(p.live(recipes), pkgbuilds, filepath.Join(base.Path(), "var", "lib", "pacman"))

	pending := p.skipBuilt(p.live(recipes))
	built := p.buildAll(pending)

	if err := p.Publisher.linkLatest(recipes); err != nil {
		cPrintf(colWarn, "Warning: failed to link latest packages: %v\n", err)
	}
	p.Identity.AsUser(func() error { return removeDirAllBest(p.Layout.Build()) })
	if !p.Settings.NoClean {
		p.cleanPkgdir(recipes)
	}
	if p.Settings.Upload && len(built) > 0 {
		if err := p.upload(ctx, built); err != nil {
			cPrintf(colError, "Upload failed: %v\n", err)
			return errors.Join(p.summary(recipes, built), err)
		}
	}
	return p.summary(recipes, built)
}

// syncPkgbuilds mirrors every recipe repository and records its commit.
func (p *Pipeline) syncPkgbuilds(recipes []*Recipe) {
	jobs := make([]job, 0, len(recipes))
	for _, r := range recipes {
		src := Source{URL: r.URL}
		jobs = append(jobs, job{key: src.Domain(), name: r.Name, run: func() error {
			dir := p.Layout.PkgbuildRepo(r.Name)
			if p.Settings.HoldPkg && p.Git.healthyPkgbuild(dir) {
				debugf("Holding PKGBUILD repo of %s\n", r.Name)
			} else {
				stepf(colInfo, "Syncing PKGBUILD repo of %s\n", r.Name)
				if err := p.Git.sync(dir, r.URL, pkgbuildRefspecs); err != nil {
					p.fail(r, err)
					return err
				}
			}
			commit, err := p.Git.commit(dir)
			if err != nil {
				p.fail(r, err)
				return err
			}
			r.Commit = commit
			return nil
		}})
	}
	runPartitioned(jobs, p.Settings.FetchJobs, "sync")
}

// dumpPkgbuilds writes the PKGBUILD at master of every recipe into a
// temporary directory, named after the recipe.
func (p *Pipeline) dumpPkgbuilds(recipes []*Recipe) (string, error) {
	var dir string
	err := p.Identity.AsUser(func() error {
		var err error
		dir, err = os.MkdirTemp("", "arb-pkgbuilds-")
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create PKGBUILD dump directory: %w", err)
	}
	for _, r := range recipes {
		data, err := p.Git.catPKGBUILD(p.Layout.PkgbuildRepo(r.Name))
		if err != nil {
			p.fail(r, err)
			continue
		}
		err = p.Identity.AsUser(func() error {
			return os.WriteFile(filepath.Join(dir, r.Name), data, 0o644)
		})
		if err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	}
	return dir, nil
}

func (p *Pipeline) readAllSources(recipes []*Recipe, pkgbuilds string) error {
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	errs := make([]error, len(recipes))
	for i, r := range recipes {
		g.Go(func() error {
			sources, err := readSources(p.User, filepath.Join(pkgbuilds, r.Name))
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", r.Name, err)
				return nil
			}
			r.Sources = sources
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func digestKey(kind DigestKind, sum []byte) string {
	return kind.String() + "/" + hex.EncodeToString(sum)
}

// cacheSources caches every unique source and fails the recipes whose
// sources could not be cached.
func (p *Pipeline) cacheSources(ctx context.Context, recipes []*Recipe, netfiles, gits []Source) {
	stepf(colInfo, "Caching %d files and %d git repositories\n", len(netfiles), len(gits))
	var mu sync.Mutex
	missing := make(map[string]error)
	jobs := p.Cache.fetchJobs(ctx, netfiles, gits)
	for i := range jobs {
		run := jobs[i].run
		j := &jobs[i]
		var src *Source
		if i < len(netfiles) {
			src = &netfiles[i]
		} else {
			src = &gits[i-len(netfiles)]
		}
		j.run = func() error {
			err := run()
			if err != nil {
				mu.Lock()
				if src.Protocol == ProtoGit {
					missing[fmt.Sprintf("git/%016x", src.URLHash)] = err
				}
				for _, f := range IntegFilesOf(src) {
					missing[digestKey(f.Kind, f.Sum)] = err
				}
				mu.Unlock()
			}
			return err
		}
	}
	runPartitioned(jobs, p.Settings.FetchJobs, "fetch")

	for _, r := range p.live(recipes) {
		for i := range r.Sources {
			src := &r.Sources[i]
			if err, ok := missing[fmt.Sprintf("git/%016x", src.URLHash)]; ok && src.Protocol == ProtoGit {
				p.fail(r, err)
			}
			for _, f := range IntegFilesOf(src) {
				if err, ok := missing[digestKey(f.Kind, f.Sum)]; ok {
					p.fail(r, err)
				}
			}
		}
	}
}

// extractOutput is where output of extractions outside a build goes.
func extractOutput() io.Writer {
	if Debug {
		return os.Stdout
	}
	return io.Discard
}

// resolvePkgvers extracts recipes with a pkgver() function and runs it.
func (p *Pipeline) resolvePkgvers(recipes []*Recipe, pkgbuilds string) {
	pool := NewPool(p.Settings.BuildJobs, "pkgver")
	for _, r := range recipes {
		pool.Go(r.Name, func() error {
			isFunc, err := pkgverIsFunc(p.User, filepath.Join(pkgbuilds, r.Name))
			if err != nil || !isFunc {
				if err != nil {
					p.fail(r, err)
				}
				return err
			}
			if err := p.Extractor.extract(r, extractOutput()); err != nil {
				p.fail(r, err)
				return err
			}
			ver, err := runPkgver(p.User, p.Layout.BuildDir(r.Name))
			if err != nil {
				p.fail(r, err)
				return err
			}
			r.Pkgver = Pkgver{Func: true, Value: ver}
			debugf("%s pkgver is %s\n", r.Name, ver)
			return nil
		})
	}
	pool.Wait()
}

// resolveIdentities reads dependencies, hashes them and names every recipe.
func (p *Pipeline) resolveIdentities(recipes []*Recipe, pkgbuilds, dbpath string) {
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for _, r := range recipes {
		g.Go(func() error {
			deps, err := readDepends(p.User, filepath.Join(pkgbuilds, r.Name))
			if err != nil {
				p.fail(r, err)
				return nil
			}
			hash, err := depHash(p.User, dbpath, deps)
			if err != nil {
				p.fail(r, err)
				return nil
			}
			r.Deps, r.DepHash = deps, hash
			r.ID = r.identity()
			debugf("%s identity is %s\n", r.Name, r.ID)
			return nil
		})
	}
	g.Wait()
}

// skipBuilt returns the recipes that still need a build; build dirs of the
// others are removed.
func (p *Pipeline) skipBuilt(recipes []*Recipe) []*Recipe {
	var pending []*Recipe
	cleaner := NewPool(p.Settings.CleanJobs, "clean")
	for _, r := range recipes {
		if !p.Publisher.isBuilt(r) {
			pending = append(pending, r)
			continue
		}
		debugf("%s is up to date\n", r.ID)
		cleaner.Go(r.Name, func() error {
			r.extracted = false
			return p.Identity.AsUser(func() error { return removeDirAllBest(p.Layout.BuildDir(r.Name)) })
		})
	}
	if err := cleaner.Wait(); err != nil {
		cPrintf(colWarn, "Warning: %v\n", err)
	}
	return pending
}

// buildAll builds the pending recipes and returns the ids it published.
func (p *Pipeline) buildAll(pending []*Recipe) []string {
	if err := p.Publisher.prepare(); err != nil {
		for _, r := range pending {
			p.fail(r, err)
		}
		return nil
	}
	if len(pending) == 0 {
		return nil
	}
	stepf(colInfo, "Building %d packages\n", len(pending))

	var mu sync.Mutex
	var built []string
	pool := NewPool(p.Settings.BuildJobs, "build")
	for _, r := range pending {
		pool.Go(r.Name, func() error {
			if err := p.Builder.build(r); err != nil {
				p.fail(r, err)
				return err
			}
			mu.Lock()
			built = append(built, r.ID)
			mu.Unlock()
			return nil
		})
	}
	pool.Wait()
	sort.Strings(built)
	return built
}

// cleanPkgdir only runs when every recipe got an identity, so a transient
// failure never deletes the packages of a recipe.
func (p *Pipeline) cleanPkgdir(recipes []*Recipe) {
	for _, r := range recipes {
		if r.ID == "" {
			cPrintf(colWarn, "Keeping old package directories: %s has no identity\n", r.Name)
			return
		}
	}
	if err := p.Publisher.cleanPkgdir(recipes); err != nil {
		cPrintf(colWarn, "Warning: failed to clean package directory: %v\n", err)
	}
}

func (p *Pipeline) upload(ctx context.Context, ids []string) error {
	client, err := NewR2Client(ctx, p.Config)
	if err != nil {
		return err
	}
	return uploadPackages(ctx, client, p.Publisher, ids)
}

// summary prints what was built and joins the failures.
func (p *Pipeline) summary(recipes []*Recipe, built []string) error {
	if len(built) > 0 {
		colArrow.Print("-> ")
		colSuccess.Println("Built packages:")
		for _, id := range built {
			fmt.Printf("  - %s\n", colNote.Sprint(id))
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.failed) == 0 {
		return nil
	}
	colArrow.Print("-> ")
	colError.Println("Failed recipes:")
	var errs []error
	for _, r := range recipes {
		if err, ok := p.failed[r.Name]; ok {
			fmt.Printf("  - %-20s: %v\n", r.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, err))
		}
	}
	return errors.Join(errs...)
}
