package arb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	c := newTestCache(t, noNetwork(t))
	return &Pipeline{
		Settings:  Settings{FetchJobs: 2, BuildJobs: 2, CleanJobs: 4},
		Layout:    c.Layout,
		Identity:  c.Identity,
		Cache:     c,
		Publisher: &publisher{Layout: c.Layout, Identity: c.Identity},
		failed:    make(map[string]error),
	}
}

func TestCacheSourcesFailsOnlyAffectedRecipes(t *testing.T) {
	p := newTestPipeline(t)
	upstream := filepath.Join(t.TempDir(), "good.tar.gz")
	writeFile(t, upstream, testContent)

	good := digestSource(t, "file://"+upstream, "md5sum:"+testMD5)
	bad := digestSource(t, "file:///nonexistent/bad.tar.gz", "md5sum:"+otherMD5)
	// the same content under another URL and digest kind merges with bad
	badMirror := digestSource(t, "file:///nonexistent/mirror.tar.gz", "md5sum:"+otherMD5,
		"sha256sum:c9c35465c79d12978ce82af86aa8652840acdc22c8b5bcd7d828a855a55dbd57")

	a := &Recipe{Name: "a", Sources: []Source{good}}
	b := &Recipe{Name: "b", Sources: []Source{good, bad}}
	c := &Recipe{Name: "c", Sources: []Source{badMirror}}
	recipes := []*Recipe{a, b, c}

	var all []Source
	for _, r := range recipes {
		all = append(all, r.Sources...)
	}
	netfiles, gits, err := uniqueSources(all)
	require.NoError(t, err)
	require.Len(t, netfiles, 2)

	p.cacheSources(context.Background(), recipes, netfiles, gits)
	assert.Equal(t, []*Recipe{a}, p.live(recipes))
	assert.ErrorIs(t, p.failed["b"], ErrFetchExhausted)
	assert.ErrorIs(t, p.failed["c"], ErrFetchExhausted)
}

func TestCleanPkgdirWaitsForEveryIdentity(t *testing.T) {
	p := newTestPipeline(t)
	require.NoError(t, p.Publisher.prepare())
	old := p.Layout.PkgDir("b-old")
	writeFile(t, filepath.Join(old, "b-1-1-any.pkg.tar.zst"), "b")

	recipes := []*Recipe{{Name: "a", ID: "a-1"}, {Name: "b"}}
	p.cleanPkgdir(recipes)
	assert.DirExists(t, old, "b has no identity this run, its packages stay")

	recipes[1].ID = "b-new"
	p.cleanPkgdir(recipes)
	assert.NoDirExists(t, old)
}

func TestSkipBuilt(t *testing.T) {
	p := newTestPipeline(t)
	built := &Recipe{Name: "a", ID: "a-1", extracted: true}
	writeFile(t, filepath.Join(p.Layout.PkgDir(built.ID), "a-1-1-any.pkg.tar.zst"), "a")
	writeFile(t, filepath.Join(p.Layout.BuildDir("a"), "src", "x"), "x")
	pending := &Recipe{Name: "b", ID: "b-1"}

	got := p.skipBuilt([]*Recipe{built, pending})
	assert.Equal(t, []*Recipe{pending}, got)
	assert.NoDirExists(t, p.Layout.BuildDir("a"))
	assert.False(t, built.extracted)
}

func TestSummaryJoinsFailures(t *testing.T) {
	p := newTestPipeline(t)
	recipes := []*Recipe{{Name: "a"}, {Name: "b"}}
	assert.NoError(t, p.summary(recipes, []string{"a-1"}))

	p.fail(recipes[1], ErrBuildExhausted)
	p.fail(recipes[1], ErrFetchExhausted) // the first failure is kept
	err := p.summary(recipes, nil)
	assert.ErrorIs(t, err, ErrBuildExhausted)
	assert.NotErrorIs(t, err, ErrFetchExhausted)
}

func TestDumpPkgbuilds(t *testing.T) {
	requireGit(t)
	p := newTestPipeline(t)
	p.Git = &gitClient{Runner: directRunner{}}
	upstream := upstreamRepo(t, map[string]string{"PKGBUILD": "pkgname=demo\n"})
	require.NoError(t, p.Git.sync(p.Layout.PkgbuildRepo("demo"), upstream, pkgbuildRefspecs))

	recipes := []*Recipe{{Name: "demo"}, {Name: "missing"}}
	dir, err := p.dumpPkgbuilds(recipes)
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	data, err := os.ReadFile(filepath.Join(dir, "demo"))
	require.NoError(t, err)
	assert.Equal(t, "pkgname=demo\n", string(data))
	assert.Equal(t, []*Recipe{recipes[0]}, p.live(recipes))
}

// perRecipeMakepkg always fails the recipes named in failing and counts
// calls per recipe.
type perRecipeMakepkg struct {
	failing map[string]bool

	mu    sync.Mutex
	calls map[string]int
}

func (m *perRecipeMakepkg) makepkg(root *Root, r *Recipe, temp string, log *buildLog) error {
	m.mu.Lock()
	m.calls[r.Name]++
	m.mu.Unlock()
	if m.failing[r.Name] {
		os.WriteFile(filepath.Join(temp, "half.pkg.tar.zst"), []byte("partial"), 0o644)
		return errors.New("makepkg exited with status 4")
	}
	return os.WriteFile(filepath.Join(temp, r.Name+"-1-1-x86_64.pkg.tar.zst"), []byte("pkg"), 0o644)
}

func TestBuildAllIsolatesFailedRecipe(t *testing.T) {
	rf := newRootFixture(t)
	const tries = 3
	mk := &perRecipeMakepkg{failing: map[string]bool{"bad": true}, calls: make(map[string]int)}
	pub := &publisher{Layout: rf.layout, Identity: rf.id}
	p := &Pipeline{
		Settings:  Settings{BuildJobs: 2, CleanJobs: 2},
		Layout:    rf.layout,
		Identity:  rf.id,
		Roots:     rf.b,
		Publisher: pub,
		Builder: &Builder{
			Layout:    rf.layout,
			Identity:  rf.id,
			User:      rf.runner,
			Roots:     rf.b,
			Extractor: &extractor{Layout: rf.layout, Identity: rf.id, Git: &gitClient{Runner: rf.runner}, User: rf.runner},
			Publisher: pub,
			Makepkg:   mk,
			Tries:     tries,
		},
		failed: make(map[string]error),
	}

	var recipes []*Recipe
	for _, name := range []string{"a", "bad", "c", "d"} {
		recipes = append(recipes, &Recipe{Name: name, Commit: "abc", ID: name + "-abc-0000000000000001"})
	}

	built := p.buildAll(recipes)
	assert.Equal(t, []string{"a-abc-0000000000000001", "c-abc-0000000000000001", "d-abc-0000000000000001"}, built)
	assert.Equal(t, map[string]int{"a": 1, "bad": tries, "c": 1, "d": 1}, mk.calls)

	require.NoError(t, pub.linkLatest(recipes))
	for _, r := range recipes {
		if r.Name == "bad" {
			continue
		}
		name := r.Name + "-1-1-x86_64.pkg.tar.zst"
		assert.FileExists(t, filepath.Join(rf.layout.PkgDir(r.ID), name))
		for _, dir := range []string{rf.layout.Updated(), rf.layout.Latest()} {
			target, err := os.Readlink(filepath.Join(dir, name))
			require.NoError(t, err)
			assert.Equal(t, filepath.Join("..", r.ID, name), target)
		}
	}

	bad := recipes[1]
	assert.NoDirExists(t, rf.layout.TempPkgDir(bad.ID))
	assert.NoDirExists(t, rf.layout.PkgDir(bad.ID))
	assert.NoFileExists(t, filepath.Join(rf.layout.Updated(), "half.pkg.tar.zst"))
	assert.Empty(t, rf.sys.under(rf.layout.Roots()))
	assert.False(t, rf.id.Elevated())

	assert.Equal(t, []*Recipe{recipes[0], recipes[2], recipes[3]}, p.live(recipes))
	err := p.summary(recipes, built)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBuildExhausted)
}
