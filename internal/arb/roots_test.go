package arb

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rootFixture struct {
	layout Layout
	sys    *fakeSys
	runner *fakeRunner
	id     *Identity
	b      *rootBuilder
}

func newRootFixture(t *testing.T) *rootFixture {
	t.Helper()
	f := &rootFixture{layout: testLayout(t), sys: &fakeSys{}, runner: &fakeRunner{}}
	f.id, _ = testIdentity(t)
	etc := t.TempDir()
	for _, name := range []string{"passwd", "group", "shadow", "makepkg.conf", "resolv.conf"} {
		writeFile(t, filepath.Join(etc, name), name+"\n")
	}
	f.b = &rootBuilder{
		Layout:   f.layout,
		Sys:      f.sys,
		Identity: f.id,
		Runner:   f.runner,
		HostEtc:  etc,
		BasePkgs: []string{"base-devel"},
	}
	return f
}

func TestBuildBase(t *testing.T) {
	f := newRootFixture(t)
	root, err := f.b.buildBase()
	require.NoError(t, err)
	assert.Equal(t, rootReady, root.state)
	assert.Empty(t, f.sys.under(root.Path()), "base is left unmounted")
	assert.False(t, f.id.Elevated())

	base := f.layout.BaseRoot()
	assert.Equal(t, []string{
		"pacman -Sy --root " + base + " --noconfirm base-devel",
		"/usr/bin/mkhomedir_helper builder",
	}, f.runner.commands())
	data, err := os.ReadFile(filepath.Join(base, "etc", "makepkg.conf"))
	require.NoError(t, err)
	assert.Equal(t, "makepkg.conf\n", string(data))
	assert.DirExists(t, f.b.builderHome(base))

	require.NoError(t, root.Close())
	assert.Equal(t, rootRemoved, root.state)
	assert.NoDirExists(t, base)
	require.NoError(t, root.Close(), "closing twice is a no-op")
}

func TestOverlayTeardownLeavesNothing(t *testing.T) {
	f := newRootFixture(t)
	keep := filepath.Join(f.layout.Root, "pkgs", "keep")
	writeFile(t, keep, "precious")

	root, err := f.b.buildOverlay("demo", []string{"zlib", "cmake"})
	require.NoError(t, err)
	parent := f.layout.OverlayParent("demo")
	merged := filepath.Join(parent, "merged")
	assert.Equal(t, merged, root.Path())

	points := f.sys.under(parent)
	assert.Len(t, points, 1+len(baseMountSpecs)+1, "overlay, api filesystems and the builder bind")
	assert.Contains(t, points, f.b.builderHome(merged))
	assert.Contains(t, f.runner.commands(), "pacman -S --root "+merged+" --noconfirm --needed zlib cmake")

	require.NoError(t, root.Close())
	assert.Empty(t, f.sys.under(parent))
	assert.NoDirExists(t, parent)
	assert.FileExists(t, keep, "the work directory bound into the root survives")
}

func TestOverlayWithoutDepsSkipsPacman(t *testing.T) {
	f := newRootFixture(t)
	root, err := f.b.buildOverlay("demo", nil)
	require.NoError(t, err)
	defer root.Close()
	assert.Empty(t, f.runner.commands())
}

func TestOverlayRollbackOnPacmanFailure(t *testing.T) {
	f := newRootFixture(t)
	f.runner.handle = func(cmd *exec.Cmd) error {
		if filepath.Base(cmd.Args[0]) == "pacman" {
			return errors.New("target not found: nope")
		}
		return nil
	}

	root, err := f.b.buildOverlay("demo", []string{"nope"})
	require.Error(t, err)
	assert.Nil(t, root)
	parent := f.layout.OverlayParent("demo")
	assert.Empty(t, f.sys.under(parent))
	assert.NoDirExists(t, parent)
	assert.False(t, f.id.Elevated(), "the token is released on failure")
}

func TestOverlayRollbackOnMountFailure(t *testing.T) {
	f := newRootFixture(t)
	parent := f.layout.OverlayParent("demo")
	f.sys.failMount = filepath.Join(parent, "merged", "dev")

	_, err := f.b.buildOverlay("demo", nil)
	require.Error(t, err)
	assert.Empty(t, f.sys.under(parent))
	assert.NoDirExists(t, parent)
}

func TestOverlayRollbackWithoutResolvConf(t *testing.T) {
	f := newRootFixture(t)
	require.NoError(t, os.Remove(filepath.Join(f.b.HostEtc, "resolv.conf")))

	root, err := f.b.buildOverlay("demo", nil)
	require.Error(t, err)
	assert.Nil(t, root)
	assert.Contains(t, err.Error(), "failed to copy /etc/resolv.conf")
	assert.Empty(t, f.sys.under(f.layout.Roots()))
	assert.NoDirExists(t, f.layout.OverlayParent("demo"))
	assert.False(t, f.id.Elevated())
}

func TestOverlayReplacesResolvConf(t *testing.T) {
	f := newRootFixture(t)
	writeFile(t, filepath.Join(f.b.HostEtc, "resolv.conf"), "nameserver 10.0.0.1\n")

	root, err := f.b.buildOverlay("demo", nil)
	require.NoError(t, err)
	defer root.Close()
	data, err := os.ReadFile(filepath.Join(root.Path(), "etc", "resolv.conf"))
	require.NoError(t, err)
	assert.Equal(t, "nameserver 10.0.0.1\n", string(data))
}

func TestBaseShadowIsPrivate(t *testing.T) {
	f := newRootFixture(t)
	require.NoError(t, os.Chmod(filepath.Join(f.b.HostEtc, "shadow"), 0o644))

	root, err := f.b.buildBase()
	require.NoError(t, err)
	defer root.Close()
	info, err := os.Stat(filepath.Join(root.Path(), "etc", "shadow"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCloseKeepsDirectoryWhenUnmountFails(t *testing.T) {
	f := newRootFixture(t)
	root, err := f.b.buildOverlay("demo", nil)
	require.NoError(t, err)

	f.sys.stuck = filepath.Join(root.Path(), "tmp")
	err = root.Close()
	require.Error(t, err)
	assert.DirExists(t, root.parent, "nothing is deleted through a live mount")
	assert.NotEqual(t, rootRemoved, root.state)

	f.sys.stuck = ""
	require.NoError(t, root.Close())
	assert.NoDirExists(t, root.parent)
}

func TestStaleRootIsReplaced(t *testing.T) {
	f := newRootFixture(t)
	parent := f.layout.OverlayParent("demo")
	writeFile(t, filepath.Join(parent, "upper", "stale"), "x")
	f.sys.points = append(f.sys.points, filepath.Join(parent, "merged", "proc"))

	root, err := f.b.buildOverlay("demo", nil)
	require.NoError(t, err)
	defer root.Close()
	assert.NoFileExists(t, filepath.Join(parent, "upper", "stale"))
}

func TestCleanRoots(t *testing.T) {
	f := newRootFixture(t)
	_, err := f.b.buildOverlay("a", nil)
	require.NoError(t, err)
	_, err = f.b.buildOverlay("b", nil)
	require.NoError(t, err)

	require.NoError(t, f.b.cleanRoots())
	assert.Empty(t, f.sys.under(f.layout.Roots()))
	assert.NoDirExists(t, f.layout.Roots())
}

func TestRootStateTransitions(t *testing.T) {
	valid := [][2]rootState{
		{rootUnbuilt, rootLayoutCreated},
		{rootLayoutCreated, rootMounted},
		{rootMounted, rootPackagesInstalled},
		{rootPackagesInstalled, rootBuilderBound},
		{rootBuilderBound, rootReady},
		{rootLayoutCreated, rootUnmounted},
		{rootReady, rootUnmounted},
		{rootUnmounted, rootRemoved},
	}
	for _, tr := range valid {
		_, err := tr[0].next(tr[1])
		assert.NoError(t, err, "%s -> %s", tr[0], tr[1])
	}
	invalid := [][2]rootState{
		{rootUnbuilt, rootReady},
		{rootUnbuilt, rootUnmounted},
		{rootReady, rootRemoved},
		{rootRemoved, rootUnmounted},
		{rootMounted, rootBuilderBound},
	}
	for _, tr := range invalid {
		_, err := tr[0].next(tr[1])
		assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tr[0], tr[1])
	}
}

func TestParseMountinfo(t *testing.T) {
	data := `22 1 0:21 / / rw,relatime shared:1 - ext4 /dev/sda1 rw
35 22 0:32 / /srv/arb/roots/overlay-a/merged rw - overlay overlay rw
36 35 0:33 / /srv/arb/roots/overlay-a/merged/home/with\040space rw - tmpfs tmpfs rw
`
	points := parseMountinfo([]byte(data))
	assert.Equal(t, []string{
		"/",
		"/srv/arb/roots/overlay-a/merged",
		"/srv/arb/roots/overlay-a/merged/home/with space",
	}, points)
	assert.Equal(t, `a\b`, unescapeMountPath(`a\134b`))
	assert.True(t, strings.HasSuffix(unescapeMountPath(`x\0`), `\0`), "short escapes are kept")
}

func TestUnmountUnderInnermostFirst(t *testing.T) {
	sys := &fakeSys{points: []string{"/", "/r", "/r/proc", "/r/dev", "/r/dev/pts", "/rx"}}
	require.NoError(t, unmountUnder(sys, "/r/"))
	points, _ := sys.mountPoints()
	assert.Equal(t, []string{"/", "/rx"}, points, "siblings sharing a prefix stay")
}
