package arb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

var ErrInvalidTransition = errors.New("invalid state transition")

type rootState int

const (
	rootUnbuilt rootState = iota
	rootLayoutCreated
	rootMounted
	rootPackagesInstalled
	rootBuilderBound
	rootReady
	rootUnmounted
	rootRemoved
)

func (s rootState) String() string {
	switch s {
	case rootUnbuilt:
		return "unbuilt"
	case rootLayoutCreated:
		return "layout-created"
	case rootMounted:
		return "mounted"
	case rootPackagesInstalled:
		return "packages-installed"
	case rootBuilderBound:
		return "builder-bound"
	case rootReady:
		return "ready"
	case rootUnmounted:
		return "unmounted"
	case rootRemoved:
		return "removed"
	}
	return fmt.Sprintf("rootState(%d)", int(s))
}

// next validates the transition s -> to. Construction moves one step at a
// time; teardown may start from any state that has something on disk.
func (s rootState) next(to rootState) (rootState, error) {
	var ok bool
	switch to {
	case rootLayoutCreated:
		ok = s == rootUnbuilt
	case rootMounted:
		ok = s == rootLayoutCreated
	case rootPackagesInstalled:
		ok = s == rootMounted
	case rootBuilderBound:
		ok = s == rootPackagesInstalled
	case rootReady:
		ok = s == rootBuilderBound
	case rootUnmounted:
		ok = s >= rootLayoutCreated && s <= rootReady
	case rootRemoved:
		ok = s == rootUnmounted
	}
	if !ok {
		return s, fmt.Errorf("%w: root %s -> %s", ErrInvalidTransition, s, to)
	}
	return to, nil
}

// Root is an isolated filesystem tree. It owns its directory: Close
// unmounts everything below it and deletes it.
type Root struct {
	kind   string
	path   string // what gets chrooted into
	parent string // what gets removed
	state  rootState
	b      *rootBuilder
}

func (r *Root) Path() string { return r.path }

func (r *Root) advance(to rootState) error {
	s, err := r.state.next(to)
	if err != nil {
		return fmt.Errorf("%s root %s: %w", r.kind, r.parent, err)
	}
	debugf("%s root %s: %s -> %s\n", r.kind, r.parent, r.state, s)
	r.state = s
	return nil
}

// Close tears the root down. Closing twice, or closing a root that was
// never built, does nothing.
func (r *Root) Close() error {
	if r == nil || r.state == rootUnbuilt || r.state == rootRemoved {
		return nil
	}
	return withPrivilege(r.b.Identity, r.teardown)
}

// teardown needs a privilege token.
func (r *Root) teardown() error {
	if r.state != rootUnmounted {
		if err := unmountUnder(r.b.Sys, r.parent); err != nil {
			// never delete through a mount that could not be released
			return fmt.Errorf("failed to unmount %s root %s: %w", r.kind, r.parent, err)
		}
		if err := r.advance(rootUnmounted); err != nil {
			return err
		}
	}
	if err := removeDirAllBest(r.parent); err != nil {
		return err
	}
	return r.advance(rootRemoved)
}

// rootBuilder constructs base and overlay roots.
type rootBuilder struct {
	Layout   Layout
	Sys      sysOps
	Identity *Identity
	Runner   commandRunner // runs as root
	HostEtc  string
	BasePkgs []string
}

// construct runs steps under a privilege token. Any failure, panics
// included, tears the half built root down again.
func (b *rootBuilder) construct(r *Root, steps func() error) (err error) {
	tok, err := b.Identity.Elevate()
	if err != nil {
		return err
	}
	defer tok.Release()

	ok := false
	defer func() {
		if ok || r.state == rootUnbuilt {
			return
		}
		cPrintf(colWarn, "Tearing down unfinished %s root %s\n", r.kind, r.parent)
		if terr := r.teardown(); terr != nil {
			cPrintf(colError, "Failed to tear down %s: %v\n", r.parent, terr)
			err = errors.Join(err, terr)
		}
	}()

	if err := b.removeStale(r.parent); err != nil {
		return err
	}
	if err := steps(); err != nil {
		return err
	}
	ok = true
	return nil
}

// removeStale clears what a previous, interrupted run left behind.
func (b *rootBuilder) removeStale(parent string) error {
	if err := unmountUnder(b.Sys, parent); err != nil {
		return fmt.Errorf("failed to unmount stale %s: %w", parent, err)
	}
	return removeDirAllBest(parent)
}

var baseLayoutDirs = []string{
	"boot", "dev/pts", "dev/shm", "etc/pacman.d", "proc", "run", "sys",
	"tmp", "var/cache/pacman/pkg", "var/lib/pacman", "var/log",
}

// builderHome is where the work directory appears inside a root.
func (b *rootBuilder) builderHome(root string) string {
	return filepath.Join(root, b.Identity.Home, "builder")
}

// buildBase installs the base packages into roots/base. The result is left
// unmounted; overlays use it as their read-only lower layer.
func (b *rootBuilder) buildBase() (*Root, error) {
	path := b.Layout.BaseRoot()
	r := &Root{kind: "base", path: path, parent: path, b: b}
	stepf(colInfo, "Building base root %s\n", path)

	err := b.construct(r, func() error {
		for _, dir := range baseLayoutDirs {
			if err := os.MkdirAll(filepath.Join(path, dir), 0o755); err != nil {
				return err
			}
		}
		if err := r.advance(rootLayoutCreated); err != nil {
			return err
		}

		// pacman wants the root to be a mount point
		if err := bindMount(b.Sys, path, path); err != nil {
			return err
		}
		if err := mountBase(b.Sys, path); err != nil {
			return err
		}
		if err := r.advance(rootMounted); err != nil {
			return err
		}

		if err := b.pacman(append([]string{"-Sy", "--root", path, "--noconfirm"}, b.BasePkgs...)...); err != nil {
			return err
		}
		if err := r.advance(rootPackagesInstalled); err != nil {
			return err
		}

		for _, name := range []string{"passwd", "group", "shadow", "makepkg.conf"} {
			if err := copyFile(filepath.Join(b.HostEtc, name), filepath.Join(path, "etc", name), 0o644); err != nil {
				return fmt.Errorf("failed to copy /etc/%s into base root: %w", name, err)
			}
		}
		if err := os.Chmod(filepath.Join(path, "etc", "shadow"), 0o600); err != nil {
			return fmt.Errorf("failed to restrict /etc/shadow in base root: %w", err)
		}
		mkhome := exec.Command("/usr/bin/mkhomedir_helper", b.Identity.Name)
		mkhome.Dir = "/"
		mkhome.SysProcAttr = &syscall.SysProcAttr{Chroot: path}
		if err := b.Runner.Run(mkhome); err != nil {
			return fmt.Errorf("failed to create home of %s in base root: %w", b.Identity.Name, err)
		}
		builder := b.builderHome(path)
		if err := os.MkdirAll(builder, 0o755); err != nil {
			return err
		}
		if err := os.Chown(builder, b.Identity.Uid, b.Identity.Gid); err != nil {
			return err
		}
		if err := r.advance(rootBuilderBound); err != nil {
			return err
		}

		if err := unmountUnder(b.Sys, path); err != nil {
			return err
		}
		return r.advance(rootReady)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build base root: %w", err)
	}
	return r, nil
}

// buildOverlay layers a writable tree over the base root, installs deps
// into it and binds the work directory at <home>/builder.
func (b *rootBuilder) buildOverlay(name string, deps []string) (*Root, error) {
	parent := b.Layout.OverlayParent(name)
	upper := filepath.Join(parent, "upper")
	work := filepath.Join(parent, "work")
	merged := filepath.Join(parent, "merged")
	r := &Root{kind: "overlay", path: merged, parent: parent, b: b}

	err := b.construct(r, func() error {
		for _, dir := range []string{upper, work, merged} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		if err := r.advance(rootLayoutCreated); err != nil {
			return err
		}

		opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", b.Layout.BaseRoot(), upper, work)
		if err := b.Sys.mount("overlay", merged, "overlay", 0, opts); err != nil {
			return err
		}
		if err := mountBase(b.Sys, merged); err != nil {
			return err
		}
		if err := r.advance(rootMounted); err != nil {
			return err
		}

		if len(deps) > 0 {
			args := append([]string{"-S", "--root", merged, "--noconfirm", "--needed"}, deps...)
			if err := b.pacman(args...); err != nil {
				return err
			}
		}
		if err := r.advance(rootPackagesInstalled); err != nil {
			return err
		}

		builder := b.builderHome(merged)
		if err := os.MkdirAll(builder, 0o755); err != nil {
			return err
		}
		if err := bindMount(b.Sys, b.Layout.Root, builder); err != nil {
			return err
		}
		gnupg := filepath.Join(b.Identity.Home, ".gnupg")
		if info, err := os.Stat(gnupg); err == nil && info.IsDir() {
			target := filepath.Join(merged, gnupg)
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
			if err := bindMount(b.Sys, gnupg, target); err != nil {
				return err
			}
		}
		resolv := filepath.Join(merged, "etc", "resolv.conf")
		if err := os.MkdirAll(filepath.Dir(resolv), 0o755); err != nil {
			return err
		}
		if err := os.Remove(resolv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to replace /etc/resolv.conf in %s: %w", merged, err)
		}
		if err := copyFile(filepath.Join(b.HostEtc, "resolv.conf"), resolv, 0o644); err != nil {
			return fmt.Errorf("failed to copy /etc/resolv.conf into %s: %w", merged, err)
		}
		if err := r.advance(rootBuilderBound); err != nil {
			return err
		}
		return r.advance(rootReady)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build overlay root for %s: %w", name, err)
	}
	return r, nil
}

func (b *rootBuilder) pacman(args ...string) error {
	cmd := exec.Command("pacman", args...)
	cmd.Env = envWith("LANG=C")
	if err := b.Runner.Run(cmd); err != nil {
		return fmt.Errorf("pacman %s failed: %w", args[0], err)
	}
	return nil
}

// cleanRoots unmounts and deletes every root a previous run left behind.
func (b *rootBuilder) cleanRoots() error {
	return withPrivilege(b.Identity, func() error {
		return b.removeStale(b.Layout.Roots())
	})
}
