package arb

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

var ErrBuildExhausted = errors.New("all build attempts failed")

type buildState int

const (
	buildNotExtracted buildState = iota
	buildExtracted
	buildBuilding
	buildSucceeded
	buildFailedRetryable
	buildFailedFinal
)

func (s buildState) String() string {
	switch s {
	case buildNotExtracted:
		return "not-extracted"
	case buildExtracted:
		return "extracted"
	case buildBuilding:
		return "building"
	case buildSucceeded:
		return "succeeded"
	case buildFailedRetryable:
		return "failed-retryable"
	case buildFailedFinal:
		return "failed-final"
	}
	return fmt.Sprintf("buildState(%d)", int(s))
}

func (s buildState) next(to buildState) (buildState, error) {
	var ok bool
	switch to {
	case buildNotExtracted:
		ok = s == buildFailedRetryable
	case buildExtracted:
		ok = s == buildNotExtracted
	case buildBuilding:
		ok = s == buildExtracted
	case buildSucceeded, buildFailedRetryable:
		ok = s == buildBuilding
	case buildFailedFinal:
		ok = s == buildNotExtracted || s == buildBuilding || s == buildFailedRetryable
	}
	if !ok {
		return s, fmt.Errorf("%w: build %s -> %s", ErrInvalidTransition, s, to)
	}
	return to, nil
}

// buildRun tracks one recipe through its attempts.
type buildRun struct {
	recipe  *Recipe
	state   buildState
	attempt int
}

func (b *buildRun) advance(to buildState) error {
	s, err := b.state.next(to)
	if err != nil {
		return fmt.Errorf("%s: %w", b.recipe.Name, err)
	}
	debugf("%s: %s -> %s (attempt %d)\n", b.recipe.Name, b.state, s, b.attempt)
	b.state = s
	return nil
}

// makepkgRunner is what the build attempt itself goes through; the
// production value wraps the user executor.
type makepkgRunner interface {
	makepkg(root *Root, r *Recipe, temp string, log *buildLog) error
}

// Builder drives recipes from an extracted tree to published packages.
type Builder struct {
	Layout    Layout
	Identity  *Identity
	User      commandRunner
	Roots     *rootBuilder
	Extractor *extractor
	Publisher *publisher
	Makepkg   makepkgRunner
	Tries     int
	Sign      bool
}

// build runs up to Tries attempts for r inside a fresh overlay root.
func (bd *Builder) build(r *Recipe) (err error) {
	run := &buildRun{recipe: r}
	temp := bd.Layout.TempPkgDir(r.ID)
	start := time.Now()

	var log *buildLog
	err = bd.Identity.AsUser(func() error {
		var lerr error
		log, lerr = openBuildLog(bd.Layout.Logs(r.Name), r.ID)
		return lerr
	})
	if err != nil {
		return err
	}
	defer func() {
		var tail []string
		if err != nil {
			tail = log.tail(logTailLines)
		}
		var logPath string
		bd.Identity.AsUser(func() error {
			var ferr error
			logPath, ferr = log.finish()
			return ferr
		})
		if err != nil {
			cPrintf(colError, "Build of %s failed, last lines of %s:\n", r.Name, logPath)
			for _, line := range tail {
				fmt.Println("  " + line)
			}
		}
	}()

	root, err := bd.Roots.buildOverlay(r.Name, r.Deps)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := root.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	for run.attempt = 1; run.attempt <= bd.Tries; run.attempt++ {
		log.printf("==> arb: %s attempt %d/%d\n", r.ID, run.attempt, bd.Tries)
		if !r.extracted {
			if err := bd.Extractor.extract(r, log.writer()); err != nil {
				run.advance(buildFailedFinal)
				bd.Publisher.removeTemp(temp)
				return err
			}
		}
		if err := run.advance(buildExtracted); err != nil {
			return err
		}
		if err := bd.Publisher.freshTemp(temp); err != nil {
			return err
		}
		if err := run.advance(buildBuilding); err != nil {
			return err
		}

		stepf(colInfo, "Building %s (attempt %d/%d)\n", r.ID, run.attempt, bd.Tries)
		buildErr := bd.Makepkg.makepkg(root, r, temp, log)

		// makepkg leaves src/ and pkg/ behind either way
		bd.Identity.AsUser(func() error { return removeDirAllBest(bd.Layout.BuildDir(r.Name)) })
		r.extracted = false

		if buildErr == nil {
			if err := run.advance(buildSucceeded); err != nil {
				return err
			}
			if bd.Sign {
				if err := signArtifacts(bd.User, temp); err != nil {
					bd.Publisher.removeTemp(temp)
					return err
				}
			}
			if err := bd.Publisher.publish(r, temp); err != nil {
				return err
			}
			cPrintf(colSuccess, "Built %s in %s\n", r.ID, time.Since(start).Round(time.Second))
			return nil
		}

		cPrintf(colWarn, "Attempt %d/%d of %s failed: %v\n", run.attempt, bd.Tries, r.Name, buildErr)
		if err := run.advance(buildFailedRetryable); err != nil {
			return err
		}
		bd.Publisher.removeTemp(temp)
		if run.attempt < bd.Tries {
			if err := run.advance(buildNotExtracted); err != nil {
				return err
			}
		}
	}
	if err := run.advance(buildFailedFinal); err != nil {
		return err
	}
	return fmt.Errorf("%s: %w", r.ID, ErrBuildExhausted)
}

// chrootMakepkg runs makepkg inside the overlay with the work directory
// bound at <home>/builder.
type chrootMakepkg struct {
	Layout   Layout
	Identity *Identity
	User     commandRunner
	Root     commandRunner
	NoNet    bool
}

func (m *chrootMakepkg) makepkg(root *Root, r *Recipe, temp string, log *buildLog) error {
	cmd, asRoot, err := m.command(root, r, temp)
	if err != nil {
		return err
	}
	cmd.Stdout = log.writer()
	cmd.Stderr = log.writer()
	if asRoot {
		return m.Root.Run(cmd)
	}
	return m.User.Run(cmd)
}

var makepkgArgs = []string{"/usr/bin/makepkg", "--holdver", "--nodeps", "--noextract", "--ignorearch"}

// command builds the makepkg invocation; the second result tells whether it
// must be started as root.
func (m *chrootMakepkg) command(root *Root, r *Recipe, temp string) (*exec.Cmd, bool, error) {
	builder := filepath.Join(m.Identity.Home, "builder")
	relBuild, err := filepath.Rel(m.Layout.Root, m.Layout.BuildDir(r.Name))
	if err != nil {
		return nil, false, err
	}
	relTemp, err := filepath.Rel(m.Layout.Root, temp)
	if err != nil {
		return nil, false, err
	}
	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/bin",
		"HOME=" + m.Identity.Home,
		"USER=" + m.Identity.Name,
		"LOGNAME=" + m.Identity.Name,
		"LANG=C",
		"PKGDEST=" + filepath.Join(builder, relTemp),
	}

	var cmd *exec.Cmd
	attr := &syscall.SysProcAttr{Chroot: root.Path()}
	asRoot := false
	if m.NoNet {
		// a fresh network namespace only has a loopback device, down
		script := fmt.Sprintf("ip link set dev lo up && exec setpriv --reuid=%d --regid=%d --clear-groups -- %s",
			m.Identity.Uid, m.Identity.Gid, strings.Join(makepkgArgs, " "))
		cmd = exec.Command("/bin/sh", "-c", script)
		attr.Cloneflags = syscall.CLONE_NEWNET
		asRoot = true
	} else {
		cmd = exec.Command(makepkgArgs[0], makepkgArgs[1:]...)
	}
	cmd.SysProcAttr = attr
	cmd.Dir = filepath.Join(builder, relBuild)
	cmd.Env = env
	return cmd, asRoot, nil
}

// signArtifacts writes a detached signature next to every package file.
func signArtifacts(r commandRunner, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !isArtifact(e.Name()) {
			continue
		}
		cmd := exec.Command("gpg", "--batch", "--yes", "--detach-sign", filepath.Join(dir, e.Name()))
		if err := r.Run(cmd); err != nil {
			return fmt.Errorf("failed to sign %s: %w", e.Name(), err)
		}
	}
	return nil
}
