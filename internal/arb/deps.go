package arb

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

const (
	dependsScript    = `. "$1"; for dep in "${depends[@]}" "${makedepends[@]}"; do echo "${dep}"; done`
	pkgverTypeScript = `. "$1"; type -t pkgver`
	pkgverScript     = `srcdir="$1"; cd "$1"; source ../PKGBUILD; pkgver`
)

// readDepends lists depends and makedepends of a PKGBUILD, sorted and
// deduplicated.
func readDepends(r commandRunner, pkgbuild string) ([]string, error) {
	out, err := runOutput(r, exec.Command("bash", "-ec", dependsScript, "Depends reader", pkgbuild))
	if err != nil {
		return nil, fmt.Errorf("failed to read dependencies of %s: %w", pkgbuild, err)
	}
	deps := splitLines(out)
	slices.Sort(deps)
	return slices.Compact(deps), nil
}

// depName strips a version constraint such as >=1.2 from a dependency.
func depName(dep string) string {
	if i := strings.IndexAny(dep, "<>="); i >= 0 {
		return dep[:i]
	}
	return dep
}

// depHash hashes what the sync databases in dbpath know about deps, so a
// dependency update changes the identity of every dependent recipe. Only a
// failure to run pacman is an error; unknown packages just change the
// output.
func depHash(r commandRunner, dbpath string, deps []string) (uint64, error) {
	if len(deps) == 0 {
		return hash64(nil), nil
	}
	names := make([]string, 0, len(deps))
	for _, dep := range deps {
		names = append(names, depName(dep))
	}
	args := append([]string{"-Si", "--dbpath", dbpath}, names...)
	cmd := exec.Command("pacman", args...)
	cmd.Env = envWith("LANG=C")
	cmd.Stderr = io.Discard
	out, err := runOutput(r, cmd)
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return 0, fmt.Errorf("failed to run pacman: %w", err)
		}
	}
	return hash64(out), nil
}

// pkgverIsFunc reports whether the PKGBUILD defines a pkgver() function.
func pkgverIsFunc(r commandRunner, pkgbuild string) (bool, error) {
	out, err := runOutput(r, exec.Command("bash", "-c", pkgverTypeScript, "Type identifier", pkgbuild))
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return false, fmt.Errorf("failed to inspect %s: %w", pkgbuild, err)
		}
	}
	return string(out) == "function\n", nil
}

// runPkgver runs pkgver() of an extracted recipe in its src directory.
func runPkgver(r commandRunner, buildDir string) (string, error) {
	srcdir := filepath.Join(buildDir, "src")
	cmd := exec.Command("bash", "-ec", pkgverScript, "pkgver runner", srcdir)
	cmd.Dir = srcdir
	out, err := runOutput(r, cmd)
	if err != nil {
		return "", fmt.Errorf("pkgver() failed in %s: %w", buildDir, err)
	}
	ver := strings.TrimSpace(string(out))
	if ver == "" {
		return "", fmt.Errorf("pkgver() in %s printed nothing", buildDir)
	}
	return ver, nil
}
