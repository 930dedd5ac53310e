package arb

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	sourceRefspecs   = []string{"+refs/heads/*:refs/heads/*", "+refs/tags/*:refs/tags/*"}
	pkgbuildRefspecs = []string{"+refs/heads/master:refs/heads/master"}
)

// gitClient drives the git CLI against bare mirrors.
type gitClient struct {
	Runner commandRunner
	Proxy  string
	Mirror string // optional prefix, tried before the upstream URL
}

func (g *gitClient) command(gitDir string, args ...string) *exec.Cmd {
	full := []string{"--git-dir", gitDir}
	if g.Proxy != "" {
		full = append(full, "-c", "http.proxy="+g.Proxy)
	}
	cmd := exec.Command("git", append(full, args...)...)
	cmd.Env = envWith("GIT_TERMINAL_PROMPT=0", "LANG=C")
	return cmd
}

func (g *gitClient) output(gitDir string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := g.command(gitDir, args...)
	cmd.Stderr = &stderr
	out, err := runOutput(g.Runner, cmd)
	if err != nil {
		return out, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func (g *gitClient) initBare(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err == nil {
		return nil
	}
	cmd := exec.Command("git", "init", "--bare", "--quiet", dir)
	cmd.Env = envWith("LANG=C")
	if err := g.Runner.Run(cmd); err != nil {
		return fmt.Errorf("failed to init bare repo %s: %w", dir, err)
	}
	return nil
}

func (g *gitClient) fetch(dir, remote string, refspecs []string) error {
	args := append([]string{"fetch", "--quiet", remote}, refspecs...)
	if err := g.Runner.Run(g.command(dir, args...)); err != nil {
		return fmt.Errorf("failed to fetch %s into %s: %w", remote, dir, err)
	}
	return nil
}

// sync creates the bare mirror at dir when needed and updates it from
// remote, preferring the configured mirror host.
func (g *gitClient) sync(dir, remote string, refspecs []string) error {
	if err := g.initBare(dir); err != nil {
		return err
	}
	if m := mirrorURL(g.Mirror, remote); m != "" {
		if err := g.fetch(dir, m, refspecs); err == nil {
			return nil
		}
		cPrintf(colWarn, "Mirror %s failed, falling back to %s\n", m, remote)
	}
	return g.fetch(dir, remote, refspecs)
}

// mirrorURL maps https://host/path to <prefix>/host/path.
func mirrorURL(prefix, remote string) string {
	if prefix == "" {
		return ""
	}
	u, err := url.Parse(remote)
	if err != nil || u.Host == "" {
		return ""
	}
	return prefix + "/" + u.Host + u.Path
}

// healthyPkgbuild reports whether a PKGBUILD mirror has a master branch
// carrying a PKGBUILD.
func (g *gitClient) healthyPkgbuild(dir string) bool {
	if _, err := g.output(dir, "rev-parse", "--verify", "--quiet", "refs/heads/master^{commit}"); err != nil {
		return false
	}
	_, err := g.output(dir, "cat-file", "-e", "master:PKGBUILD")
	return err == nil
}

// healthyMirror reports whether a source mirror holds at least one ref.
func (g *gitClient) healthyMirror(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err != nil {
		return false
	}
	out, err := g.output(dir, "for-each-ref", "--count=1")
	return err == nil && len(bytes.TrimSpace(out)) > 0
}

func (g *gitClient) commit(dir string) (string, error) {
	out, err := g.output(dir, "rev-parse", "--verify", "refs/heads/master^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *gitClient) catPKGBUILD(dir string) ([]byte, error) {
	return g.output(dir, "cat-file", "blob", "master:PKGBUILD")
}

// checkout writes the tree of master into workTree.
func (g *gitClient) checkout(dir, workTree string) error {
	if err := g.Runner.Run(g.command(dir, "--work-tree", workTree, "checkout", "-f", "master", "--", ".")); err != nil {
		return fmt.Errorf("failed to check out %s into %s: %w", dir, workTree, err)
	}
	return nil
}
