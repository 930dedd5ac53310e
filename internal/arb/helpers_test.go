package arb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeRunner records commands instead of running them. handle, when set,
// decides the outcome and may write to the command's stdout.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	handle func(cmd *exec.Cmd) error
}

func (f *fakeRunner) Run(cmd *exec.Cmd) error {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), cmd.Args...))
	f.mu.Unlock()
	if f.handle != nil {
		return f.handle(cmd)
	}
	return nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, strings.Join(c, " "))
	}
	return out
}

func writeStdout(cmd *exec.Cmd, s string) {
	if cmd.Stdout != nil {
		io.WriteString(cmd.Stdout, s)
	}
}

// fakeSys keeps a mount table in memory.
type fakeSys struct {
	mu        sync.Mutex
	points    []string
	failMount string // target whose mount fails
	stuck     string // target that refuses to unmount
}

func (f *fakeSys) mount(source, target, fstype string, flags uintptr, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if flags&unix.MS_PRIVATE != 0 && source == "" {
		return nil
	}
	if target == f.failMount {
		return fmt.Errorf("mount %s: %w", target, unix.EPERM)
	}
	f.points = append(f.points, filepath.Clean(target))
	return nil
}

func (f *fakeSys) unmount(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if target == f.stuck {
		return fmt.Errorf("umount %s: %w", target, unix.EBUSY)
	}
	for i := len(f.points) - 1; i >= 0; i-- {
		if f.points[i] == target {
			f.points = append(f.points[:i], f.points[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("umount %s: %w", target, unix.EINVAL)
}

func (f *fakeSys) mountPoints() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.points...), nil
}

func (f *fakeSys) under(dir string) []string {
	points, _ := f.mountPoints()
	var out []string
	for _, p := range points {
		if p == dir || strings.HasPrefix(p, dir+"/") {
			out = append(out, p)
		}
	}
	return out
}

// fakeSwitcher tracks effective ids instead of changing them.
type fakeSwitcher struct {
	mu   sync.Mutex
	euid int
	egid int
	fail error
	log  []string
}

func (f *fakeSwitcher) setresuid(r, e, s int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if e != -1 {
		f.euid = e
	}
	f.log = append(f.log, fmt.Sprintf("uid %d %d %d", r, e, s))
	return nil
}

func (f *fakeSwitcher) setresgid(r, e, s int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if e != -1 {
		f.egid = e
	}
	f.log = append(f.log, fmt.Sprintf("gid %d %d %d", r, e, s))
	return nil
}

func (f *fakeSwitcher) setgroups(gids []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, fmt.Sprintf("groups %v", gids))
	return nil
}

func (f *fakeSwitcher) effective() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.euid, f.egid
}

// testIdentity is the current user with a fake credential switcher.
func testIdentity(t *testing.T) (*Identity, *fakeSwitcher) {
	t.Helper()
	sw := &fakeSwitcher{euid: os.Getuid(), egid: os.Getgid()}
	id := &Identity{
		Uid:  os.Getuid(),
		Gid:  os.Getgid(),
		Name: "builder",
		Home: "/home/arb-test-user",
		sw:   sw,
	}
	return id, sw
}

func testLayout(t *testing.T) Layout {
	t.Helper()
	l, err := NewLayout(t.TempDir())
	require.NoError(t, err)
	return l
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

// directRunner runs commands for real as the current user.
type directRunner struct{}

func (directRunner) Run(cmd *exec.Cmd) error {
	var stderr strings.Builder
	if cmd.Stderr == nil {
		cmd.Stderr = &stderr
	}
	err := cmd.Run()
	if err != nil && stderr.Len() > 0 {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %s", err, stderr.String())
		}
	}
	return err
}

func mkdirAll(path string) error { return os.MkdirAll(path, 0o755) }
