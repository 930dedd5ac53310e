package arb

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
)

var (
	ErrNotElevated = errors.New("operation requires an elevated privilege token")
	ErrNoSudoUser  = errors.New("SUDO_UID/SUDO_GID not set; run arb through sudo")
)

// credSwitcher changes the credentials of the whole process.
type credSwitcher interface {
	setresuid(ruid, euid, suid int) error
	setresgid(rgid, egid, sgid int) error
	setgroups(gids []int) error
}

// The syscall package variants apply to every thread of the process, which
// is what a long lived euid switch needs.
type unixSwitcher struct{}

func (unixSwitcher) setresuid(r, e, s int) error { return syscall.Setresuid(r, e, s) }
func (unixSwitcher) setresgid(r, e, s int) error { return syscall.Setresgid(r, e, s) }
func (unixSwitcher) setgroups(gids []int) error  { return syscall.Setgroups(gids) }

// Identity is the unprivileged user the run acts as. The process keeps root
// only as its saved uid and regains it through Elevate.
type Identity struct {
	Uid    int
	Gid    int
	Name   string
	Home   string
	Groups []int

	sw credSwitcher

	mu      sync.Mutex
	holders int

	// fsMu keeps in-process file work of the user (AsUser) from running
	// while the effective uid is root.
	fsMu sync.RWMutex
}

// sudoIdentity resolves the invoking user from the environment sudo leaves
// behind.
func sudoIdentity() (*Identity, error) {
	uidStr, gidStr := os.Getenv("SUDO_UID"), os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		return nil, ErrNoSudoUser
	}
	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_UID %q: %w", uidStr, err)
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_GID %q: %w", gidStr, err)
	}
	if uid == 0 {
		return nil, errors.New("refusing to build as root; invoke arb as a regular user")
	}

	u, err := user.LookupId(uidStr)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %d: %w", uid, err)
	}
	id := &Identity{Uid: uid, Gid: gid, Name: u.Username, Home: u.HomeDir, sw: unixSwitcher{}}
	if name := os.Getenv("SUDO_USER"); name != "" {
		id.Name = name
	}

	gids, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("failed to look up groups of %s: %w", id.Name, err)
	}
	for _, g := range gids {
		if n, err := strconv.Atoi(g); err == nil {
			id.Groups = append(id.Groups, n)
		}
	}
	return id, nil
}

// dropToUser makes the user the real and effective owner of the process,
// keeping root as the saved set-user-ID.
func (id *Identity) dropToUser() error {
	if err := id.sw.setgroups(id.Groups); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := id.sw.setresgid(id.Gid, id.Gid, 0); err != nil {
		return fmt.Errorf("setresgid: %w", err)
	}
	if err := id.sw.setresuid(id.Uid, id.Uid, 0); err != nil {
		return fmt.Errorf("setresuid: %w", err)
	}
	return nil
}

// PrivilegeToken is proof of an elevated effective uid. Release is safe to
// call more than once.
type PrivilegeToken struct {
	id   *Identity
	once sync.Once
}

func (t *PrivilegeToken) Release() {
	t.once.Do(t.id.release)
}

// Elevate raises the effective uid and gid to root. Tokens nest: credentials
// drop back when the last one is released. Must not be called from inside
// AsUser.
func (id *Identity) Elevate() (*PrivilegeToken, error) {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.holders == 0 {
		id.fsMu.Lock()
		if err := id.sw.setresuid(-1, 0, -1); err != nil {
			id.fsMu.Unlock()
			return nil, fmt.Errorf("failed to raise euid: %w", err)
		}
		if err := id.sw.setresgid(-1, 0, -1); err != nil {
			if dropErr := id.sw.setresuid(-1, id.Uid, -1); dropErr != nil {
				panic(fmt.Sprintf("failed to drop euid after error: %v", dropErr))
			}
			id.fsMu.Unlock()
			return nil, fmt.Errorf("failed to raise egid: %w", err)
		}
		isCriticalAtomic.Store(1)
	}
	id.holders++
	return &PrivilegeToken{id: id}, nil
}

func (id *Identity) release() {
	id.mu.Lock()
	defer id.mu.Unlock()

	id.holders--
	if id.holders > 0 {
		return
	}
	// Running on as root after a failed drop is never acceptable.
	if err := id.sw.setresgid(-1, id.Gid, -1); err != nil {
		panic(fmt.Sprintf("failed to drop egid: %v", err))
	}
	if err := id.sw.setresuid(-1, id.Uid, -1); err != nil {
		panic(fmt.Sprintf("failed to drop euid: %v", err))
	}
	isCriticalAtomic.Store(0)
	id.fsMu.Unlock()
}

// Elevated reports whether a privilege token is currently held.
func (id *Identity) Elevated() bool {
	if id == nil {
		return false
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.holders > 0
}

// AsUser runs fn while no privilege token is held, so files it creates are
// owned by the user.
func (id *Identity) AsUser(fn func() error) error {
	if id == nil {
		return fn()
	}
	id.fsMu.RLock()
	defer id.fsMu.RUnlock()
	return fn()
}

// withPrivilege runs fn holding a privilege token.
func withPrivilege(id *Identity, fn func() error) error {
	tok, err := id.Elevate()
	if err != nil {
		return err
	}
	defer tok.Release()
	return fn()
}

// reexecWithSudo replaces a non-root invocation with `sudo -E arb ...`.
func reexecWithSudo(args []string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate own executable: %w", err)
	}
	sudo, err := exec.LookPath("sudo")
	if err != nil {
		return fmt.Errorf("arb needs root and sudo was not found: %w", err)
	}
	argv := append([]string{"sudo", "-E", self}, args...)
	return syscall.Exec(sudo, argv, os.Environ())
}
