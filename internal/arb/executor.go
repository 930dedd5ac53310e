package arb

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Executor runs external commands with the credentials of the build user,
// or of root when AsRoot is set and a privilege token is held.
type Executor struct {
	Context  context.Context // cancellation kills the whole process group
	Identity *Identity       // nil runs with the credentials of the process
	AsRoot   bool            // requires Identity.Elevated()
}

func NewExecutor(ctx context.Context, id *Identity) *Executor {
	return &Executor{Context: ctx, Identity: id}
}

// Root returns a copy of e that runs commands as root.
func (e *Executor) Root() *Executor {
	r := *e
	r.AsRoot = true
	return &r
}

// Run wires up stdio, isolates the child in its own process group and sets
// the child's credentials.
func (e *Executor) Run(cmd *exec.Cmd) error {
	// --- Phase 0: wire up stdio ---
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// --- Phase 1: credentials ---
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	attr := cmd.SysProcAttr
	attr.Setpgid = true
	// chroot and namespace flags need capabilities at fork time
	needsCaps := attr.Chroot != "" || attr.Cloneflags != 0

	if e.AsRoot {
		if e.Identity != nil {
			// a capability spawn is elevated for its Start anyway
			if !needsCaps && !e.Identity.Elevated() {
				return fmt.Errorf("%s: %w", cmd.Path, ErrNotElevated)
			}
			attr.Credential = &syscall.Credential{Uid: 0, Gid: 0, NoSetGroups: true}
		}
	} else if e.Identity != nil {
		attr.Credential = &syscall.Credential{
			Uid:         uint32(e.Identity.Uid),
			Gid:         uint32(e.Identity.Gid),
			NoSetGroups: true,
		}
	}

	// --- Phase 2: start ---
	if err := e.start(cmd, needsCaps); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	// --- Phase 3: watch for cancel ---
	pgid := cmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-e.Context.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	// --- Phase 4: wait and return ---
	if waitErr := cmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %v", e.Context.Err())
		}
		return waitErr
	}
	return nil
}

func (e *Executor) start(cmd *exec.Cmd, needsCaps bool) error {
	if !needsCaps || e.Identity == nil {
		return cmd.Start()
	}
	return withPrivilege(e.Identity, cmd.Start)
}
