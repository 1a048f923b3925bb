//go:build !windows

package process

import (
	"errors"
	"fmt"
	"syscall"
)

func killTree(pid int, force bool) error {
	if pid <= 0 || !Alive(pid) {
		return fmt.Errorf("kill tree %d: %w", pid, ErrNoProcess)
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	// Collect the tree before signalling: children are reparented as soon
	// as their parent dies.
	pids := append([]int{pid}, Descendants(pid)...)
	var errs []error
	for _, p := range pids {
		if err := syscall.Kill(p, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			errs = append(errs, fmt.Errorf("signal %d: %w", p, err))
		}
	}
	// Members of the group that already left the tree; the group only exists
	// when pid was spawned as its leader.
	_ = syscall.Kill(-pid, sig)
	return errors.Join(errs...)
}
