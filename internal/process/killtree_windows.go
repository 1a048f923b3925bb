//go:build windows

package process

import (
	"fmt"
	"os/exec"
	"strconv"
)

func killTree(pid int, force bool) error {
	if pid <= 0 || !Alive(pid) {
		return fmt.Errorf("kill tree %d: %w", pid, ErrNoProcess)
	}
	args := []string{"/T", "/PID", strconv.Itoa(pid)}
	if force {
		args = append([]string{"/F"}, args...)
	}
	// #nosec G204
	out, err := exec.Command("taskkill", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("taskkill %d: %w: %s", pid, err, out)
	}
	return nil
}
