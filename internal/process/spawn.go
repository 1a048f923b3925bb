package process

import (
	"os/exec"
	"time"
)

// Spawner starts a process from an executable path and argument vector.
type Spawner interface {
	Spawn(path string, argv []string) (Handle, error)
}

// DefaultWaitDelay bounds how long reaping waits for the error stream to
// close after the process itself exited (descendants may hold it open).
const DefaultWaitDelay = 500 * time.Millisecond

// ExecSpawner spawns processes with os/exec in their own process group.
// Standard output is discarded; only the first error line is kept.
type ExecSpawner struct {
	Dir       string
	Env       []string
	WaitDelay time.Duration
}

func (s ExecSpawner) Spawn(path string, argv []string) (Handle, error) {
	// #nosec G204 -- path and arguments come from the operator's configuration
	cmd := exec.Command(path, argv...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	errs := &lineCapture{}
	cmd.Stdout = nil
	cmd.Stderr = errs
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &execHandle{cmd: cmd, errs: errs, done: make(chan struct{})}
	go h.wait()
	return h, nil
}
