package process

import (
	"bytes"
	"os/exec"
	"strings"
	"sync"
)

// Handle is a spawned process owned by its spawner's caller.
type Handle interface {
	// PID returns the operating-system process identifier.
	PID() int
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitCode is valid after Done. ok is false when the process was
	// terminated by a signal.
	ExitCode() (code int, ok bool)
	// ErrLine returns the first line written to the error stream.
	ErrLine() string
}

type execHandle struct {
	cmd  *exec.Cmd
	errs *lineCapture
	done chan struct{}

	mu      sync.Mutex
	code    int
	hasCode bool
	waitErr error
}

func (h *execHandle) PID() int              { return h.cmd.Process.Pid }
func (h *execHandle) Done() <-chan struct{} { return h.done }
func (h *execHandle) ErrLine() string       { return h.errs.Line() }

func (h *execHandle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code, h.hasCode
}

// WaitErr returns the error reported by Wait once Done is closed.
func (h *execHandle) WaitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// wait is the only caller of cmd.Wait for this handle.
func (h *execHandle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.waitErr = err
	if ps := h.cmd.ProcessState; ps != nil {
		if c := ps.ExitCode(); c >= 0 {
			h.code, h.hasCode = c, true
		}
	}
	h.mu.Unlock()
	close(h.done)
}

// maxLine bounds the captured diagnostic line.
const maxLine = 4096

// lineCapture is an io.Writer that keeps the first line written to it and
// discards everything else.
type lineCapture struct {
	mu   sync.Mutex
	buf  []byte
	full bool
}

func (c *lineCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return len(p), nil
	}
	if i := bytes.IndexByte(p, '\n'); i >= 0 {
		c.buf = append(c.buf, p[:i]...)
		c.full = true
	} else {
		c.buf = append(c.buf, p...)
	}
	if len(c.buf) >= maxLine {
		c.buf = c.buf[:maxLine]
		c.full = true
	}
	return len(p), nil
}

func (c *lineCapture) Line() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimRight(string(c.buf), "\r")
}
