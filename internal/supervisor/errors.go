package supervisor

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Prefix names the supervised server in every user-facing message.
const Prefix = "Trace Server"

const suffix = " failure."

var (
	ErrAlreadyRunning = errors.New(Prefix + " not started as already running.")
	ErrNotRunning     = errors.New(Prefix + " not stopped as none running or owned by us.")
	ErrBusy           = errors.New("another start or stop is in progress")
	ErrClosed         = errors.New("supervisor is shut down")
)

// Kind classifies supervisor failures.
type Kind int

const (
	SpawnFailure Kind = iota + 1
	StartupTimeout
	StartupCrash
	UnexpectedExit
	TerminationFailure
	StuckStop
)

func (k Kind) String() string {
	switch k {
	case SpawnFailure:
		return "spawn_failure"
	case StartupTimeout:
		return "startup_timeout"
	case StartupCrash:
		return "startup_crash"
	case UnexpectedExit:
		return "unexpected_exit"
	case TerminationFailure:
		return "termination_failure"
	case StuckStop:
		return "stuck_stop"
	default:
		return "unknown"
	}
}

// Error is a failure of a start, stop or a running server.
type Error struct {
	Kind Kind
	PID  int
	// Code is the exit code; valid when HasCode.
	Code    int
	HasCode bool
	// Diagnostic is the first line the server wrote to its error stream.
	Diagnostic string
	// Timeout is the startup deadline that elapsed.
	Timeout time.Duration
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case SpawnFailure:
		return Prefix + " startup" + suffix + ": " + errString(e.Err)
	case StartupTimeout:
		return Prefix + " startup timed-out after " + strconv.FormatInt(e.Timeout.Milliseconds(), 10) + "ms."
	case StartupCrash:
		msg := "Code: " + e.code()
		if e.Diagnostic != "" {
			return msg + ". Error message: " + e.Diagnostic
		}
		return msg + "."
	case UnexpectedExit:
		if e.HasCode {
			return Prefix + " exited unexpectedly with code " + strconv.Itoa(e.Code) + "!"
		}
		return Prefix + " exited unexpectedly!"
	case TerminationFailure:
		return Prefix + " stopping" + suffix + " Resetting.: " + errString(e.Err)
	case StuckStop:
		return Prefix + " stopping" + suffix + " Resetting."
	default:
		return fmt.Sprintf("%s failure (%d): %s", Prefix, e.Kind, errString(e.Err))
	}
}

func (e *Error) Unwrap() error { return e.Err }

// notice is the text shown on the notification surface.
func (e *Error) notice() string {
	switch e.Kind {
	case StartupTimeout, StartupCrash:
		return Prefix + " starting up" + suffix + " " + e.Error()
	default:
		return e.Error()
	}
}

func (e *Error) code() string {
	if !e.HasCode {
		return "unknown"
	}
	return strconv.Itoa(e.Code)
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// IsWarning reports whether err is a redundant-request or stuck-stop
// warning rather than a failure.
func IsWarning(err error) bool {
	if errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrNotRunning) {
		return true
	}
	var se *Error
	return errors.As(err, &se) && se.Kind == StuckStop
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
