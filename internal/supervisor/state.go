package supervisor

import "fmt"

// State is the lifecycle state of the supervised server.
//
// Stopped -> Starting -> Running -> Stopping -> Stopped
//
// A crash is the Running -> Stopped transition taken by the exit watcher.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stopped":
		*s = StateStopped
	case "starting":
		*s = StateStarting
	case "running":
		*s = StateRunning
	case "stopping":
		*s = StateStopping
	default:
		return fmt.Errorf("unknown state %q", b)
	}
	return nil
}
