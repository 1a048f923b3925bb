package supervisor

import "time"

const (
	DefaultPath           = "/usr/bin/tracecompass-server"
	DefaultKey            = "pid"
	DefaultStartupTimeout = 10 * time.Second
	DefaultPollInterval   = time.Second
	DefaultStopTimeout    = 10 * time.Second
	DefaultShutdownDelay  = 2 * time.Second
	DefaultHookTimeout    = 30 * time.Second
)

// Settings are read at the beginning of every operation, so an update
// applies to the next start or stop.
type Settings struct {
	// Path is the server executable.
	Path string
	// Arguments is the raw argument string, split with argparse.
	Arguments string
	// Key names the persisted pid in the identity store.
	Key string

	StartupTimeout time.Duration
	PollInterval   time.Duration
	StopTimeout    time.Duration
	ShutdownDelay  time.Duration
	// HookTimeout bounds one status command run.
	HookTimeout time.Duration
	// ForceKill escalates a stop that outlived StopTimeout to a forced
	// kill of the tree. Off, a stuck stop only warns and resets.
	ForceKill bool
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{}.WithDefaults()
}

// WithDefaults fills empty and non-positive fields.
func (s Settings) WithDefaults() Settings {
	if s.Path == "" {
		s.Path = DefaultPath
	}
	if s.Key == "" {
		s.Key = DefaultKey
	}
	if s.StartupTimeout <= 0 {
		s.StartupTimeout = DefaultStartupTimeout
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = DefaultStopTimeout
	}
	if s.ShutdownDelay <= 0 {
		s.ShutdownDelay = DefaultShutdownDelay
	}
	if s.HookTimeout <= 0 {
		s.HookTimeout = DefaultHookTimeout
	}
	return s
}
