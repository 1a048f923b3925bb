package client

import (
	"fmt"
	"time"
)

// Result is the outcome of a start or stop request. Warning is set when
// the request was redundant, e.g. the server was already running.
type Result struct {
	OK      bool   `json:"ok"`
	Warning string `json:"warning,omitempty"`
}

// ServerSettings are the executable and tokenized arguments the daemon uses.
type ServerSettings struct {
	Path      string   `json:"path"`
	Arguments []string `json:"arguments"`
}

// Status mirrors the daemon's status document.
type Status struct {
	State            string         `json:"state"`
	PID              int            `json:"pid"`
	StartedAt        time.Time      `json:"started_at,omitzero"`
	LastExitCode     *int           `json:"last_exit_code,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	Crashes          int            `json:"crashes"`
	StoredPID        int            `json:"stored_pid"`
	Owned            bool           `json:"owned"`
	Health           string         `json:"health"`
	ProcessStartedAt time.Time      `json:"process_started_at,omitzero"`
	Settings         ServerSettings `json:"settings"`
}

// Running reports whether the daemon holds a live server.
func (s *Status) Running() bool { return s.State == "running" }

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// APIError is returned for non-200 answers.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}
