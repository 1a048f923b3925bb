package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	cause := errors.New("spawn ENOENT")
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: SpawnFailure, Err: cause}, "Trace Server startup failure.: spawn ENOENT"},
		{&Error{Kind: StartupTimeout, Timeout: 10 * time.Second}, "Trace Server startup timed-out after 10000ms."},
		{&Error{Kind: StartupCrash, Code: 1, HasCode: true, Diagnostic: "bad flag"}, "Code: 1. Error message: bad flag"},
		{&Error{Kind: StartupCrash, Code: 1, HasCode: true}, "Code: 1."},
		{&Error{Kind: StartupCrash}, "Code: unknown."},
		{&Error{Kind: UnexpectedExit, Code: 137, HasCode: true}, "Trace Server exited unexpectedly with code 137!"},
		{&Error{Kind: UnexpectedExit}, "Trace Server exited unexpectedly!"},
		{&Error{Kind: TerminationFailure, Err: errors.New("EPERM")}, "Trace Server stopping failure. Resetting.: EPERM"},
		{&Error{Kind: StuckStop}, "Trace Server stopping failure. Resetting."},
	}
	for _, tt := range tests {
		t.Run(tt.err.Kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorNoticeAddsStartupPrefix(t *testing.T) {
	se := &Error{Kind: StartupTimeout, Timeout: 10 * time.Second}
	assert.Equal(t, "Trace Server starting up failure. Trace Server startup timed-out after 10000ms.", se.notice())
	ue := &Error{Kind: UnexpectedExit}
	assert.Equal(t, ue.Error(), ue.notice())
}

func TestErrorUnwrapAndKind(t *testing.T) {
	cause := errors.New("root")
	err := fmt.Errorf("wrapped: %w", &Error{Kind: TerminationFailure, Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, TerminationFailure, KindOf(err))
	assert.Equal(t, Kind(0), KindOf(cause))
}

func TestIsWarning(t *testing.T) {
	assert.True(t, IsWarning(ErrAlreadyRunning))
	assert.True(t, IsWarning(ErrNotRunning))
	assert.True(t, IsWarning(fmt.Errorf("x: %w", &Error{Kind: StuckStop})))
	assert.False(t, IsWarning(&Error{Kind: StartupTimeout}))
	assert.False(t, IsWarning(ErrBusy))
	assert.False(t, IsWarning(nil))
}

func TestStateText(t *testing.T) {
	for _, s := range []State{StateStopped, StateStarting, StateRunning, StateStopping} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}
	assert.Equal(t, "unknown", State(42).String())

	var s State
	assert.Error(t, s.UnmarshalText([]byte("crashed")))

	out, err := json.Marshal(Snapshot{State: StateRunning, PID: 12})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"state":"running"`)
	assert.NotContains(t, string(out), "started_at")
}
