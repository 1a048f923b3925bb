package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tracevisor/internal/health"
	"github.com/loykin/tracevisor/internal/history"
	"github.com/loykin/tracevisor/internal/notify"
	"github.com/loykin/tracevisor/internal/store"
)

func TestNewRequiresProber(t *testing.T) {
	_, err := New(Settings{}, Deps{})
	require.Error(t, err)
}

func TestStartBecomesRunning(t *testing.T) {
	h := newHarness(t, testSettings())
	h.healthyOnSpawn()

	require.NoError(t, h.sup.Start(context.Background()))

	calls := h.spawner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/opt/trace/tracecompass-server", calls[0].path)
	assert.Equal(t, []string{"-data", "/tmp/my ws", "-vmargs", "-Xmx1g"}, calls[0].argv)

	pid := h.spawner.last().pid
	assert.Equal(t, pid, h.storedPID(t))

	snap := h.sup.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, pid, snap.PID)
	assert.False(t, snap.StartedAt.IsZero())

	assert.Contains(t, h.notifier.Infos(), "Trace Server started.")
	assert.Contains(t, h.notifier.Progresses(), "Trace Server: starting up...")
	assert.Equal(t, []string{notify.CommandStarted}, h.executed())
	assert.Equal(t, []history.EventType{history.EventStarted}, h.events())
	assert.Empty(t, h.notifier.Errors())
}

func TestStartPollsUntilHealthy(t *testing.T) {
	h := newHarness(t, testSettings())
	h.spawner.onSpawn = func(*fakeHandle) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			h.prober.set(health.Healthy)
		}()
	}

	require.NoError(t, h.sup.Start(context.Background()))
	assert.Equal(t, StateRunning, h.sup.Snapshot().State)
	assert.Greater(t, h.prober.probes.Load(), int32(1))
}

func TestStartIfStoppedWithForeignHealthyServer(t *testing.T) {
	h := newHarness(t, testSettings())
	h.prober.set(health.Healthy)

	err := h.sup.StartIfStopped(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, IsWarning(err))
	assert.Empty(t, h.spawner.Calls())
	assert.Contains(t, h.notifier.Warns(), "Trace Server not started as already running.")
}

func TestStartIfStoppedWithRecoveredHealthyServer(t *testing.T) {
	h := newHarness(t, testSettings())
	require.NoError(t, h.store.Set(context.Background(), DefaultKey, 4242))
	h.prober.set(health.Healthy)

	err := h.sup.StartIfStopped(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, h.spawner.Calls())
	assert.Equal(t, 4242, h.storedPID(t), "recovered identity is kept")
}

func TestStartIfStoppedClearsStaleIdentity(t *testing.T) {
	h := newHarness(t, testSettings())
	require.NoError(t, h.store.Set(context.Background(), DefaultKey, 777))
	h.healthyOnSpawn()

	require.NoError(t, h.sup.StartIfStopped(context.Background()))
	require.Len(t, h.spawner.Calls(), 1)
	assert.Equal(t, h.spawner.last().pid, h.storedPID(t))
	assert.Empty(t, h.killer.Calls(), "stale pid must not be killed")
}

func TestStartIfStoppedWithoutIdentity(t *testing.T) {
	h := newHarness(t, testSettings())
	h.healthyOnSpawn()

	require.NoError(t, h.sup.StartIfStopped(context.Background()))
	assert.Len(t, h.spawner.Calls(), 1)
	assert.Equal(t, StateRunning, h.sup.Snapshot().State)
}

func TestStartupTimeoutKillsProcess(t *testing.T) {
	h := newHarness(t, testSettings())
	h.killer.onKill = func(pid int, force bool) {
		if fh := h.spawner.last(); fh != nil && fh.pid == pid {
			fh.exit(0, false)
		}
	}

	err := h.sup.Start(context.Background())
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StartupTimeout, se.Kind)
	assert.Equal(t, "Trace Server startup timed-out after 300ms.", se.Error())
	assert.False(t, IsWarning(err))

	pid := h.spawner.last().pid
	assert.Equal(t, []killCall{{pid: pid, force: false}}, h.killer.Calls())
	assert.Equal(t, store.None, h.storedPID(t))

	snap := h.sup.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, store.None, snap.PID)
	assert.Equal(t, se.Error(), snap.LastError)

	assert.Contains(t, h.notifier.Errors(), "Trace Server starting up failure. Trace Server startup timed-out after 300ms.")
	assert.NotContains(t, h.notifier.Warns(), ErrNotRunning.Error())
	assert.Contains(t, h.events(), history.EventStartupFailed)
}

func TestStartupTimeoutWithStuckProcessEscalates(t *testing.T) {
	set := testSettings()
	set.StopTimeout = 30 * time.Millisecond
	set.ForceKill = true
	h := newHarness(t, set)
	h.killer.onKill = func(pid int, force bool) {
		if force {
			h.spawner.last().exit(0, false)
		}
	}

	err := h.sup.Start(context.Background())
	assert.Equal(t, StartupTimeout, KindOf(err))

	pid := h.spawner.last().pid
	assert.Equal(t, []killCall{{pid, false}, {pid, true}}, h.killer.Calls())
	assert.Equal(t, store.None, h.storedPID(t))
	assert.Contains(t, h.notifier.Warns(), "Trace Server stopping failure. Resetting.")
}

func TestStartupCrashReportsCodeAndDiagnostic(t *testing.T) {
	h := newHarness(t, testSettings())
	h.spawner.onSpawn = func(fh *fakeHandle) {
		fh.setErrLine("Address already in use")
		go func() {
			time.Sleep(30 * time.Millisecond)
			fh.exit(3, true)
		}()
	}

	err := h.sup.Start(context.Background())
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StartupCrash, se.Kind)
	assert.Equal(t, "Code: 3. Error message: Address already in use", se.Error())
	assert.True(t, se.HasCode)

	assert.Empty(t, h.killer.Calls())
	assert.Equal(t, store.None, h.storedPID(t))
	snap := h.sup.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	require.NotNil(t, snap.LastExitCode)
	assert.Equal(t, 3, *snap.LastExitCode)
	assert.Equal(t, 0, snap.Crashes, "startup failures are not crashes")
	assert.Contains(t, h.notifier.Errors(), "Trace Server starting up failure. Code: 3. Error message: Address already in use")
	assert.Equal(t, []string{notify.CommandStopped}, h.executed())
}

func TestStartupCrashWithoutDiagnostic(t *testing.T) {
	h := newHarness(t, testSettings())
	h.spawner.onSpawn = func(fh *fakeHandle) { fh.exit(1, true) }

	err := h.sup.Start(context.Background())
	assert.Equal(t, StartupCrash, KindOf(err))
	assert.Equal(t, "Code: 1.", err.Error())
}

func TestHealthWinsOverCrashInSameRound(t *testing.T) {
	h := newHarness(t, testSettings())
	h.spawner.onSpawn = func(fh *fakeHandle) {
		fh.exit(1, true)
		h.prober.set(health.Healthy)
	}

	require.NoError(t, h.sup.Start(context.Background()))
	assert.Equal(t, StateRunning, h.sup.Snapshot().State)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, h.sup.Snapshot().Crashes)
	assert.Empty(t, h.notifier.Errors())
}

func TestSpawnFailure(t *testing.T) {
	h := newHarness(t, testSettings())
	h.spawner.err = errors.New("exec: no such file or directory")

	err := h.sup.Start(context.Background())
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SpawnFailure, se.Kind)
	assert.Equal(t, "Trace Server startup failure.: exec: no such file or directory", se.Error())
	assert.Equal(t, StateStopped, h.sup.Snapshot().State)

	_, ok, _ := h.store.Get(context.Background(), DefaultKey)
	assert.False(t, ok, "identity untouched")
	assert.NotContains(t, h.notifier.Warns(), "Trace Server is still running, despite this error.")
	assert.Equal(t, []history.EventType{history.EventStartupFailed}, h.events())
}

func TestErrorWhileServerStillUpWarns(t *testing.T) {
	h := newHarness(t, testSettings())
	h.spawner.err = errors.New("boom")
	h.prober.set(health.Healthy)

	err := h.sup.Start(context.Background())
	assert.Equal(t, SpawnFailure, KindOf(err))
	assert.Contains(t, h.notifier.Warns(), "Trace Server is still running, despite this error.")
	assert.Equal(t, []string{notify.CommandStarted}, h.executed())
}

func TestStopWithSentinelNeverKills(t *testing.T) {
	h := newHarness(t, testSettings())
	require.NoError(t, h.store.Set(context.Background(), DefaultKey, store.None))

	err := h.sup.Stop(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)
	assert.True(t, IsWarning(err))
	assert.Empty(t, h.killer.Calls())
	assert.Contains(t, h.notifier.Warns(), "Trace Server not stopped as none running or owned by us.")

	require.NoError(t, h.sup.StopOrReset(context.Background(), false))
	assert.Len(t, h.notifier.Warns(), 1, "silent reset does not warn")
	assert.Empty(t, h.killer.Calls())
}

func TestStopOwnedServer(t *testing.T) {
	h := newHarness(t, testSettings())
	h.healthyOnSpawn()
	require.NoError(t, h.sup.Start(context.Background()))
	pid := h.spawner.last().pid

	require.NoError(t, h.sup.Stop(context.Background()))

	assert.Equal(t, []killCall{{pid: pid, force: false}}, h.killer.Calls())
	assert.Equal(t, store.None, h.storedPID(t))
	snap := h.sup.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, store.None, snap.PID)
	assert.Contains(t, h.notifier.Infos(), "Trace Server stopped.")
	assert.Contains(t, h.notifier.Progresses(), "Trace Server: stopping...")
	assert.Equal(t, []string{notify.CommandStarted, notify.CommandStopped}, h.executed())

	// the intentional exit must never be reported as a crash
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.sup.Snapshot().Crashes)
	assert.Empty(t, h.notifier.Errors())
	assert.Equal(t, []history.EventType{history.EventStarted, history.EventStopped}, h.events())
}

func TestStopRecoveredServer(t *testing.T) {
	h := newHarness(t, testSettings())
	require.NoError(t, h.store.Set(context.Background(), DefaultKey, 4242))
	h.alive.Store(4242, true)
	h.prober.set(health.Healthy)
	h.killer.onKill = func(pid int, force bool) {
		h.alive.Store(pid, false)
		h.prober.set(health.Unreachable)
	}

	require.NoError(t, h.sup.Stop(context.Background()))
	assert.Equal(t, []killCall{{pid: 4242, force: false}}, h.killer.Calls())
	assert.Equal(t, store.None, h.storedPID(t))
	assert.Contains(t, h.notifier.Infos(), "Trace Server stopped.")
}

func TestStopRecoveredButUnhealthyDoesNotKill(t *testing.T) {
	h := newHarness(t, testSettings())
	require.NoError(t, h.store.Set(context.Background(), DefaultKey, 4242))
	h.alive.Store(4242, true) // pid reused by an unrelated process

	err := h.sup.Stop(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)
	assert.Empty(t, h.killer.Calls())
	assert.Equal(t, store.None, h.storedPID(t))
}

func TestStopTerminationFailure(t *testing.T) {
	h := newHarness(t, testSettings())
	h.healthyOnSpawn()
	require.NoError(t, h.sup.Start(context.Background()))
	h.killer.onKill = nil
	h.killer.err = errors.New("operation not permitted")

	err := h.sup.Stop(context.Background())
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, TerminationFailure, se.Kind)
	assert.Contains(t, se.Error(), "operation not permitted")
	assert.False(t, IsWarning(err))
	assert.Equal(t, store.None, h.storedPID(t))
	assert.Equal(t, StateStopped, h.sup.Snapshot().State)
	assert.Contains(t, h.notifier.Warns(), "Trace Server is still running, despite this error.")
}

func TestStopStuckEscalatesToForce(t *testing.T) {
	set := testSettings()
	set.StopTimeout = 30 * time.Millisecond
	set.ForceKill = true
	h := newHarness(t, set)
	h.healthyOnSpawn()
	require.NoError(t, h.sup.Start(context.Background()))
	fh := h.spawner.last()
	h.killer.onKill = func(pid int, force bool) {
		if force {
			fh.exit(0, false)
		}
	}

	err := h.sup.Stop(context.Background())
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StuckStop, se.Kind)
	assert.True(t, IsWarning(err))
	assert.Equal(t, []killCall{{fh.pid, false}, {fh.pid, true}}, h.killer.Calls())
	assert.Equal(t, store.None, h.storedPID(t))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, h.sup.Snapshot().Crashes)
}

func TestCrashWhileRunning(t *testing.T) {
	h := newHarness(t, testSettings())
	h.healthyOnSpawn()
	require.NoError(t, h.sup.Start(context.Background()))
	fh := h.spawner.last()

	h.prober.set(health.Unreachable)
	fh.exit(2, true)

	// the stopped broadcast is the last step of crash handling
	require.Eventually(t, func() bool { return len(h.executed()) == 2 }, time.Second, 5*time.Millisecond)
	snap := h.sup.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, store.None, snap.PID)
	require.NotNil(t, snap.LastExitCode)
	assert.Equal(t, 2, *snap.LastExitCode)
	assert.Equal(t, store.None, h.storedPID(t))
	assert.Contains(t, h.notifier.Errors(), "Trace Server exited unexpectedly with code 2!")
	assert.Equal(t, []string{notify.CommandStarted, notify.CommandStopped}, h.executed())
	assert.Equal(t, []history.EventType{history.EventStarted, history.EventCrashed}, h.events())

	// a manual start is required afterwards
	assert.Len(t, h.spawner.Calls(), 1)
}

func TestCrashBySignalHasNoCode(t *testing.T) {
	h := newHarness(t, testSettings())
	h.healthyOnSpawn()
	require.NoError(t, h.sup.Start(context.Background()))

	h.prober.set(health.Unreachable)
	h.spawner.last().exit(0, false)

	require.Eventually(t, func() bool {
		return containsSubstring(h.notifier.Errors(), "Trace Server exited unexpectedly!")
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.sup.Snapshot().Crashes)
}

func TestShutdownCompletesWithinDelay(t *testing.T) {
	h := newHarness(t, testSettings())
	h.healthyOnSpawn()
	require.NoError(t, h.sup.Start(context.Background()))
	fh := h.spawner.last()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.killer.onKill = func(int, bool) { <-release } // termination hangs

	began := time.Now()
	require.NoError(t, h.sup.Shutdown(context.Background()))
	elapsed := time.Since(began)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 50*time.Millisecond+storeTimeout+200*time.Millisecond)

	require.Eventually(t, func() bool { return len(h.killer.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, killCall{pid: fh.pid, force: false}, h.killer.Calls()[0])
	assert.Equal(t, store.None, h.storedPID(t))

	// the exit that follows is not a crash
	fh.exit(143, true)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, h.sup.Snapshot().Crashes)
	assert.Empty(t, h.notifier.Errors())

	assert.ErrorIs(t, h.sup.Start(context.Background()), ErrClosed)
	assert.ErrorIs(t, h.sup.Stop(context.Background()), ErrClosed)
	assert.NoError(t, h.sup.Shutdown(context.Background()))
}

func TestShutdownWithNothingOwned(t *testing.T) {
	h := newHarness(t, testSettings())
	require.NoError(t, h.store.Set(context.Background(), DefaultKey, 4242))

	began := time.Now()
	require.NoError(t, h.sup.Shutdown(context.Background()))
	assert.Less(t, time.Since(began), 50*time.Millisecond)
	assert.Empty(t, h.killer.Calls(), "shutdown only uses the in-memory pid")
	assert.Equal(t, 4242, h.storedPID(t))
}

func TestShutdownAbortsInFlightStart(t *testing.T) {
	set := testSettings()
	set.StartupTimeout = 5 * time.Second
	h := newHarness(t, set)

	result := make(chan error, 1)
	go func() { result <- h.sup.Start(context.Background()) }()
	require.Eventually(t, func() bool { return h.sup.Snapshot().State == StateStarting }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.sup.Shutdown(context.Background()))
	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("start was not aborted by shutdown")
	}
	require.Eventually(t, func() bool { return len(h.killer.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, store.None, h.storedPID(t))
	assert.Empty(t, h.notifier.Errors())
}

func TestConcurrentOperationsAreRejected(t *testing.T) {
	set := testSettings()
	set.StartupTimeout = 5 * time.Second
	h := newHarness(t, set)

	result := make(chan error, 1)
	go func() { result <- h.sup.Start(context.Background()) }()
	require.Eventually(t, func() bool { return h.sup.Snapshot().State == StateStarting }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	assert.ErrorIs(t, h.sup.Start(ctx), ErrBusy)
	assert.ErrorIs(t, h.sup.StartIfStopped(ctx), ErrBusy)
	assert.ErrorIs(t, h.sup.Stop(ctx), ErrBusy)
	assert.Len(t, h.spawner.Calls(), 1)

	h.prober.set(health.Healthy)
	require.NoError(t, <-result)
	assert.Equal(t, StateRunning, h.sup.Snapshot().State)
}

func TestCanceledStartStopsServer(t *testing.T) {
	set := testSettings()
	set.StartupTimeout = 5 * time.Second
	h := newHarness(t, set)
	h.killer.onKill = func(pid int, force bool) { h.spawner.last().exit(0, false) }

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- h.sup.Start(ctx) }()
	require.Eventually(t, func() bool { return h.sup.Snapshot().State == StateStarting }, time.Second, 5*time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-result, context.Canceled)
	assert.Len(t, h.killer.Calls(), 1)
	assert.Equal(t, store.None, h.storedPID(t))
	assert.Equal(t, StateStopped, h.sup.Snapshot().State)
}

func TestUpdateSettingsAppliesToNextStart(t *testing.T) {
	h := newHarness(t, testSettings())
	h.healthyOnSpawn()

	next := testSettings()
	next.Path = "/usr/local/bin/trace-server"
	next.Arguments = `-vmargs -Dtraceserver.port=8081`
	h.sup.UpdateSettings(next)
	assert.Equal(t, []string{"-vmargs", "-Dtraceserver.port=8081"}, h.sup.Args())

	require.NoError(t, h.sup.Start(context.Background()))
	calls := h.spawner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, next.Path, calls[0].path)
	assert.Equal(t, []string{"-vmargs", "-Dtraceserver.port=8081"}, calls[0].argv)
}

func TestStatusCombinesStoreAndHealth(t *testing.T) {
	h := newHarness(t, testSettings())
	h.healthyOnSpawn()
	require.NoError(t, h.sup.Start(context.Background()))
	pid := h.spawner.last().pid

	st := h.sup.Status(context.Background())
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, pid, st.PID)
	assert.Equal(t, pid, st.StoredPID)
	assert.True(t, st.Owned)
	assert.Equal(t, "healthy", st.Health)
	assert.Equal(t, "/opt/trace/tracecompass-server", st.Settings.Path)
	assert.Equal(t, []string{"-data", "/tmp/my ws", "-vmargs", "-Xmx1g"}, st.Settings.Arguments)
}

func TestSettingsDefaults(t *testing.T) {
	d := DefaultSettings()
	assert.Equal(t, "/usr/bin/tracecompass-server", d.Path)
	assert.Equal(t, "", d.Arguments)
	assert.Equal(t, "pid", d.Key)
	assert.Equal(t, 10*time.Second, d.StartupTimeout)
	assert.Equal(t, time.Second, d.PollInterval)
	assert.Equal(t, 10*time.Second, d.StopTimeout)
	assert.Equal(t, 2*time.Second, d.ShutdownDelay)
	assert.Equal(t, 30*time.Second, d.HookTimeout)
	assert.False(t, d.ForceKill)

	custom := Settings{Path: "/x", Key: "k", PollInterval: -1}.WithDefaults()
	assert.Equal(t, "/x", custom.Path)
	assert.Equal(t, "k", custom.Key)
	assert.Equal(t, time.Second, custom.PollInterval)
}

func TestStatusCommandNeverBlocksLifecycle(t *testing.T) {
	set := testSettings()
	set.HookTimeout = 50 * time.Millisecond
	cmds := newBlockingCommands(false)
	h := newHarness(t, set, func(d *Deps) { d.Commands = cmds })
	t.Cleanup(func() { close(cmds.release) })
	h.healthyOnSpawn()

	done := make(chan error, 1)
	go func() { done <- h.sup.Start(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("start waited for the status command")
	}
	assert.Equal(t, notify.CommandStarted, <-cmds.started)

	require.NoError(t, h.sup.Stop(context.Background()))
	assert.Equal(t, StateStopped, h.sup.Snapshot().State)
}

func TestStatusCommandsRunInOrderWithinTimeout(t *testing.T) {
	set := testSettings()
	set.HookTimeout = 30 * time.Millisecond
	cmds := newBlockingCommands(true)
	h := newHarness(t, set, func(d *Deps) { d.Commands = cmds })
	t.Cleanup(func() { close(cmds.release) })
	h.healthyOnSpawn()

	require.NoError(t, h.sup.Start(context.Background()))
	require.NoError(t, h.sup.Stop(context.Background()))

	var names []string
	for range 2 {
		select {
		case n := <-cmds.started:
			names = append(names, n)
		case <-time.After(time.Second):
			t.Fatalf("only %v ran", names)
		}
	}
	assert.Equal(t, []string{notify.CommandStarted, notify.CommandStopped}, names)
}

func TestSlowHistoryDelaysNeitherStartNorShutdown(t *testing.T) {
	h := newHarness(t, testSettings(), func(d *Deps) { d.History = slowSink{} })
	h.healthyOnSpawn()

	began := time.Now()
	require.NoError(t, h.sup.Start(context.Background()))
	assert.Less(t, time.Since(began), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	began = time.Now()
	require.NoError(t, h.sup.Shutdown(ctx))
	elapsed := time.Since(began)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 50*time.Millisecond+storeTimeout+200*time.Millisecond)
}

func TestStopWithSentinelDiscardsOwnedServer(t *testing.T) {
	h := newHarness(t, testSettings())
	h.healthyOnSpawn()
	require.NoError(t, h.sup.Start(context.Background()))
	fh := h.spawner.last()
	require.NoError(t, h.store.Set(context.Background(), DefaultKey, store.None))

	err := h.sup.Stop(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)
	assert.Empty(t, h.killer.Calls())
	snap := h.sup.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, store.None, snap.PID)

	// the released server's exit is not ours to report
	fh.exit(1, true)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, h.sup.Snapshot().Crashes)
	assert.Empty(t, h.notifier.Errors())
}

func TestStopForeignStoredPIDKeepsOwnServer(t *testing.T) {
	h := newHarness(t, testSettings())
	h.healthyOnSpawn()
	require.NoError(t, h.sup.Start(context.Background()))
	fh := h.spawner.last()

	// another host instance recorded its own server in the shared store
	require.NoError(t, h.store.Set(context.Background(), DefaultKey, 4242))
	h.alive.Store(4242, true)
	h.killer.onKill = func(pid int, force bool) {
		if pid == 4242 {
			h.alive.Store(pid, false)
		}
	}

	require.NoError(t, h.sup.Stop(context.Background()))
	assert.Equal(t, []killCall{{pid: 4242, force: false}}, h.killer.Calls())

	snap := h.sup.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, fh.pid, snap.PID)
	assert.Equal(t, fh.pid, h.storedPID(t))

	// our server is still watched
	h.prober.set(health.Unreachable)
	fh.exit(2, true)
	require.Eventually(t, func() bool { return h.sup.Snapshot().Crashes == 1 }, time.Second, 5*time.Millisecond)
}

func TestStopStuckWarnsWithoutForce(t *testing.T) {
	set := testSettings()
	set.StopTimeout = 30 * time.Millisecond
	h := newHarness(t, set)
	h.healthyOnSpawn()
	require.NoError(t, h.sup.Start(context.Background()))
	fh := h.spawner.last()
	h.killer.onKill = nil // the server ignores termination

	err := h.sup.Stop(context.Background())
	assert.Equal(t, StuckStop, KindOf(err))
	assert.True(t, IsWarning(err))
	assert.Equal(t, []killCall{{fh.pid, false}}, h.killer.Calls())
	assert.Equal(t, store.None, h.storedPID(t))
	assert.Equal(t, StateStopped, h.sup.Snapshot().State)
	assert.Contains(t, h.notifier.Warns(), "Trace Server stopping failure. Resetting.")
}
