package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/tracevisor/internal/argparse"
	"github.com/loykin/tracevisor/internal/health"
	"github.com/loykin/tracevisor/internal/history"
	"github.com/loykin/tracevisor/internal/metrics"
	"github.com/loykin/tracevisor/internal/notify"
	"github.com/loykin/tracevisor/internal/process"
	"github.com/loykin/tracevisor/internal/store"
)

const (
	// exitPollInterval paces liveness checks for a recovered pid that has
	// no handle to wait on.
	exitPollInterval = 100 * time.Millisecond
	// storeTimeout bounds identity writes made outside a caller's context.
	storeTimeout = 500 * time.Millisecond
	eventTimeout = 5 * time.Second
)

// Deps are the capabilities the supervisor drives. Prober is required;
// everything else has an operating-system or in-memory default.
type Deps struct {
	Spawner  process.Spawner
	Killer   process.TreeKiller
	Store    store.Store
	Prober   health.Prober
	Notifier notify.Notifier
	Commands notify.Commands
	History  history.Sink
	Logger   *slog.Logger
	// Alive reports whether a pid is still running; used for recovered
	// processes.
	Alive func(pid int) bool
}

// run is one spawned server. detached makes the exit watcher inert.
type run struct {
	h         process.Handle
	startedAt time.Time
	detached  bool
}

// Supervisor owns the lifecycle of a single server process.
//
// Lock Hierarchy:
// 1. busy flag (single-flight guard for Start, StartIfStopped and Stop)
// 2. mu - protects state, the current run and bookkeeping
//
// Shutdown bypasses the busy flag and aborts an in-flight start.
type Supervisor struct {
	spawner  process.Spawner
	killer   process.TreeKiller
	store    store.Store
	prober   health.Prober
	notifier notify.Notifier
	commands notify.Commands
	history  history.Sink
	logger   *slog.Logger
	alive    func(int) bool

	mu         sync.Mutex
	settings   Settings
	state      State
	run        *run
	busy       bool
	closed     bool
	abortStart context.CancelFunc
	lastCode   *int
	lastErr    string
	crashes    int

	// status commands and history events never block the lifecycle
	hooks  serial
	events serial
}

// New builds a Supervisor in the Stopped state.
func New(settings Settings, deps Deps) (*Supervisor, error) {
	if deps.Prober == nil {
		return nil, errors.New("supervisor: health prober is required")
	}
	s := &Supervisor{
		spawner:  deps.Spawner,
		killer:   deps.Killer,
		store:    deps.Store,
		prober:   deps.Prober,
		notifier: deps.Notifier,
		commands: deps.Commands,
		history:  deps.History,
		logger:   deps.Logger,
		alive:    deps.Alive,
		settings: settings.WithDefaults(),
		state:    StateStopped,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "supervisor")
	if s.spawner == nil {
		s.spawner = process.ExecSpawner{}
	}
	if s.killer == nil {
		s.killer = process.TreeKill{}
	}
	if s.store == nil {
		s.store = store.NewMemory()
	}
	if s.notifier == nil {
		s.notifier = notify.NewLogNotifier(s.logger)
	}
	if s.alive == nil {
		s.alive = process.Alive
	}
	metrics.SetCurrentState(StateStopped.String(), true)
	return s, nil
}

// Settings returns the settings the next operation will use.
func (s *Supervisor) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings replaces the settings used by subsequent operations. A
// running server keeps the settings it was started with.
func (s *Supervisor) UpdateSettings(set Settings) {
	s.mu.Lock()
	s.settings = set.WithDefaults()
	s.mu.Unlock()
}

func (s *Supervisor) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	return nil
}

func (s *Supervisor) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Start spawns the server and waits for it to report healthy.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()
	return s.start(ctx)
}

// StartIfStopped starts the server unless one already answers the health
// probe, in which case ErrAlreadyRunning is returned. A persisted pid whose
// server is not healthy is stale and gets cleared first.
func (s *Supervisor) StartIfStopped(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	set := s.Settings()
	pid := s.lookup(ctx, set.Key)
	if s.prober.Probe(ctx) == health.Healthy {
		s.notifier.Warn(ErrAlreadyRunning.Error())
		return ErrAlreadyRunning
	}
	s.mu.Lock()
	owned := s.run != nil
	s.mu.Unlock()
	if owned {
		// an unhealthy server of ours is reset like any stale identity
		_ = s.stopOrReset(ctx, false)
	} else if pid != store.None {
		s.logger.Info("clearing stale server identity", "pid", pid)
		s.persist(ctx, set.Key, store.None)
	}
	return s.start(ctx)
}

// Stop terminates the server and its descendants, warning when nothing is
// running.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.StopOrReset(ctx, true)
}

// StopOrReset terminates the server recorded in the identity store and
// resets the identity. reportNotRunning controls the ErrNotRunning warning.
func (s *Supervisor) StopOrReset(ctx context.Context, reportNotRunning bool) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()
	return s.stopOrReset(ctx, reportNotRunning)
}

func (s *Supervisor) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.abortStart = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.abortStart = nil
		s.mu.Unlock()
	}()

	set := s.Settings()
	argv := argparse.Parse(set.Arguments)
	s.logger.Info("starting server", "path", set.Path, "args", argv)

	h, err := s.spawner.Spawn(set.Path, argv)
	if err != nil {
		se := &Error{Kind: SpawnFailure, Err: err}
		metrics.IncStartupFailure(SpawnFailure.String())
		s.emit(history.Event{Type: history.EventStartupFailed, Key: set.Key, PID: store.None, Message: se.Error()})
		s.reportError(ctx, se)
		return se
	}

	r := &run{h: h, startedAt: time.Now()}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = s.killer.KillTree(h.PID(), true)
		return ErrClosed
	}
	s.run = r
	s.lastCode = nil
	s.mu.Unlock()

	s.persist(ctx, set.Key, h.PID())
	s.setState(StateStarting)
	return s.waitFor(ctx, set, r)
}

// waitFor is the startup poll loop. Each round checks health first, then
// an early exit, then the deadline.
func (s *Supervisor) waitFor(ctx context.Context, set Settings, r *run) (err error) {
	done := s.notifier.Progress(Prefix, "starting up...")
	defer done()

	deadline, cancel := context.WithTimeout(ctx, set.StartupTimeout)
	defer cancel()

	defer func() {
		// steady-state exit watcher for a server that outlived the loop
		select {
		case <-r.h.Done():
		default:
			go s.watch(r)
		}
	}()

	pid := r.h.PID()
	for {
		if s.prober.Probe(ctx) == health.Healthy {
			if !s.transition(r, StateRunning) {
				return ErrClosed
			}
			metrics.IncStart()
			metrics.ObserveStartup(time.Since(r.startedAt).Seconds())
			s.emit(history.Event{Type: history.EventStarted, Key: set.Key, PID: pid})
			s.showStatus(ctx, true)
			return nil
		}

		if ctx.Err() != nil {
			return s.abortStartup(ctx, set, r)
		}

		select {
		case <-r.h.Done():
			return s.startupCrash(ctx, set, r)
		default:
		}

		if deadline.Err() != nil {
			// the stop result is reported by stopOrReset itself
			_ = s.stopOrReset(ctx, false)
			se := &Error{Kind: StartupTimeout, PID: pid, Timeout: set.StartupTimeout}
			metrics.IncStartupFailure(StartupTimeout.String())
			s.emit(history.Event{Type: history.EventStartupFailed, Key: set.Key, PID: pid, Message: se.Error()})
			s.reportError(ctx, se)
			return se
		}

		timer := time.NewTimer(set.PollInterval)
		select {
		case <-timer.C:
		case <-r.h.Done():
		case <-deadline.Done():
		}
		timer.Stop()
	}
}

func (s *Supervisor) startupCrash(ctx context.Context, set Settings, r *run) error {
	se := &Error{Kind: StartupCrash, PID: r.h.PID(), Diagnostic: r.h.ErrLine()}
	se.Code, se.HasCode = r.h.ExitCode()

	s.mu.Lock()
	current := s.run == r && !r.detached
	if current {
		r.detached = true
		s.run = nil
	}
	if se.HasCode {
		code := se.Code
		s.lastCode = &code
	}
	s.mu.Unlock()
	if !current {
		return ErrClosed
	}

	s.persist(ctx, set.Key, store.None)
	s.setState(StateStopped)
	metrics.IncStartupFailure(StartupCrash.String())
	ev := history.Event{Type: history.EventStartupFailed, Key: set.Key, PID: se.PID, Message: se.Error()}
	if se.HasCode {
		ev = ev.WithExitCode(se.Code)
	}
	s.emit(ev)
	s.reportError(ctx, se)
	return se
}

// abortStartup handles cancellation of the start context: either Shutdown
// took over the process, or the caller gave up and the process is stopped.
func (s *Supervisor) abortStartup(ctx context.Context, set Settings, r *run) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	s.logger.Warn("startup canceled, stopping server", "pid", r.h.PID())
	_ = s.stopOrReset(context.WithoutCancel(ctx), false)
	metrics.IncStartupFailure("canceled")
	s.emit(history.Event{Type: history.EventStartupFailed, Key: set.Key, PID: r.h.PID(), Message: ctx.Err().Error()})
	return ctx.Err()
}

func (s *Supervisor) stopOrReset(ctx context.Context, reportNotRunning bool) error {
	set := s.Settings()
	pid := s.lookup(ctx, set.Key)
	if pid == store.None {
		// the identity is authoritative: a handle it no longer names is
		// discarded without a termination request
		if s.discard() {
			s.setState(StateStopped)
		}
		if reportNotRunning {
			s.notifier.Warn(ErrNotRunning.Error())
			return ErrNotRunning
		}
		return nil
	}

	s.mu.Lock()
	r, prev := s.run, s.state
	s.mu.Unlock()
	// ours is the run being stopped; any other run stays attached
	var ours *run
	if r != nil && r.h.PID() == pid {
		ours = r
	}

	var result error
	if (ours != nil && !exited(ours.h)) || s.prober.Probe(ctx) == health.Healthy {
		result = s.terminate(ctx, set, pid, ours)
	} else {
		if reportNotRunning {
			s.notifier.Warn(ErrNotRunning.Error())
			result = ErrNotRunning
		}
		s.detach(ours)
	}

	if ours == nil && s.attached(r) {
		// the store named another process; keep tracking our own server
		s.persist(ctx, set.Key, r.h.PID())
		s.setState(prev)
		return result
	}

	s.persist(ctx, set.Key, store.None)
	s.mu.Lock()
	if s.run == r {
		s.run = nil
	}
	s.mu.Unlock()
	s.setState(StateStopped)
	return result
}

// terminate kills the tree rooted at pid and waits for it to exit.
func (s *Supervisor) terminate(ctx context.Context, set Settings, pid int, r *run) error {
	done := s.notifier.Progress(Prefix, "stopping...")
	defer done()

	owned := r != nil && r.h.PID() == pid && s.detach(r)
	s.setState(StateStopping)

	if err := s.killer.KillTree(pid, false); err != nil && !errors.Is(err, process.ErrNoProcess) {
		se := &Error{Kind: TerminationFailure, PID: pid, Err: err}
		s.logger.Error("terminate server failed", "pid", pid, "error", err)
		s.reportError(ctx, se)
		return se
	}

	var exit <-chan struct{}
	if owned {
		exit = r.h.Done()
	} else {
		stop := make(chan struct{})
		defer close(stop)
		exit = s.pollExit(pid, stop)
	}

	timer := time.NewTimer(set.StopTimeout)
	defer timer.Stop()
	select {
	case <-exit:
		metrics.IncStop()
		ev := history.Event{Type: history.EventStopped, Key: set.Key, PID: pid}
		if owned {
			if code, ok := r.h.ExitCode(); ok {
				ev = ev.WithExitCode(code)
				s.mu.Lock()
				s.lastCode = &code
				s.mu.Unlock()
			}
		}
		s.emit(ev)
		s.showStatus(ctx, false)
		return nil
	case <-timer.C:
		se := &Error{Kind: StuckStop, PID: pid}
		if set.ForceKill {
			s.logger.Warn("server did not exit in time, killing", "pid", pid, "timeout", set.StopTimeout)
			if err := s.killer.KillTree(pid, true); err != nil && !errors.Is(err, process.ErrNoProcess) {
				s.logger.Error("force kill failed", "pid", pid, "error", err)
			}
		} else {
			s.logger.Warn("server did not exit in time", "pid", pid, "timeout", set.StopTimeout)
		}
		s.reportError(ctx, se)
		return se
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pollExit closes the returned channel once pid is gone.
func (s *Supervisor) pollExit(pid int, stop <-chan struct{}) <-chan struct{} {
	gone := make(chan struct{})
	go func() {
		t := time.NewTicker(exitPollInterval)
		defer t.Stop()
		for {
			if !s.alive(pid) {
				close(gone)
				return
			}
			select {
			case <-t.C:
			case <-stop:
				return
			}
		}
	}()
	return gone
}

// Shutdown releases the server while the host is going away. It relies on
// the in-memory run only, never blocks on the single-flight guard, and
// returns after the shutdown delay plus a bounded identity reset.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.abortStart != nil {
		s.abortStart()
	}
	r := s.run
	if r == nil || r.detached {
		s.mu.Unlock()
		return nil
	}
	r.detached = true
	s.run = nil
	set := s.settings
	s.mu.Unlock()

	pid := r.h.PID()
	s.logger.Info("shutting down server", "pid", pid)
	s.setState(StateStopping)
	go func() {
		if err := s.killer.KillTree(pid, false); err != nil {
			s.logger.Debug("shutdown kill", "pid", pid, "error", err)
		}
	}()

	timer := time.NewTimer(set.ShutdownDelay)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	reset := make(chan struct{})
	go func() {
		defer close(reset)
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		defer cancel()
		if err := s.store.Set(rctx, set.Key, store.None); err != nil {
			s.logger.Debug("shutdown identity reset", "error", err)
		}
	}()
	select {
	case <-reset:
	case <-time.After(storeTimeout):
	}
	s.setState(StateStopped)
	s.emit(history.Event{Type: history.EventStopped, Key: set.Key, PID: pid, Message: "shutdown"})
	return nil
}

// watch is the steady-state exit watcher of one run.
func (s *Supervisor) watch(r *run) {
	<-r.h.Done()

	s.mu.Lock()
	if s.run != r || r.detached {
		s.mu.Unlock()
		return
	}
	r.detached = true
	s.run = nil
	s.crashes++
	set := s.settings
	se := &Error{Kind: UnexpectedExit, PID: r.h.PID(), Diagnostic: r.h.ErrLine()}
	se.Code, se.HasCode = r.h.ExitCode()
	if se.HasCode {
		code := se.Code
		s.lastCode = &code
	}
	s.mu.Unlock()

	ctx := context.Background()
	s.persist(ctx, set.Key, store.None)
	s.setState(StateStopped)
	metrics.IncCrash()
	ev := history.Event{Type: history.EventCrashed, Key: set.Key, PID: se.PID, Message: se.Error()}
	if se.HasCode {
		ev = ev.WithExitCode(se.Code)
	}
	s.emit(ev)
	s.logger.Error("server exited unexpectedly", "pid", se.PID, "code", se.code(), "stderr", se.Diagnostic)
	s.reportError(ctx, se)
}

// detach makes r's exit watcher inert. It reports whether r was still
// the current run.
func (s *Supervisor) detach(r *run) bool {
	if r == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.detached {
		return s.run == r
	}
	r.detached = true
	return s.run == r
}

// discard detaches and forgets the current run. It reports whether there
// was one.
func (s *Supervisor) discard() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.run
	if r == nil {
		return false
	}
	r.detached = true
	s.run = nil
	s.logger.Warn("server identity was reset, releasing untracked server", "pid", r.h.PID())
	return true
}

// attached reports whether r is still the current, watched run.
func (s *Supervisor) attached(r *run) bool {
	if r == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run == r && !r.detached
}

// transition moves to state only while r is the current attached run.
func (s *Supervisor) transition(r *run, state State) bool {
	s.mu.Lock()
	if s.run != r || r.detached {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	s.setState(state)
	return true
}

// setState updates state and records the transition metrics.
func (s *Supervisor) setState(newState State) {
	s.mu.Lock()
	oldState := s.state
	s.state = newState
	s.mu.Unlock()
	if oldState == newState {
		return
	}

	metrics.RecordStateTransition(oldState.String(), newState.String())
	metrics.SetCurrentState(oldState.String(), false)
	metrics.SetCurrentState(newState.String(), true)
	s.logger.Debug("state transition", "from", oldState.String(), "to", newState.String())
}

func (s *Supervisor) lookup(ctx context.Context, key string) int {
	pid, err := store.Lookup(ctx, s.store, key)
	if err != nil {
		s.logger.Warn("read server identity failed", "key", key, "error", err)
		return store.None
	}
	return pid
}

func (s *Supervisor) persist(ctx context.Context, key string, pid int) {
	if err := s.store.Set(ctx, key, pid); err != nil {
		s.logger.Warn("persist server identity failed", "key", key, "pid", pid, "error", err)
	}
}

// showStatus announces a started or stopped server.
func (s *Supervisor) showStatus(ctx context.Context, started bool) {
	if started {
		s.notifier.Info(Prefix + " started.")
	} else {
		s.notifier.Info(Prefix + " stopped.")
	}
	s.broadcast(ctx, started)
}

// broadcast queues the status command registered for started, if any.
// The command runs in the background, bounded by the hook timeout.
func (s *Supervisor) broadcast(ctx context.Context, started bool) {
	if s.commands == nil {
		return
	}
	name := notify.CommandStopped
	if started {
		name = notify.CommandStarted
	}
	if !s.commands.Has(name) {
		return
	}
	timeout := s.Settings().HookTimeout
	base := context.WithoutCancel(ctx)
	s.hooks.Go(func() {
		hctx, cancel := context.WithTimeout(base, timeout)
		defer cancel()
		errc := make(chan error, 1)
		go func() { errc <- s.commands.Execute(hctx, name) }()
		select {
		case err := <-errc:
			if err != nil {
				s.logger.Warn("status command failed", "command", name, "error", err)
			}
		case <-hctx.Done():
			s.logger.Warn("status command timed out", "command", name, "timeout", timeout)
		}
	})
}

// reportError shows err, then checks whether the server survived it.
func (s *Supervisor) reportError(ctx context.Context, se *Error) {
	s.mu.Lock()
	s.lastErr = se.Error()
	s.mu.Unlock()

	if se.Kind == StuckStop {
		s.notifier.Warn(se.notice())
	} else {
		s.notifier.Error(se.notice())
	}
	up := s.prober.Probe(context.WithoutCancel(ctx)) == health.Healthy
	if up {
		s.notifier.Warn(Prefix + " is still running, despite this error.")
	}
	s.broadcast(context.WithoutCancel(ctx), up)
}

func (s *Supervisor) emit(e history.Event) {
	if s.history == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	s.events.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		if err := s.history.Send(ctx, e); err != nil {
			s.logger.Warn("history sink failed", "event", string(e.Type), "error", err)
		}
	})
}

// settle waits for queued status commands and history events.
func (s *Supervisor) settle() {
	s.hooks.wait()
	s.events.wait()
}

func exited(h process.Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

// Snapshot is the in-memory view of the supervisor.
type Snapshot struct {
	State        State     `json:"state"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	LastExitCode *int      `json:"last_exit_code,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Crashes      int       `json:"crashes"`
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:     s.state,
		PID:       store.None,
		LastError: s.lastErr,
		Crashes:   s.crashes,
	}
	if s.run != nil && !s.run.detached {
		snap.PID = s.run.h.PID()
		snap.StartedAt = s.run.startedAt
	}
	if s.lastCode != nil {
		c := *s.lastCode
		snap.LastExitCode = &c
	}
	return snap
}

// Status combines the snapshot with the persisted identity and a live
// health probe.
type Status struct {
	Snapshot
	StoredPID int `json:"stored_pid"`
	// Owned is false for a pid recovered from the store or a foreign server.
	Owned            bool      `json:"owned"`
	Health           string    `json:"health"`
	ProcessStartedAt time.Time `json:"process_started_at,omitzero"`
	Settings         struct {
		Path      string   `json:"path"`
		Arguments []string `json:"arguments"`
	} `json:"settings"`
}

func (s *Supervisor) Status(ctx context.Context) Status {
	set := s.Settings()
	st := Status{Snapshot: s.Snapshot()}
	st.StoredPID = s.lookup(ctx, set.Key)
	st.Owned = st.PID != store.None && st.PID == st.StoredPID
	st.Health = s.prober.Probe(ctx).String()
	if st.StoredPID != store.None && s.alive(st.StoredPID) {
		st.ProcessStartedAt = process.StartTime(st.StoredPID)
	}
	st.Settings.Path = set.Path
	st.Settings.Arguments = argparse.Parse(set.Arguments)
	return st
}

// Args returns the argument vector the next start would use.
func (s *Supervisor) Args() []string {
	return argparse.Parse(s.Settings().Arguments)
}

func (s Snapshot) String() string {
	return fmt.Sprintf("state=%s pid=%d crashes=%d", s.State, s.PID, s.Crashes)
}
