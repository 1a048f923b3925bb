package supervisor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/tracevisor/internal/health"
	"github.com/loykin/tracevisor/internal/history"
	"github.com/loykin/tracevisor/internal/process"
	"github.com/loykin/tracevisor/internal/store"
)

type fakeHandle struct {
	pid     int
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	code    int
	hasCode bool
	errLine string
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code, h.hasCode
}

func (h *fakeHandle) ErrLine() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errLine
}

func (h *fakeHandle) setErrLine(s string) {
	h.mu.Lock()
	h.errLine = s
	h.mu.Unlock()
}

// exit records the code and fires Done once. ok=false models a signal.
func (h *fakeHandle) exit(code int, ok bool) {
	h.once.Do(func() {
		h.mu.Lock()
		h.code, h.hasCode = code, ok
		h.mu.Unlock()
		close(h.done)
	})
}

type spawnCall struct {
	path string
	argv []string
}

type fakeSpawner struct {
	mu      sync.Mutex
	calls   []spawnCall
	handles []*fakeHandle
	nextPID int
	err     error
	onSpawn func(h *fakeHandle)
}

func (s *fakeSpawner) Spawn(path string, argv []string) (process.Handle, error) {
	s.mu.Lock()
	s.calls = append(s.calls, spawnCall{path: path, argv: argv})
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	s.nextPID++
	h := newFakeHandle(1000 + s.nextPID)
	s.handles = append(s.handles, h)
	hook := s.onSpawn
	s.mu.Unlock()
	if hook != nil {
		hook(h)
	}
	return h, nil
}

func (s *fakeSpawner) Calls() []spawnCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spawnCall(nil), s.calls...)
}

func (s *fakeSpawner) last() *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}

type killCall struct {
	pid   int
	force bool
}

type fakeKiller struct {
	mu     sync.Mutex
	calls  []killCall
	err    error
	onKill func(pid int, force bool)
}

func (k *fakeKiller) KillTree(pid int, force bool) error {
	k.mu.Lock()
	k.calls = append(k.calls, killCall{pid: pid, force: force})
	err, hook := k.err, k.onKill
	k.mu.Unlock()
	if hook != nil {
		hook(pid, force)
	}
	return err
}

func (k *fakeKiller) Calls() []killCall {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]killCall(nil), k.calls...)
}

type fakeProber struct {
	status atomic.Int32
	probes atomic.Int32
}

func (p *fakeProber) set(s health.Status) { p.status.Store(int32(s)) }

func (p *fakeProber) Probe(context.Context) health.Status {
	p.probes.Add(1)
	return health.Status(p.status.Load())
}

type recNotifier struct {
	mu       sync.Mutex
	infos    []string
	warns    []string
	errs     []string
	progress []string
}

func (n *recNotifier) Info(msg string)  { n.add(&n.infos, msg) }
func (n *recNotifier) Warn(msg string)  { n.add(&n.warns, msg) }
func (n *recNotifier) Error(msg string) { n.add(&n.errs, msg) }

func (n *recNotifier) Progress(title, msg string) func() {
	n.add(&n.progress, title+": "+msg)
	return func() {}
}

func (n *recNotifier) add(dst *[]string, msg string) {
	n.mu.Lock()
	*dst = append(*dst, msg)
	n.mu.Unlock()
}

func (n *recNotifier) get(src *[]string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), *src...)
}

func (n *recNotifier) Infos() []string      { return n.get(&n.infos) }
func (n *recNotifier) Warns() []string      { return n.get(&n.warns) }
func (n *recNotifier) Errors() []string     { return n.get(&n.errs) }
func (n *recNotifier) Progresses() []string { return n.get(&n.progress) }

type fakeCommands struct {
	mu       sync.Mutex
	names    map[string]bool
	executed []string
}

func newFakeCommands(names ...string) *fakeCommands {
	c := &fakeCommands{names: map[string]bool{}}
	for _, n := range names {
		c.names[n] = true
	}
	return c
}

func (c *fakeCommands) Has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.names[name]
}

func (c *fakeCommands) Execute(_ context.Context, name string) error {
	c.mu.Lock()
	c.executed = append(c.executed, name)
	c.mu.Unlock()
	return nil
}

func (c *fakeCommands) Executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.executed...)
}

type harness struct {
	sup      *Supervisor
	spawner  *fakeSpawner
	killer   *fakeKiller
	store    *store.Memory
	prober   *fakeProber
	notifier *recNotifier
	commands *fakeCommands
	history  *history.Recorder
	alive    sync.Map // pid -> bool
}

func testSettings() Settings {
	return Settings{
		Path:           "/opt/trace/tracecompass-server",
		Arguments:      `-data "/tmp/my ws" -vmargs -Xmx1g`,
		StartupTimeout: 300 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		StopTimeout:    200 * time.Millisecond,
		ShutdownDelay:  50 * time.Millisecond,
	}
}

func newHarness(t *testing.T, set Settings, opts ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		spawner:  &fakeSpawner{},
		killer:   &fakeKiller{},
		store:    store.NewMemory(),
		prober:   &fakeProber{},
		notifier: &recNotifier{},
		commands: newFakeCommands("serverStatus.started", "serverStatus.stopped"),
		history:  &history.Recorder{},
	}
	h.prober.set(health.Unreachable)
	deps := Deps{
		Spawner:  h.spawner,
		Killer:   h.killer,
		Store:    h.store,
		Prober:   h.prober,
		Notifier: h.notifier,
		Commands: h.commands,
		History:  h.history,
		Alive: func(pid int) bool {
			v, ok := h.alive.Load(pid)
			return ok && v.(bool)
		},
	}
	for _, o := range opts {
		o(&deps)
	}
	sup, err := New(set, deps)
	require.NoError(t, err)
	h.sup = sup
	t.Cleanup(func() { _ = sup.Shutdown(context.Background()) })
	return h
}

// healthyOnSpawn makes the server report healthy as soon as it is spawned
// and exits the process when its tree is killed.
func (h *harness) healthyOnSpawn() {
	h.spawner.onSpawn = func(*fakeHandle) { h.prober.set(health.Healthy) }
	h.killer.onKill = func(pid int, force bool) {
		if fh := h.spawner.last(); fh != nil && fh.pid == pid {
			h.prober.set(health.Unreachable)
			fh.exit(0, false)
		}
	}
}

func (h *harness) storedPID(t *testing.T) int {
	t.Helper()
	pid, err := store.Lookup(context.Background(), h.store, DefaultKey)
	require.NoError(t, err)
	return pid
}

// executed returns the status commands run so far, after queued ones.
func (h *harness) executed() []string {
	h.sup.settle()
	return h.commands.Executed()
}

// events returns the exported history, after queued events.
func (h *harness) events() []history.EventType {
	h.sup.settle()
	return h.history.Types()
}

// blockingCommands never finishes a command on its own; release ends
// every pending run.
type blockingCommands struct {
	release  chan struct{}
	started  chan string
	honorCtx bool
}

func newBlockingCommands(honorCtx bool) *blockingCommands {
	return &blockingCommands{release: make(chan struct{}), started: make(chan string, 8), honorCtx: honorCtx}
}

func (c *blockingCommands) Has(string) bool { return true }

func (c *blockingCommands) Execute(ctx context.Context, name string) error {
	c.started <- name
	if c.honorCtx {
		select {
		case <-c.release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	<-c.release
	return nil
}

// slowSink holds every event until its context ends.
type slowSink struct{}

func (slowSink) Send(ctx context.Context, _ history.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func containsSubstring(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
