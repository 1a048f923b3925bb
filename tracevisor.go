// Package tracevisor embeds the Trace Server supervisor in another program.
package tracevisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/tracevisor/internal/argparse"
	cfg "github.com/loykin/tracevisor/internal/config"
	"github.com/loykin/tracevisor/internal/health"
	"github.com/loykin/tracevisor/internal/metrics"
	"github.com/loykin/tracevisor/internal/notify"
	iapi "github.com/loykin/tracevisor/internal/server"
	"github.com/loykin/tracevisor/internal/store"
	storefactory "github.com/loykin/tracevisor/internal/store/factory"
	"github.com/loykin/tracevisor/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Settings = supervisor.Settings

type Status = supervisor.Status

// Supervisor is a thin facade over the internal supervisor that also owns
// its pid store.
type Supervisor struct {
	inner *supervisor.Supervisor
	store store.Store
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() *Config { return cfg.Default() }

// New opens the state store named by c and builds a supervisor probing the
// configured health endpoint. A nil logger uses slog.Default.
func New(ctx context.Context, c *Config, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := storefactory.Open(ctx, c.State.DSN)
	if err != nil {
		return nil, err
	}
	inner, err := supervisor.New(c.SupervisorSettings(), supervisor.Deps{
		Store:    st,
		Prober:   health.NewHTTPProber(c.HealthURL(), c.Client.ProbeTimeout),
		Notifier: notify.NewLogNotifier(logger),
		Logger:   logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &Supervisor{inner: inner, store: st}, nil
}

func (s *Supervisor) Start(ctx context.Context) error   { return s.inner.StartIfStopped(ctx) }
func (s *Supervisor) Stop(ctx context.Context) error    { return s.inner.Stop(ctx) }
func (s *Supervisor) Status(ctx context.Context) Status { return s.inner.Status(ctx) }
func (s *Supervisor) Args() []string                    { return s.inner.Args() }
func (s *Supervisor) UpdateSettings(set Settings)       { s.inner.UpdateSettings(set) }
func (s *Supervisor) Settings() Settings                { return s.inner.Settings() }
func (s *Supervisor) Running() bool                     { return s.inner.Snapshot().State == supervisor.StateRunning }
func (s *Supervisor) NewHTTPServer(addr, basePath string) *http.Server {
	return iapi.NewServer(addr, basePath, s.inner, nil)
}

// Handler returns the control API for mounting on an existing mux.
func (s *Supervisor) Handler(basePath string) http.Handler {
	return iapi.NewRouter(s.inner, basePath, nil).Handler()
}

// Shutdown stops an owned server and closes the pid store.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	return errors.Join(s.inner.Shutdown(ctx), s.store.Close())
}

// IsWarning reports whether err is a notice such as "already running"
// rather than a failure.
func IsWarning(err error) bool { return supervisor.IsWarning(err) }

// ParseArgs splits an argument string the way [server].arguments is split.
func ParseArgs(s string) []string { return argparse.Parse(s) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

func MetricsHandler() http.Handler { return metrics.Handler() }
