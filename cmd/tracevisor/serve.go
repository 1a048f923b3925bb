package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/tracevisor/internal/config"
	"github.com/loykin/tracevisor/internal/env"
	"github.com/loykin/tracevisor/internal/health"
	"github.com/loykin/tracevisor/internal/history"
	historyfactory "github.com/loykin/tracevisor/internal/history/factory"
	"github.com/loykin/tracevisor/internal/logger"
	"github.com/loykin/tracevisor/internal/metrics"
	"github.com/loykin/tracevisor/internal/notify"
	"github.com/loykin/tracevisor/internal/process"
	"github.com/loykin/tracevisor/internal/server"
	"github.com/loykin/tracevisor/internal/store"
	storefactory "github.com/loykin/tracevisor/internal/store/factory"
	"github.com/loykin/tracevisor/internal/supervisor"
	tlsx "github.com/loykin/tracevisor/internal/tls"
)

const (
	resourceInterval = 5 * time.Second
	// closeGrace bounds server and sink teardown after the supervisor is down.
	closeGrace = 5 * time.Second
)

func runServe(ctx context.Context, out io.Writer, flags *ServeFlags) error {
	if flags.Daemonize {
		return daemonize(out, flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log, closer, err := logger.New(logConfig(cfg.Log), nil)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, flags.ConfigPath, log)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

func logConfig(c config.LogConfig) logger.Config {
	return logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// app is the assembled daemon.
type app struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	store     store.Store
	sinks     history.Multi
	commands  *notify.Registry
	sup       *supervisor.Supervisor
	control   *http.Server
	tls       *tls.Config
	metrics   *http.Server
	collector *metrics.ResourceCollector

	// set once listening
	controlAddr net.Addr
	metricsAddr net.Addr
	ready       chan struct{}
}

func newApp(ctx context.Context, cfg *config.Config, configPath string, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, configPath: configPath, logger: log, ready: make(chan struct{})}

	st, err := storefactory.Open(ctx, cfg.State.DSN)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a.store = st

	if cfg.History.Enabled {
		for _, dsn := range strings.Split(cfg.History.DSN, ",") {
			dsn = strings.TrimSpace(dsn)
			if dsn == "" {
				continue
			}
			sink, err := historyfactory.NewSinkFromDSN(dsn)
			if err != nil {
				_ = a.closeBackends()
				return nil, fmt.Errorf("history sink: %w", err)
			}
			a.sinks = append(a.sinks, sink)
		}
	}

	a.commands = notify.NewRegistry(log)
	if err := a.registerHooks(cfg.Hooks); err != nil {
		_ = a.closeBackends()
		return nil, err
	}

	// registered before the supervisor so its initial state is exported
	if cfg.Metrics.Enabled {
		reg := prometheus.DefaultRegisterer
		if err := metrics.Register(reg); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		a.collector = metrics.NewResourceCollector(resourceInterval)
		if err := a.collector.RegisterMetrics(reg); err != nil {
			log.Warn("failed to register resource metrics", "error", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		a.metrics = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	spawner, err := serverSpawner(cfg.Server)
	if err != nil {
		_ = a.closeBackends()
		return nil, err
	}
	a.tls, err = tlsx.Setup(cfg.Control.TLS)
	if err != nil {
		_ = a.closeBackends()
		return nil, fmt.Errorf("control API TLS: %w", err)
	}

	deps := supervisor.Deps{
		Spawner:  spawner,
		Store:    st,
		Prober:   health.NewHTTPProber(cfg.HealthURL(), cfg.Client.ProbeTimeout),
		Notifier: notify.NewLogNotifier(log),
		Commands: a.commands,
		Logger:   log,
	}
	if len(a.sinks) > 0 {
		deps.History = a.sinks
	}
	a.sup, err = supervisor.New(cfg.SupervisorSettings(), deps)
	if err != nil {
		_ = a.closeBackends()
		return nil, err
	}

	a.control = server.NewServer(cfg.Control.Listen, cfg.Control.BasePath, a.sup, log)

	return a, nil
}

// serverSpawner starts the server in its working directory with the
// daemon's environment plus the configured files and entries.
func serverSpawner(sc config.ServerConfig) (process.ExecSpawner, error) {
	e := env.New()
	e.FromOS()
	if err := e.LoadFiles(sc.EnvFiles...); err != nil {
		return process.ExecSpawner{}, err
	}
	return process.ExecSpawner{Dir: sc.WorkDir, Env: e.Merge(sc.Env)}, nil
}

// registerHooks binds the configured command lines to the status
// broadcasts. An empty line removes the binding.
func (a *app) registerHooks(h config.HooksConfig) error {
	for name, line := range map[string]string{
		notify.CommandStarted: h.Started,
		notify.CommandStopped: h.Stopped,
	} {
		if strings.TrimSpace(line) == "" {
			a.commands.Register(name, nil)
			continue
		}
		if err := a.commands.RegisterShell(name, line); err != nil {
			return fmt.Errorf("hook %s: %w", name, err)
		}
	}
	return nil
}

func (a *app) serve(srv *http.Server, addr *net.Addr, tc *tls.Config) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	*addr = ln.Addr()
	if tc != nil {
		ln = tls.NewListener(ln, tc)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", "addr", srv.Addr, "error", err)
		}
	}()
	return nil
}

// run serves until ctx is done, then shuts the supervisor down before the
// HTTP servers.
func (a *app) run(ctx context.Context) error {
	if err := a.serve(a.control, &a.controlAddr, a.tls); err != nil {
		_ = a.closeBackends()
		return fmt.Errorf("control API: %w", err)
	}
	a.logger.Info("control API listening", "addr", a.controlAddr.String(), "base", a.cfg.Control.BasePath, "tls", a.tls != nil)

	if a.metrics != nil {
		if err := a.serve(a.metrics, &a.metricsAddr, nil); err != nil {
			a.logger.Warn("metrics server disabled", "error", err)
			a.metrics = nil
		} else {
			a.logger.Info("metrics listening", "addr", a.metricsAddr.String())
		}
		a.collector.Start(ctx, func() int { return a.sup.Snapshot().PID })
	}

	if a.configPath != "" {
		err := config.Watch(a.configPath, a.reload, func(err error) {
			a.logger.Warn("ignoring invalid configuration change", "error", err)
		})
		if err != nil {
			a.logger.Warn("config hot reload disabled", "error", err)
		}
	}

	if a.cfg.Supervisor.Autostart {
		go func() {
			err := a.sup.StartIfStopped(ctx)
			if err != nil && !supervisor.IsWarning(err) && !errors.Is(err, supervisor.ErrClosed) {
				a.logger.Error("autostart failed", "error", err)
			}
		}()
	}
	close(a.ready)

	<-ctx.Done()
	a.logger.Info("shutting down")
	return a.shutdown()
}

// reload applies a changed configuration file. Settings take effect on the
// next start or stop.
func (a *app) reload(cfg *config.Config) {
	a.sup.UpdateSettings(cfg.SupervisorSettings())
	if err := a.registerHooks(cfg.Hooks); err != nil {
		a.logger.Warn("hooks not reloaded", "error", err)
	}
	a.logger.Info("configuration reloaded", "path", a.configPath)
}

func (a *app) shutdown() error {
	set := a.sup.Settings()
	ctx, cancel := context.WithTimeout(context.Background(), set.ShutdownDelay+closeGrace)
	defer cancel()

	var errs []error
	if err := a.sup.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: %w", err))
	}
	if err := a.control.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("control API: %w", err))
	}
	if a.collector != nil {
		a.collector.Stop()
	}
	if a.metrics != nil {
		_ = a.metrics.Shutdown(ctx)
	}
	if err := a.closeBackends(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) closeBackends() error {
	var errs []error
	if a.sinks != nil {
		if err := a.sinks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("state store: %w", err))
		}
	}
	return errors.Join(errs...)
}
