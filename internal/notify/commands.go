package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/tracevisor/internal/argparse"
)

// Status broadcast command names.
const (
	CommandStarted = "serverStatus.started"
	CommandStopped = "serverStatus.stopped"
)

var ErrUnknownCommand = errors.New("unknown command")

// Commands is the host command registry the supervisor broadcasts into.
type Commands interface {
	Has(name string) bool
	Execute(ctx context.Context, name string) error
}

// CommandFunc is a registered command body.
type CommandFunc func(ctx context.Context) error

// Registry is a concurrency-safe Commands implementation.
type Registry struct {
	mu     sync.RWMutex
	cmds   map[string]CommandFunc
	logger *slog.Logger
}

func NewRegistry(l *slog.Logger) *Registry {
	if l == nil {
		l = slog.Default()
	}
	return &Registry{cmds: make(map[string]CommandFunc), logger: l}
}

// Register binds fn to name, replacing any previous binding. A nil fn
// removes the command.
func (r *Registry) Register(name string, fn CommandFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.cmds, name)
		return
	}
	r.cmds[name] = fn
}

// RegisterShell binds name to an external command line. The line is split
// with the same quoting rules as server arguments; the first token is the
// executable. The command name is exported to the child as
// TRACEVISOR_COMMAND.
func (r *Registry) RegisterShell(name, cmdline string) error {
	argv := argparse.Parse(cmdline)
	if len(argv) == 0 {
		return fmt.Errorf("command %q: empty command line", name)
	}
	logger := r.logger.With("command", name)
	r.Register(name, func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Env = append(os.Environ(), "TRACEVISOR_COMMAND="+name)
		out, err := cmd.CombinedOutput()
		if s := strings.TrimSpace(string(out)); s != "" {
			logger.Debug("command output", "output", s)
		}
		if err != nil {
			return fmt.Errorf("command %q: %w", name, err)
		}
		return nil
	})
	return nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cmds[name]
	return ok
}

func (r *Registry) Execute(ctx context.Context, name string) error {
	r.mu.RLock()
	fn, ok := r.cmds[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return fn(ctx)
}

// Names lists the registered commands in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cmds))
	for n := range r.cmds {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
