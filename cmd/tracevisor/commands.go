package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/tracevisor/internal/argparse"
	"github.com/loykin/tracevisor/internal/config"
	tlsx "github.com/loykin/tracevisor/internal/tls"
	"github.com/loykin/tracevisor/pkg/client"
)

// command runs the remote subcommands against the daemon's control API.
type command struct {
	api  *client.Client
	out  io.Writer
	json bool
}

func newCommand(g *GlobalFlags, f *ClientFlags, cmd *cobra.Command) (command, error) {
	url, caFile := f.APIUrl, f.CACert
	if url == "" {
		var ca string
		url, ca = controlTarget(g.ConfigPath)
		if caFile == "" {
			caFile = ca
		}
	}
	cc := client.Config{BaseURL: url, Timeout: f.APITimeout}
	if strings.HasPrefix(url, "https://") {
		tc, err := tlsx.ClientConfig(caFile, f.Insecure)
		if err != nil {
			return command{}, err
		}
		cc.TLS = tc
	}
	cc.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelError}))
	return command{
		api:  client.New(cc),
		out:  cmd.OutOrStdout(),
		json: f.JSON,
	}, nil
}

// controlTarget derives the daemon URL and the CA to trust from
// [control]; a broken or missing config falls back to the defaults.
func controlTarget(path string) (url, caFile string) {
	cfg, err := config.Load(path)
	if err != nil {
		cfg = config.Default()
	}
	tc := cfg.Control.TLS
	url = controlURL(cfg.Control.Listen, cfg.Control.BasePath, tc.Enabled)
	if tc.Enabled {
		caFile = tlsx.TrustedCA(tc)
	}
	return url, caFile
}

func controlURL(listen, basePath string, secure bool) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return client.DefaultBaseURL
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http://"
	if secure {
		scheme = "https://"
	}
	bp := strings.Trim(basePath, "/")
	u := scheme + net.JoinHostPort(host, port)
	if bp != "" {
		u += "/" + bp
	}
	return u
}

func (c command) Start(ctx context.Context) error {
	res, err := c.api.Start(ctx)
	if err != nil {
		return err
	}
	return c.result(res, "Trace Server started.")
}

func (c command) Stop(ctx context.Context) error {
	res, err := c.api.Stop(ctx)
	if err != nil {
		return err
	}
	return c.result(res, "Trace Server stopped.")
}

func (c command) result(res client.Result, done string) error {
	if c.json {
		printJSON(c.out, res)
		return nil
	}
	if res.Warning != "" {
		_, _ = fmt.Fprintln(c.out, res.Warning)
		return nil
	}
	_, _ = fmt.Fprintln(c.out, done)
	return nil
}

func (c command) Status(ctx context.Context) error {
	st, err := c.api.Status(ctx)
	if err != nil {
		return err
	}
	if c.json {
		printJSON(c.out, st)
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "state:   %s\n", st.State)
	if st.PID > 0 {
		_, _ = fmt.Fprintf(c.out, "pid:     %d\n", st.PID)
	}
	if st.StoredPID > 0 && st.StoredPID != st.PID {
		_, _ = fmt.Fprintf(c.out, "stored:  %d\n", st.StoredPID)
	}
	_, _ = fmt.Fprintf(c.out, "health:  %s\n", st.Health)
	if !st.StartedAt.IsZero() {
		_, _ = fmt.Fprintf(c.out, "since:   %s\n", st.StartedAt.Format("2006-01-02 15:04:05"))
	}
	_, _ = fmt.Fprintf(c.out, "crashes: %d\n", st.Crashes)
	if st.LastError != "" {
		_, _ = fmt.Fprintf(c.out, "last:    %s\n", st.LastError)
	}
	_, _ = fmt.Fprintf(c.out, "server:  %s %s\n", st.Settings.Path, argparse.Quote(st.Settings.Arguments))
	return nil
}

func parseArgs(w io.Writer, s string) {
	for _, a := range argparse.Parse(s) {
		_, _ = fmt.Fprintln(w, a)
	}
}
