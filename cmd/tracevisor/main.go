package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/tracevisor/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	clientFlags := &ClientFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStartCommand(globalFlags, clientFlags),
		createStopCommand(globalFlags, clientFlags),
		createStatusCommand(globalFlags, clientFlags),
		createParseArgsCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "tracevisor",
		Short: "Supervisor for a local Trace Server",
		Long: `Tracevisor starts, stops and watches a single Trace Server process,
answering health checks and recovering the server identity across restarts.

Examples:
  tracevisor serve config.toml      # run the daemon
  tracevisor start                  # ask the daemon to start the server
  tracevisor status --json
  tracevisor parse-args '-data "/tmp/my ws" -vmargs -Xmx1g'`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addClientFlags(cmd *cobra.Command, f *ClientFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon control URL (default from [control] in config)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", client.DefaultTimeout, "request timeout")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print the raw JSON answer")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for an https control API (default from [control.tls])")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the tracevisor daemon",
		Long: `Run the daemon: supervise the Trace Server and expose the control API.
Configuration is read from the given TOML file and TRACEVISOR_* variables.

Examples:
  tracevisor serve
  tracevisor serve config.toml
  tracevisor serve config.toml --daemonize --pidfile /run/tracevisor.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), cmd.OutOrStdout(), serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createStartCommand(globalFlags *GlobalFlags, f *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Trace Server unless it already runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCommand(globalFlags, f, cmd)
			if err != nil {
				return err
			}
			return c.Start(cmd.Context())
		},
	}
	addClientFlags(cmd, f)
	return cmd
}

func createStopCommand(globalFlags *GlobalFlags, f *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the Trace Server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCommand(globalFlags, f, cmd)
			if err != nil {
				return err
			}
			return c.Stop(cmd.Context())
		},
	}
	addClientFlags(cmd, f)
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags, f *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show supervisor and server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCommand(globalFlags, f, cmd)
			if err != nil {
				return err
			}
			return c.Status(cmd.Context())
		},
	}
	addClientFlags(cmd, f)
	return cmd
}

func createParseArgsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "parse-args <arguments>",
		Short: "Print the argument vector a string splits into, one per line",
		Long: `Split an argument string with the same quoting rules the daemon uses
for [server].arguments and print one argument per line.

Examples:
  tracevisor parse-args '-data "/tmp/my ws" -vmargs -Xmx1g'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parseArgs(cmd.OutOrStdout(), args[0])
			return nil
		},
	}
}
