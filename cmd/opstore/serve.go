package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tablesync/opstore/internal/store/daemon"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		GroupID: "server",
		Short:   "Run the store with its commit feed and maintenance daemon",
		Long: `Open the store and serve the commit feed until interrupted.

The HTTP server exposes:
  /ws       WebSocket feed of committed operations
  /health   liveness check
  /metrics  Prometheus metrics

Clients may send {"subscribe": ["rec_tbl1", ...]} on the WebSocket to
restrict the feed to some collections.

The maintenance daemon prunes the operation log when
maintenance.prune_interval is set, and reloads the config file on change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cmd)
		},
	}
	cmd.Flags().String("addr", "", "feed listen address (default :8080)")
	return cmd
}

func serve(ctx context.Context, cmd *cobra.Command) error {
	a, err := openApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()
	server := a.feed

	d, err := daemon.New(a.db, daemon.Config{
		PruneInterval: a.cfg.Maintenance.PruneInterval,
		KeepVersions:  a.cfg.Maintenance.KeepVersions,
		ConfigFile:    a.cfg.File,
		Flags:         cmd.Flags(),
		Coordinator:   a.coord,
		Levels:        a.log,
		Logger:        a.log,
	})
	if err != nil {
		return err
	}

	if err := server.Start(); err != nil {
		return err
	}

	daemonErr := make(chan error, 1)
	go func() { daemonErr <- d.Start(ctx) }()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "opstore serving %s (%s)\n", a.cfg.Database.DSN, a.db.Dialect())
	fmt.Fprintf(out, "WebSocket feed: ws://%s/ws\n", server.Addr())
	fmt.Fprintf(out, "Health check:   http://%s/health\n", server.Addr())
	fmt.Fprintf(out, "Metrics:        http://%s/metrics\n", server.Addr())
	fmt.Fprintln(out, "\nPress Ctrl+C to stop...")

	var runErr error
	select {
	case <-ctx.Done():
		runErr = <-daemonErr
	case runErr = <-daemonErr:
	}

	fmt.Fprintln(out, "\nShutting down...")
	_ = d.Stop()
	if err := server.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	if n := a.coord.ActiveSessions(); n > 0 {
		a.log.Warnf("%d transactions still open at shutdown", n)
	}
	return runErr
}
