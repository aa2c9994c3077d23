package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tablesync/opstore/internal/config"
	"github.com/tablesync/opstore/internal/store/daemon"
	"github.com/tablesync/opstore/internal/store/loadtest"
	"github.com/tablesync/opstore/internal/store/oplog"
)

func newPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "prune",
		GroupID: "maintenance",
		Short:   "Delete old operations, keeping the latest versions of every document",
		Long: `Delete, for every document, the operations older than its latest --keep
versions. The latest operation of a document is never deleted, so new
commits keep getting contiguous versions. Clients that fall further behind
than --keep versions can no longer catch up by replaying operations.

Defaults to maintenance.keep_versions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			keep := a.cfg.Maintenance.KeepVersions
			if cmd.Flags().Changed("keep") {
				keep, _ = cmd.Flags().GetInt64("keep")
			}
			if keep < 1 {
				return fmt.Errorf("--keep must be at least 1")
			}

			d, err := daemon.New(a.db, daemon.Config{KeepVersions: keep, Logger: a.log})
			if err != nil {
				return err
			}
			defer d.Stop()

			start := time.Now()
			n, err := d.PruneOnce(cmd.Context())
			if err != nil {
				return err
			}
			remaining, err := oplog.Count(cmd.Context(), a.db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Pruned %d operations in %v (keeping %d versions, %d remain)\n",
				n, since(start), keep, remaining)
			return nil
		},
	}
	cmd.Flags().Int64("keep", 0, "versions to keep per document")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "verify",
		GroupID: "maintenance",
		Short:   "Check that every document's operation versions are contiguous",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			gaps, err := oplog.Verify(cmd.Context(), a.db)
			if err != nil {
				return err
			}
			total, err := oplog.Count(cmd.Context(), a.db)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(gaps) == 0 {
				fmt.Fprintf(out, "✓ %d operations, no version gaps\n", total)
				return nil
			}
			for _, g := range gaps {
				fmt.Fprintf(out, "✗ %s/%s: %d versions stored between %d and %d\n",
					g.Collection, g.DocID, g.Count, g.MinVersion, g.MaxVersion)
			}
			return fmt.Errorf("%d documents have version gaps", len(gaps))
		},
	}
}

func newLoadtestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "loadtest",
		GroupID: "maintenance",
		Short:   "Run concurrent writers against the store and verify the log",
		Long: `Create --docs record documents in a fresh table, then let --agents
concurrent writers commit --edits cell edits each to random documents.
Writers that lose a version race re-read the document and retry.

Afterwards the operation log is checked: versions must be contiguous and
every document's version must match the number of accepted edits.

Run against a scratch database; the documents are left in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, _ := cmd.Flags().GetInt("agents")
			docs, _ := cmd.Flags().GetInt("docs")
			edits, _ := cmd.Flags().GetInt("edits")

			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			hs, err := loadtest.Populate(ctx, a.store, a.db, docs)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Created %d documents in %s\n", docs, hs.Collection)

			start := time.Now()
			stats, err := hs.Run(ctx, agents, edits)
			if err != nil {
				return err
			}
			elapsed := since(start)
			stats.Print(out)
			if secs := time.Since(start).Seconds(); secs > 0 {
				fmt.Fprintf(out, "  Throughput:    %.0f commits/s\n", float64(stats.Commits)/secs)
			}

			if err := hs.Verify(ctx); err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			fmt.Fprintf(out, "✓ %d operations verified in %v\n", hs.Accepted(), elapsed)
			return nil
		},
	}
	cmd.Flags().Int("agents", 10, "concurrent writers")
	cmd.Flags().Int("docs", 5, "documents to edit")
	cmd.Flags().Int("edits", 20, "edits per writer")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		GroupID: "maintenance",
		Short:   "Manage the configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file holding every default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultFileName
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s\n", path)
			return nil
		},
	})

	return cmd
}
