// Command opstore runs and inspects the operation store: the persistence
// layer behind the document synchronization engine.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tablesync/opstore/internal/config"
	"github.com/tablesync/opstore/internal/logger"
	"github.com/tablesync/opstore/internal/store/db"
	"github.com/tablesync/opstore/internal/store/docstore"
	"github.com/tablesync/opstore/internal/store/feed"
	"github.com/tablesync/opstore/internal/store/kinds"
	"github.com/tablesync/opstore/internal/store/txn"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "opstore",
		Short: "Versioned operation store for collaborative tables",
		Long: `opstore persists the operations of a collaborative table editor.

Every accepted operation is appended to a versioned log and applied to the
relational model of its document (tables, fields, views and records).
Operations submitted under one transaction key commit or roll back together.

Configuration is read from opstore.toml (in the working directory or
.opstore/), OPSTORE_* environment variables and the flags below.`,
		SilenceUsage: true,
	}

	root.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "inspect", Title: "Inspection:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance:"},
	)

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default: opstore.toml or .opstore/opstore.toml)")
	flags.String("db", "", "database file path or postgres:// URL")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-file", "", "write logs to this file, rotated by size")

	root.AddCommand(
		newServeCmd(),
		newOpsCmd(),
		newSnapshotCmd(),
		newQueryCmd(),
		newPruneCmd(),
		newVerifyCmd(),
		newLoadtestCmd(),
		newConfigCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds what every command needs: configuration, logging and the open
// store.
type app struct {
	cfg       *config.Config
	log       *logger.StandardLogger
	logCloser io.Closer
	db        *db.DB
	coord     *txn.Coordinator
	store     *docstore.Store

	// feed is set when the app publishes commits
	feed *feed.Server
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path, cmd.Flags())
}

func newLogger(cfg *config.Config) (*logger.StandardLogger, io.Closer) {
	level := logger.ParseLevel(cfg.Log.Level)
	if cfg.Log.File == "" {
		return logger.NewLevelLogger(os.Stderr, level), nil
	}
	return logger.NewFileLogger(logger.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}, level)
}

// openApp loads the configuration, opens the database and builds the
// document store. With withFeed the store publishes its commits to a feed
// server, which the caller starts.
func openApp(cmd *cobra.Command, withFeed bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, closer := newLogger(cfg)

	var server *feed.Server
	var publisher docstore.Publisher
	if withFeed {
		server = feed.NewServer(feed.Config{Addr: cfg.Feed.Addr, Logger: log})
		publisher = server
	}

	database, err := db.Open(db.Options{
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		LockTimeout:  cfg.Transaction.LockTimeout,
	})
	if err != nil {
		closeQuietly(closer)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.InitSchemaContext(cmd.Context()); err != nil {
		_ = database.Close()
		closeQuietly(closer)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	coord := txn.New(database, txn.Config{
		Timeout:            cfg.Transaction.Timeout,
		FailedKeyRetention: cfg.Transaction.FailedKeyRetention,
		Logger:             log,
	})
	store := docstore.New(coord, kinds.NewRegistry(), docstore.Config{
		Logger:    log,
		Publisher: publisher,
	})

	return &app{
		cfg:       cfg,
		log:       log,
		logCloser: closer,
		db:        database,
		coord:     coord,
		store:     store,
		feed:      server,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warnf("error closing database: %v", err)
	}
	closeQuietly(a.logCloser)
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// writeOutput prints v as indented JSON or as YAML. YAML is produced from
// the JSON form so raw JSON payloads render as nested values.
func writeOutput(w io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	switch format {
	case "", "json":
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml", "yml":
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want json or yaml)", format)
	}
}

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "json", "output format: json or yaml")
}

func since(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
