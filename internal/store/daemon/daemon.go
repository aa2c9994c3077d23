// Package daemon runs the background maintenance of a serving store.
//
// The daemon:
//  1. Prunes the operation log on a fixed interval, keeping the latest
//     versions of every document
//  2. Watches the config file and re-applies the settings that can change
//     at runtime (log level, transaction timeout, pruning)
//  3. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"

	"github.com/tablesync/opstore/internal/config"
	"github.com/tablesync/opstore/internal/logger"
	"github.com/tablesync/opstore/internal/metrics"
	"github.com/tablesync/opstore/internal/store/db"
	"github.com/tablesync/opstore/internal/store/oplog"
	"github.com/tablesync/opstore/internal/store/txn"
)

// LevelSetter changes the verbosity of a logger tree.
// *logger.StandardLogger implements it.
type LevelSetter interface {
	SetLevel(level int)
}

// Config holds configuration for the daemon.
type Config struct {
	// PruneInterval is how often to prune the operation log. 0 disables it.
	PruneInterval time.Duration

	// KeepVersions is how many versions of every document survive a prune
	KeepVersions int64

	// ConfigFile is watched for changes. Empty disables reloading.
	ConfigFile string

	// Flags are re-applied on top of the file when reloading
	Flags *pflag.FlagSet

	// DebounceInterval is how long to wait after the last change event
	// before reloading. Editors often write a file in several steps.
	DebounceInterval time.Duration

	// Coordinator receives the reloaded transaction timeout (optional)
	Coordinator *txn.Coordinator

	// Levels receives the reloaded log level (optional)
	Levels LevelSetter

	// OnReload is called with every successfully reloaded config (optional)
	OnReload func(*config.Config)

	Logger logger.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeepVersions:     1000,
		DebounceInterval: 100 * time.Millisecond,
		Logger:           logger.NopLogger,
	}
}

// Daemon runs pruning and config reloading in the background.
type Daemon struct {
	db     db.Handle
	config Config
	log    logger.Logger

	watcher *fsnotify.Watcher
	file    string

	mu           sync.Mutex
	keep         int64
	interval     time.Duration
	pendingSince time.Time
	resetPrune   chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon operating on h. Use Start() to begin.
func New(h db.Handle, cfg Config) (*Daemon, error) {
	if h == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	def := DefaultConfig()
	if cfg.KeepVersions < 1 {
		cfg.KeepVersions = def.KeepVersions
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = def.DebounceInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.PruneInterval < 0 {
		return nil, fmt.Errorf("prune interval must not be negative")
	}

	d := &Daemon{
		db:         h,
		config:     cfg,
		log:        cfg.Logger.WithPrefix("[daemon] "),
		keep:       cfg.KeepVersions,
		interval:   cfg.PruneInterval,
		resetPrune: make(chan struct{}, 1),
	}

	if cfg.ConfigFile != "" {
		abs, err := filepath.Abs(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config file: %w", err)
		}
		d.file = abs

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start begins the daemon's operation and blocks until ctx is cancelled or
// Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.log.Infof("starting")

	if d.watcher != nil {
		// The directory is watched rather than the file: editors and
		// config management replace files by renaming over them.
		if err := d.watcher.Add(filepath.Dir(d.file)); err != nil {
			return fmt.Errorf("failed to watch config directory: %w", err)
		}
		d.log.Infof("watching %s", d.file)

		d.wg.Add(2)
		go d.watchConfigEvents()
		go d.processReloads()
	}

	d.wg.Add(1)
	go d.pruneLoop()

	select {
	case <-ctx.Done():
		d.log.Infof("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.cancel()
		if d.watcher != nil {
			if err := d.watcher.Close(); err != nil {
				d.log.Warnf("error closing watcher: %v", err)
			}
		}
		d.wg.Wait()
		d.log.Infof("stopped")
	})
	return nil
}

// PruneOnce prunes the operation log with the current keep setting and
// returns the number of deleted operations.
func (d *Daemon) PruneOnce(ctx context.Context) (int64, error) {
	d.mu.Lock()
	keep := d.keep
	d.mu.Unlock()

	n, err := oplog.Prune(ctx, d.db, keep)
	if err != nil {
		return 0, err
	}
	metrics.PrunedOps.Add(float64(n))
	if n > 0 {
		d.log.Infof("pruned %d operations (keeping %d versions)", n, keep)
	}
	return n, nil
}

func (d *Daemon) pruneLoop() {
	defer d.wg.Done()

	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		d.mu.Lock()
		interval := d.interval
		d.mu.Unlock()

		if ticker != nil {
			ticker.Stop()
			ticker = nil
		}
		var tick <-chan time.Time
		if interval > 0 {
			ticker = time.NewTicker(interval)
			tick = ticker.C
		}

	wait:
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-d.resetPrune:
				break wait
			case <-tick:
				if _, err := d.PruneOnce(d.ctx); err != nil && d.ctx.Err() == nil {
					d.log.Errorf("prune failed: %v", err)
				}
			}
		}
	}
}

// watchConfigEvents records changes of the config file.
func (d *Daemon) watchConfigEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != d.file {
				continue
			}

			d.log.Debugf("config event: %s %s", event.Op, event.Name)
			d.mu.Lock()
			d.pendingSince = time.Now()
			d.mu.Unlock()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warnf("watcher error: %v", err)
		}
	}
}

// processReloads reloads once no change was seen for DebounceInterval.
func (d *Daemon) processReloads() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.mu.Lock()
			due := !d.pendingSince.IsZero() && time.Since(d.pendingSince) >= d.config.DebounceInterval
			if due {
				d.pendingSince = time.Time{}
			}
			d.mu.Unlock()

			if due {
				if err := d.Reload(); err != nil {
					d.log.Errorf("reload failed, keeping previous settings: %v", err)
				}
			}
		}
	}
}

// Reload reads the config file again and applies the runtime settings.
func (d *Daemon) Reload() error {
	if d.file == "" {
		return fmt.Errorf("no config file to reload")
	}
	cfg, err := config.Load(d.file, d.config.Flags)
	if err != nil {
		return err
	}
	d.apply(cfg)
	return nil
}

func (d *Daemon) apply(cfg *config.Config) {
	if d.config.Levels != nil {
		d.config.Levels.SetLevel(logger.ParseLevel(cfg.Log.Level))
	}
	if d.config.Coordinator != nil {
		d.config.Coordinator.SetTimeout(cfg.Transaction.Timeout)
	}

	d.mu.Lock()
	if cfg.Maintenance.KeepVersions >= 1 {
		d.keep = cfg.Maintenance.KeepVersions
	}
	changed := d.interval != cfg.Maintenance.PruneInterval
	d.interval = cfg.Maintenance.PruneInterval
	d.mu.Unlock()

	if changed {
		select {
		case d.resetPrune <- struct{}{}:
		default:
		}
	}

	d.log.Infof("reloaded %s (log level %s, transaction timeout %s, prune interval %s)",
		d.file, cfg.Log.Level, cfg.Transaction.Timeout, cfg.Maintenance.PruneInterval)

	if d.config.OnReload != nil {
		d.config.OnReload(cfg)
	}
}

// KeepVersions returns the current keep setting.
func (d *Daemon) KeepVersions() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keep
}

// PruneInterval returns the current prune interval.
func (d *Daemon) PruneInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval
}
