// Package config loads opstore configuration from, in increasing priority,
// built-in defaults, a config file, OPSTORE_* environment variables and
// command line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tablesync/opstore/internal/errors"
)

// EnvPrefix prefixes every environment variable, e.g. OPSTORE_DATABASE_DSN.
const EnvPrefix = "OPSTORE"

// DefaultFileName is looked up in the working directory and .opstore/ when
// no config file is given.
const DefaultFileName = "opstore.toml"

// Config is the full configuration.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Transaction TransactionConfig `mapstructure:"transaction"`
	Log         LogConfig         `mapstructure:"log"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type TransactionConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	LockTimeout        time.Duration `mapstructure:"lock_timeout"`
	FailedKeyRetention time.Duration `mapstructure:"failed_key_retention"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type FeedConfig struct {
	Addr string `mapstructure:"addr"`
}

type MaintenanceConfig struct {
	// PruneInterval of 0 disables scheduled pruning.
	PruneInterval time.Duration `mapstructure:"prune_interval"`
	KeepVersions  int64         `mapstructure:"keep_versions"`
}

// defaults lists every key with its default value. Keys missing here are
// not picked up from the environment.
var defaults = map[string]any{
	"database.dsn":                     filepath.Join(".opstore", "opstore.db"),
	"database.max_open_conns":          25,
	"transaction.timeout":              "20s",
	"transaction.lock_timeout":         "5s",
	"transaction.failed_key_retention": "100s",
	"log.level":                        "info",
	"log.file":                         "",
	"log.max_size_mb":                  100,
	"log.max_backups":                  3,
	"log.max_age_days":                 28,
	"feed.addr":                        ":8080",
	"maintenance.prune_interval":       "0s",
	"maintenance.keep_versions":        1000,
}

// flagKeys maps command line flags to the keys they override.
var flagKeys = map[string]string{
	"db":        "database.dsn",
	"log-level": "log.level",
	"log-file":  "log.file",
	"addr":      "feed.addr",
}

// New returns a viper instance with defaults, environment binding and the
// given flags bound. A nil flag set binds nothing.
func New(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "binding flag %s", name)
				}
			}
		}
	}
	return v, nil
}

// Load reads the configuration. An empty path searches DefaultFileName in
// the working directory and in .opstore/; not finding it is not an error.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v, err := New(flags)
	if err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFileName, filepath.Ext(DefaultFileName)))
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath(".opstore")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading configuration file '%s': %v", path, err)
		}
	}

	return Decode(v)
}

// Decode builds a Config from v and validates it.
func Decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshalling config")
	}
	cfg.File = v.ConfigFileUsed()
	if cfg.Transaction.FailedKeyRetention <= 0 {
		cfg.Transaction.FailedKeyRetention = 5 * cfg.Transaction.Timeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return cfg, nil
}

// Validate checks values that would make the store unusable.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Database.DSN) == "":
		return fmt.Errorf("database.dsn is required")
	case c.Transaction.Timeout <= 0:
		return fmt.Errorf("transaction.timeout must be positive")
	case c.Transaction.LockTimeout <= 0:
		return fmt.Errorf("transaction.lock_timeout must be positive")
	case c.Maintenance.PruneInterval < 0:
		return fmt.Errorf("maintenance.prune_interval must not be negative")
	case c.Maintenance.PruneInterval > 0 && c.Maintenance.KeepVersions < 1:
		return fmt.Errorf("maintenance.keep_versions must be at least 1")
	}
	return nil
}

// WriteDefault writes a config file holding every default to path. It
// refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	tree := make(map[string]map[string]any)
	for key, value := range defaults {
		section, name, _ := strings.Cut(key, ".")
		if tree[section] == nil {
			tree[section] = make(map[string]any)
		}
		tree[section][name] = value
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# opstore configuration. Every key can be overridden with")
	fmt.Fprintf(f, "# %s_<SECTION>_<KEY>, e.g. %s_DATABASE_DSN.\n\n", EnvPrefix, EnvPrefix)
	if err := toml.NewEncoder(f).Encode(tree); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
