package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(".opstore", "opstore.db"), cfg.Database.DSN)
	require.Equal(t, 25, cfg.Database.MaxOpenConns)
	require.Equal(t, 20*time.Second, cfg.Transaction.Timeout)
	require.Equal(t, 5*time.Second, cfg.Transaction.LockTimeout)
	require.Equal(t, 100*time.Second, cfg.Transaction.FailedKeyRetention)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, ":8080", cfg.Feed.Addr)
	require.Zero(t, cfg.Maintenance.PruneInterval)
	require.Empty(t, cfg.File)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
dsn = "file.db"

[transaction]
timeout = "3s"

[maintenance]
prune_interval = "1h"
keep_versions = 10
`), 0644))

	t.Setenv("OPSTORE_TRANSACTION_LOCK_TIMEOUT", "750ms")
	t.Setenv("OPSTORE_LOG_LEVEL", "warn")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("db", "", "")
	flags.String("log-level", "", "")
	require.NoError(t, flags.Parse([]string{"--log-level", "debug"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	require.Equal(t, path, cfg.File)
	require.Equal(t, "file.db", cfg.Database.DSN)
	require.Equal(t, 3*time.Second, cfg.Transaction.Timeout)
	require.Equal(t, 750*time.Millisecond, cfg.Transaction.LockTimeout)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, time.Hour, cfg.Maintenance.PruneInterval)
	require.Equal(t, int64(10), cfg.Maintenance.KeepVersions)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"), nil)
	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("OPSTORE_TRANSACTION_TIMEOUT", "-1s")
	_, err := Load("", nil)
	require.Error(t, err)
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", DefaultFileName)
	require.NoError(t, WriteDefault(path))
	require.Error(t, WriteDefault(path))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, 20*time.Second, cfg.Transaction.Timeout)
	require.Equal(t, int64(1000), cfg.Maintenance.KeepVersions)
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
