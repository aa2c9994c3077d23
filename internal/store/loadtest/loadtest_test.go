package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tablesync/opstore/internal/logger"
	"github.com/tablesync/opstore/internal/store/db"
	"github.com/tablesync/opstore/internal/store/docstore"
	"github.com/tablesync/opstore/internal/store/kinds"
	"github.com/tablesync/opstore/internal/store/oplog"
	"github.com/tablesync/opstore/internal/store/txn"
)

func setupHarness(t *testing.T, docs int) *Harness {
	t.Helper()
	database, err := db.Open(db.Options{DSN: filepath.Join(t.TempDir(), "load.db"), LockTimeout: 10 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.InitSchema())

	coord := txn.New(database, txn.Config{Timeout: 10 * time.Second, Logger: logger.NopLogger})
	store := docstore.New(coord, kinds.NewRegistry(), docstore.Config{})

	hs, err := Populate(context.Background(), store, database, docs)
	require.NoError(t, err)
	return hs
}

func TestPopulate(t *testing.T) {
	hs := setupHarness(t, 5)
	require.Len(t, hs.DocIDs, 5)
	require.Equal(t, int64(5), hs.Accepted())

	n, err := oplog.Count(context.Background(), hs.DB)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
	require.NoError(t, hs.Verify(context.Background()))
}

func TestPopulate_RequiresDocuments(t *testing.T) {
	_, err := Populate(context.Background(), nil, nil, 0)
	require.Error(t, err)
}

func TestRun_ContendedDocuments(t *testing.T) {
	hs := setupHarness(t, 2)
	ctx := context.Background()

	stats, err := hs.Run(ctx, 6, 5)
	require.NoError(t, err)
	require.Equal(t, 30, stats.Commits)
	require.LessOrEqual(t, stats.Min, stats.P50)
	require.LessOrEqual(t, stats.P50, stats.Max)

	require.Equal(t, int64(2+30), hs.Accepted())
	require.NoError(t, hs.Verify(ctx))

	n, err := oplog.Count(ctx, hs.DB)
	require.NoError(t, err)
	require.Equal(t, int64(32), n)

	var buf bytes.Buffer
	stats.Print(&buf)
	require.Contains(t, buf.String(), "Commits:       30")
	t.Logf("conflicts: %d, mean: %v", stats.Conflicts, stats.Mean)
}

func TestRun_InvalidArguments(t *testing.T) {
	hs := setupHarness(t, 1)
	_, err := hs.Run(context.Background(), 0, 1)
	require.Error(t, err)
}

func TestComputeLatencyStats(t *testing.T) {
	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[i] = time.Duration(100-i) * time.Millisecond
	}
	stats := computeLatencyStats(durations)
	require.Equal(t, time.Millisecond, stats.Min)
	require.Equal(t, 100*time.Millisecond, stats.Max)
	require.Equal(t, 51*time.Millisecond, stats.P50)
	require.Equal(t, 96*time.Millisecond, stats.P95)
	require.Equal(t, 50500*time.Microsecond, stats.Mean)
	require.Equal(t, 100, stats.Commits)

	require.Zero(t, computeLatencyStats(nil).Commits)
}
