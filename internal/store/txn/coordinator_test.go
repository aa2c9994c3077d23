package txn

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tablesync/opstore/internal/errors"
	"github.com/tablesync/opstore/internal/logger"
	"github.com/tablesync/opstore/internal/store/db"
	"github.com/tablesync/opstore/internal/store/oplog"
	"github.com/tablesync/opstore/internal/store/schema"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(db.Options{DSN: filepath.Join(t.TempDir(), "txn.db"), LockTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.InitSchema())
	return database
}

func newTestCoordinator(t *testing.T, database *db.DB, timeout time.Duration) *Coordinator {
	return New(database, Config{
		Timeout:            timeout,
		FailedKeyRetention: time.Minute,
		Logger:             logger.NewLogfLogger(t),
	})
}

func appendOp(h db.Handle, docID string) error {
	return oplog.Append(context.Background(), h, oplog.Entry{
		Collection: "tbl_bse1",
		DocType:    schema.DocTypeTable,
		DocID:      docID,
		Version:    1,
		Op:         &schema.RawOp{},
	})
}

func writeOp(t *testing.T, h db.Handle, docID string) {
	t.Helper()
	require.NoError(t, appendOp(h, docID))
}

func countOps(t *testing.T, database *db.DB) int64 {
	t.Helper()
	n, err := oplog.Count(context.Background(), database)
	require.NoError(t, err)
	return n
}

func TestGetTransaction_NoKeyReturnsAmbientHandle(t *testing.T) {
	database := openTestDB(t)
	c := newTestCoordinator(t, database, time.Second)

	h, err := c.GetTransaction(context.Background(), Options{})
	require.NoError(t, err)
	require.Same(t, database, h)

	done, err := c.TaskComplete(context.Background(), nil, Options{})
	require.NoError(t, err)
	require.True(t, done)
}

func TestGetTransaction_RequiresExpectedOpCount(t *testing.T) {
	database := openTestDB(t)
	c := newTestCoordinator(t, database, time.Second)

	_, err := c.GetTransaction(context.Background(), Options{TransactionKey: "k1"})
	require.Error(t, err)
	require.True(t, errors.Is(err, schema.ErrInvalidConfiguration))
	require.Zero(t, c.ActiveSessions())
}

func TestTaskComplete_CommitsOnLastCompletion(t *testing.T) {
	database := openTestDB(t)
	c := newTestCoordinator(t, database, 5*time.Second)
	ctx := context.Background()
	opts := Options{TransactionKey: "group", ExpectedOpCount: 3}

	for i := 0; i < 2; i++ {
		h, err := c.GetTransaction(ctx, opts)
		require.NoError(t, err)
		writeOp(t, h, fmt.Sprintf("tbl%d", i))

		done, err := c.TaskComplete(ctx, nil, opts)
		require.NoError(t, err)
		require.False(t, done)
		require.Zero(t, countOps(t, database), "writes visible before the group completed")
	}

	h, err := c.GetTransaction(ctx, opts)
	require.NoError(t, err)
	writeOp(t, h, "tbl2")

	done, err := c.TaskComplete(ctx, nil, opts)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, int64(3), countOps(t, database))
	require.Zero(t, c.ActiveSessions())
}

func TestTaskComplete_FailureRollsBackGroup(t *testing.T) {
	database := openTestDB(t)
	c := newTestCoordinator(t, database, 5*time.Second)
	ctx := context.Background()
	opts := Options{TransactionKey: "group", ExpectedOpCount: 3}

	h, err := c.GetTransaction(ctx, opts)
	require.NoError(t, err)
	writeOp(t, h, "tbl0")
	done, err := c.TaskComplete(ctx, nil, opts)
	require.NoError(t, err)
	require.False(t, done)

	h, err = c.GetTransaction(ctx, opts)
	require.NoError(t, err)
	writeOp(t, h, "tbl1")
	boom := fmt.Errorf("adapter exploded")
	done, err = c.TaskComplete(ctx, boom, opts)
	require.True(t, done)
	require.Equal(t, boom, err)

	require.Zero(t, countOps(t, database))
	require.Zero(t, c.ActiveSessions())

	// The third participant arrives late and must not open a fresh transaction.
	_, err = c.GetTransaction(ctx, opts)
	require.True(t, errors.Is(err, schema.ErrTransactionAborted))
	_, err = c.TaskComplete(ctx, nil, opts)
	require.True(t, errors.Is(err, schema.ErrTransactionAborted))
}

func TestTaskComplete_FailureBeforeOpenAbortsUnit(t *testing.T) {
	database := openTestDB(t)
	c := newTestCoordinator(t, database, 5*time.Second)
	ctx := context.Background()
	opts := Options{TransactionKey: "early", ExpectedOpCount: 2}

	bad := fmt.Errorf("invalid collection")
	done, err := c.TaskComplete(ctx, bad, opts)
	require.True(t, done)
	require.Equal(t, bad, err)

	_, err = c.GetTransaction(ctx, opts)
	require.True(t, errors.Is(err, schema.ErrTransactionAborted))
	require.Zero(t, c.ActiveSessions())
}

func TestGetTransaction_ConcurrentCallersShareHandle(t *testing.T) {
	database := openTestDB(t)
	c := newTestCoordinator(t, database, 5*time.Second)
	ctx := context.Background()
	const n = 8
	opts := Options{TransactionKey: "shared", ExpectedOpCount: n}

	handles := make([]db.Handle, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			h, err := c.GetTransaction(ctx, opts)
			handles[i] = h
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, h := range handles[1:] {
		require.Same(t, handles[0], h)
	}
	require.Equal(t, 1, c.ActiveSessions())

	var finalized atomic.Int32
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := appendOp(handles[i], fmt.Sprintf("tbl%d", i)); err != nil {
				return err
			}
			done, err := c.TaskComplete(ctx, nil, opts)
			if done {
				finalized.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), finalized.Load())
	require.Equal(t, int64(n), countOps(t, database))
}

func TestCoordinator_TimeoutReleasesSession(t *testing.T) {
	database := openTestDB(t)
	c := newTestCoordinator(t, database, 200*time.Millisecond)
	ctx := context.Background()
	opts := Options{TransactionKey: "stuck", ExpectedOpCount: 2}

	h, err := c.GetTransaction(ctx, opts)
	require.NoError(t, err)
	writeOp(t, h, "tbl0")
	done, err := c.TaskComplete(ctx, nil, opts)
	require.NoError(t, err)
	require.False(t, done)

	// The second participant never shows up.
	require.Eventually(t, func() bool { return c.ActiveSessions() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, countOps(t, database))

	_, err = c.TaskComplete(ctx, nil, opts)
	require.True(t, errors.Is(err, schema.ErrTransactionAborted))
	require.Contains(t, err.Error(), "timed out")

	// A new unit can still use the database afterwards.
	other := Options{TransactionKey: "next", ExpectedOpCount: 1}
	h, err = c.GetTransaction(ctx, other)
	require.NoError(t, err)
	writeOp(t, h, "tbl1")
	_, err = c.TaskComplete(ctx, nil, other)
	require.NoError(t, err)
	require.Equal(t, int64(1), countOps(t, database))
}

func TestCoordinator_TimeoutErrorMatchesTimeoutCode(t *testing.T) {
	database := openTestDB(t)
	c := newTestCoordinator(t, database, 150*time.Millisecond)
	ctx := context.Background()
	opts := Options{TransactionKey: "late", ExpectedOpCount: 2}

	_, err := c.GetTransaction(ctx, opts)
	require.NoError(t, err)
	_, err = c.TaskComplete(ctx, nil, opts)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.ActiveSessions() == 0 }, 5*time.Second, 10*time.Millisecond)

	_, err = c.GetTransaction(ctx, opts)
	require.True(t, errors.Is(err, schema.ErrTransactionAborted))
	require.True(t, errors.Is(err, schema.ErrTransactionTimeout))
}

func TestCoordinator_TimedOutKeyWaitsForOutstandingParticipants(t *testing.T) {
	database := openTestDB(t)
	c := New(database, Config{
		Timeout:            150 * time.Millisecond,
		FailedKeyRetention: 50 * time.Millisecond,
		Logger:             logger.NewLogfLogger(t),
	})
	ctx := context.Background()
	opts := Options{TransactionKey: "straggler", ExpectedOpCount: 2}

	h, err := c.GetTransaction(ctx, opts)
	require.NoError(t, err)
	writeOp(t, h, "tbl0")
	_, err = c.TaskComplete(ctx, nil, opts)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.ActiveSessions() == 0 }, 5*time.Second, 10*time.Millisecond)

	// Well past the retention, the second participant still learns that
	// its unit timed out instead of opening a fresh one.
	time.Sleep(200 * time.Millisecond)
	_, err = c.GetTransaction(ctx, opts)
	require.True(t, errors.Is(err, schema.ErrTransactionTimeout))
	require.Zero(t, c.ActiveSessions())
	_, err = c.TaskComplete(ctx, err, opts)
	require.True(t, errors.Is(err, schema.ErrTransactionTimeout))

	// Every participant has reported: the key can be reused.
	time.Sleep(100 * time.Millisecond)
	retry := Options{TransactionKey: "straggler", ExpectedOpCount: 1}
	h, err = c.GetTransaction(ctx, retry)
	require.NoError(t, err)
	writeOp(t, h, "tbl1")
	done, err := c.TaskComplete(ctx, nil, retry)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, int64(1), countOps(t, database))
}

func TestNew_DefaultRetentionOutlivesTimeout(t *testing.T) {
	database := openTestDB(t)
	c := New(database, Config{Timeout: time.Second})
	require.Equal(t, 5*time.Second, c.retention)
}

func TestCoordinator_TombstoneExpires(t *testing.T) {
	database := openTestDB(t)
	c := New(database, Config{
		Timeout:            time.Second,
		FailedKeyRetention: 50 * time.Millisecond,
		Logger:             logger.NewLogfLogger(t),
	})
	ctx := context.Background()
	opts := Options{TransactionKey: "retry", ExpectedOpCount: 1}

	_, err := c.GetTransaction(ctx, opts)
	require.NoError(t, err)
	_, err = c.TaskComplete(ctx, fmt.Errorf("conflict"), opts)
	require.Error(t, err)

	_, err = c.GetTransaction(ctx, opts)
	require.True(t, errors.Is(err, schema.ErrTransactionAborted))

	time.Sleep(100 * time.Millisecond)
	h, err := c.GetTransaction(ctx, opts)
	require.NoError(t, err)
	writeOp(t, h, "tbl0")
	done, err := c.TaskComplete(ctx, nil, opts)
	require.NoError(t, err)
	require.True(t, done)
}

func TestAfterCommit_RunsOnlyOnCommit(t *testing.T) {
	database := openTestDB(t)
	c := newTestCoordinator(t, database, 5*time.Second)
	ctx := context.Background()

	var calls atomic.Int32
	hook := func() { calls.Add(1) }

	committed := Options{TransactionKey: "ok", ExpectedOpCount: 1}
	_, err := c.GetTransaction(ctx, committed)
	require.NoError(t, err)
	require.NoError(t, c.AfterCommit(committed, hook))
	_, err = c.TaskComplete(ctx, nil, committed)
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())

	aborted := Options{TransactionKey: "bad", ExpectedOpCount: 1}
	_, err = c.GetTransaction(ctx, aborted)
	require.NoError(t, err)
	require.NoError(t, c.AfterCommit(aborted, hook))
	_, err = c.TaskComplete(ctx, fmt.Errorf("nope"), aborted)
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())

	require.NoError(t, c.AfterCommit(Options{}, hook))
	require.Equal(t, int32(2), calls.Load())
}

func TestSetTimeout(t *testing.T) {
	database := openTestDB(t)
	c := newTestCoordinator(t, database, time.Second)
	c.SetTimeout(3 * time.Second)
	require.Equal(t, 3*time.Second, c.Timeout())
	c.SetTimeout(0)
	require.Equal(t, 3*time.Second, c.Timeout())
}
