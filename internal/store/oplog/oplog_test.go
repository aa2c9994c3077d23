package oplog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tablesync/opstore/internal/store/db"
	"github.com/tablesync/opstore/internal/store/schema"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(db.Options{DSN: filepath.Join(t.TempDir(), "ops.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.InitSchema())
	return database
}

func appendVersions(t *testing.T, h db.Handle, collection, docID string, versions ...int64) {
	t.Helper()
	for _, v := range versions {
		err := Append(context.Background(), h, Entry{
			Collection: collection,
			DocType:    schema.DocTypeRecord,
			DocID:      docID,
			Version:    v,
			Op:         &schema.RawOp{V: v - 1, Src: "test"},
			CreatedBy:  "usr1",
		})
		require.NoError(t, err)
	}
}

func TestMaxVersion_Empty(t *testing.T) {
	database := openTestDB(t)
	v, err := MaxVersion(context.Background(), database, "rec_tbl1", "rec1")
	require.NoError(t, err)
	require.Zero(t, v)
}

func TestAppend_MaxVersion(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	appendVersions(t, database, "rec_tbl1", "rec1", 1, 2, 3)
	appendVersions(t, database, "rec_tbl1", "rec2", 1)

	v, err := MaxVersion(ctx, database, "rec_tbl1", "rec1")
	require.NoError(t, err)
	require.Equal(t, int64(3), v)

	v, err = MaxVersion(ctx, database, "rec_tbl1", "rec2")
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestAppend_DuplicateVersion(t *testing.T) {
	database := openTestDB(t)
	appendVersions(t, database, "rec_tbl1", "rec1", 1)

	err := Append(context.Background(), database, Entry{
		Collection: "rec_tbl1",
		DocType:    schema.DocTypeRecord,
		DocID:      "rec1",
		Version:    1,
		Op:         &schema.RawOp{},
	})
	require.Error(t, err)
	require.True(t, db.IsUniqueViolation(err))
}

func TestRange_OrderedHalfOpen(t *testing.T) {
	database := openTestDB(t)
	// Inserted out of order on purpose.
	appendVersions(t, database, "rec_tbl1", "rec1", 4, 1, 5, 3, 2)

	entries, err := Range(context.Background(), database, "rec_tbl1", "rec1", 2, 5)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, int64(i+2), e.Version)
		require.Equal(t, int64(i+1), e.Op.V)
		require.Equal(t, schema.DocTypeRecord, e.DocType)
		require.Equal(t, "usr1", e.CreatedBy)
		require.False(t, e.CreatedAt.IsZero())
	}

	entries, err = Range(context.Background(), database, "rec_tbl1", "rec1", 3, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, int64(5), entries[2].Version)
}

func TestPrune_KeepsLatest(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	appendVersions(t, database, "rec_tbl1", "rec1", 1, 2, 3, 4, 5)
	appendVersions(t, database, "rec_tbl1", "rec2", 1)

	n, err := Prune(ctx, database, 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	entries, err := Range(ctx, database, "rec_tbl1", "rec1", 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, int64(4), entries[0].Version)

	v, err := MaxVersion(ctx, database, "rec_tbl1", "rec2")
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	gaps, err := Verify(ctx, database)
	require.NoError(t, err)
	require.Empty(t, gaps)
}

func TestVerify_ReportsGaps(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	appendVersions(t, database, "rec_tbl1", "rec1", 1, 2, 4)
	appendVersions(t, database, "rec_tbl1", "rec2", 1, 2)

	gaps, err := Verify(ctx, database)
	require.NoError(t, err)
	require.Equal(t, []Gap{{Collection: "rec_tbl1", DocID: "rec1", MinVersion: 1, MaxVersion: 4, Count: 3}}, gaps)

	n, err := Count(ctx, database)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}

func TestMaxVersions(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	appendVersions(t, database, "rec_tbl1", "rec1", 1, 2, 3)
	appendVersions(t, database, "rec_tbl1", "rec2", 1)
	appendVersions(t, database, "rec_tbl2", "rec3", 1, 2)

	max, err := MaxVersions(ctx, database, "rec_tbl1", []string{"rec1", "rec2", "rec3", "missing"})
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"rec1": 3, "rec2": 1}, max)

	max, err = MaxVersions(ctx, database, "rec_tbl1", nil)
	require.NoError(t, err)
	require.Empty(t, max)
}
