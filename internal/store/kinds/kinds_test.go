package kinds

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tablesync/opstore/internal/errors"
	"github.com/tablesync/opstore/internal/store/adapter"
	"github.com/tablesync/opstore/internal/store/db"
	"github.com/tablesync/opstore/internal/store/schema"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(db.Options{DSN: filepath.Join(t.TempDir(), "kinds.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.InitSchema())
	return database
}

func snapshotData(t *testing.T, s schema.Snapshot) map[string]any {
	t.Helper()
	m, err := s.DataMap()
	require.NoError(t, err)
	return m
}

func TestTableAdapter_CreateAndRead(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	a := NewTableAdapter()

	err := a.Create(ctx, database, "bse1", json.RawMessage(`{"id":"tbl1","name":"Tasks","order":2}`))
	require.NoError(t, err)

	snaps, err := a.GetSnapshotBulk(ctx, database, "bse1", []string{"tbl1", "tblMissing"}, nil)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, int64(1), snaps[0].V)
	require.Equal(t, schema.OTTypeJSON0, snaps[0].Type)

	data := snapshotData(t, snaps[0])
	require.Equal(t, "Tasks", data["name"])
	require.Equal(t, float64(2), data["order"])
	require.NotContains(t, data, "icon")

	// Another base does not see it.
	snaps, err = a.GetSnapshotBulk(ctx, database, "bse2", []string{"tbl1"}, nil)
	require.NoError(t, err)
	require.Empty(t, snaps)
}

func TestCreate_Duplicate(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	a := NewFieldAdapter()

	payload := json.RawMessage(`{"id":"fld1","name":"Title","type":"singleLineText"}`)
	require.NoError(t, a.Create(ctx, database, "tbl1", payload))
	err := a.Create(ctx, database, "tbl1", payload)
	require.True(t, errors.Is(err, schema.ErrDocumentExists))

	// Ids are unique across scopes.
	err = a.Create(ctx, database, "tbl2", payload)
	require.True(t, errors.Is(err, schema.ErrDocumentExists))
}

func TestCreate_InvalidPayload(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	err := NewFieldAdapter().Create(ctx, database, "tbl1", json.RawMessage(`{"id":"fld1","name":"Title"}`))
	require.True(t, errors.Is(err, schema.ErrInvalidSnapshot))

	err = NewViewAdapter().Create(ctx, database, "tbl1", json.RawMessage(`{"id":"viw1","name":"V","type":"spreadsheet"}`))
	require.True(t, errors.Is(err, schema.ErrInvalidSnapshot))

	err = NewTableAdapter().Create(ctx, database, "bse1", json.RawMessage(`{"id":"","name":"x"}`))
	require.True(t, errors.Is(err, schema.ErrInvalidSnapshot))
}

func TestFieldAdapter_Update(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	a := NewFieldAdapter()
	require.NoError(t, a.Create(ctx, database, "tbl1",
		json.RawMessage(`{"id":"fld1","name":"Title","type":"singleLineText","isPrimary":true}`)))

	err := a.Update(ctx, database, 2, "tbl1", "fld1", []adapter.OperationContext{
		{Name: adapter.SetFieldName, NewValue: json.RawMessage(`"Headline"`)},
		{Name: adapter.SetFieldOptions, NewValue: json.RawMessage(`{"max": 10}`)},
	})
	require.NoError(t, err)

	snaps, err := a.GetSnapshotBulk(ctx, database, "tbl1", []string{"fld1"}, nil)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, int64(2), snaps[0].V)
	data := snapshotData(t, snaps[0])
	require.Equal(t, "Headline", data["name"])
	require.Equal(t, true, data["isPrimary"])
	require.Equal(t, map[string]any{"max": float64(10)}, data["options"])

	err = a.Update(ctx, database, 3, "tbl1", "fld1", []adapter.OperationContext{
		{Name: adapter.SetFieldName, NewValue: json.RawMessage(`null`)},
	})
	require.True(t, errors.Is(err, schema.ErrInvalidOperation))

	err = a.Update(ctx, database, 3, "tbl1", "fld1", []adapter.OperationContext{
		{Name: adapter.SetRecord, Key: "fldX", NewValue: json.RawMessage(`1`)},
	})
	require.True(t, errors.Is(err, schema.ErrInvalidOperation))
}

func TestUpdate_NoContextsMovesVersion(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	a := NewTableAdapter()
	require.NoError(t, a.Create(ctx, database, "bse1", json.RawMessage(`{"id":"tbl1","name":"Tasks"}`)))

	require.NoError(t, a.Update(ctx, database, 2, "bse1", "tbl1", nil))

	snaps, err := a.GetSnapshotBulk(ctx, database, "bse1", []string{"tbl1"}, nil)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, int64(2), snaps[0].V)
	require.Equal(t, "Tasks", snapshotData(t, snaps[0])["name"])
}

func TestDelete(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	v := NewViewAdapter()
	del := v.(adapter.Deleter)
	require.NoError(t, v.Create(ctx, database, "tbl1", json.RawMessage(`{"id":"viw1","name":"Grid","type":"grid"}`)))

	require.NoError(t, del.Delete(ctx, database, 2, "tbl1", "viw1"))

	snaps, err := v.GetSnapshotBulk(ctx, database, "tbl1", []string{"viw1"}, nil)
	require.NoError(t, err)
	require.Empty(t, snaps)
	ids, err := v.GetDocIDsByQuery(ctx, database, "tbl1", schema.Query{})
	require.NoError(t, err)
	require.Empty(t, ids)

	err = v.Update(ctx, database, 3, "tbl1", "viw1", []adapter.OperationContext{
		{Name: adapter.SetViewName, NewValue: json.RawMessage(`"x"`)},
	})
	require.True(t, errors.Is(err, schema.ErrDocumentNotFound))

	err = del.Delete(ctx, database, 3, "tbl1", "viw1")
	require.True(t, errors.Is(err, schema.ErrDocumentNotFound))

	var deletedAt sql.NullString
	require.NoError(t, database.GetContext(ctx, &deletedAt, `SELECT deleted_at FROM view_meta WHERE id = ?`, "viw1"))
	require.True(t, deletedAt.Valid)
}

func TestUpdate_MissingDocument(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	err := NewTableAdapter().Update(ctx, database, 2, "bse1", "tblNope", []adapter.OperationContext{
		{Name: adapter.SetTableName, NewValue: json.RawMessage(`"x"`)},
	})
	require.True(t, errors.Is(err, schema.ErrDocumentNotFound))

	err = NewRecordAdapter().Update(ctx, database, 2, "tbl1", "recNope", []adapter.OperationContext{
		{Name: adapter.SetRecord, Key: "fld1", NewValue: json.RawMessage(`"x"`)},
	})
	require.True(t, errors.Is(err, schema.ErrDocumentNotFound))
}

func TestRecordAdapter_CellsAndProjection(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	a := NewRecordAdapter()

	require.NoError(t, a.Create(ctx, database, "tbl1", json.RawMessage(`{"id":"rec1","fields":{"fldA":"a","fldB":1}}`)))
	require.NoError(t, a.Create(ctx, database, "tbl1", json.RawMessage(`{"id":"rec2"}`)))

	err := a.Update(ctx, database, 2, "tbl1", "rec1", []adapter.OperationContext{
		{Name: adapter.SetRecord, Key: "fldA", NewValue: json.RawMessage(`"changed"`)},
		{Name: adapter.SetRecord, Key: "fldB", OldValue: json.RawMessage(`1`)},
		{Name: adapter.SetRecord, Key: "fldC", NewValue: json.RawMessage(`true`)},
	})
	require.NoError(t, err)

	snaps, err := a.GetSnapshotBulk(ctx, database, "tbl1", []string{"rec2", "rec1"}, nil)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, "rec2", snaps[0].ID)
	require.Equal(t, map[string]any{}, snapshotData(t, snaps[0])["fields"])
	require.Equal(t, float64(2), snapshotData(t, snaps[0])["autoNumber"])

	rec1 := snapshotData(t, snaps[1])
	require.Equal(t, map[string]any{"fldA": "changed", "fldC": true}, rec1["fields"])
	require.Equal(t, float64(1), rec1["autoNumber"])

	snaps, err = a.GetSnapshotBulk(ctx, database, "tbl1", []string{"rec1"}, schema.Projection{"fldC": true})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"fldC": true}, snapshotData(t, snaps[0])["fields"])

	snaps, err = a.GetSnapshotBulk(ctx, database, "tbl1", []string{"rec1"}, schema.Projection{"$submit": true})
	require.NoError(t, err)
	require.Len(t, snapshotData(t, snaps[0])["fields"], 2)
}

func TestViewAdapter_ColumnMeta(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	a := NewViewAdapter()

	require.NoError(t, a.Create(ctx, database, "tbl1",
		json.RawMessage(`{"id":"viw1","name":"Grid","type":"grid","columnMeta":{"fld1":{"width":100}}}`)))

	err := a.Update(ctx, database, 2, "tbl1", "viw1", []adapter.OperationContext{
		{Name: adapter.SetViewColumnMeta, Key: "fld2", NewValue: json.RawMessage(`{"width":80}`)},
		{Name: adapter.SetViewColumnMeta, Key: "fld1", OldValue: json.RawMessage(`{"width":100}`)},
	})
	require.NoError(t, err)

	snaps, err := a.GetSnapshotBulk(ctx, database, "tbl1", []string{"viw1"}, schema.Projection{"columnMeta": true})
	require.NoError(t, err)
	data := snapshotData(t, snaps[0])
	require.Equal(t, map[string]any{"fld2": map[string]any{"width": float64(80)}}, data["columnMeta"])
	require.NotContains(t, data, "name")
	require.Equal(t, "viw1", data["id"])
}

func TestGetDocIDsByQuery(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	a := NewTableAdapter()

	for _, payload := range []string{
		`{"id":"tblC","name":"C","order":1}`,
		`{"id":"tblA","name":"A","order":3,"icon":"star"}`,
		`{"id":"tblB","name":"B","order":2,"icon":"star"}`,
		`{"id":"tblD","name":"D","order":1}`,
	} {
		require.NoError(t, a.Create(ctx, database, "bse1", json.RawMessage(payload)))
	}

	ids, err := a.GetDocIDsByQuery(ctx, database, "bse1", schema.Query{})
	require.NoError(t, err)
	require.Equal(t, []string{"tblC", "tblD", "tblB", "tblA"}, ids)

	ids, err = a.GetDocIDsByQuery(ctx, database, "bse1", schema.Query{Where: map[string]any{"icon": "star"}})
	require.NoError(t, err)
	require.Equal(t, []string{"tblB", "tblA"}, ids)

	ids, err = a.GetDocIDsByQuery(ctx, database, "bse1", schema.Query{
		OrderBy: []schema.Sort{{Key: "name", Desc: true}},
		Offset:  1,
		Limit:   2,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"tblC", "tblB"}, ids)
}

func TestGetDocIDsByQuery_RecordCells(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	a := NewRecordAdapter()

	require.NoError(t, a.Create(ctx, database, "tbl1", json.RawMessage(`{"id":"rec1","fields":{"fldStatus":"done"}}`)))
	require.NoError(t, a.Create(ctx, database, "tbl1", json.RawMessage(`{"id":"rec2","fields":{"fldStatus":"todo"}}`)))
	require.NoError(t, a.Create(ctx, database, "tbl1", json.RawMessage(`{"id":"rec3","fields":{"fldStatus":"done"}}`)))

	ids, err := a.GetDocIDsByQuery(ctx, database, "tbl1", schema.Query{Where: map[string]any{"fldStatus": "done"}})
	require.NoError(t, err)
	require.Equal(t, []string{"rec1", "rec3"}, ids)

	ids, err = a.GetDocIDsByQuery(ctx, database, "tbl1", schema.Query{Where: map[string]any{"fields.fldStatus": "todo"}})
	require.NoError(t, err)
	require.Equal(t, []string{"rec2"}, ids)
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	require.ElementsMatch(t, schema.DocTypes, reg.Types())
}
