package adapter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tablesync/opstore/internal/errors"
	"github.com/tablesync/opstore/internal/store/db"
	"github.com/tablesync/opstore/internal/store/schema"
)

type stubAdapter struct{}

func (stubAdapter) Create(context.Context, db.Handle, string, json.RawMessage) error { return nil }
func (stubAdapter) Update(context.Context, db.Handle, int64, string, string, []OperationContext) error {
	return nil
}
func (stubAdapter) GetSnapshotBulk(context.Context, db.Handle, string, []string, schema.Projection) ([]schema.Snapshot, error) {
	return nil, nil
}
func (stubAdapter) GetDocIDsByQuery(context.Context, db.Handle, string, schema.Query) ([]string, error) {
	return nil, nil
}

func TestRegistry_Lookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(schema.DocTypeRecord, stubAdapter{})

	a, err := reg.Lookup(schema.DocTypeRecord)
	require.NoError(t, err)
	require.NotNil(t, a)

	_, err = reg.Lookup(schema.DocTypeView)
	require.True(t, errors.Is(err, schema.ErrUnknownDocType))

	require.Equal(t, []schema.DocType{schema.DocTypeRecord}, reg.Types())
}

func TestRegistry_RegisterTwicePanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register(schema.DocTypeTable, stubAdapter{})
	require.Panics(t, func() { reg.Register(schema.DocTypeTable, stubAdapter{}) })
	require.Panics(t, func() { reg.Register("nope", stubAdapter{}) })
	require.Panics(t, func() { reg.Register(schema.DocTypeField, nil) })
}

func component(t *testing.T, newValue any, path ...any) schema.Component {
	t.Helper()
	c, err := schema.Set(path, newValue, nil)
	require.NoError(t, err)
	return c
}

func TestDecodeContexts(t *testing.T) {
	ops := []schema.Component{
		component(t, "Cell A", "fields", "fldA"),
		component(t, 42, "fields", "fldB"),
	}
	ctxs, err := DecodeContexts(schema.DocTypeRecord, ops)
	require.NoError(t, err)
	require.Len(t, ctxs, 2)
	require.Equal(t, SetRecord, ctxs[0].Name)
	require.Equal(t, "fldA", ctxs[0].Key)
	require.JSONEq(t, `"Cell A"`, string(ctxs[0].NewValue))
	require.Equal(t, "fldB", ctxs[1].Key)

	ctxs, err = DecodeContexts(schema.DocTypeView, []schema.Component{
		component(t, map[string]any{"width": 120}, "columnMeta", "fldA"),
		component(t, "Grid", "name"),
	})
	require.NoError(t, err)
	require.Equal(t, SetViewColumnMeta, ctxs[0].Name)
	require.Equal(t, "fldA", ctxs[0].Key)
	require.Equal(t, SetViewName, ctxs[1].Name)
	require.Empty(t, ctxs[1].Key)
}

func TestDecodeContexts_Unsupported(t *testing.T) {
	_, err := DecodeContexts(schema.DocTypeTable, []schema.Component{component(t, 1, "fields", "x")})
	require.True(t, errors.Is(err, schema.ErrInvalidOperation))

	_, err = DecodeContexts(schema.DocTypeRecord, []schema.Component{component(t, 1, "fields")})
	require.True(t, errors.Is(err, schema.ErrInvalidOperation))

	_, err = DecodeContexts("zzz", nil)
	require.True(t, errors.Is(err, schema.ErrUnknownDocType))
}

func TestGroupContexts_ContiguousRuns(t *testing.T) {
	ctxs := []OperationContext{
		{Name: SetFieldName},
		{Name: SetFieldName},
		{Name: SetFieldType},
		{Name: SetFieldName},
	}
	groups := GroupContexts(ctxs)
	require.Len(t, groups, 3)
	require.Len(t, groups[0], 2)
	require.Equal(t, SetFieldType, groups[1][0].Name)
	require.Equal(t, SetFieldName, groups[2][0].Name)

	require.Empty(t, GroupContexts(nil))
}
