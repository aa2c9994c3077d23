package kinds

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tablesync/opstore/internal/store/adapter"
	"github.com/tablesync/opstore/internal/store/db"
	"github.com/tablesync/opstore/internal/store/schema"
)

// kindAdapter implements adapter.Adapter for one kindSpec.
type kindAdapter struct {
	spec   kindSpec
	schema *jsonschema.Schema
	byKey  map[string]column
}

var (
	_ adapter.Adapter = (*kindAdapter)(nil)
	_ adapter.Deleter = (*kindAdapter)(nil)
)

func mustNewKindAdapter(spec kindSpec) *kindAdapter {
	sch, err := compileSchema(string(spec.docType), spec.jsonSchema)
	if err != nil {
		panic(err)
	}
	byKey := make(map[string]column, len(spec.columns))
	for _, col := range spec.columns {
		byKey[col.key] = col
	}
	return &kindAdapter{spec: spec, schema: sch, byKey: byKey}
}

// Create inserts a document at version 1.
func (a *kindAdapter) Create(ctx context.Context, h db.Handle, scopeID string, data json.RawMessage) error {
	if err := validate(a.schema, data); err != nil {
		return schema.NewErrInvalidSnapshot(a.spec.docType, err)
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return schema.NewErrInvalidSnapshot(a.spec.docType, err)
	}
	var id string
	if err := json.Unmarshal(payload["id"], &id); err != nil {
		return schema.NewErrInvalidSnapshot(a.spec.docType, err)
	}

	var err error
	cols := []string{"id", a.spec.scopeColumn}
	args := []any{id, scopeID}
	for _, col := range a.spec.columns {
		var v any
		if col.sequence {
			if v, err = a.nextSequence(ctx, h, col, scopeID); err != nil {
				return err
			}
		} else {
			if v, err = col.value(payload[col.key]); err != nil {
				return schema.NewErrInvalidSnapshot(a.spec.docType, fmt.Errorf("%s: %w", col.key, err))
			}
			if v == nil && col.fallback != nil {
				if v, err = col.fallbackValue(); err != nil {
					return err
				}
			}
			if v == nil && col.required {
				return schema.NewErrInvalidSnapshot(a.spec.docType, fmt.Errorf("%s is required", col.key))
			}
		}
		cols = append(cols, col.name)
		args = append(args, v)
	}
	now := db.Now()
	cols = append(cols, "version", "created_at", "last_modified_at")
	args = append(args, int64(1), now, now)

	_, err = h.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		a.spec.table, strings.Join(cols, ", "), placeholders(len(cols))), args...)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return schema.NewErrDocumentExists(a.spec.docType, id)
		}
		return fmt.Errorf("failed to create %s %s: %w", a.spec.docType, id, err)
	}
	return nil
}

func (a *kindAdapter) nextSequence(ctx context.Context, h db.Handle, col column, scopeID string) (int64, error) {
	var next int64
	err := h.GetContext(ctx, &next,
		fmt.Sprintf(`SELECT COALESCE(MAX(%s), 0) + 1 FROM %s WHERE %s = ?`, col.name, a.spec.table, a.spec.scopeColumn),
		scopeID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate %s: %w", col.key, err)
	}
	return next, nil
}

// Update applies ops to a live document and moves it to version.
func (a *kindAdapter) Update(ctx context.Context, h db.Handle, version int64, scopeID, docID string, ops []adapter.OperationContext) error {
	var (
		setCols  []string
		args     []any
		assigned = make(map[string]int)
	)
	set := func(name string, v any) {
		if i, ok := assigned[name]; ok {
			args[i] = v
			return
		}
		assigned[name] = len(args)
		setCols = append(setCols, name+" = ?")
		args = append(args, v)
	}

	patched := make(map[string]map[string]json.RawMessage)
	var patchOrder []string

	for _, op := range ops {
		if key, ok := a.spec.setters[op.Name]; ok {
			col := a.byKey[key]
			v, err := col.value(op.NewValue)
			if err != nil {
				return schema.NewErrInvalidOperation(fmt.Sprintf("%s: %v", op.Name, err))
			}
			if v == nil && col.required {
				return schema.NewErrInvalidOperation(fmt.Sprintf("%s cannot clear %s", op.Name, key))
			}
			set(col.name, v)
			continue
		}
		if key, ok := a.spec.patchers[op.Name]; ok {
			if op.Key == "" {
				return schema.NewErrInvalidOperation(fmt.Sprintf("%s without a key", op.Name))
			}
			obj, loaded := patched[key]
			if !loaded {
				var err error
				if obj, err = a.loadObject(ctx, h, scopeID, docID, a.byKey[key]); err != nil {
					return err
				}
				patched[key] = obj
				patchOrder = append(patchOrder, key)
			}
			if isNull(op.NewValue) {
				delete(obj, op.Key)
			} else {
				obj[op.Key] = op.NewValue
			}
			continue
		}
		return schema.NewErrInvalidOperation(
			fmt.Sprintf("%s does not apply to %s documents", op.Name, a.spec.docType))
	}

	for _, key := range patchOrder {
		data, err := json.Marshal(patched[key])
		if err != nil {
			return schema.NewErrInvalidOperation(fmt.Sprintf("%s: %v", key, err))
		}
		set(a.byKey[key].name, string(data))
	}
	set("version", version)
	set("last_modified_at", db.Now())

	args = append(args, docID, scopeID)
	res, err := h.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET %s WHERE id = ? AND %s = ? AND deleted_at IS NULL`,
		a.spec.table, strings.Join(setCols, ", "), a.spec.scopeColumn,
	), args...)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", a.spec.docType, docID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", a.spec.docType, docID, err)
	}
	if n == 0 {
		return schema.NewErrDocumentNotFound(a.spec.docType, docID)
	}
	return nil
}

// Delete marks a live document deleted. The row is kept so its id stays
// taken and its version keeps counting.
func (a *kindAdapter) Delete(ctx context.Context, h db.Handle, version int64, scopeID, docID string) error {
	now := db.Now()
	res, err := h.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET version = ?, last_modified_at = ?, deleted_at = ? WHERE id = ? AND %s = ? AND deleted_at IS NULL`,
		a.spec.table, a.spec.scopeColumn,
	), version, now, now, docID, scopeID)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", a.spec.docType, docID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", a.spec.docType, docID, err)
	}
	if n == 0 {
		return schema.NewErrDocumentNotFound(a.spec.docType, docID)
	}
	return nil
}

// loadObject reads a JSON object column of a live document.
func (a *kindAdapter) loadObject(ctx context.Context, h db.Handle, scopeID, docID string, col column) (map[string]json.RawMessage, error) {
	var raw sql.NullString
	err := h.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE id = ? AND %s = ? AND deleted_at IS NULL`,
		col.name, a.spec.table, a.spec.scopeColumn,
	), docID, scopeID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrDocumentNotFound(a.spec.docType, docID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s of %s %s: %w", col.key, a.spec.docType, docID, err)
	}
	obj := make(map[string]json.RawMessage)
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &obj); err != nil {
			return nil, fmt.Errorf("corrupt %s of %s %s: %w", col.key, a.spec.docType, docID, err)
		}
	}
	return obj, nil
}

// GetSnapshotBulk returns the snapshots of the live documents among ids,
// in the order of ids.
func (a *kindAdapter) GetSnapshotBulk(ctx context.Context, h db.Handle, scopeID string, ids []string, projection schema.Projection) ([]schema.Snapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, scopeID)
	for _, id := range ids {
		args = append(args, id)
	}
	snaps, err := a.selectSnapshots(ctx, h, fmt.Sprintf(" AND id IN (%s)", placeholders(len(ids))), args, projection)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]schema.Snapshot, len(snaps))
	for _, s := range snaps {
		byID[s.ID] = s
	}
	out := make([]schema.Snapshot, 0, len(snaps))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			out = append(out, s)
			delete(byID, id)
		}
	}
	return out, nil
}

// GetDocIDsByQuery evaluates q over the live documents of the scope.
func (a *kindAdapter) GetDocIDsByQuery(ctx context.Context, h db.Handle, scopeID string, q schema.Query) ([]string, error) {
	snaps, err := a.selectSnapshots(ctx, h, "", []any{scopeID}, nil)
	if err != nil {
		return nil, err
	}
	docs := make([]document, 0, len(snaps))
	for _, s := range snaps {
		data, err := s.DataMap()
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s %s: %w", a.spec.docType, s.ID, err)
		}
		docs = append(docs, document{id: s.ID, data: data})
	}
	return matchQuery(docs, q, a.spec.defaultOrder), nil
}

func (a *kindAdapter) selectSnapshots(ctx context.Context, h db.Handle, where string, args []any, projection schema.Projection) ([]schema.Snapshot, error) {
	names := make([]string, len(a.spec.columns))
	for i, col := range a.spec.columns {
		names[i] = col.name
	}
	rows, err := h.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, version, %s FROM %s WHERE %s = ? AND deleted_at IS NULL%s ORDER BY id`,
		strings.Join(names, ", "), a.spec.table, a.spec.scopeColumn, where,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s documents: %w", a.spec.docType, err)
	}
	defer rows.Close()

	projection = projection.Normalize()
	var snaps []schema.Snapshot
	for rows.Next() {
		var (
			id      string
			version int64
		)
		dest := []any{&id, &version}
		for _, col := range a.spec.columns {
			dest = append(dest, col.scanTarget())
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s document: %w", a.spec.docType, err)
		}

		data := map[string]any{"id": id}
		for i, col := range a.spec.columns {
			if v := col.decode(dest[i+2]); v != nil {
				data[col.key] = v
			}
		}
		if err := a.project(data, projection); err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s %s: %w", a.spec.docType, id, err)
		}
		snaps = append(snaps, schema.Snapshot{ID: id, V: version, Type: schema.OTTypeJSON0, Data: encoded})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s documents: %w", a.spec.docType, err)
	}
	return snaps, nil
}

// project drops what projection does not select.
func (a *kindAdapter) project(data map[string]any, projection schema.Projection) error {
	if projection == nil {
		return nil
	}
	if a.spec.projected == "" {
		for k := range data {
			if k != "id" && !projection.Includes(k) {
				delete(data, k)
			}
		}
		return nil
	}

	raw, ok := data[a.spec.projected].(json.RawMessage)
	if !ok {
		return nil
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return fmt.Errorf("failed to project %s: %w", a.spec.projected, err)
	}
	for k := range members {
		if !projection.Includes(k) {
			delete(members, k)
		}
	}
	data[a.spec.projected] = members
	return nil
}

func (c column) value(raw json.RawMessage) (any, error) {
	if isNull(raw) {
		return nil, nil
	}
	switch c.kind {
	case textColumn:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("expected a string")
		}
		return s, nil
	case realColumn:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("expected a number")
		}
		return f, nil
	case intColumn:
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("expected an integer")
		}
		return n, nil
	case boolColumn:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("expected a boolean")
		}
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, err
		}
		return buf.String(), nil
	}
}

func (c column) fallbackValue() (any, error) {
	raw, err := json.Marshal(c.fallback)
	if err != nil {
		return nil, err
	}
	return c.value(raw)
}

func (c column) scanTarget() any {
	switch c.kind {
	case realColumn:
		return new(sql.NullFloat64)
	case intColumn, boolColumn:
		return new(sql.NullInt64)
	default:
		return new(sql.NullString)
	}
}

func (c column) decode(target any) any {
	switch v := target.(type) {
	case *sql.NullFloat64:
		if v.Valid {
			return v.Float64
		}
	case *sql.NullInt64:
		if !v.Valid {
			return nil
		}
		if c.kind == boolColumn {
			return v.Int64 != 0
		}
		return v.Int64
	case *sql.NullString:
		if !v.Valid {
			return nil
		}
		if c.kind == jsonColumn {
			return json.RawMessage(v.String)
		}
		return v.String
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
