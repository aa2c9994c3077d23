// Package oplog implements the operation log: the append-only, versioned
// record of every accepted write.
//
// For a fixed (collection, doc_id) the stored versions form the contiguous
// sequence 1..max. The log does not enforce that by itself; the document
// store only appends max+1 (see MaxVersion), and the unique index on
// (collection, doc_id, version) rejects a racing duplicate.
//
// Every function takes a db.Handle so it can run on the connection pool or
// inside a coordinated transaction.
package oplog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tablesync/opstore/internal/store/db"
	"github.com/tablesync/opstore/internal/store/schema"
)

// Entry is one row of the operation log.
type Entry struct {
	Collection string         `json:"collection" yaml:"collection"`
	DocType    schema.DocType `json:"docType" yaml:"docType"`
	DocID      string         `json:"docId" yaml:"docId"`
	Version    int64          `json:"version" yaml:"version"`
	Op         *schema.RawOp  `json:"op" yaml:"op"`
	CreatedBy  string         `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
	CreatedAt  time.Time      `json:"createdAt" yaml:"createdAt"`
}

// MaxVersion returns the highest stored version of a document, 0 if it
// has no operations.
func MaxVersion(ctx context.Context, h db.Handle, collection, docID string) (int64, error) {
	var max sql.NullInt64
	err := h.GetContext(ctx, &max,
		`SELECT MAX(version) FROM ops WHERE collection = ? AND doc_id = ?`,
		collection, docID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to read max version of %s/%s: %w", collection, docID, err)
	}
	return max.Int64, nil
}

// MaxVersions returns the highest stored version of each of docIDs.
// Documents without operations are absent from the result.
func MaxVersions(ctx context.Context, h db.Handle, collection string, docIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(docIDs))
	if len(docIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
	SELECT doc_id, MAX(version) AS max_version
	FROM ops
	WHERE collection = ? AND doc_id IN (?)
	GROUP BY doc_id`, collection, docIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build max version query: %w", err)
	}
	var rows []struct {
		DocID      string `db:"doc_id"`
		MaxVersion int64  `db:"max_version"`
	}
	if err := h.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read max versions in %s: %w", collection, err)
	}
	for _, r := range rows {
		out[r.DocID] = r.MaxVersion
	}
	return out, nil
}

// Append stores an operation at e.Version.
func Append(ctx context.Context, h db.Handle, e Entry) error {
	payload, err := e.Op.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode operation: %w", err)
	}
	createdAt := db.Now()
	if !e.CreatedAt.IsZero() {
		createdAt = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = h.ExecContext(ctx, `
	INSERT INTO ops (collection, doc_type, doc_id, version, operation, created_by, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Collection,
		string(e.DocType),
		e.DocID,
		e.Version,
		string(payload),
		nullString(e.CreatedBy),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append operation %s/%s@%d: %w", e.Collection, e.DocID, e.Version, err)
	}
	return nil
}

// Range returns the operations of a document with from <= version < to in
// ascending version order. A non-positive to means "to the latest".
func Range(ctx context.Context, h db.Handle, collection, docID string, from, to int64) ([]Entry, error) {
	query := `
	SELECT collection, doc_type, doc_id, version, operation, created_by, created_at
	FROM ops
	WHERE collection = ? AND doc_id = ? AND version >= ?`
	args := []any{collection, docID, from}
	if to > 0 {
		query += ` AND version < ?`
		args = append(args, to)
	}
	query += ` ORDER BY version ASC`

	var rows []opRow
	if err := h.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query operations of %s/%s: %w", collection, docID, err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		op, err := schema.DecodeRawOp([]byte(r.Operation))
		if err != nil {
			return nil, fmt.Errorf("operation %s/%s@%d: %w", r.Collection, r.DocID, r.Version, err)
		}
		e := Entry{
			Collection: r.Collection,
			DocType:    schema.DocType(r.DocType),
			DocID:      r.DocID,
			Version:    r.Version,
			Op:         op,
			CreatedBy:  r.CreatedBy.String,
		}
		if t, err := time.Parse(time.RFC3339Nano, r.CreatedAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// opRow is the stored form of an Entry.
type opRow struct {
	Collection string         `db:"collection"`
	DocType    string         `db:"doc_type"`
	DocID      string         `db:"doc_id"`
	Version    int64          `db:"version"`
	Operation  string         `db:"operation"`
	CreatedBy  sql.NullString `db:"created_by"`
	CreatedAt  string         `db:"created_at"`
}

// Prune deletes, for every document, the operations older than its latest
// keep versions. The latest operation of a document is always retained so
// MaxVersion stays correct. Maintenance only: afterwards a pruned
// document's versions run max-keep+1..max instead of 1..max.
func Prune(ctx context.Context, h db.Handle, keep int64) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := h.ExecContext(ctx, `
	DELETE FROM ops WHERE id IN (
		SELECT o.id
		FROM ops o
		JOIN (
			SELECT collection, doc_id, MAX(version) AS max_version
			FROM ops
			GROUP BY collection, doc_id
		) m ON o.collection = m.collection AND o.doc_id = m.doc_id
		WHERE o.version <= m.max_version - ?
	)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned operations: %w", err)
	}
	return n, nil
}

// Gap describes a document whose stored versions are not contiguous.
type Gap struct {
	Collection string `json:"collection" yaml:"collection" db:"collection"`
	DocID      string `json:"docId" yaml:"docId" db:"doc_id"`
	MinVersion int64  `json:"minVersion" yaml:"minVersion" db:"min_version"`
	MaxVersion int64  `json:"maxVersion" yaml:"maxVersion" db:"max_version"`
	Count      int64  `json:"count" yaml:"count" db:"count"`
}

// Verify returns every document whose versions have holes between their
// minimum and maximum stored version.
func Verify(ctx context.Context, h db.Handle) ([]Gap, error) {
	var gaps []Gap
	err := h.SelectContext(ctx, &gaps, `
	SELECT collection, doc_id,
		MIN(version) AS min_version, MAX(version) AS max_version, COUNT(*) AS count
	FROM ops
	GROUP BY collection, doc_id
	HAVING MAX(version) - MIN(version) + 1 <> COUNT(*)
	ORDER BY collection, doc_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to verify operation log: %w", err)
	}
	return gaps, nil
}

// Count returns the number of stored operations.
func Count(ctx context.Context, h db.Handle) (int64, error) {
	var n int64
	if err := h.GetContext(ctx, &n, `SELECT COUNT(*) FROM ops`); err != nil {
		return 0, fmt.Errorf("failed to count operations: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
