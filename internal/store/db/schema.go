package db

import (
	"context"
	"fmt"
	"strings"
)

// Table names.
const (
	TableOps       = "ops"
	TableTableMeta = "table_meta"
	TableField     = "field_meta"
	TableView      = "view_meta"
	TableRecord    = "record_data"
)

// schemaStatements returns the DDL for the store. The ops table is the
// operation log; the others are the relational representation the kind
// adapters read and write.
func schemaStatements(d Dialect) []string {
	autoID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		autoID = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		// Operation log
		`CREATE TABLE IF NOT EXISTS ops (
			id ` + autoID + `,
			collection TEXT NOT NULL,
			doc_type TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			operation TEXT NOT NULL,
			created_by TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ops_doc_version
			ON ops(collection, doc_id, version)`,

		// Document tables
		`CREATE TABLE IF NOT EXISTS table_meta (
			id TEXT PRIMARY KEY,
			base_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			icon TEXT,
			sort_order REAL NOT NULL DEFAULT 0,
			version BIGINT NOT NULL,
			created_at TEXT NOT NULL,
			last_modified_at TEXT,
			deleted_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS field_meta (
			id TEXT PRIMARY KEY,
			table_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			description TEXT,
			options TEXT,
			is_primary INTEGER NOT NULL DEFAULT 0,
			version BIGINT NOT NULL,
			created_at TEXT NOT NULL,
			last_modified_at TEXT,
			deleted_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS view_meta (
			id TEXT PRIMARY KEY,
			table_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			description TEXT,
			sort_order REAL NOT NULL DEFAULT 0,
			filter_json TEXT,
			sort_json TEXT,
			column_meta TEXT,
			version BIGINT NOT NULL,
			created_at TEXT NOT NULL,
			last_modified_at TEXT,
			deleted_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS record_data (
			id TEXT PRIMARY KEY,
			table_id TEXT NOT NULL,
			fields TEXT NOT NULL,
			auto_number BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL,
			created_at TEXT NOT NULL,
			last_modified_at TEXT,
			deleted_at TEXT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_table_meta_base ON table_meta(base_id)`,
		`CREATE INDEX IF NOT EXISTS idx_field_meta_table ON field_meta(table_id)`,
		`CREATE INDEX IF NOT EXISTS idx_view_meta_table ON view_meta(table_id)`,
		`CREATE INDEX IF NOT EXISTS idx_record_data_table ON record_data(table_id)`,
	}
}

// InitSchema creates the database schema if it doesn't exist.
//
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	for _, stmt := range schemaStatements(db.dialect) {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema (%s): %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
