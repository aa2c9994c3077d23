// Package kinds provides the type adapters of the four document kinds
// (tables, views, fields and records) on top of the relational schema
// created by db.InitSchema.
//
// All four share one column-mapped implementation. A kind is described by
// a spec: its SQL table, the column holding the scope id, the mapping
// between snapshot data keys and columns, and which operation contexts set
// or patch which key.
package kinds

import (
	"github.com/tablesync/opstore/internal/store/adapter"
	"github.com/tablesync/opstore/internal/store/db"
	"github.com/tablesync/opstore/internal/store/schema"
)

type columnKind int

const (
	textColumn columnKind = iota
	realColumn
	intColumn
	boolColumn
	jsonColumn
)

type column struct {
	key      string // snapshot data key
	name     string // SQL column
	kind     columnKind
	required bool

	// sequence columns are assigned MAX+1 within the scope on create and
	// are never written by updates.
	sequence bool

	// fallback is stored on create when the payload omits the key.
	fallback any
}

type kindSpec struct {
	docType     schema.DocType
	table       string
	scopeColumn string
	columns     []column

	// setters map a context name to the data key it replaces.
	setters map[string]string

	// patchers map a context name to a JSON object key whose member
	// OperationContext.Key is replaced.
	patchers map[string]string

	// projected names the object whose members a projection selects. When
	// empty the projection selects top-level keys.
	projected string

	defaultOrder []schema.Sort
	jsonSchema   string
}

var tableSpec = kindSpec{
	docType:     schema.DocTypeTable,
	table:       db.TableTableMeta,
	scopeColumn: "base_id",
	columns: []column{
		{key: "name", name: "name", kind: textColumn, required: true},
		{key: "description", name: "description", kind: textColumn},
		{key: "icon", name: "icon", kind: textColumn},
		{key: "order", name: "sort_order", kind: realColumn, required: true, fallback: float64(0)},
	},
	setters: map[string]string{
		adapter.SetTableName:        "name",
		adapter.SetTableDescription: "description",
		adapter.SetTableIcon:        "icon",
		adapter.SetTableOrder:       "order",
	},
	defaultOrder: []schema.Sort{{Key: "order"}},
	jsonSchema: `{
		"type": "object",
		"required": ["id", "name"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1},
			"description": {"type": ["string", "null"]},
			"icon": {"type": ["string", "null"]},
			"order": {"type": "number"}
		}
	}`,
}

var fieldSpec = kindSpec{
	docType:     schema.DocTypeField,
	table:       db.TableField,
	scopeColumn: "table_id",
	columns: []column{
		{key: "name", name: "name", kind: textColumn, required: true},
		{key: "type", name: "type", kind: textColumn, required: true},
		{key: "description", name: "description", kind: textColumn},
		{key: "options", name: "options", kind: jsonColumn},
		{key: "isPrimary", name: "is_primary", kind: boolColumn, required: true, fallback: false},
	},
	setters: map[string]string{
		adapter.SetFieldName:        "name",
		adapter.SetFieldDescription: "description",
		adapter.SetFieldType:        "type",
		adapter.SetFieldOptions:     "options",
	},
	jsonSchema: `{
		"type": "object",
		"required": ["id", "name", "type"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1},
			"type": {"type": "string", "minLength": 1},
			"description": {"type": ["string", "null"]},
			"options": {"type": ["object", "null"]},
			"isPrimary": {"type": "boolean"}
		}
	}`,
}

var viewSpec = kindSpec{
	docType:     schema.DocTypeView,
	table:       db.TableView,
	scopeColumn: "table_id",
	columns: []column{
		{key: "name", name: "name", kind: textColumn, required: true},
		{key: "type", name: "type", kind: textColumn, required: true},
		{key: "description", name: "description", kind: textColumn},
		{key: "order", name: "sort_order", kind: realColumn, required: true, fallback: float64(0)},
		{key: "filter", name: "filter_json", kind: jsonColumn},
		{key: "sort", name: "sort_json", kind: jsonColumn},
		{key: "columnMeta", name: "column_meta", kind: jsonColumn},
	},
	setters: map[string]string{
		adapter.SetViewName:        "name",
		adapter.SetViewDescription: "description",
		adapter.SetViewFilter:      "filter",
		adapter.SetViewSort:        "sort",
		adapter.SetViewOrder:       "order",
	},
	patchers: map[string]string{
		adapter.SetViewColumnMeta: "columnMeta",
	},
	defaultOrder: []schema.Sort{{Key: "order"}},
	jsonSchema: `{
		"type": "object",
		"required": ["id", "name", "type"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1},
			"type": {"enum": ["grid", "kanban", "form", "gallery", "calendar"]},
			"description": {"type": ["string", "null"]},
			"order": {"type": "number"},
			"filter": {"type": ["object", "null"]},
			"sort": {"type": ["object", "array", "null"]},
			"columnMeta": {"type": ["object", "null"]}
		}
	}`,
}

var recordSpec = kindSpec{
	docType:     schema.DocTypeRecord,
	table:       db.TableRecord,
	scopeColumn: "table_id",
	columns: []column{
		{key: "fields", name: "fields", kind: jsonColumn, required: true, fallback: map[string]any{}},
		{key: "autoNumber", name: "auto_number", kind: intColumn, required: true, sequence: true},
	},
	patchers: map[string]string{
		adapter.SetRecord: "fields",
	},
	projected:    "fields",
	defaultOrder: []schema.Sort{{Key: "autoNumber"}},
	jsonSchema: `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"fields": {"type": "object"}
		}
	}`,
}

// NewTableAdapter returns the adapter of table documents, scoped by base.
func NewTableAdapter() adapter.Adapter { return mustNewKindAdapter(tableSpec) }

// NewFieldAdapter returns the adapter of field documents, scoped by table.
func NewFieldAdapter() adapter.Adapter { return mustNewKindAdapter(fieldSpec) }

// NewViewAdapter returns the adapter of view documents, scoped by table.
func NewViewAdapter() adapter.Adapter { return mustNewKindAdapter(viewSpec) }

// NewRecordAdapter returns the adapter of record documents, scoped by table.
func NewRecordAdapter() adapter.Adapter { return mustNewKindAdapter(recordSpec) }

// Register binds the adapters of every document kind to reg.
func Register(reg *adapter.Registry) {
	reg.Register(schema.DocTypeTable, NewTableAdapter())
	reg.Register(schema.DocTypeField, NewFieldAdapter())
	reg.Register(schema.DocTypeView, NewViewAdapter())
	reg.Register(schema.DocTypeRecord, NewRecordAdapter())
}

// NewRegistry returns a registry holding every document kind.
func NewRegistry() *adapter.Registry {
	reg := adapter.NewRegistry()
	Register(reg)
	return reg
}
