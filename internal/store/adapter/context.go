package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tablesync/opstore/internal/store/schema"
)

// Operation context names.
const (
	SetTableName        = "setTableName"
	SetTableDescription = "setTableDescription"
	SetTableIcon        = "setTableIcon"
	SetTableOrder       = "setTableOrder"

	SetViewName        = "setViewName"
	SetViewDescription = "setViewDescription"
	SetViewFilter      = "setViewFilter"
	SetViewSort        = "setViewSort"
	SetViewOrder       = "setViewOrder"
	SetViewColumnMeta  = "setViewColumnMeta"

	SetFieldName        = "setFieldName"
	SetFieldDescription = "setFieldDescription"
	SetFieldType        = "setFieldType"
	SetFieldOptions     = "setFieldOptions"

	SetRecord = "setRecord"
)

// OperationContext is the domain reading of one OT sub-operation, e.g.
// "rename field" or "set the cell of field fldX".
type OperationContext struct {
	Name string `json:"name"`
	// Key is the variable path segment, if the pattern has one (the
	// field id of setRecord and setViewColumnMeta).
	Key      string          `json:"key,omitempty"`
	NewValue json.RawMessage `json:"newValue,omitempty"`
	OldValue json.RawMessage `json:"oldValue,omitempty"`
}

// wildcard matches any single path segment and captures it as Key.
const wildcard = "*"

type pattern struct {
	path []string
	name string
}

var patterns = map[schema.DocType][]pattern{
	schema.DocTypeTable: {
		{path: []string{"name"}, name: SetTableName},
		{path: []string{"description"}, name: SetTableDescription},
		{path: []string{"icon"}, name: SetTableIcon},
		{path: []string{"order"}, name: SetTableOrder},
	},
	schema.DocTypeView: {
		{path: []string{"name"}, name: SetViewName},
		{path: []string{"description"}, name: SetViewDescription},
		{path: []string{"filter"}, name: SetViewFilter},
		{path: []string{"sort"}, name: SetViewSort},
		{path: []string{"order"}, name: SetViewOrder},
		{path: []string{"columnMeta", wildcard}, name: SetViewColumnMeta},
	},
	schema.DocTypeField: {
		{path: []string{"name"}, name: SetFieldName},
		{path: []string{"description"}, name: SetFieldDescription},
		{path: []string{"type"}, name: SetFieldType},
		{path: []string{"options"}, name: SetFieldOptions},
	},
	schema.DocTypeRecord: {
		{path: []string{"fields", wildcard}, name: SetRecord},
	},
}

func (p pattern) match(path []string) (string, bool) {
	if len(path) != len(p.path) {
		return "", false
	}
	key := ""
	for i, seg := range p.path {
		if seg == wildcard {
			if path[i] == "" {
				return "", false
			}
			key = path[i]
			continue
		}
		if seg != path[i] {
			return "", false
		}
	}
	return key, true
}

// DecodeContexts interprets the sub-operations of an edit. A component
// that matches no known pattern of the kind is an InvalidOperation.
func DecodeContexts(t schema.DocType, ops []schema.Component) ([]OperationContext, error) {
	candidates, ok := patterns[t]
	if !ok {
		return nil, schema.NewErrUnknownDocType(string(t))
	}

	out := make([]OperationContext, 0, len(ops))
	for _, op := range ops {
		path := op.Path()
		matched := false
		for _, p := range candidates {
			key, ok := p.match(path)
			if !ok {
				continue
			}
			out = append(out, OperationContext{
				Name:     p.name,
				Key:      key,
				NewValue: op.OI,
				OldValue: op.OD,
			})
			matched = true
			break
		}
		if !matched {
			return nil, schema.NewErrInvalidOperation(
				fmt.Sprintf("unsupported %s operation at path [%s]", t, strings.Join(path, ", ")))
		}
	}
	return out, nil
}

// GroupContexts splits ctxs into maximal runs of contexts with the same
// name. Order is preserved both within and across groups, so two edits of
// different targets are never reordered.
func GroupContexts(ctxs []OperationContext) [][]OperationContext {
	var groups [][]OperationContext
	for i := 0; i < len(ctxs); {
		j := i + 1
		for j < len(ctxs) && ctxs[j].Name == ctxs[i].Name {
			j++
		}
		groups = append(groups, ctxs[i:j:j])
		i = j
	}
	return groups
}
