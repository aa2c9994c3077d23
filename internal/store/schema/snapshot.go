package schema

import (
	"encoding/json"
)

// Snapshot is the materialized state of a document at version V. A
// document that was never created has V == 0, an empty Type and no Data;
// a deleted one has an empty Type and no Data at its last version.
type Snapshot struct {
	ID   string          `json:"id" yaml:"id"`
	V    int64           `json:"v" yaml:"v"`
	Type string          `json:"type,omitempty" yaml:"type,omitempty"`
	Data json.RawMessage `json:"data,omitempty" yaml:"-"`
}

// MissingSnapshot returns the sentinel for a document that was never created.
func MissingSnapshot(id string) Snapshot {
	return Snapshot{ID: id}
}

// Exists reports whether the snapshot describes a created document.
func (s Snapshot) Exists() bool {
	return s.Type != ""
}

// DataMap decodes Data into a generic map.
func (s Snapshot) DataMap() (map[string]any, error) {
	if len(s.Data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(s.Data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// projectionSubmit marks a projection requested while validating a submitted
// op; such reads need the whole document.
const projectionSubmit = "$submit"

// Projection selects top-level data keys (record field ids for records).
// A nil projection selects everything.
type Projection map[string]bool

// Normalize returns nil when the projection selects the whole document.
func (p Projection) Normalize() Projection {
	if len(p) == 0 || p[projectionSubmit] {
		return nil
	}
	return p
}

// Includes reports whether key is selected.
func (p Projection) Includes(key string) bool {
	if p == nil {
		return true
	}
	return p[key]
}

// Sort orders query results by a data key.
type Sort struct {
	Key  string `json:"key" yaml:"key"`
	Desc bool   `json:"desc,omitempty" yaml:"desc,omitempty"`
}

// Query filters the documents of a collection. Where is an equality filter
// over snapshot data keys.
type Query struct {
	Where   map[string]any `json:"where,omitempty" yaml:"where,omitempty"`
	OrderBy []Sort         `json:"orderBy,omitempty" yaml:"orderBy,omitempty"`
	Offset  int            `json:"offset,omitempty" yaml:"offset,omitempty"`
	Limit   int            `json:"limit,omitempty" yaml:"limit,omitempty"`
}
