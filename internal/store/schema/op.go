package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// OTTypeJSON0 is the OT type every document in this store uses.
const OTTypeJSON0 = "http://sharejs.org/types/JSONv0"

// RawOp is an operation as submitted by the synchronization engine. Exactly
// one of Create, Op or Del is expected to be set.
type RawOp struct {
	Src    string      `json:"src,omitempty" yaml:"src,omitempty"`
	Seq    int64       `json:"seq,omitempty" yaml:"seq,omitempty"`
	V      int64       `json:"v" yaml:"v"`
	Create *CreateOp   `json:"create,omitempty" yaml:"create,omitempty"`
	Op     []Component `json:"op,omitempty" yaml:"op,omitempty"`
	Del    bool        `json:"del,omitempty" yaml:"del,omitempty"`
}

// CreateOp carries the initial snapshot data of a new document.
type CreateOp struct {
	Type string          `json:"type" yaml:"type"`
	Data json.RawMessage `json:"data" yaml:"-"`
}

// Component is one json0 sub-operation. Object insert/delete carry the new
// and old value at path P.
type Component struct {
	P  []any           `json:"p" yaml:"p"`
	OI json.RawMessage `json:"oi,omitempty" yaml:"-"`
	OD json.RawMessage `json:"od,omitempty" yaml:"-"`
}

// IsCreate reports whether the op creates a document.
func (o *RawOp) IsCreate() bool {
	return o != nil && o.Create != nil
}

// IsDelete reports whether the op deletes a document.
func (o *RawOp) IsDelete() bool {
	return o != nil && o.Del
}

// IsEdit reports whether the op carries sub-operations.
func (o *RawOp) IsEdit() bool {
	return o != nil && len(o.Op) > 0
}

// Validate checks that the op has exactly one body.
func (o *RawOp) Validate() error {
	if o == nil {
		return NewErrInvalidOperation("operation is nil")
	}
	n := 0
	if o.IsCreate() {
		n++
		if len(o.Create.Data) == 0 {
			return NewErrInvalidOperation("create operation without data")
		}
	}
	if o.IsEdit() {
		n++
	}
	if o.IsDelete() {
		n++
	}
	if n > 1 {
		return NewErrInvalidOperation("operation must be exactly one of create, op or del")
	}
	return nil
}

// Encode serializes the op for the operation log.
func (o *RawOp) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// DecodeRawOp parses a serialized op.
func DecodeRawOp(data []byte) (*RawOp, error) {
	var op RawOp
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("failed to decode operation: %w", err)
	}
	return &op, nil
}

// Path returns the component path as strings. Numeric segments are
// formatted in decimal.
func (c Component) Path() []string {
	out := make([]string, len(c.P))
	for i, seg := range c.P {
		switch v := seg.(type) {
		case string:
			out[i] = v
		case float64:
			out[i] = strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			out[i] = strconv.Itoa(v)
		default:
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}

// HasInsert reports whether the component sets a value.
func (c Component) HasInsert() bool {
	return len(c.OI) > 0
}

func (c Component) String() string {
	return strings.Join(c.Path(), ".")
}

// Set returns a component replacing the value at path.
func Set(path []any, newValue, oldValue any) (Component, error) {
	c := Component{P: path}
	if newValue != nil {
		data, err := json.Marshal(newValue)
		if err != nil {
			return Component{}, err
		}
		c.OI = data
	}
	if oldValue != nil {
		data, err := json.Marshal(oldValue)
		if err != nil {
			return Component{}, err
		}
		c.OD = data
	}
	return c, nil
}
