// Package schema provides the data structures exchanged between the
// synchronization engine, the document store and the per-kind adapters.
package schema

import (
	"fmt"
	"strings"
)

// DocType is the kind of document a collection holds.
type DocType string

const (
	DocTypeTable  DocType = "tbl"
	DocTypeView   DocType = "viw"
	DocTypeField  DocType = "fld"
	DocTypeRecord DocType = "rec"
)

// DocTypes lists every known document kind.
var DocTypes = []DocType{DocTypeTable, DocTypeView, DocTypeField, DocTypeRecord}

// Valid reports whether t is a known document kind.
func (t DocType) Valid() bool {
	switch t {
	case DocTypeTable, DocTypeView, DocTypeField, DocTypeRecord:
		return true
	}
	return false
}

func (t DocType) String() string {
	return string(t)
}

// collectionSeparator joins the document type and the scope id.
const collectionSeparator = "_"

// Collection identifies a set of documents of one kind under one scope,
// e.g. "rec_tblABC" holds the records of table tblABC and "tbl_bseXYZ" the
// tables of base bseXYZ.
type Collection struct {
	Type    DocType
	ScopeID string
}

// ParseCollection splits a collection string into document type and scope id.
func ParseCollection(s string) (Collection, error) {
	docType, scopeID, ok := strings.Cut(s, collectionSeparator)
	if !ok || scopeID == "" {
		return Collection{}, NewErrInvalidCollection(s)
	}
	t := DocType(docType)
	if !t.Valid() {
		return Collection{}, NewErrUnknownDocType(docType)
	}
	return Collection{Type: t, ScopeID: scopeID}, nil
}

// NewCollection builds a collection for the given kind and scope.
func NewCollection(t DocType, scopeID string) Collection {
	return Collection{Type: t, ScopeID: scopeID}
}

// String returns the wire form of the collection.
func (c Collection) String() string {
	return fmt.Sprintf("%s%s%s", c.Type, collectionSeparator, c.ScopeID)
}
