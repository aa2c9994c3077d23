// Package adapter defines the contract between the document store and the
// per-kind type adapters, and the registry that maps document kinds to
// their adapter.
//
// A type adapter owns the mapping between a document's snapshot and its
// relational rows. The document store owns versioning and the operation
// log; it only calls into the adapter with a storage handle, which is
// either the ambient database or a coordinated transaction.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/tablesync/opstore/internal/store/db"
	"github.com/tablesync/opstore/internal/store/schema"
)

// Adapter reads and writes the relational representation of one document
// kind.
type Adapter interface {
	// Create inserts a new document from its initial snapshot data. It
	// fails with DocumentExists when the id is taken.
	Create(ctx context.Context, h db.Handle, scopeID string, data json.RawMessage) error

	// Update applies a group of operation contexts to a document, leaving
	// it at version. With no contexts it only moves the document to
	// version. It fails with DocumentNotFound for a missing or deleted
	// document.
	Update(ctx context.Context, h db.Handle, version int64, scopeID, docID string, ops []OperationContext) error

	// GetSnapshotBulk returns the snapshots of the ids that exist. Missing
	// ids are simply absent from the result.
	GetSnapshotBulk(ctx context.Context, h db.Handle, scopeID string, ids []string, projection schema.Projection) ([]schema.Snapshot, error)

	// GetDocIDsByQuery returns the ids of the documents matching q, in
	// query order.
	GetDocIDsByQuery(ctx context.Context, h db.Handle, scopeID string, q schema.Query) ([]string, error)
}

// Deleter is implemented by adapters that keep deleted documents as
// tombstones. Delete marks a live document deleted at version; afterwards
// it is absent from GetSnapshotBulk and GetDocIDsByQuery.
type Deleter interface {
	Delete(ctx context.Context, h db.Handle, version int64, scopeID, docID string) error
}

// Registry maps document kinds to their adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[schema.DocType]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[schema.DocType]Adapter)}
}

// Register binds an adapter to a document kind.
//
// Example:
//
//	reg := adapter.NewRegistry()
//	reg.Register(schema.DocTypeRecord, kinds.NewRecordAdapter())
func (r *Registry) Register(t schema.DocType, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a == nil {
		panic(fmt.Sprintf("adapter: Register adapter is nil for type %s", t))
	}
	if !t.Valid() {
		panic(fmt.Sprintf("adapter: Register called with unknown type %s", t))
	}
	if _, exists := r.adapters[t]; exists {
		panic(fmt.Sprintf("adapter: Register called twice for type %s", t))
	}
	r.adapters[t] = a
}

// Lookup returns the adapter of a document kind.
func (r *Registry) Lookup(t schema.DocType) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	if !ok {
		return nil, schema.NewErrUnknownDocType(string(t))
	}
	return a, nil
}

// Types returns the registered kinds in a stable order.
func (r *Registry) Types() []schema.DocType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]schema.DocType, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
