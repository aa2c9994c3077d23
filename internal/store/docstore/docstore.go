// Package docstore implements the storage contract of the synchronization
// engine: commit, snapshot reads, op history and live-query polling over
// the operation log and the per-kind type adapters.
//
// Every commit is version fenced: it is accepted only if the snapshot
// version it produces is exactly one more than the highest version stored
// in the operation log. Log append and snapshot mutation always run in one
// storage transaction obtained from the transaction coordinator; commits
// that share a transaction key are applied atomically together.
//
// Example:
//
//	store := docstore.New(coord, kinds.NewRegistry(), docstore.Config{})
//	err := store.Commit(ctx, "rec_tbl1", "rec1", op, snapshot, docstore.Options{})
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tablesync/opstore/internal/errors"
	"github.com/tablesync/opstore/internal/logger"
	"github.com/tablesync/opstore/internal/metrics"
	"github.com/tablesync/opstore/internal/store/adapter"
	"github.com/tablesync/opstore/internal/store/db"
	"github.com/tablesync/opstore/internal/store/oplog"
	"github.com/tablesync/opstore/internal/store/schema"
	"github.com/tablesync/opstore/internal/store/txn"
)

// Options carries the per-call transaction grouping of the engine.
type Options struct {
	// TransactionKey groups the commit with other commits of the same
	// logical unit. Empty means the commit stands alone.
	TransactionKey string

	// ExpectedOpCount is the number of commits of the unit. Required by
	// the first commit of a key.
	ExpectedOpCount int

	// CreatedBy is recorded in the operation log.
	CreatedBy string
}

func (o Options) txn() txn.Options {
	return txn.Options{TransactionKey: o.TransactionKey, ExpectedOpCount: o.ExpectedOpCount}
}

// CommitEvent describes an operation that has been durably committed.
type CommitEvent struct {
	Collection  string         `json:"collection"`
	DocType     schema.DocType `json:"docType"`
	DocID       string         `json:"docId"`
	Version     int64          `json:"version"`
	Op          *schema.RawOp  `json:"op"`
	CreatedBy   string         `json:"createdBy,omitempty"`
	CommittedAt time.Time      `json:"committedAt"`
}

// Publisher receives commit events after their transaction committed.
// Publish must not block.
type Publisher interface {
	Publish(CommitEvent)
}

// Config holds store configuration.
type Config struct {
	Logger    logger.Logger
	Publisher Publisher
}

// Store is the document store adapter.
type Store struct {
	coord     *txn.Coordinator
	registry  *adapter.Registry
	log       logger.Logger
	publisher Publisher
}

// New creates a store.
func New(coord *txn.Coordinator, registry *adapter.Registry, cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = logger.NopLogger
	}
	return &Store{
		coord:     coord,
		registry:  registry,
		log:       cfg.Logger.WithPrefix("[docstore] "),
		publisher: cfg.Publisher,
	}
}

// Coordinator returns the transaction coordinator of the store.
func (s *Store) Coordinator() *txn.Coordinator {
	return s.coord
}

// Commit persists op for document docID of collection, producing snapshot.
//
// Without a transaction key the commit runs in its own transaction. With a
// key it joins the unit: it becomes visible when the last commit of the
// unit completes, and fails the whole unit if it fails. Type adapter errors
// are returned unchanged.
func (s *Store) Commit(ctx context.Context, collection, docID string, op *schema.RawOp, snapshot schema.Snapshot, opts Options) error {
	topts := opts.txn()

	coll, err := schema.ParseCollection(collection)
	if err != nil {
		if topts.TransactionKey != "" {
			_, err = s.coord.TaskComplete(ctx, err, topts)
		}
		s.record("", err)
		return err
	}

	if topts.TransactionKey == "" {
		topts = txn.Options{TransactionKey: "single-" + uuid.NewString(), ExpectedOpCount: 1}
	}

	h, err := s.coord.GetTransaction(ctx, topts)
	if err == nil {
		err = s.apply(ctx, h, coll, collection, docID, op, snapshot, opts.CreatedBy)
	}
	if err == nil {
		event := CommitEvent{
			Collection: collection,
			DocType:    coll.Type,
			DocID:      docID,
			Version:    snapshot.V,
			Op:         op,
			CreatedBy:  opts.CreatedBy,
		}
		err = s.coord.AfterCommit(topts, func() { s.publish(event) })
	}
	_, err = s.coord.TaskComplete(ctx, err, topts)
	s.record(coll.Type, err)
	return err
}

func (s *Store) apply(ctx context.Context, h db.Handle, coll schema.Collection, collection, docID string, op *schema.RawOp, snapshot schema.Snapshot, createdBy string) error {
	if err := op.Validate(); err != nil {
		return err
	}
	a, err := s.registry.Lookup(coll.Type)
	if err != nil {
		return err
	}

	maxVersion, err := oplog.MaxVersion(ctx, h, collection, docID)
	if err != nil {
		return err
	}
	if snapshot.V != maxVersion+1 {
		return schema.NewErrVersionConflict(collection, docID, maxVersion, snapshot.V)
	}

	err = oplog.Append(ctx, h, oplog.Entry{
		Collection: collection,
		DocType:    coll.Type,
		DocID:      docID,
		Version:    snapshot.V,
		Op:         op,
		CreatedBy:  createdBy,
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			return schema.NewErrVersionConflict(collection, docID, maxVersion, snapshot.V)
		}
		return err
	}

	switch {
	case op.IsCreate():
		data, err := withDocID(op.Create.Data, docID)
		if err != nil {
			return err
		}
		return a.Create(ctx, h, coll.ScopeID, data)

	case op.IsDelete():
		s.log.Debugf("delete %s/%s at v%d", collection, docID, snapshot.V)
		if d, ok := a.(adapter.Deleter); ok {
			return d.Delete(ctx, h, snapshot.V, coll.ScopeID, docID)
		}
		return a.Update(ctx, h, snapshot.V, coll.ScopeID, docID, nil)

	case op.IsEdit():
		ctxs, err := adapter.DecodeContexts(coll.Type, op.Op)
		if err != nil {
			return err
		}
		for _, group := range adapter.GroupContexts(ctxs) {
			if err := a.Update(ctx, h, snapshot.V, coll.ScopeID, docID, group); err != nil {
				return err
			}
		}
		return nil

	default:
		// An op without a body still takes a version.
		return a.Update(ctx, h, snapshot.V, coll.ScopeID, docID, nil)
	}
}

// withDocID makes sure the create payload carries the document id.
func withDocID(data json.RawMessage, docID string) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return nil, schema.NewErrInvalidOperation("create data must be a JSON object")
	}
	if raw, ok := m["id"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil || id != docID {
			return nil, schema.NewErrInvalidOperation(
				fmt.Sprintf("create data id %s does not match document %s", string(raw), docID))
		}
		return data, nil
	}
	id, err := json.Marshal(docID)
	if err != nil {
		return nil, err
	}
	m["id"] = id
	return json.Marshal(m)
}

func (s *Store) publish(e CommitEvent) {
	if s.publisher == nil {
		return
	}
	e.CommittedAt = time.Now().UTC()
	s.publisher.Publish(e)
}

func (s *Store) record(docType schema.DocType, err error) {
	result := metrics.ResultOK
	switch {
	case errors.Is(err, schema.ErrVersionConflict):
		result = metrics.ResultConflict
	case err != nil:
		result = metrics.ResultError
	}
	metrics.Commits.WithLabelValues(string(docType), result).Inc()
	if err != nil && result == metrics.ResultError {
		s.log.Debugf("commit failed: %v", err)
	}
}

// GetSnapshotBulk returns the snapshots of ids. Ids without a live
// document map to a snapshot with no type, at version 0 for a document
// that was never created and at its last logged version for a deleted one.
func (s *Store) GetSnapshotBulk(ctx context.Context, collection string, ids []string, projection schema.Projection, opts Options) (map[string]schema.Snapshot, error) {
	coll, err := schema.ParseCollection(collection)
	if err != nil {
		return nil, err
	}
	a, err := s.registry.Lookup(coll.Type)
	if err != nil {
		return nil, err
	}

	h := s.coord.Current(opts.TransactionKey)
	snaps, err := a.GetSnapshotBulk(ctx, h, coll.ScopeID, ids, projection.Normalize())
	if err != nil {
		return nil, err
	}

	out := make(map[string]schema.Snapshot, len(ids))
	for _, snap := range snaps {
		out[snap.ID] = snap
	}
	var missing []string
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	// Deleted documents keep the version of their last operation.
	versions, err := oplog.MaxVersions(ctx, h, collection, missing)
	if err != nil {
		return nil, err
	}
	for _, id := range missing {
		snap := schema.MissingSnapshot(id)
		snap.V = versions[id]
		out[id] = snap
	}
	return out, nil
}

// GetSnapshot returns the snapshot of one document.
func (s *Store) GetSnapshot(ctx context.Context, collection, id string, projection schema.Projection, opts Options) (schema.Snapshot, error) {
	snaps, err := s.GetSnapshotBulk(ctx, collection, []string{id}, projection, opts)
	if err != nil {
		return schema.Snapshot{}, err
	}
	return snaps[id], nil
}

// GetOps returns the operations with from <= version < to in ascending
// order. A non-positive to reads to the latest version. Each op's V is
// the version it was applied to.
func (s *Store) GetOps(ctx context.Context, collection, id string, from, to int64, opts Options) ([]*schema.RawOp, error) {
	if _, err := schema.ParseCollection(collection); err != nil {
		return nil, err
	}
	entries, err := oplog.Range(ctx, s.coord.Current(opts.TransactionKey), collection, id, from, to)
	if err != nil {
		return nil, err
	}
	ops := make([]*schema.RawOp, len(entries))
	for i, e := range entries {
		e.Op.V = e.Version - 1
		ops[i] = e.Op
	}
	return ops, nil
}

// Query returns the snapshots of the documents matching q, in query order.
func (s *Store) Query(ctx context.Context, collection string, q schema.Query, projection schema.Projection, opts Options) ([]schema.Snapshot, error) {
	ids, err := s.QueryPoll(ctx, collection, q, opts)
	if err != nil {
		return nil, err
	}
	snaps, err := s.GetSnapshotBulk(ctx, collection, ids, projection, opts)
	if err != nil {
		return nil, err
	}
	out := make([]schema.Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, snaps[id])
	}
	return out, nil
}

// QueryPoll returns the ids of the documents matching q. The engine calls
// it again after writes that may change a live query's membership.
func (s *Store) QueryPoll(ctx context.Context, collection string, q schema.Query, opts Options) ([]string, error) {
	coll, err := schema.ParseCollection(collection)
	if err != nil {
		return nil, err
	}
	a, err := s.registry.Lookup(coll.Type)
	if err != nil {
		return nil, err
	}
	metrics.QueryPolls.WithLabelValues(string(coll.Type)).Inc()
	return a.GetDocIDsByQuery(ctx, s.coord.Current(opts.TransactionKey), coll.ScopeID, q)
}

// SkipPoll reports whether op cannot change the membership of a live
// query, so re-polling can be skipped. Creates, deletes and any op with
// sub-operations always require a poll.
func (s *Store) SkipPoll(collection, id string, op *schema.RawOp, q schema.Query) bool {
	if op == nil {
		return false
	}
	return !op.IsCreate() && !op.IsDelete() && len(op.Op) == 0
}
