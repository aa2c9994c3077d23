// Package txn implements the transaction coordinator: it lets several
// independently scheduled sub-operations that belong to one logical unit of
// work share a single storage transaction.
//
// A unit of work is identified by a transaction key. The first caller that
// references a key declares how many sub-operations the unit has
// (ExpectedOpCount); the coordinator opens one storage transaction for the
// key and hands the same handle to every participant. The transaction
// commits when the last participant reports success through TaskComplete
// and rolls back as soon as any participant reports an error, or when the
// configured timeout elapses first.
//
// Example:
//
//	coord := txn.New(database, txn.DefaultConfig())
//	opts := txn.Options{TransactionKey: "create-table-1", ExpectedOpCount: 3}
//
//	h, err := coord.GetTransaction(ctx, opts)
//	if err != nil {
//	    return err
//	}
//	err = writeSomething(ctx, h)
//	if _, err := coord.TaskComplete(ctx, err, opts); err != nil {
//	    return err
//	}
package txn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tablesync/opstore/internal/logger"
	"github.com/tablesync/opstore/internal/metrics"
	"github.com/tablesync/opstore/internal/store/db"
	"github.com/tablesync/opstore/internal/store/schema"
)

// Options names the logical unit a sub-operation belongs to. A zero value
// means "no unit": the write runs on the ambient handle.
type Options struct {
	TransactionKey  string
	ExpectedOpCount int
}

// Store is the backend the coordinator opens transactions on. *db.DB
// implements it.
type Store interface {
	db.Handle
	BeginTx(ctx context.Context) (*db.Tx, error)
}

// Config holds coordinator configuration.
type Config struct {
	// Timeout bounds the lifetime of a storage transaction, from opening
	// to the last completion (default: 20s).
	Timeout time.Duration

	// FailedKeyRetention is how long the key of a failed unit keeps
	// rejecting late participants once all of them have reported
	// (default: 5 x Timeout). While participants are still outstanding
	// the key is held for up to outstandingRetentionFactor times longer.
	FailedKeyRetention time.Duration

	Logger logger.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout: 20 * time.Second,
		Logger:  logger.NopLogger,
	}
}

// Coordinator owns the registry of in-flight transaction sessions.
type Coordinator struct {
	store     Store
	log       logger.Logger
	timeout   atomic.Int64
	retention time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	failed   map[string]tombstone
}

// session is the state of one logical unit of work.
type session struct {
	key       string
	expected  int
	completed int
	failed    bool
	cause     error
	started   time.Time

	// ready is closed once tx is open or opening it failed (err set).
	ready chan struct{}
	tx    *db.Tx
	err   error

	// done receives the outcome decided by participants: nil commits,
	// anything else rolls back. Exactly one value is ever sent.
	done chan error

	// finished is closed after commit or rollback; finalErr is the outcome.
	finished chan struct{}
	finalErr error

	hooks []func()
}

// outstandingRetentionFactor bounds how long a tombstone waits for
// participants that never report.
const outstandingRetentionFactor = 10

type tombstone struct {
	cause   error
	expires time.Time
	// remaining counts participants that have not reported yet.
	remaining int
}

func (c *Coordinator) newTombstone(cause error, remaining int) tombstone {
	if remaining < 0 {
		remaining = 0
	}
	return tombstone{cause: cause, expires: time.Now().Add(c.retention), remaining: remaining}
}

// expired reports whether t can be forgotten at now.
func (t tombstone) expired(now time.Time, retention time.Duration) bool {
	if !now.After(t.expires) {
		return false
	}
	if t.remaining == 0 {
		return true
	}
	return now.After(t.expires.Add(retention * (outstandingRetentionFactor - 1)))
}

// New creates a coordinator on top of store.
func New(store Store, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailedKeyRetention <= 0 {
		cfg.FailedKeyRetention = 5 * cfg.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	c := &Coordinator{
		store:     store,
		log:       cfg.Logger.WithPrefix("[txn] "),
		retention: cfg.FailedKeyRetention,
		sessions:  make(map[string]*session),
		failed:    make(map[string]tombstone),
	}
	c.timeout.Store(int64(cfg.Timeout))
	return c
}

// Timeout returns the transaction time budget applied to new sessions.
func (c *Coordinator) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// SetTimeout changes the time budget of sessions opened from now on.
func (c *Coordinator) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout.Store(int64(d))
	}
}

// ActiveSessions returns the number of units currently in flight.
func (c *Coordinator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// GetTransaction returns the storage handle for opts.
//
// Without a transaction key the ambient, non-transactional handle is
// returned. With a key, the first caller opens the session (ExpectedOpCount
// is then required) and every caller for the key receives the same
// transaction handle once it is open. Callers that arrive while the
// transaction is still being opened wait for it.
func (c *Coordinator) GetTransaction(ctx context.Context, opts Options) (db.Handle, error) {
	if opts.TransactionKey == "" {
		return c.store, nil
	}

	c.mu.Lock()
	if err := c.abortedLocked(opts.TransactionKey); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	s, ok := c.sessions[opts.TransactionKey]
	if !ok {
		if opts.ExpectedOpCount <= 0 {
			c.mu.Unlock()
			return nil, schema.NewErrInvalidConfiguration(
				fmt.Sprintf("transaction '%s' requires an expected operation count", opts.TransactionKey))
		}
		s = &session{
			key:      opts.TransactionKey,
			expected: opts.ExpectedOpCount,
			started:  time.Now(),
			ready:    make(chan struct{}),
			done:     make(chan error, 1),
			finished: make(chan struct{}),
		}
		c.sessions[s.key] = s
		metrics.ActiveTransactions.Inc()
		c.log.Debugf("opening transaction %s (%d ops)", s.key, s.expected)
		go c.run(s)
	}
	c.mu.Unlock()

	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.failed {
		return nil, schema.NewErrTransactionAborted(s.key, s.cause)
	}
	return s.tx, nil
}

// Current returns the open transaction of key without joining the unit, or
// the ambient handle when there is none. Read paths use it to observe the
// unit's own uncommitted writes.
func (c *Coordinator) Current(key string) db.Handle {
	if key == "" {
		return c.store
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[key]
	if !ok || s.tx == nil || s.failed {
		return c.store
	}
	return s.tx
}

// TaskComplete reports the outcome of one sub-operation and returns whether
// the unit is now finalized.
//
// Without a transaction key it is a no-op that reports true. A non-nil
// taskErr aborts the whole unit: the transaction is rolled back and taskErr
// is returned. Success increments the completion counter; the participant
// that brings it to ExpectedOpCount commits the transaction, waits for it
// and receives the commit error, if any. Other participants return
// (false, nil) immediately.
func (c *Coordinator) TaskComplete(ctx context.Context, taskErr error, opts Options) (bool, error) {
	if opts.TransactionKey == "" {
		return true, nil
	}

	c.mu.Lock()
	s, ok := c.sessions[opts.TransactionKey]
	if !ok {
		err := c.abortedLocked(opts.TransactionKey)
		if err != nil {
			c.reportedLocked(opts.TransactionKey)
		}
		if taskErr != nil {
			// A participant failing before the unit was opened still
			// aborts it: participants arriving later must not commit
			// without it.
			if err == nil {
				c.failed[opts.TransactionKey] = c.newTombstone(taskErr, opts.ExpectedOpCount-1)
			}
			c.mu.Unlock()
			return true, taskErr
		}
		c.mu.Unlock()
		if err == nil {
			err = schema.NewErrInvalidConfiguration(
				fmt.Sprintf("no transaction in flight for key '%s'", opts.TransactionKey))
		}
		return true, err
	}

	if taskErr != nil {
		c.failLocked(s, taskErr)
		c.reportedLocked(s.key)
		c.mu.Unlock()
		c.log.Debugf("transaction %s failed after %d/%d ops: %v", s.key, s.completed, s.expected, taskErr)
		s.done <- taskErr
		_ = c.wait(ctx, s)
		return true, taskErr
	}

	s.completed++
	if s.completed < s.expected {
		c.mu.Unlock()
		return false, nil
	}
	delete(c.sessions, s.key)
	c.mu.Unlock()

	s.done <- nil
	if err := c.wait(ctx, s); err != nil {
		return true, err
	}
	return true, s.finalErr
}

// AfterCommit registers fn to run once the unit named by opts has
// committed. It never runs if the unit rolls back. Without a transaction
// key fn runs immediately.
func (c *Coordinator) AfterCommit(opts Options, fn func()) error {
	if opts.TransactionKey == "" {
		fn()
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[opts.TransactionKey]
	if !ok {
		if err := c.abortedLocked(opts.TransactionKey); err != nil {
			return err
		}
		return schema.NewErrInvalidConfiguration(
			fmt.Sprintf("no transaction in flight for key '%s'", opts.TransactionKey))
	}
	s.hooks = append(s.hooks, fn)
	return nil
}

// run owns the storage transaction of s for its whole lifetime.
func (c *Coordinator) run(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout())
	defer cancel()

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		if db.IsTimeout(err) {
			err = schema.NewErrTransactionTimeout(s.key)
		} else {
			err = fmt.Errorf("failed to begin transaction %s: %w", s.key, err)
		}
		c.mu.Lock()
		s.err = err
		c.failLocked(s, err)
		c.mu.Unlock()
		close(s.ready)
		c.finish(s, err, metrics.OutcomeRolledBack)
		return
	}

	c.mu.Lock()
	s.tx = tx
	c.mu.Unlock()
	close(s.ready)

	select {
	case cause := <-s.done:
		if cause != nil {
			if err := tx.Rollback(); err != nil {
				c.log.Warnf("rollback of %s: %v", s.key, err)
			}
			c.finish(s, cause, metrics.OutcomeRolledBack)
			return
		}
		if err := tx.Commit(); err != nil {
			if db.IsTimeout(err) {
				err = schema.NewErrTransactionTimeout(s.key)
			} else {
				err = fmt.Errorf("failed to commit transaction %s: %w", s.key, err)
			}
			c.finish(s, err, metrics.OutcomeRolledBack)
			return
		}
		for _, fn := range s.hooks {
			fn()
		}
		c.finish(s, nil, metrics.OutcomeCommitted)

	case <-ctx.Done():
		_ = tx.Rollback()
		err := schema.NewErrTransactionTimeout(s.key)
		c.mu.Lock()
		c.log.Warnf("transaction %s timed out after %d/%d ops", s.key, s.completed, s.expected)
		if c.sessions[s.key] == s {
			c.failLocked(s, err)
		}
		c.mu.Unlock()
		c.finish(s, err, metrics.OutcomeTimeout)
	}
}

func (c *Coordinator) finish(s *session, err error, outcome string) {
	s.finalErr = err
	metrics.Transactions.WithLabelValues(outcome).Inc()
	metrics.TransactionDuration.Observe(time.Since(s.started).Seconds())
	metrics.ActiveTransactions.Dec()
	close(s.finished)
}

func (c *Coordinator) wait(ctx context.Context, s *session) error {
	select {
	case <-s.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failLocked removes s from the registry and remembers its key so late
// participants fail fast. c.mu must be held.
func (c *Coordinator) failLocked(s *session, cause error) {
	s.failed = true
	s.cause = cause
	delete(c.sessions, s.key)
	c.failed[s.key] = c.newTombstone(cause, s.expected-s.completed)
}

// reportedLocked counts a participant of a failed unit as reported.
// c.mu must be held.
func (c *Coordinator) reportedLocked(key string) {
	if t, ok := c.failed[key]; ok && t.remaining > 0 {
		t.remaining--
		c.failed[key] = t
	}
}

// abortedLocked returns TransactionAborted if key belongs to a unit that
// failed recently, purging expired tombstones on the way. c.mu must be held.
func (c *Coordinator) abortedLocked(key string) error {
	now := time.Now()
	for k, t := range c.failed {
		if t.expired(now, c.retention) {
			delete(c.failed, k)
		}
	}
	if t, ok := c.failed[key]; ok {
		return schema.NewErrTransactionAborted(key, t.cause)
	}
	return nil
}
