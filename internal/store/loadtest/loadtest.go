// Package loadtest drives the document store with concurrent writers.
//
// Agents edit a shared set of record documents at the same time. An agent
// that loses a version race re-reads the snapshot and retries, the way a
// real client rebases onto the latest version. When the run is over, Verify
// checks that every document's operation log is still contiguous and that
// no accepted edit was lost.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tablesync/opstore/internal/errors"
	"github.com/tablesync/opstore/internal/store/db"
	"github.com/tablesync/opstore/internal/store/docstore"
	"github.com/tablesync/opstore/internal/store/oplog"
	"github.com/tablesync/opstore/internal/store/schema"
)

// DefaultMaxRetries bounds how often one edit is retried after a conflict.
const DefaultMaxRetries = 100

// Harness is a populated collection of record documents.
type Harness struct {
	Store      *docstore.Store
	DB         db.Handle
	Collection string
	DocIDs     []string

	// MaxRetries per edit (default: DefaultMaxRetries)
	MaxRetries int

	mu       sync.Mutex
	accepted map[string]int64
}

// LatencyStats captures performance metrics from a run. Latencies cover a
// whole edit, retries included.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	Commits   int
	Conflicts int64
	Durations []time.Duration
}

// Populate creates docs empty record documents in a fresh table and
// returns the harness editing them.
func Populate(ctx context.Context, store *docstore.Store, h db.Handle, docs int) (*Harness, error) {
	if docs < 1 {
		return nil, fmt.Errorf("at least one document is required")
	}

	hs := &Harness{
		Store:      store,
		DB:         h,
		Collection: schema.NewCollection(schema.DocTypeRecord, "tbl"+shortID()).String(),
		DocIDs:     make([]string, 0, docs),
		MaxRetries: DefaultMaxRetries,
		accepted:   make(map[string]int64, docs),
	}

	for i := 0; i < docs; i++ {
		id := "rec" + shortID()
		op := &schema.RawOp{Create: &schema.CreateOp{
			Type: schema.OTTypeJSON0,
			Data: []byte(`{"fields":{}}`),
		}}
		if err := store.Commit(ctx, hs.Collection, id, op, schema.Snapshot{ID: id, V: 1}, docstore.Options{CreatedBy: "loadtest"}); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", id, err)
		}
		hs.DocIDs = append(hs.DocIDs, id)
		hs.accepted[id] = 1
	}
	return hs, nil
}

// Run starts agents concurrent writers, each committing edits cell edits
// to randomly chosen documents, and returns the aggregated latencies.
func (hs *Harness) Run(ctx context.Context, agents, edits int) (*LatencyStats, error) {
	if agents < 1 || edits < 1 {
		return nil, fmt.Errorf("agents and edits must be positive")
	}

	var conflicts atomic.Int64
	results := make([][]time.Duration, agents)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < agents; i++ {
		agentID := i
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(agentID) + 1))
			durations := make([]time.Duration, 0, edits)

			for j := 0; j < edits; j++ {
				docID := hs.DocIDs[rng.Intn(len(hs.DocIDs))]
				field := fmt.Sprintf("fld%d", rng.Intn(4))
				value := fmt.Sprintf("agent %d edit %d", agentID, j)

				start := time.Now()
				retries, err := hs.edit(ctx, docID, field, value, agentID)
				durations = append(durations, time.Since(start))
				conflicts.Add(int64(retries))
				if err != nil {
					return fmt.Errorf("agent %d edit %d failed: %w", agentID, j, err)
				}
			}
			results[agentID] = durations
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []time.Duration
	for _, durations := range results {
		all = append(all, durations...)
	}
	stats := computeLatencyStats(all)
	stats.Conflicts = conflicts.Load()
	return stats, nil
}

// edit commits one cell change, rebasing onto the latest version after
// every conflict. It returns the number of conflicts it hit.
func (hs *Harness) edit(ctx context.Context, docID, field, value string, agentID int) (int, error) {
	createdBy := fmt.Sprintf("agent-%d", agentID)

	for retries := 0; ; retries++ {
		snap, err := hs.Store.GetSnapshot(ctx, hs.Collection, docID, nil, docstore.Options{})
		if err != nil {
			return retries, err
		}
		if !snap.Exists() {
			return retries, fmt.Errorf("document %s disappeared", docID)
		}

		c, err := schema.Set([]any{"fields", field}, value, nil)
		if err != nil {
			return retries, err
		}
		op := &schema.RawOp{V: snap.V, Op: []schema.Component{c}}

		err = hs.Store.Commit(ctx, hs.Collection, docID, op, schema.Snapshot{ID: docID, V: snap.V + 1}, docstore.Options{CreatedBy: createdBy})
		if err == nil {
			hs.mu.Lock()
			hs.accepted[docID]++
			hs.mu.Unlock()
			return retries, nil
		}
		if !errors.Is(err, schema.ErrVersionConflict) || retries >= hs.MaxRetries {
			return retries, err
		}
	}
}

// Verify checks the log after a run: no document may have a hole in its
// versions, and every document's latest version must equal the number of
// operations accepted for it.
func (hs *Harness) Verify(ctx context.Context) error {
	gaps, err := oplog.Verify(ctx, hs.DB)
	if err != nil {
		return err
	}
	if len(gaps) > 0 {
		g := gaps[0]
		return fmt.Errorf("%d documents have version gaps, first %s/%s: %d versions in %d..%d",
			len(gaps), g.Collection, g.DocID, g.Count, g.MinVersion, g.MaxVersion)
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	for _, id := range hs.DocIDs {
		max, err := oplog.MaxVersion(ctx, hs.DB, hs.Collection, id)
		if err != nil {
			return err
		}
		if max != hs.accepted[id] {
			return fmt.Errorf("%s has version %d, %d operations were accepted", id, max, hs.accepted[id])
		}
		snap, err := hs.Store.GetSnapshot(ctx, hs.Collection, id, nil, docstore.Options{})
		if err != nil {
			return err
		}
		if snap.V != max {
			return fmt.Errorf("%s snapshot is at version %d, log at %d", id, snap.V, max)
		}
	}
	return nil
}

// Accepted returns the total number of accepted operations, creates
// included.
func (hs *Harness) Accepted() int64 {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	var n int64
	for _, v := range hs.accepted {
		n += v
	}
	return n
}

func shortID() string {
	return uuid.NewString()[:8]
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Commits:   len(durations),
		Durations: sorted,
	}
}

// Print formats latency statistics to w.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Commits:       %d\n", s.Commits)
	fmt.Fprintf(w, "  Conflicts:     %d\n", s.Conflicts)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
