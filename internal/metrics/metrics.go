// Package metrics holds the prometheus collectors of the document store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "opstore"

// Commit results.
const (
	ResultOK       = "ok"
	ResultConflict = "conflict"
	ResultError    = "error"
)

// Transaction outcomes.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeTimeout    = "timeout"
)

var (
	Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commits_total",
		Help:      "Operations submitted to commit, by document type and result.",
	}, []string{"doc_type", "result"})

	Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_total",
		Help:      "Coordinated storage transactions, by outcome.",
	}, []string{"outcome"})

	ActiveTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_transactions",
		Help:      "Transaction sessions currently in flight.",
	})

	TransactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transaction_duration_seconds",
		Help:      "Time from opening a coordinated transaction to commit or rollback.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	})

	QueryPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "query_polls_total",
		Help:      "Live query polls, by document type.",
	}, []string{"doc_type"})

	FeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feed_clients",
		Help:      "Connected commit feed websocket clients.",
	})

	PrunedOps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pruned_ops_total",
		Help:      "Operations removed by maintenance pruning.",
	})
)
