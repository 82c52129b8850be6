// Package metrics declares the Prometheus collectors exported on the ops
// server. Collectors register themselves at init via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "prolific"

var (
	// QueueDepth tracks the current length of each pipeline queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current number of items in a pipeline queue.",
	}, []string{"queue"})

	// WorkersAlive tracks how many workers of each pool are running.
	WorkersAlive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_alive",
		Help:      "Number of live workers per pool.",
	}, []string{"pool"})

	// WorkerRestarts counts supervisor respawns per pool.
	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_restarts_total",
		Help:      "Workers respawned after exiting unexpectedly.",
	}, []string{"pool"})

	// FirehoseEvents counts account events accepted from the firehose.
	FirehoseEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "firehose_events_total",
		Help:      "Account events received from the firehose.",
	})

	// FirehoseReconnects counts firehose connection re-establishments.
	FirehoseReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "firehose_reconnects_total",
		Help:      "Times the firehose connection was re-established.",
	})

	// ProfilesResolved counts profiles fetched from the network.
	ProfilesResolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "profiles_resolved_total",
		Help:      "Profiles fetched from the network by resolver workers.",
	})

	// CacheHits counts DIDs skipped because the cache was fresh.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Lookups answered by a fresh cached profile.",
	})

	// CacheMisses counts DIDs that required a network fetch.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Lookups with no fresh cached profile.",
	})

	// ListAdds counts membership records created per list.
	ListAdds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "list_adds_total",
		Help:      "Membership records created, by list.",
	}, []string{"list"})

	// ListRemoves counts membership records deleted per list.
	ListRemoves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "list_removes_total",
		Help:      "Membership records deleted, by list.",
	}, []string{"list"})

	// CompactionRuns counts queue compaction passes.
	CompactionRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compaction_runs_total",
		Help:      "Times the query queue was compacted.",
	})

	// CompactionDropped counts duplicate DIDs discarded by compaction.
	CompactionDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compaction_dropped_total",
		Help:      "Duplicate queue entries discarded during compaction.",
	})

	// TerminalAccounts counts DIDs scrubbed after a terminal lookup error.
	TerminalAccounts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "terminal_accounts_total",
		Help:      "Accounts found deactivated, taken down, or deleted.",
	})
)
