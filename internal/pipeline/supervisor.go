package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/jeffb4/bsky-prolific-followers/internal/metrics"
	"github.com/jeffb4/bsky-prolific-followers/internal/xrpc"
)

const (
	defaultRespawnEvery   = 5 * time.Second
	defaultTelemetryEvery = 5 * time.Second
	defaultCompactEvery   = 5 * time.Minute

	// Compaction only runs while the schedule queue is near-empty, i.e.
	// the backlog sits in the query queue rather than upstream.
	compactScheduleMax = 100
)

// Supervisor keeps the worker pools full, reports queue depths, and compacts
// the query queue when it outgrows the resolvers.
type Supervisor struct {
	Pools    []*Pool
	Schedule *Queue[string]
	Query    *Queue[string]
	Listadd  *Queue[*xrpc.Profile]

	// Watermark is the query-queue depth above which compaction kicks in.
	Watermark int64

	// Tick intervals; zero values take the defaults.
	RespawnEvery   time.Duration
	TelemetryEvery time.Duration
	CompactEvery   time.Duration
}

// Run drives the supervision loops until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	respawn := time.NewTicker(orDefault(s.RespawnEvery, defaultRespawnEvery))
	defer respawn.Stop()
	telemetry := time.NewTicker(orDefault(s.TelemetryEvery, defaultTelemetryEvery))
	defer telemetry.Stop()
	compact := time.NewTicker(orDefault(s.CompactEvery, defaultCompactEvery))
	defer compact.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-respawn.C:
			s.respawn(ctx)
		case <-telemetry.C:
			s.telemetry()
		case <-compact.C:
			s.maybeCompact()
		}
	}
}

func (s *Supervisor) respawn(ctx context.Context) {
	for _, p := range s.Pools {
		if n := p.Respawn(ctx); n > 0 {
			slog.Warn("workers respawned", "stage", "supervisor", "pool", p.Name(), "count", n)
			metrics.WorkerRestarts.WithLabelValues(p.Name()).Add(float64(n))
		}
		metrics.WorkersAlive.WithLabelValues(p.Name()).Set(float64(p.Alive()))
	}
}

func (s *Supervisor) telemetry() {
	schedule, query, listadd := s.Schedule.Len(), s.Query.Len(), s.Listadd.Len()
	slog.Info("queue depths", "stage", "supervisor",
		"schedule", schedule, "query", query, "listadd", listadd)
	metrics.QueueDepth.WithLabelValues(s.Schedule.Name()).Set(float64(schedule))
	metrics.QueueDepth.WithLabelValues(s.Query.Name()).Set(float64(query))
	metrics.QueueDepth.WithLabelValues(s.Listadd.Name()).Set(float64(listadd))
}

func (s *Supervisor) maybeCompact() {
	if s.Schedule.Len() >= compactScheduleMax {
		return
	}
	depth := int64(s.Query.Len())
	if depth <= s.Watermark {
		return
	}
	dropped := CompactQueue(s.Query)
	metrics.CompactionRuns.Inc()
	metrics.CompactionDropped.Add(float64(dropped))
	slog.Info("query queue compacted", "stage", "supervisor",
		"before", depth, "after", s.Query.Len(), "dropped", dropped)
}

// CompactQueue drains q, drops duplicates keeping each DID's first
// occurrence, and re-enqueues the rest. Returns the number dropped.
// Concurrent pops during the pass see a momentarily shorter queue but never
// lose a DID.
func CompactQueue(q *Queue[string]) int {
	items := q.Drain()
	seen := make(map[string]struct{}, len(items))
	dropped := 0
	for _, did := range items {
		if _, dup := seen[did]; dup {
			dropped++
			continue
		}
		seen[did] = struct{}{}
		q.Push(did)
	}
	return dropped
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
