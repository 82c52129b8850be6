package pipeline

import (
	"context"
	"log/slog"

	"github.com/jeffb4/bsky-prolific-followers/internal/cache"
	"github.com/jeffb4/bsky-prolific-followers/internal/metrics"
	"github.com/jeffb4/bsky-prolific-followers/internal/xrpc"
)

// Scheduler routes observed DIDs: a DID with a fresh cached profile goes
// straight to reconciliation, everything else goes to the resolver stage.
type Scheduler struct {
	Cache    *cache.Store
	Schedule *Queue[string]
	Query    *Queue[string]
	Listadd  *Queue[*xrpc.Profile]
}

// Run is one scheduler worker loop. It exits when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, id int) {
	log := slog.With("stage", "schedule", "worker", id)
	for {
		did, ok := s.Schedule.Pop(ctx)
		if !ok {
			return
		}
		s.process(log, did)
	}
}

func (s *Scheduler) process(log *slog.Logger, did string) {
	p, fresh := s.Cache.SkipFetch(did)
	if !fresh {
		metrics.CacheMisses.Inc()
		s.Query.Push(did)
		return
	}
	if p.Handle == "" {
		log.Error("cached profile has no handle, dropping", "did", did)
		return
	}
	metrics.CacheHits.Inc()
	s.Listadd.Push(p)
}
