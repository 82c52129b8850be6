package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jeffb4/bsky-prolific-followers/internal/cache"
	"github.com/jeffb4/bsky-prolific-followers/internal/metrics"
	"github.com/jeffb4/bsky-prolific-followers/internal/registry"
	"github.com/jeffb4/bsky-prolific-followers/internal/xrpc"
)

// Resolver fetches profiles from the network in batches, writes them to the
// cache, and forwards them to reconciliation. Accounts the network reports
// as gone are scrubbed from every list and from the cache.
type Resolver struct {
	Cache    *cache.Store
	Registry *registry.Registry
	Query    *Queue[string]
	Listadd  *Queue[*xrpc.Profile]
}

// Run is one resolver worker loop. Each worker owns its own authenticated
// client so token refreshes never contend.
func (r *Resolver) Run(ctx context.Context, client Client, id int) {
	log := slog.With("stage", "resolve", "worker", id)
	for {
		batch, ok := r.nextBatch(ctx)
		if !ok {
			return
		}
		if len(batch) == 0 {
			continue
		}
		r.resolve(ctx, client, log, batch)
	}
}

// nextBatch blocks for the first queued DID, then drains whatever else is
// already waiting, up to the batch limit. A sibling worker may have resolved
// a queued DID since it was enqueued, so freshness is re-checked per DID;
// fresh ones are dropped here because the sibling already forwarded them.
func (r *Resolver) nextBatch(ctx context.Context) ([]string, bool) {
	first, ok := r.Query.Pop(ctx)
	if !ok {
		return nil, false
	}
	seen := make(map[string]struct{}, xrpc.MaxProfileBatch)
	var batch []string
	admit := func(did string) {
		if _, dup := seen[did]; dup {
			return
		}
		seen[did] = struct{}{}
		if _, fresh := r.Cache.SkipFetch(did); fresh {
			metrics.CacheHits.Inc()
			return
		}
		batch = append(batch, did)
	}
	admit(first)
	for len(batch) < xrpc.MaxProfileBatch {
		did, ok := r.Query.PopWait(drainGrace)
		if !ok {
			break
		}
		admit(did)
	}
	return batch, true
}

// resolve fetches one batch. DIDs missing from a successful response are
// probed individually so terminal accounts can be told apart from transient
// noise; a failed batch degrades to per-DID fetches for the same reason. A
// transient failure that survives the client's own retries requeues the
// batch instead of dropping it.
func (r *Resolver) resolve(ctx context.Context, client Client, log *slog.Logger, batch []string) {
	profiles, err := client.GetProfiles(ctx, batch)
	if err != nil {
		if xrpc.IsTransient(err) {
			log.Warn("batch resolve failed, requeued", "size", len(batch), "error", err)
			for _, did := range batch {
				r.Query.Push(did)
			}
			return
		}
		log.Warn("batch resolve failed, probing individually", "size", len(batch), "error", err)
		for _, did := range batch {
			r.resolveOne(ctx, client, log, did)
		}
		return
	}
	returned := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		returned[p.DID] = struct{}{}
		r.store(log, p)
	}
	for _, did := range batch {
		if _, ok := returned[did]; !ok {
			r.resolveOne(ctx, client, log, did)
		}
	}
}

func (r *Resolver) resolveOne(ctx context.Context, client Client, log *slog.Logger, did string) {
	p, err := client.GetProfile(ctx, did)
	if err != nil {
		switch {
		case xrpc.IsTerminalAccount(err):
			r.scrub(ctx, client, log, did, err)
		case xrpc.IsTransient(err):
			log.Warn("profile resolve failed, requeued", "did", did, "error", err)
			r.Query.Push(did)
		default:
			log.Error("profile resolve failed", "did", did, "error", err)
		}
		return
	}
	r.store(log, p)
}

// store writes the profile to the cache and only then forwards it, so a
// reconciled profile is always readable by later freshness checks.
func (r *Resolver) store(log *slog.Logger, p *xrpc.Profile) {
	if err := r.Cache.Put(p.DID, p); err != nil {
		if errors.Is(err, cache.ErrNullProfile) {
			panic(fmt.Sprintf("resolver: null profile write for %s", p.DID))
		}
		log.Error("cache write failed", "did", p.DID, "error", err)
		return
	}
	metrics.ProfilesResolved.Inc()
	r.Listadd.Push(p)
}

// scrub handles a terminal account: the network says it is deactivated,
// taken down, or deleted, so it leaves every list and the cache.
func (r *Resolver) scrub(ctx context.Context, client Client, log *slog.Logger, did string, cause error) {
	log.Warn("terminal account, scrubbing", "did", did, "error", cause)
	metrics.TerminalAccounts.Inc()
	if err := r.Registry.RemoveFromAll(ctx, client, did); err != nil {
		log.Error("list scrub incomplete", "did", did, "error", err)
	}
	if err := r.Cache.Delete(did); err != nil {
		log.Error("cache delete failed", "did", did, "error", err)
	}
}
