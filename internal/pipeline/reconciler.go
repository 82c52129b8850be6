package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jeffb4/bsky-prolific-followers/internal/registry"
	"github.com/jeffb4/bsky-prolific-followers/internal/xrpc"
)

// Reconciler classifies resolved profiles against every list and converges
// memberships. It consumes full profiles, never DIDs, so classification
// needs no cache read.
type Reconciler struct {
	Registry *registry.Registry
	Listadd  *Queue[*xrpc.Profile]

	// DefaultDomain is the handle suffix marking accounts that never set a
	// custom domain, e.g. ".bsky.social".
	DefaultDomain string
}

// Run is one reconciler worker loop.
func (w *Reconciler) Run(ctx context.Context, client registry.RecordClient, id int) {
	log := slog.With("stage", "reconcile", "worker", id)
	for {
		p, ok := w.Listadd.Pop(ctx)
		if !ok {
			return
		}
		w.Reconcile(ctx, client, log, p)
	}
}

// Reconcile runs every rule pass for one profile. A failed list update is
// logged and the remaining rules continue; the next observation of the DID
// re-runs the whole classification.
func (w *Reconciler) Reconcile(ctx context.Context, client registry.RecordClient, log *slog.Logger, p *xrpc.Profile) {
	for _, l := range w.Registry.Kind(registry.KindFollows) {
		w.applyCount(ctx, client, log, l, p, p.FollowsCount)
	}
	if strings.HasSuffix(p.Handle, w.DefaultDomain) {
		for _, l := range w.Registry.Kind(registry.KindFollowsUnverified) {
			w.applyCount(ctx, client, log, l, p, p.FollowsCount)
		}
	}
	for _, l := range w.Registry.Kind(registry.KindFollowers) {
		w.applyCount(ctx, client, log, l, p, p.FollowersCount)
	}
	for _, l := range w.Registry.Kind(registry.KindWords) {
		w.applyWords(ctx, client, log, l, p)
	}
}

// applyCount converges one threshold list: excepted DIDs and DIDs under the
// threshold are ensured absent, the rest ensured present.
func (w *Reconciler) applyCount(ctx context.Context, client registry.RecordClient, log *slog.Logger, l *registry.List, p *xrpc.Profile, count int64) {
	var err error
	switch {
	case l.Excepted(p.DID):
		err = l.Remove(ctx, client, p.DID)
	case count >= l.Threshold:
		if !l.Present(p.DID) {
			countKey, limitKey := "follows_count", "follows_limit"
			if l.Descriptor.Kind == registry.KindFollowers {
				countKey, limitKey = "followers_count", "followers_limit"
			}
			log.Info("threshold met", "did", p.DID, "handle", p.Handle, "list", l.Key, countKey, count, limitKey, l.Threshold)
		}
		err = l.Add(ctx, client, p.DID)
	default:
		err = l.Remove(ctx, client, p.DID)
	}
	if err != nil {
		log.Error("list update failed", "did", p.DID, "list", l.Key, "error", err)
	}
}

// applyWords converges one word list. A profile without a description is
// ensured absent regardless of what its other fields contain.
func (w *Reconciler) applyWords(ctx context.Context, client registry.RecordClient, log *slog.Logger, l *registry.List, p *xrpc.Profile) {
	matched := l.Matcher != nil && p.Description != nil && l.Matcher.Match(p)
	var err error
	if l.Excepted(p.DID) || !matched {
		err = l.Remove(ctx, client, p.DID)
	} else {
		if !l.Present(p.DID) {
			log.Info("word match", "did", p.DID, "handle", p.Handle, "list", l.Key)
		}
		err = l.Add(ctx, client, p.DID)
	}
	if err != nil {
		log.Error("list update failed", "did", p.DID, "list", l.Key, "error", err)
	}
}
