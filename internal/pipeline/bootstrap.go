package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeffb4/bsky-prolific-followers/internal/cache"
	"github.com/jeffb4/bsky-prolific-followers/internal/registry"
	"github.com/jeffb4/bsky-prolific-followers/internal/rules"
	"github.com/jeffb4/bsky-prolific-followers/internal/xrpc"
)

// seedMarkerKey records that the optional profile dump was imported; the
// import happens at most once per cache file.
const seedMarkerKey = "cache_seed_imported"

// Bootstrap brings local state in line with the remote side before the
// pipeline starts: import the optional seed dump, find or create every
// configured list, mirror current memberships, load exception and word
// files, and queue every known DID for re-evaluation.
type Bootstrap struct {
	Cache    *cache.Store
	Registry *registry.Registry
	Client   ListClient
	Schedule *Queue[string]

	// SeedFile is an optional gzipped JSON profile dump, imported once.
	SeedFile string
	// RescanCache additionally queues every cached DID, not just current
	// list members.
	RescanCache bool
}

// Run performs the full bootstrap sequence.
func (b *Bootstrap) Run(ctx context.Context) error {
	if err := b.importSeed(); err != nil {
		return err
	}
	if err := b.setupLists(ctx); err != nil {
		return err
	}
	return b.seedSchedule()
}

func (b *Bootstrap) importSeed() error {
	if b.SeedFile == "" {
		return nil
	}
	if _, done := b.Cache.GetKV(seedMarkerKey); done {
		return nil
	}
	if _, err := os.Stat(b.SeedFile); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	n, err := b.Cache.ImportSeed(b.SeedFile)
	if err != nil {
		return fmt.Errorf("seed import: %w", err)
	}
	if err := b.Cache.SetKV(seedMarkerKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("seed marker: %w", err)
	}
	slog.Info("seed imported", "stage", "bootstrap", "file", b.SeedFile, "profiles", n)
	return nil
}

// setupLists resolves every configured list against the remote side, one
// goroutine per list.
func (b *Bootstrap) setupLists(ctx context.Context) error {
	views, err := b.Client.ListMyLists(ctx)
	if err != nil {
		return fmt.Errorf("enumerate lists: %w", err)
	}
	byName := make(map[string]string, len(views))
	for _, v := range views {
		byName[v.Name] = v.URI
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, l := range b.Registry.All() {
		l := l
		eg.Go(func() error {
			return b.setupList(ctx, l, byName[l.Name])
		})
	}
	return eg.Wait()
}

func (b *Bootstrap) setupList(ctx context.Context, l *registry.List, uri string) error {
	log := slog.With("stage", "bootstrap", "list", l.Key)
	if uri == "" {
		created, err := b.Client.CreateList(ctx, l.Name, l.Description)
		if err != nil {
			return fmt.Errorf("create list %s: %w", l.Key, err)
		}
		uri = created
		log.Info("list created", "uri", uri)
	}
	l.URI = uri

	members, err := b.Client.ListMembers(ctx, uri)
	if err != nil {
		return fmt.Errorf("load members of %s: %w", l.Key, err)
	}
	entries := make(map[string]string, len(members))
	for _, m := range members {
		entries[m.DID] = xrpc.RecordKey(m.URI)
	}
	l.SetEntries(entries)

	if l.ExceptionFile != "" {
		dids, err := rules.LoadTerms(l.ExceptionFile)
		if err != nil {
			return fmt.Errorf("exceptions for %s: %w", l.Key, err)
		}
		l.SetExceptions(dids)
	}
	if l.Descriptor.Kind == registry.KindWords && l.WordFile != "" {
		matcher, err := rules.LoadWordlist(l.Key, l.WordFile)
		if err != nil {
			return fmt.Errorf("word list for %s: %w", l.Key, err)
		}
		l.Matcher = matcher
	}
	log.Info("list ready", "uri", uri, "members", l.Len())
	return nil
}

// seedSchedule queues every current member for re-evaluation so accounts
// that no longer qualify get removed, then optionally every other cached
// DID.
func (b *Bootstrap) seedSchedule() error {
	members := make(map[string]struct{})
	for _, l := range b.Registry.All() {
		for _, did := range l.DIDs() {
			if _, ok := members[did]; ok {
				continue
			}
			members[did] = struct{}{}
			b.Schedule.Push(did)
		}
	}
	slog.Info("queued member re-evaluation", "stage", "bootstrap", "dids", len(members))

	if !b.RescanCache {
		return nil
	}
	var scanned int
	err := b.Cache.ForEachDID(func(did string) error {
		if _, ok := members[did]; ok {
			return nil
		}
		scanned++
		b.Schedule.Push(did)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache rescan: %w", err)
	}
	slog.Info("queued cache rescan", "stage", "bootstrap", "dids", scanned)
	return nil
}
