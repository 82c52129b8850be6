// Package registry maintains the in-memory mirror of remote moderation-list
// memberships and mediates every membership write against the network. The
// mirror reflects what this process has observed or created; it converges
// toward locally computed decisions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jeffb4/bsky-prolific-followers/internal/metrics"
	"github.com/jeffb4/bsky-prolific-followers/internal/rules"
	"github.com/jeffb4/bsky-prolific-followers/internal/xrpc"
)

// Kind selects which classification rule governs a list.
type Kind string

const (
	// KindFollows lists accounts whose followsCount meets the threshold.
	KindFollows Kind = "follows"
	// KindFollowsUnverified is KindFollows restricted to default-domain handles.
	KindFollowsUnverified Kind = "follows_unverified"
	// KindFollowers lists accounts whose followersCount meets the threshold.
	KindFollowers Kind = "followers"
	// KindWords lists accounts whose profile text matches a word list.
	KindWords Kind = "words"
)

// RecordClient is the subset of the API client the registry needs for
// membership writes. Reconciler workers pass their own authenticated client.
type RecordClient interface {
	CreateMember(ctx context.Context, listURI, did string) (string, error)
	DeleteMember(ctx context.Context, rkey string) error
}

// Descriptor is the static configuration of one list.
type Descriptor struct {
	Key           string
	Name          string
	Description   string
	Kind          Kind
	Threshold     int64
	WordFile      string
	ExceptionFile string
}

// List is one moderation list: descriptor plus runtime state. Mutation is
// serialized by the list's own lock, held across the remote record call so
// concurrent reconcilers cannot double-add a DID.
type List struct {
	Descriptor

	// URI identifies the remote list record; populated at bootstrap and
	// stable for the process lifetime.
	URI string
	// Matcher holds the compiled word list; nil for count-based lists.
	Matcher *rules.Wordlist

	mu         sync.RWMutex
	entries    map[string]string // did → rkey of the membership record
	exceptions map[string]struct{}
}

func newList(d Descriptor) *List {
	return &List{
		Descriptor: d,
		entries:    make(map[string]string),
		exceptions: make(map[string]struct{}),
	}
}

// SetEntries replaces the membership mirror with the authoritative remote
// state. Bootstrap only.
func (l *List) SetEntries(members map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]string, len(members))
	for did, rkey := range members {
		l.entries[did] = rkey
	}
}

// SetExceptions replaces the exception set. Bootstrap only.
func (l *List) SetExceptions(dids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exceptions = make(map[string]struct{}, len(dids))
	for _, did := range dids {
		l.exceptions[did] = struct{}{}
	}
}

// Present reports whether the DID is in the membership mirror.
func (l *List) Present(did string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[did]
	return ok
}

// Excepted reports whether the DID is in the exception set.
func (l *List) Excepted(did string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.exceptions[did]
	return ok
}

// Len returns the current membership count.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// DIDs returns a snapshot of the current member DIDs.
func (l *List) DIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	dids := make([]string, 0, len(l.entries))
	for did := range l.entries {
		dids = append(dids, did)
	}
	return dids
}

// Add ensures the DID is a member. No-op when already present; excepted
// DIDs are never added.
func (l *List) Add(ctx context.Context, client RecordClient, did string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.exceptions[did]; ok {
		return nil
	}
	if _, ok := l.entries[did]; ok {
		return nil
	}
	uri, err := client.CreateMember(ctx, l.URI, did)
	if err != nil {
		return fmt.Errorf("add %s to %s: %w", did, l.Key, err)
	}
	l.entries[did] = xrpc.RecordKey(uri)
	metrics.ListAdds.WithLabelValues(l.Key).Inc()
	slog.Info("list member added", "did", did, "list", l.Key, "members", len(l.entries))
	return nil
}

// Remove ensures the DID is not a member. No-op when absent.
func (l *List) Remove(ctx context.Context, client RecordClient, did string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rkey, ok := l.entries[did]
	if !ok {
		return nil
	}
	if err := client.DeleteMember(ctx, rkey); err != nil {
		return fmt.Errorf("remove %s from %s: %w", did, l.Key, err)
	}
	delete(l.entries, did)
	metrics.ListRemoves.WithLabelValues(l.Key).Inc()
	slog.Info("list member removed", "did", did, "list", l.Key, "members", len(l.entries))
	return nil
}

// Registry is the process-wide set of lists, keyed by list key. The map is
// built once at construction and never mutated, so lookups need no lock;
// each list serializes its own mutations.
type Registry struct {
	lists map[string]*List
	order []string
}

// New builds a registry from descriptors, preserving their order.
func New(descriptors []Descriptor) *Registry {
	r := &Registry{lists: make(map[string]*List, len(descriptors))}
	for _, d := range descriptors {
		r.lists[d.Key] = newList(d)
		r.order = append(r.order, d.Key)
	}
	return r
}

// Get returns the list for a key.
func (r *Registry) Get(key string) (*List, bool) {
	l, ok := r.lists[key]
	return l, ok
}

// All returns every list in configuration order.
func (r *Registry) All() []*List {
	out := make([]*List, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.lists[key])
	}
	return out
}

// Kind returns the lists of one kind. Count-based kinds are ordered by
// ascending threshold, the order the reconciler applies them in.
func (r *Registry) Kind(k Kind) []*List {
	var out []*List
	for _, l := range r.All() {
		if l.Descriptor.Kind == k {
			out = append(out, l)
		}
	}
	if k != KindWords {
		sort.Slice(out, func(i, j int) bool { return out[i].Threshold < out[j].Threshold })
	}
	return out
}

// RemoveFromAll removes the DID from every list it is present in. Failures
// are collected, not short-circuited, so one bad list does not stop the
// scrub of the rest.
func (r *Registry) RemoveFromAll(ctx context.Context, client RecordClient, did string) error {
	var errs []error
	for _, l := range r.All() {
		if !l.Present(did) {
			continue
		}
		if err := l.Remove(ctx, client, did); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
