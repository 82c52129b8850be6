package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffb4/bsky-prolific-followers/internal/registry"
	"github.com/jeffb4/bsky-prolific-followers/internal/xrpc"
)

type fakeAPI struct {
	mu          sync.Mutex
	profiles    map[string]*xrpc.Profile
	batchErr    error
	batchCalls  [][]string
	singleCalls []string
	deletes     []string
	creates     int
}

func newFakeAPI(profiles ...*xrpc.Profile) *fakeAPI {
	f := &fakeAPI{profiles: make(map[string]*xrpc.Profile)}
	for _, p := range profiles {
		f.profiles[p.DID] = p
	}
	return f
}

func (f *fakeAPI) GetProfiles(_ context.Context, dids []string) ([]*xrpc.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls = append(f.batchCalls, append([]string(nil), dids...))
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	if len(dids) > xrpc.MaxProfileBatch {
		return nil, fmt.Errorf("batch of %d exceeds limit", len(dids))
	}
	var out []*xrpc.Profile
	for _, did := range dids {
		if p, ok := f.profiles[did]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeAPI) GetProfile(_ context.Context, did string) (*xrpc.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCalls = append(f.singleCalls, did)
	if p, ok := f.profiles[did]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, &xrpc.Error{StatusCode: 400, Code: "InvalidRequest", Message: "Profile not found"}
}

func (f *fakeAPI) CreateMember(_ context.Context, listURI, did string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return fmt.Sprintf("at://did:plc:mod/app.bsky.graph.listitem/r%d", f.creates), nil
}

func (f *fakeAPI) DeleteMember(_ context.Context, rkey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, rkey)
	return nil
}

func newTestResolver(t *testing.T, reg *registry.Registry) *Resolver {
	t.Helper()
	if reg == nil {
		reg = registry.New(nil)
	}
	r := &Resolver{
		Cache:    newTestCache(t, time.Hour, true),
		Registry: reg,
		Query:    NewQueue[string]("query"),
		Listadd:  NewQueue[*xrpc.Profile]("listadd"),
	}
	t.Cleanup(func() {
		r.Query.Close()
		r.Listadd.Close()
	})
	return r
}

func TestNextBatchCollectsUniqueDIDs(t *testing.T) {
	r := newTestResolver(t, nil)
	for _, did := range []string{"did:plc:a", "did:plc:b", "did:plc:a", "did:plc:c"} {
		r.Query.Push(did)
	}
	waitLen(t, r.Query, 4)

	batch, ok := r.nextBatch(context.Background())
	require.True(t, ok)
	assert.Equal(t, []string{"did:plc:a", "did:plc:b", "did:plc:c"}, batch)
}

func TestNextBatchCapsAtAPILimit(t *testing.T) {
	r := newTestResolver(t, nil)
	for i := 0; i < 30; i++ {
		r.Query.Push(fmt.Sprintf("did:plc:%d", i))
	}
	waitLen(t, r.Query, 30)

	batch, ok := r.nextBatch(context.Background())
	require.True(t, ok)
	assert.Len(t, batch, xrpc.MaxProfileBatch)

	seen := make(map[string]struct{})
	for _, did := range batch {
		_, dup := seen[did]
		assert.False(t, dup, "duplicate %s in batch", did)
		seen[did] = struct{}{}
	}
	waitLen(t, r.Query, 5)
}

// A sibling worker may resolve a queued DID first; the re-check drops it
// from the batch instead of fetching it again.
func TestNextBatchDropsFreshlyPopulatedDIDs(t *testing.T) {
	r := newTestResolver(t, nil)
	p := testProfile("did:plc:done", "done.bsky.social", 10, 10)
	require.NoError(t, r.Cache.Put(p.DID, p))

	r.Query.Push("did:plc:done")
	r.Query.Push("did:plc:pending")
	waitLen(t, r.Query, 2)

	batch, ok := r.nextBatch(context.Background())
	require.True(t, ok)
	assert.Equal(t, []string{"did:plc:pending"}, batch)
	assert.Equal(t, 0, r.Listadd.Len())
}

func TestResolveCachesAndForwards(t *testing.T) {
	r := newTestResolver(t, nil)
	api := newFakeAPI(
		testProfile("did:plc:a", "a.bsky.social", 6000, 10),
		testProfile("did:plc:b", "b.bsky.social", 70, 3),
	)

	r.resolve(context.Background(), api, discardLogger(), []string{"did:plc:a", "did:plc:b"})

	waitLen(t, r.Listadd, 2)
	require.Len(t, api.batchCalls, 1)
	assert.Empty(t, api.singleCalls)

	cached, err := r.Cache.Get("did:plc:a")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.False(t, cached.CachedAt.IsZero(), "cache write must stamp cachedAt")

	forwarded, ok := r.Listadd.Pop(context.Background())
	require.True(t, ok)
	assert.False(t, forwarded.CachedAt.IsZero(), "profile forwarded before its cache write")
}

// A DID the batch endpoint silently omits is probed individually so a gone
// account can be told apart from transient noise; a terminal answer scrubs
// it from every list and from the cache.
func TestResolveScrubsTerminalAccounts(t *testing.T) {
	reg := registry.New([]registry.Descriptor{
		{Key: "over5k", Name: "5k follows", Kind: registry.KindFollows, Threshold: 5000},
		{Key: "mw", Name: "watchwords", Kind: registry.KindWords},
	})
	over5k, _ := reg.Get("over5k")
	over5k.SetEntries(map[string]string{"did:plc:gone": "rgone"})

	r := newTestResolver(t, reg)
	gone := testProfile("did:plc:gone", "gone.bsky.social", 9000, 1)
	require.NoError(t, r.Cache.Put(gone.DID, gone))

	api := newFakeAPI(testProfile("did:plc:a", "a.bsky.social", 10, 10))

	r.resolve(context.Background(), api, discardLogger(), []string{"did:plc:a", "did:plc:gone"})

	assert.Equal(t, []string{"did:plc:gone"}, api.singleCalls)
	assert.Equal(t, []string{"rgone"}, api.deletes)
	assert.False(t, over5k.Present("did:plc:gone"))

	cached, err := r.Cache.Get("did:plc:gone")
	require.NoError(t, err)
	assert.Nil(t, cached, "terminal account must leave the cache")

	waitLen(t, r.Listadd, 1)
}

func TestResolveFallsBackToSingleFetches(t *testing.T) {
	r := newTestResolver(t, nil)
	api := newFakeAPI(
		testProfile("did:plc:a", "a.bsky.social", 10, 10),
		testProfile("did:plc:b", "b.bsky.social", 20, 20),
	)
	api.batchErr = errors.New("upstream buckled")

	r.resolve(context.Background(), api, discardLogger(), []string{"did:plc:a", "did:plc:b"})

	assert.Equal(t, []string{"did:plc:a", "did:plc:b"}, api.singleCalls)
	waitLen(t, r.Listadd, 2)
}

// A server-side failure that outlives the client's retries puts the whole
// batch back on the query queue rather than losing it.
func TestResolveRequeuesBatchOnTransientError(t *testing.T) {
	r := newTestResolver(t, nil)
	api := newFakeAPI()
	api.batchErr = &xrpc.Error{StatusCode: 503, Message: "upstream unavailable"}

	r.resolve(context.Background(), api, discardLogger(), []string{"did:plc:a", "did:plc:b"})

	assert.Empty(t, api.singleCalls)
	waitLen(t, r.Query, 2)
	assert.Equal(t, 0, r.Listadd.Len())
}

func TestResolverRunLoop(t *testing.T) {
	r := newTestResolver(t, nil)
	api := newFakeAPI(testProfile("did:plc:a", "a.bsky.social", 6000, 10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, api, 0)
		close(done)
	}()

	r.Query.Push("did:plc:a")
	waitLen(t, r.Listadd, 1)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("resolver did not stop")
	}
}
