package pipeline

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffb4/bsky-prolific-followers/internal/registry"
	"github.com/jeffb4/bsky-prolific-followers/internal/xrpc"
)

type fakeListClient struct {
	mu      sync.Mutex
	lists   []xrpc.ListView
	members map[string][]xrpc.Member
	created []string
}

func (f *fakeListClient) ListMyLists(context.Context) ([]xrpc.ListView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists, nil
}

func (f *fakeListClient) CreateList(_ context.Context, name, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	return "at://did:plc:mod/app.bsky.graph.list/new" + strconv.Itoa(len(f.created)), nil
}

func (f *fakeListClient) ListMembers(_ context.Context, uri string) ([]xrpc.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[uri], nil
}

func writeSeed(t *testing.T, path string, entries map[string]*xrpc.Profile) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	require.NoError(t, json.NewEncoder(zw).Encode(entries))
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestBootstrapFindsOrCreatesLists(t *testing.T) {
	dir := t.TempDir()
	exceptions := filepath.Join(dir, "exceptions.txt")
	require.NoError(t, os.WriteFile(exceptions, []byte("did:plc:vip\n"), 0o644))
	words := filepath.Join(dir, "mw.txt")
	require.NoError(t, os.WriteFile(words, []byte("maga\n"), 0o644))

	reg := registry.New([]registry.Descriptor{
		{Key: "over5k", Name: "5k follows", Description: "following over 5000 accounts",
			Kind: registry.KindFollows, Threshold: 5000, ExceptionFile: exceptions},
		{Key: "mw", Name: "watchwords", Description: "profile text matches",
			Kind: registry.KindWords, WordFile: words},
	})

	existingURI := "at://did:plc:mod/app.bsky.graph.list/5k"
	client := &fakeListClient{
		lists: []xrpc.ListView{{URI: existingURI, Name: "5k follows"}},
		members: map[string][]xrpc.Member{
			existingURI: {
				{DID: "did:plc:alice", URI: "at://did:plc:mod/app.bsky.graph.listitem/r1"},
				{DID: "did:plc:bob", URI: "at://did:plc:mod/app.bsky.graph.listitem/r2"},
			},
		},
	}

	b := &Bootstrap{
		Cache:    newTestCache(t, time.Hour, true),
		Registry: reg,
		Client:   client,
		Schedule: NewQueue[string]("schedule"),
	}
	require.NoError(t, b.Run(context.Background()))

	over5k, _ := reg.Get("over5k")
	assert.Equal(t, existingURI, over5k.URI)
	assert.True(t, over5k.Present("did:plc:alice"))
	assert.True(t, over5k.Present("did:plc:bob"))
	assert.True(t, over5k.Excepted("did:plc:vip"))

	mw, _ := reg.Get("mw")
	assert.Equal(t, []string{"watchwords"}, client.created)
	assert.NotEmpty(t, mw.URI)
	require.NotNil(t, mw.Matcher)
	assert.Equal(t, 1, mw.Matcher.Size())

	waitLen(t, b.Schedule, 2)
	assert.ElementsMatch(t, []string{"did:plc:alice", "did:plc:bob"}, b.Schedule.Drain())
}

func TestBootstrapRescanQueuesCachedDIDs(t *testing.T) {
	store := newTestCache(t, time.Hour, true)
	require.NoError(t, store.Put("did:plc:c1", testProfile("did:plc:c1", "c1.bsky.social", 1, 1)))
	require.NoError(t, store.Put("did:plc:c2", testProfile("did:plc:c2", "c2.bsky.social", 2, 2)))

	reg := registry.New([]registry.Descriptor{
		{Key: "over5k", Name: "5k follows", Kind: registry.KindFollows, Threshold: 5000},
	})
	uri := "at://did:plc:mod/app.bsky.graph.list/5k"
	client := &fakeListClient{
		lists: []xrpc.ListView{{URI: uri, Name: "5k follows"}},
		members: map[string][]xrpc.Member{
			uri: {{DID: "did:plc:member", URI: "at://did:plc:mod/app.bsky.graph.listitem/r1"}},
		},
	}

	b := &Bootstrap{
		Cache:       store,
		Registry:    reg,
		Client:      client,
		Schedule:    NewQueue[string]("schedule"),
		RescanCache: true,
	}
	require.NoError(t, b.Run(context.Background()))

	waitLen(t, b.Schedule, 3)
	dids := b.Schedule.Drain()
	assert.Equal(t, "did:plc:member", dids[0], "members are queued before the rescan")
	assert.ElementsMatch(t, []string{"did:plc:c1", "did:plc:c2"}, dids[1:])
}

func TestBootstrapImportsSeedOnce(t *testing.T) {
	seed := filepath.Join(t.TempDir(), "cache.json.gz")
	writeSeed(t, seed, map[string]*xrpc.Profile{
		"did:plc:x": testProfile("did:plc:x", "x.bsky.social", 10, 1),
		"did:plc:y": testProfile("did:plc:y", "y.bsky.social", 20, 2),
	})

	store := newTestCache(t, time.Hour, true)
	b := &Bootstrap{
		Cache:    store,
		Registry: registry.New(nil),
		Client:   &fakeListClient{},
		Schedule: NewQueue[string]("schedule"),
		SeedFile: seed,
	}
	require.NoError(t, b.Run(context.Background()))

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// A grown dump must not be re-imported into the same cache.
	writeSeed(t, seed, map[string]*xrpc.Profile{
		"did:plc:x": testProfile("did:plc:x", "x.bsky.social", 10, 1),
		"did:plc:y": testProfile("did:plc:y", "y.bsky.social", 20, 2),
		"did:plc:z": testProfile("did:plc:z", "z.bsky.social", 30, 3),
	})
	require.NoError(t, b.Run(context.Background()))

	n, err = store.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestBootstrapToleratesMissingSeedFile(t *testing.T) {
	b := &Bootstrap{
		Cache:    newTestCache(t, time.Hour, true),
		Registry: registry.New(nil),
		Client:   &fakeListClient{},
		Schedule: NewQueue[string]("schedule"),
		SeedFile: filepath.Join(t.TempDir(), "absent.json.gz"),
	}
	require.NoError(t, b.Run(context.Background()))
}
