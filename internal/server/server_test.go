package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffb4/bsky-prolific-followers/internal/cache"
	"github.com/jeffb4/bsky-prolific-followers/internal/pipeline"
	"github.com/jeffb4/bsky-prolific-followers/internal/registry"
	"github.com/jeffb4/bsky-prolific-followers/internal/xrpc"
)

type fakeIdentity struct {
	handle, did string
}

func (f fakeIdentity) Handle() string { return f.handle }
func (f fakeIdentity) DID() string    { return f.did }

func newTestServer(t *testing.T) (*Server, *pipeline.Queue[string]) {
	t.Helper()

	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), time.Hour, true)
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Put("did:plc:alice",
		&xrpc.Profile{DID: "did:plc:alice", Handle: "alice.bsky.social"}))

	reg := registry.New([]registry.Descriptor{
		{Key: "over5k", Name: "5k follows", Kind: registry.KindFollows, Threshold: 5000},
	})
	over5k, _ := reg.Get("over5k")
	over5k.SetEntries(map[string]string{"did:plc:a": "r1", "did:plc:b": "r2"})

	schedule := pipeline.NewQueue[string]("schedule")
	t.Cleanup(schedule.Close)
	pool := pipeline.NewPool("resolve", 3, func(ctx context.Context, id int) { <-ctx.Done() })

	s := New(":0", store, reg, fakeIdentity{handle: "mod.bsky.social", did: "did:plc:mod"},
		[]Depth{schedule}, []*pipeline.Pool{pool})
	return s, schedule
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	s, schedule := newTestServer(t)
	schedule.Push("did:plc:x")
	schedule.Push("did:plc:y")
	require.Eventually(t, func() bool { return schedule.Len() == 2 },
		2*time.Second, time.Millisecond)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Handle         string         `json:"handle"`
		DID            string         `json:"did"`
		CachedProfiles int64          `json:"cached_profiles"`
		Queues         map[string]int `json:"queues"`
		Workers        map[string]int `json:"workers"`
		Lists          map[string]int `json:"lists"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "mod.bsky.social", got.Handle)
	assert.Equal(t, "did:plc:mod", got.DID)
	assert.Equal(t, int64(1), got.CachedProfiles)
	assert.Equal(t, 2, got.Queues["schedule"])
	assert.Equal(t, 0, got.Workers["resolve"])
	assert.Equal(t, 2, got.Lists["over5k"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "prolific_firehose_events_total")
}
