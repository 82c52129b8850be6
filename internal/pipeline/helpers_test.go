package pipeline

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeffb4/bsky-prolific-followers/internal/cache"
	"github.com/jeffb4/bsky-prolific-followers/internal/xrpc"
)

func newTestCache(t *testing.T, life time.Duration, expire bool) *cache.Store {
	t.Helper()
	s, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), life, expire)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

func testProfile(did, handle string, follows, followers int64) *xrpc.Profile {
	return &xrpc.Profile{
		DID:            did,
		Handle:         handle,
		FollowsCount:   follows,
		FollowersCount: followers,
	}
}
