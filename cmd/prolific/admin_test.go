package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffb4/bsky-prolific-followers/internal/config"
	"github.com/jeffb4/bsky-prolific-followers/internal/xrpc"
)

type fakeNetwork struct {
	deleted []xrpc.DeleteRecordRequest
}

// newAdminServer fakes the XRPC surface the admin commands touch: one list
// ("Over 5k Following") with one member (did:plc:spammer).
func newAdminServer(t *testing.T, fake *fakeNetwork) *httptest.Server {
	t.Helper()

	reply := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]interface{}{
			"did": "did:plc:mod", "handle": "mod.example.com",
			"accessJwt": "tok", "refreshJwt": "ref",
		})
	})
	mux.HandleFunc("/xrpc/app.bsky.graph.getLists", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]interface{}{
			"lists": []map[string]interface{}{
				{"uri": "at://did:plc:mod/app.bsky.graph.list/3klist", "name": "Over 5k Following"},
			},
		})
	})
	mux.HandleFunc("/xrpc/app.bsky.graph.getList", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]interface{}{
			"items": []map[string]interface{}{
				{
					"uri": "at://did:plc:mod/app.bsky.graph.listitem/3kitem",
					"subject": map[string]interface{}{
						"did": "did:plc:spammer", "handle": "spammer.bsky.social",
					},
				},
			},
		})
	})
	mux.HandleFunc("/xrpc/app.bsky.actor.getProfile", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("actor") {
		case "spammer.bsky.social":
			reply(w, http.StatusOK, map[string]interface{}{
				"did": "did:plc:spammer", "handle": "spammer.bsky.social",
			})
		case "bystander.bsky.social":
			reply(w, http.StatusOK, map[string]interface{}{
				"did": "did:plc:bystander", "handle": "bystander.bsky.social",
			})
		default:
			reply(w, http.StatusBadRequest, map[string]interface{}{
				"error": "InvalidRequest", "message": "Profile not found",
			})
		}
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.deleteRecord", func(w http.ResponseWriter, r *http.Request) {
		var req xrpc.DeleteRecordRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		fake.deleted = append(fake.deleted, req)
		reply(w, http.StatusOK, map[string]interface{}{})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newAdminClient(t *testing.T, srv *httptest.Server) (*config.Config, *xrpc.Client) {
	t.Helper()
	cfg := &config.Config{APIHost: srv.URL, PublicAPIHost: srv.URL}
	client := xrpc.NewClient(srv.URL, "mod.example.com", "app-password")
	require.NoError(t, client.Authenticate(context.Background()))
	return cfg, client
}

func TestRemoveUserDeletesMembership(t *testing.T) {
	fake := &fakeNetwork{}
	srv := newAdminServer(t, fake)
	cfg, client := newAdminClient(t, srv)

	err := removeUser(context.Background(), cfg, client, "spammer.bsky.social", "Over 5k Following")
	require.NoError(t, err)

	require.Len(t, fake.deleted, 1)
	assert.Equal(t, "app.bsky.graph.listitem", fake.deleted[0].Collection)
	assert.Equal(t, "3kitem", fake.deleted[0].RKey)
}

func TestRemoveUserUnknownListFails(t *testing.T) {
	fake := &fakeNetwork{}
	srv := newAdminServer(t, fake)
	cfg, client := newAdminClient(t, srv)

	err := removeUser(context.Background(), cfg, client, "spammer.bsky.social", "No Such List")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no list named")
	assert.Empty(t, fake.deleted)
}

func TestRemoveUserNotAMemberFails(t *testing.T) {
	fake := &fakeNetwork{}
	srv := newAdminServer(t, fake)
	cfg, client := newAdminClient(t, srv)

	err := removeUser(context.Background(), cfg, client, "bystander.bsky.social", "Over 5k Following")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not on list")
	assert.Empty(t, fake.deleted)
}

func TestDeleteListDeletesRecord(t *testing.T) {
	fake := &fakeNetwork{}
	srv := newAdminServer(t, fake)
	_, client := newAdminClient(t, srv)

	require.NoError(t, deleteList(context.Background(), client, "Over 5k Following"))

	require.Len(t, fake.deleted, 1)
	assert.Equal(t, "app.bsky.graph.list", fake.deleted[0].Collection)
	assert.Equal(t, "3klist", fake.deleted[0].RKey)
}

func TestDeleteListUnknownListFails(t *testing.T) {
	fake := &fakeNetwork{}
	srv := newAdminServer(t, fake)
	_, client := newAdminClient(t, srv)

	require.Error(t, deleteList(context.Background(), client, "No Such List"))
	assert.Empty(t, fake.deleted)
}

func TestUsageErrors(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"run", "--bogus"}},
		{"remove-user without flags", []string{"remove-user"}},
		{"delete-list without flags", []string{"delete-list"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := newRootCommand()
			root.SetOut(io.Discard)
			root.SetErr(io.Discard)
			root.SetArgs(tc.args)

			err := root.Execute()
			require.Error(t, err)
			assert.ErrorIs(t, err, errUsage)
		})
	}
}
