// Package xrpc implements the AT Protocol HTTP client used by the daemon:
// profile reads (single and batched) against the public AppView and
// moderation-list record writes against the PDS. It handles session
// authentication and re-authenticates automatically on token expiry.
package xrpc

import (
	"strings"
	"time"
)

// ─── Auth ─────────────────────────────────────────────────────────────────────

// Session holds credentials returned by com.atproto.server.createSession.
type Session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// CreateSessionInput is the request body for com.atproto.server.createSession.
type CreateSessionInput struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// ─── Profile ──────────────────────────────────────────────────────────────────

// Profile is the subset of app.bsky.actor.getProfile(s) the daemon classifies
// on. Description is a pointer because the field may be absent from the
// response, and the word rules treat absent and empty differently.
// CachedAt is never set by the network; the cache stamps it on write.
type Profile struct {
	DID            string    `json:"did"`
	Handle         string    `json:"handle"`
	DisplayName    string    `json:"displayName"`
	Description    *string   `json:"description,omitempty"`
	FollowsCount   int64     `json:"followsCount"`
	FollowersCount int64     `json:"followersCount"`
	CachedAt       time.Time `json:"cachedAt"`
}

// getProfilesResponse is returned by app.bsky.actor.getProfiles.
type getProfilesResponse struct {
	Profiles []*Profile `json:"profiles"`
}

// ─── Record operations ────────────────────────────────────────────────────────

// CreateRecordRequest is the request body for com.atproto.repo.createRecord.
type CreateRecordRequest struct {
	Repo       string      `json:"repo"`
	Collection string      `json:"collection"`
	Record     interface{} `json:"record"`
}

// CreateRecordResponse is returned by com.atproto.repo.createRecord.
type CreateRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// DeleteRecordRequest is the request body for com.atproto.repo.deleteRecord.
type DeleteRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
}

// ListRecord is the lexicon record for app.bsky.graph.list.
type ListRecord struct {
	Type        string `json:"$type"`
	Purpose     string `json:"purpose"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"createdAt"`
}

// ListItemRecord is the lexicon record for app.bsky.graph.listitem.
type ListItemRecord struct {
	Type      string `json:"$type"`
	Subject   string `json:"subject"`
	List      string `json:"list"`
	CreatedAt string `json:"createdAt"`
}

// ─── List views ───────────────────────────────────────────────────────────────

// ListView is one entry from app.bsky.graph.getLists.
type ListView struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// getListsResponse is returned by app.bsky.graph.getLists.
type getListsResponse struct {
	Lists  []ListView `json:"lists"`
	Cursor string     `json:"cursor"`
}

// Member is one membership entry materialized from app.bsky.graph.getList.
// URI identifies the listitem record itself; its record key is what
// deleteRecord needs.
type Member struct {
	DID string
	URI string
}

// getListResponse is returned by app.bsky.graph.getList.
type getListResponse struct {
	Items []struct {
		URI     string `json:"uri"`
		Subject struct {
			DID    string `json:"did"`
			Handle string `json:"handle"`
		} `json:"subject"`
	} `json:"items"`
	Cursor string `json:"cursor"`
}

// RecordKey returns the rkey portion of an AT record URI, the final path
// segment of at://<did>/<collection>/<rkey>.
func RecordKey(uri string) string {
	if i := strings.LastIndex(uri, "/"); i >= 0 {
		return uri[i+1:]
	}
	return uri
}
