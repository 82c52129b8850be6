package xrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultPDSHost = "https://bsky.social"
	userAgent      = "prolific/1.0 (https://github.com/jeffb4/bsky-prolific-followers)"

	collectionList     = "app.bsky.graph.list"
	collectionListItem = "app.bsky.graph.listitem"
	modlistPurpose     = "app.bsky.graph.defs#modlist"

	// MaxProfileBatch is the hard limit app.bsky.actor.getProfiles imposes
	// on the number of actors per call.
	MaxProfileBatch = 25

	pageLimit = 100
)

// defaultMaxRetries bounds the backoff schedule for transient failures.
const defaultMaxRetries = 4

// Client is a thin XRPC HTTP client. An authenticated client (credentials
// set) re-authenticates transparently when the server rejects its token; an
// anonymous client surfaces auth errors as-is. Transient failures (5xx, 429,
// transport errors) are retried with bounded exponential backoff.
type Client struct {
	Host        string
	Identifier  string
	AppPassword string

	mu      sync.Mutex
	session *Session
	http    *http.Client
}

// NewClient creates an authenticated XRPC client for the given PDS host.
// An empty host selects the default PDS.
func NewClient(host, identifier, appPassword string) *Client {
	if host == "" {
		host = defaultPDSHost
	}
	return &Client{
		Host:        host,
		Identifier:  identifier,
		AppPassword: appPassword,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// NewPublicClient creates an anonymous client for public read endpoints.
// Safe to share across workers; it holds no session state.
func NewPublicClient(host string) *Client {
	return &Client{
		Host: host,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Authenticate creates a new session via com.atproto.server.createSession.
// Must be called before any write operation.
func (c *Client) Authenticate(ctx context.Context) error {
	input := CreateSessionInput{
		Identifier: c.Identifier,
		Password:   c.AppPassword,
	}
	var session Session
	err := c.withRetry(ctx, func() error {
		return c.doPost(ctx, "com.atproto.server.createSession", input, &session, false)
	})
	if err != nil {
		return fmt.Errorf("xrpc authenticate: %w", err)
	}
	c.mu.Lock()
	c.session = &session
	c.mu.Unlock()
	slog.Info("xrpc authenticated", "did", session.DID, "handle", session.Handle)
	return nil
}

// ─── Profile reads ────────────────────────────────────────────────────────────

// GetProfile fetches a single profile via app.bsky.actor.getProfile.
// The actor may be a DID or a handle.
func (c *Client) GetProfile(ctx context.Context, actor string) (*Profile, error) {
	params := url.Values{}
	params.Set("actor", actor)
	var resp Profile
	if err := c.authedGet(ctx, "app.bsky.actor.getProfile", params, &resp); err != nil {
		return nil, fmt.Errorf("xrpc getProfile: %w", err)
	}
	return &resp, nil
}

// GetProfiles fetches up to MaxProfileBatch profiles in one call via
// app.bsky.actor.getProfiles. Oversized batches are rejected locally.
// Actors the server cannot resolve are omitted from the result, not errored.
func (c *Client) GetProfiles(ctx context.Context, dids []string) ([]*Profile, error) {
	if len(dids) > MaxProfileBatch {
		return nil, fmt.Errorf("xrpc getProfiles: batch of %d exceeds limit of %d", len(dids), MaxProfileBatch)
	}
	if len(dids) == 0 {
		return nil, nil
	}
	params := url.Values{}
	for _, did := range dids {
		params.Add("actors", did)
	}
	var resp getProfilesResponse
	if err := c.authedGet(ctx, "app.bsky.actor.getProfiles", params, &resp); err != nil {
		return nil, fmt.Errorf("xrpc getProfiles: %w", err)
	}
	return resp.Profiles, nil
}

// ─── List operations ──────────────────────────────────────────────────────────

// CreateList creates a moderation list record and returns its URI.
func (c *Client) CreateList(ctx context.Context, name, description string) (string, error) {
	req := CreateRecordRequest{
		Repo:       c.DID(),
		Collection: collectionList,
		Record: ListRecord{
			Type:        collectionList,
			Purpose:     modlistPurpose,
			Name:        name,
			Description: description,
			CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		},
	}
	var resp CreateRecordResponse
	if err := c.authedPost(ctx, "com.atproto.repo.createRecord", req, &resp); err != nil {
		return "", fmt.Errorf("xrpc createList: %w", err)
	}
	return resp.URI, nil
}

// ListMyLists returns every list owned by the authenticated account, paging
// through app.bsky.graph.getLists until exhausted.
func (c *Client) ListMyLists(ctx context.Context) ([]ListView, error) {
	actor := c.DID()
	if actor == "" {
		return nil, errors.New("xrpc listMyLists: not authenticated")
	}
	var lists []ListView
	cursor := ""
	for {
		params := url.Values{}
		params.Set("actor", actor)
		params.Set("limit", strconv.Itoa(pageLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var resp getListsResponse
		if err := c.authedGet(ctx, "app.bsky.graph.getLists", params, &resp); err != nil {
			return nil, fmt.Errorf("xrpc getLists: %w", err)
		}
		lists = append(lists, resp.Lists...)
		if resp.Cursor == "" || len(resp.Lists) == 0 {
			break
		}
		cursor = resp.Cursor
	}
	return lists, nil
}

// ListMembers returns the full membership of a list, paging through
// app.bsky.graph.getList until exhausted.
func (c *Client) ListMembers(ctx context.Context, listURI string) ([]Member, error) {
	var members []Member
	cursor := ""
	for {
		params := url.Values{}
		params.Set("list", listURI)
		params.Set("limit", strconv.Itoa(pageLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var resp getListResponse
		if err := c.authedGet(ctx, "app.bsky.graph.getList", params, &resp); err != nil {
			return nil, fmt.Errorf("xrpc getList: %w", err)
		}
		for _, item := range resp.Items {
			members = append(members, Member{DID: item.Subject.DID, URI: item.URI})
		}
		if resp.Cursor == "" || len(resp.Items) == 0 {
			break
		}
		cursor = resp.Cursor
	}
	return members, nil
}

// CreateMember adds a DID to a list and returns the membership entry's URI.
func (c *Client) CreateMember(ctx context.Context, listURI, did string) (string, error) {
	req := CreateRecordRequest{
		Repo:       c.DID(),
		Collection: collectionListItem,
		Record: ListItemRecord{
			Type:      collectionListItem,
			Subject:   did,
			List:      listURI,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		},
	}
	var resp CreateRecordResponse
	if err := c.authedPost(ctx, "com.atproto.repo.createRecord", req, &resp); err != nil {
		return "", fmt.Errorf("xrpc createMember: %w", err)
	}
	return resp.URI, nil
}

// DeleteMember deletes a membership entry by its record key.
func (c *Client) DeleteMember(ctx context.Context, rkey string) error {
	req := DeleteRecordRequest{
		Repo:       c.DID(),
		Collection: collectionListItem,
		RKey:       rkey,
	}
	if err := c.authedPost(ctx, "com.atproto.repo.deleteRecord", req, nil); err != nil {
		return fmt.Errorf("xrpc deleteMember: %w", err)
	}
	return nil
}

// DeleteList deletes a list record by its record key. Membership entries are
// orphaned server-side; the network garbage-collects them.
func (c *Client) DeleteList(ctx context.Context, rkey string) error {
	req := DeleteRecordRequest{
		Repo:       c.DID(),
		Collection: collectionList,
		RKey:       rkey,
	}
	if err := c.authedPost(ctx, "com.atproto.repo.deleteRecord", req, nil); err != nil {
		return fmt.Errorf("xrpc deleteList: %w", err)
	}
	return nil
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

// authedPost performs an XRPC POST with retry, re-authenticating once when
// the token has expired. Anonymous clients skip the re-auth path.
func (c *Client) authedPost(ctx context.Context, method string, body, out interface{}) error {
	err := c.withRetry(ctx, func() error {
		return c.doPost(ctx, method, body, out, true)
	})
	if IsAuthExpired(err) && c.AppPassword != "" {
		slog.Warn("xrpc token expired, re-authenticating")
		if authErr := c.Authenticate(ctx); authErr != nil {
			return fmt.Errorf("re-authenticate: %w", authErr)
		}
		err = c.withRetry(ctx, func() error {
			return c.doPost(ctx, method, body, out, true)
		})
	}
	return err
}

// authedGet performs an XRPC GET with retry, re-authenticating once when
// the token has expired. Anonymous clients send no Authorization header.
func (c *Client) authedGet(ctx context.Context, method string, params url.Values, out interface{}) error {
	err := c.withRetry(ctx, func() error {
		return c.doGet(ctx, method, params, out)
	})
	if IsAuthExpired(err) && c.AppPassword != "" {
		slog.Warn("xrpc token expired, re-authenticating")
		if authErr := c.Authenticate(ctx); authErr != nil {
			return fmt.Errorf("re-authenticate: %w", authErr)
		}
		err = c.withRetry(ctx, func() error {
			return c.doGet(ctx, method, params, out)
		})
	}
	return err
}

// withRetry runs call under a bounded exponential backoff. Auth expiry and
// client errors stop the schedule immediately; transient errors retry.
func (c *Client) withRetry(ctx context.Context, call func() error) error {
	op := func() error {
		err := call()
		switch {
		case err == nil:
			return nil
		case IsAuthExpired(err):
			return backoff.Permanent(err)
		case IsTransient(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		slog.Debug("xrpc retrying", "error", err, "wait", wait)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), defaultMaxRetries), ctx)
	return backoff.RetryNotify(op, bo, notify)
}

func (c *Client) doGet(ctx context.Context, method string, params url.Values, out interface{}) error {
	rawURL := c.Host + "/xrpc/" + method
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create GET request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if auth := c.authHeader(); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	return c.doRequest(req, out)
}

func (c *Client) doPost(ctx context.Context, method string, body, out interface{}, authed bool) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	rawURL := c.Host + "/xrpc/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if authed {
		if auth := c.authHeader(); auth != "" {
			req.Header.Set("Authorization", auth)
		}
	}

	return c.doRequest(req, out)
}

func (c *Client) doRequest(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return errAuthExpired
	}
	if resp.StatusCode >= 400 {
		xe := &Error{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, xe); err != nil || (xe.Code == "" && xe.Message == "") {
			xe.Message = strings.TrimSpace(string(respBody))
		}
		if xe.Code == "ExpiredToken" {
			return errAuthExpired
		}
		return xe
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// authHeader returns the Bearer token header value from the current session.
func (c *Client) authHeader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return "Bearer " + c.session.AccessJwt
}

// DID returns the authenticated account's DID, or empty when anonymous.
func (c *Client) DID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.DID
}

// Handle returns the authenticated account's handle, or empty when anonymous.
func (c *Client) Handle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.Handle
}
