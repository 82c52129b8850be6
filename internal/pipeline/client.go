package pipeline

import (
	"context"

	"github.com/jeffb4/bsky-prolific-followers/internal/xrpc"
)

// Client is the remote API surface the resolver stage needs: profile
// lookups plus the membership writes used when scrubbing terminal accounts.
// *xrpc.Client implements it.
type Client interface {
	GetProfile(ctx context.Context, actor string) (*xrpc.Profile, error)
	GetProfiles(ctx context.Context, dids []string) ([]*xrpc.Profile, error)
	CreateMember(ctx context.Context, listURI, did string) (string, error)
	DeleteMember(ctx context.Context, rkey string) error
}

// ListClient is the remote API surface bootstrap needs to find, create, and
// mirror lists. *xrpc.Client implements it.
type ListClient interface {
	ListMyLists(ctx context.Context) ([]xrpc.ListView, error)
	CreateList(ctx context.Context, name, description string) (string, error)
	ListMembers(ctx context.Context, listURI string) ([]xrpc.Member, error)
}
