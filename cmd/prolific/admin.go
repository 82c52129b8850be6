package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jeffb4/bsky-prolific-followers/internal/config"
	"github.com/jeffb4/bsky-prolific-followers/internal/xrpc"
)

func newRemoveUserCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-user",
		Short: "Remove an account from one moderation list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")
			list, _ := cmd.Flags().GetString("list")
			if user == "" || list == "" {
				return fmt.Errorf("%w: --user and --list are required", errUsage)
			}
			return withClient(cmd, func(ctx context.Context, cfg *config.Config, client *xrpc.Client) error {
				return removeUser(ctx, cfg, client, user, list)
			})
		},
	}
	cmd.Flags().String("user", "", "handle or DID to remove")
	cmd.Flags().String("list", "", "list name")
	return cmd
}

func newDeleteListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-list",
		Short: "Delete a moderation list record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, _ := cmd.Flags().GetString("list")
			if list == "" {
				return fmt.Errorf("%w: --list is required", errUsage)
			}
			return withClient(cmd, func(ctx context.Context, _ *config.Config, client *xrpc.Client) error {
				return deleteList(ctx, client, list)
			})
		},
	}
	cmd.Flags().String("list", "", "list name")
	return cmd
}

// withClient loads configuration and credentials, authenticates, and hands
// fn a ready client.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, client *xrpc.Client) error) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg.Verbose)

	creds, err := config.LoadCredentials(cfg.CredentialsFile)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	client := xrpc.NewClient(cfg.APIHost, creds.ID, creds.Pass)
	if err := client.Authenticate(ctx); err != nil {
		return err
	}
	return fn(ctx, cfg, client)
}

func findList(ctx context.Context, client *xrpc.Client, name string) (*xrpc.ListView, error) {
	lists, err := client.ListMyLists(ctx)
	if err != nil {
		return nil, err
	}
	for _, l := range lists {
		if l.Name == name {
			return &l, nil
		}
	}
	return nil, fmt.Errorf("no list named %q", name)
}

func removeUser(ctx context.Context, cfg *config.Config, client *xrpc.Client, user, listName string) error {
	lv, err := findList(ctx, client, listName)
	if err != nil {
		return err
	}

	public := xrpc.NewPublicClient(cfg.PublicAPIHost)
	profile, err := public.GetProfile(ctx, user)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", user, err)
	}

	members, err := client.ListMembers(ctx, lv.URI)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.DID == profile.DID {
			if err := client.DeleteMember(ctx, xrpc.RecordKey(m.URI)); err != nil {
				return err
			}
			slog.Info("membership removed", "did", profile.DID, "handle", profile.Handle, "list", listName)
			return nil
		}
	}
	return fmt.Errorf("%s is not on list %q", user, listName)
}

func deleteList(ctx context.Context, client *xrpc.Client, listName string) error {
	lv, err := findList(ctx, client, listName)
	if err != nil {
		return err
	}
	if err := client.DeleteList(ctx, xrpc.RecordKey(lv.URI)); err != nil {
		return err
	}
	slog.Info("list deleted", "list", listName, "uri", lv.URI)
	return nil
}
