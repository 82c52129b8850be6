package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeffb4/bsky-prolific-followers/internal/cache"
	"github.com/jeffb4/bsky-prolific-followers/internal/config"
	"github.com/jeffb4/bsky-prolific-followers/internal/firehose"
	"github.com/jeffb4/bsky-prolific-followers/internal/pipeline"
	"github.com/jeffb4/bsky-prolific-followers/internal/registry"
	"github.com/jeffb4/bsky-prolific-followers/internal/server"
	"github.com/jeffb4/bsky-prolific-followers/internal/xrpc"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the moderation daemon",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}
	cmd.Flags().Bool("cache", false, "queue every cached DID for re-evaluation at startup")
	cmd.Flags().Bool("expire-cache", true, "apply the cache freshness window")
	cmd.Flags().Bool("no-expire-cache", false, "treat every cached profile as fresh")
	return cmd
}

// resolverClient routes profile reads through the shared anonymous AppView
// client and record writes through the worker's own authenticated session.
type resolverClient struct {
	*xrpc.Client
	public *xrpc.Client
}

func (c resolverClient) GetProfile(ctx context.Context, actor string) (*xrpc.Profile, error) {
	return c.public.GetProfile(ctx, actor)
}

func (c resolverClient) GetProfiles(ctx context.Context, dids []string) ([]*xrpc.Profile, error) {
	return c.public.GetProfiles(ctx, dids)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}
	if noExpire, _ := cmd.Flags().GetBool("no-expire-cache"); noExpire {
		cfg.CacheExpire = false
	}

	setupLogging(cfg.Verbose)
	slog.Info("starting prolific", "version", version)
	slog.Info("config loaded",
		"database", cfg.DatabaseURL,
		"firehose", cfg.FirehoseHost,
		"lists", len(cfg.Lists),
		"schedulers", cfg.NumSchedulers,
		"resolvers", cfg.NumResolvers,
		"reconcilers", cfg.NumReconcilers,
	)

	creds, err := config.LoadCredentials(cfg.CredentialsFile)
	if err != nil {
		slog.Error("failed to load credentials", "error", err, "path", cfg.CredentialsFile)
		return err
	}

	// ─── Profile cache ────────────────────────────────────────────────────────
	store, err := cache.Open(cfg.DatabaseURL, cfg.CacheLife(), cfg.CacheExpire)
	if err != nil {
		slog.Error("failed to open cache", "error", err, "url", cfg.DatabaseURL)
		return err
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		slog.Error("cache migration failed", "error", err)
		return err
	}

	// ─── List registry ────────────────────────────────────────────────────────
	descriptors, err := cfg.Descriptors()
	if err != nil {
		return err
	}
	reg := registry.New(descriptors)

	// ─── Queues ───────────────────────────────────────────────────────────────
	schedule := pipeline.NewQueue[string]("schedule")
	query := pipeline.NewQueue[string]("query")
	listadd := pipeline.NewQueue[*xrpc.Profile]("listadd")

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Bootstrap ────────────────────────────────────────────────────────────
	boot := xrpc.NewClient(cfg.APIHost, creds.ID, creds.Pass)
	if err := boot.Authenticate(ctx); err != nil {
		slog.Error("authentication failed", "error", err)
		return err
	}

	b := &pipeline.Bootstrap{
		Cache:       store,
		Registry:    reg,
		Client:      boot,
		Schedule:    schedule,
		SeedFile:    cfg.SeedFile,
		RescanCache: cfg.RescanCache,
	}
	if err := b.Run(ctx); err != nil {
		slog.Error("bootstrap failed", "error", err)
		return err
	}

	// ─── Worker pools ─────────────────────────────────────────────────────────
	// The anonymous client is stateless and shared; each writing worker owns
	// its own session so token refreshes never contend.
	public := xrpc.NewPublicClient(cfg.PublicAPIHost)

	scheduler := &pipeline.Scheduler{Cache: store, Schedule: schedule, Query: query, Listadd: listadd}
	resolver := &pipeline.Resolver{Cache: store, Registry: reg, Query: query, Listadd: listadd}
	reconciler := &pipeline.Reconciler{Registry: reg, Listadd: listadd, DefaultDomain: cfg.DefaultDomain}

	pools := []*pipeline.Pool{
		pipeline.NewPool("schedule", cfg.NumSchedulers, scheduler.Run),
		pipeline.NewPool("resolve", cfg.NumResolvers, func(ctx context.Context, id int) {
			client := xrpc.NewClient(cfg.APIHost, creds.ID, creds.Pass)
			if err := client.Authenticate(ctx); err != nil {
				slog.Error("resolver authentication failed", "worker", id, "error", err)
				return
			}
			resolver.Run(ctx, resolverClient{Client: client, public: public}, id)
		}),
		pipeline.NewPool("reconcile", cfg.NumReconcilers, func(ctx context.Context, id int) {
			client := xrpc.NewClient(cfg.APIHost, creds.ID, creds.Pass)
			if err := client.Authenticate(ctx); err != nil {
				slog.Error("reconciler authentication failed", "worker", id, "error", err)
				return
			}
			reconciler.Run(ctx, client, id)
		}),
	}
	for _, p := range pools {
		p.Start(ctx)
	}

	// ─── Firehose ─────────────────────────────────────────────────────────────
	ingest := firehose.New(cfg.FirehoseHost, schedule, store)
	firehoseDone := make(chan struct{})
	go func() {
		defer close(firehoseDone)
		ingest.Run(ctx)
	}()

	// ─── Supervisor ───────────────────────────────────────────────────────────
	sup := &pipeline.Supervisor{
		Pools:     pools,
		Schedule:  schedule,
		Query:     query,
		Listadd:   listadd,
		Watermark: cfg.Watermark(),
	}
	go sup.Run(ctx)

	// ─── Ops server ───────────────────────────────────────────────────────────
	srv := server.New(cfg.OpsListen, store, reg, boot,
		[]server.Depth{schedule, query, listadd}, pools)
	srv.Start(ctx) // blocks until ctx is cancelled

	// ─── Drain ────────────────────────────────────────────────────────────────
	<-firehoseDone
	for _, p := range pools {
		p.Wait()
	}
	schedule.Close()
	query.Close()
	listadd.Close()

	slog.Info("prolific stopped")
	return nil
}
