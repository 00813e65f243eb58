package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/wxbridge/internal/config"
	"github.com/nextlevelbuilder/wxbridge/internal/dedup"
	"github.com/nextlevelbuilder/wxbridge/internal/gateway"
	"github.com/nextlevelbuilder/wxbridge/internal/lockfile"
	mcpbridge "github.com/nextlevelbuilder/wxbridge/internal/mcp"
	"github.com/nextlevelbuilder/wxbridge/internal/metrics"
	"github.com/nextlevelbuilder/wxbridge/internal/poller"
	"github.com/nextlevelbuilder/wxbridge/internal/snapshot"
	"github.com/nextlevelbuilder/wxbridge/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay poller and the local gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lock, err := lockfile.Acquire(cfg.DataDir())
	if err != nil {
		return err
	}
	defer lock.Release()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.WithoutCancel(ctx))

	metrics.Register()

	st, err := openStateStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	state, err := st.Load(ctx)
	if err != nil {
		return fmt.Errorf("load dedup state from %s: %w", st.Location(), err)
	}
	dd := dedup.New(state, dedup.Options{
		MaxEntries: cfg.Dedup.MaxEntries,
		Window:     cfg.Dedup.WindowDuration(),
	})
	slog.Info("dedup state loaded", "entries", dd.Len(), "location", st.Location())

	reader := newSnapshotReader(cfg)
	var wake <-chan struct{}
	if cfg.Source.Watch && cfg.Source.Backend != "adb" {
		if wake, err = snapshot.Watch(ctx, config.ExpandHome(cfg.Source.Path)); err != nil {
			slog.Warn("snapshot watch unavailable, polling only", "error", err)
			wake = nil
		}
	}

	p := poller.New(poller.Config{
		Reader:            reader,
		Targets:           snapshotTargets(cfg),
		Relay:             newWebhook(cfg),
		Dedup:             dd,
		State:             st,
		Interval:          cfg.Poll.Interval(),
		MaxSourceFailures: cfg.Poll.MaxSourceFailures,
		Wake:              wake,
		DataDir:           cfg.DataDir(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })

	if cfg.Gateway.Enabled {
		replies := newReplyGateway(cfg)
		if cfg.Reply.Command == "" {
			slog.Warn("reply.command not set, replies will fail")
		}
		var mcpSrv *server.MCPServer
		if cfg.Gateway.MCP {
			mcpSrv = mcpbridge.NewServer(replies, replies.Allowed(), p.Status, Version)
		}
		srv := gateway.NewServer(cfg.Gateway, p.Status, replies, mcpSrv)
		g.Go(func() error { return srv.Start(gctx) })
	}

	return g.Wait()
}
