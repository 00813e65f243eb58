package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/wxbridge/internal/config"
	"github.com/nextlevelbuilder/wxbridge/internal/relay"
	"github.com/nextlevelbuilder/wxbridge/internal/reply"
	"github.com/nextlevelbuilder/wxbridge/internal/snapshot"
	"github.com/nextlevelbuilder/wxbridge/internal/store"
	"github.com/nextlevelbuilder/wxbridge/internal/store/file"
	"github.com/nextlevelbuilder/wxbridge/internal/store/sqlstore"
)

// loadConfig loads, resolves secrets and validates the config.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if src := cfg.ResolveSecrets(); src != "" {
		slog.Debug("webhook token resolved", "source", src)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, nil
}

// openStateStore opens the configured persistence backend.
func openStateStore(ctx context.Context, cfg *config.Config) (store.StateStore, error) {
	switch cfg.State.Backend {
	case "", "file":
		return file.NewStateStore(cfg.DataDir())
	case "sqlite":
		return sqlstore.OpenSQLite(ctx, cfg.DataDir())
	case "postgres":
		return sqlstore.OpenPostgres(ctx, cfg.State.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}

// snapshotReader is a Reader that can also probe its source.
type snapshotReader interface {
	snapshot.Reader
	Check(ctx context.Context) error
}

func newSnapshotReader(cfg *config.Config) snapshotReader {
	src := cfg.Source
	if src.Backend == "adb" {
		timeout := time.Duration(src.ReadTimeoutSec) * time.Second
		return snapshot.NewADBReader(src.ADB.Binary, src.ADB.Serial, src.Path, timeout)
	}
	return snapshot.NewFileReader(config.ExpandHome(src.Path))
}

func snapshotTargets(cfg *config.Config) []snapshot.Target {
	out := make([]snapshot.Target, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		out = append(out, snapshot.Target{ID: t.ID, IsGroup: t.IsGroup(), Aliases: t.Aliases})
	}
	return out
}

func newWebhook(cfg *config.Config) *relay.Webhook {
	wh := cfg.Webhook
	return relay.NewWebhook(relay.Options{
		URL:        wh.URL,
		Token:      wh.Token,
		Tag:        wh.Tag,
		Mode:       wh.Mode,
		Timeout:    time.Duration(wh.TimeoutSec) * time.Second,
		RatePerSec: wh.RatePerSec,
	})
}

// errNoReplyCommand is returned by the sender when reply.command is unset.
var errNoReplyCommand = errors.New("reply.command is not configured")

func newReplyGateway(cfg *config.Config) *reply.Gateway {
	var targets []reply.Target
	for _, t := range cfg.Targets {
		if t.ReplyAllowed() {
			targets = append(targets, reply.Target{ID: t.ID, IsGroup: t.IsGroup()})
		}
	}

	var sender reply.Sender = &reply.ExecSender{Command: cfg.Reply.Command, Args: cfg.Reply.Args}
	if cfg.Reply.Command == "" {
		sender = reply.SenderFunc(func(context.Context, reply.Handoff) (string, error) {
			return "", errNoReplyCommand
		})
	}

	return reply.NewGateway(reply.Options{
		Targets:       targets,
		Sender:        sender,
		SpoolDir:      cfg.SpoolDir(),
		Timeout:       time.Duration(cfg.Reply.TimeoutSec) * time.Second,
		SuccessMarker: cfg.Reply.SuccessMarker,
	})
}
