package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wxbridge/internal/config"
	"github.com/nextlevelbuilder/wxbridge/pkg/protocol"
)

const statusTimeout = 3 * time.Second

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show relay status (running instance, else persisted state)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := fetchStatus(cmd.Context(), cfg)
			if err != nil {
				st, err = persistedStatus(cmd.Context(), cfg, err)
				if err != nil {
					return err
				}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}

// fetchStatus asks a running instance over the gateway.
func fetchStatus(ctx context.Context, cfg *config.Config) (protocol.Status, error) {
	var st protocol.Status
	if !cfg.Gateway.Enabled {
		return st, fmt.Errorf("gateway disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	url := "http://" + net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)) + protocol.PathStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return st, err
	}
	if cfg.Gateway.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// persistedStatus summarizes the state store when no instance answers.
func persistedStatus(ctx context.Context, cfg *config.Config, cause error) (protocol.Status, error) {
	st := protocol.Status{
		DataDir:             cfg.DataDir(),
		PollIntervalSeconds: cfg.Poll.IntervalSec,
		LastError:           "not running: " + cause.Error(),
		Source:              newSnapshotReader(cfg).Describe(),
	}

	store, err := openStateStore(ctx, cfg)
	if err != nil {
		return st, fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	state, err := store.Load(ctx)
	if err != nil {
		return st, fmt.Errorf("load state from %s: %w", store.Location(), err)
	}
	st.StateLocation = store.Location()
	st.DedupEntries = len(state.Entries)
	if !state.UpdatedAt.IsZero() {
		t := state.UpdatedAt
		st.LastSuccessTime = &t
	}
	return st, nil
}
