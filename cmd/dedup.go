package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wxbridge/internal/dedup"
	"github.com/nextlevelbuilder/wxbridge/internal/lockfile"
)

func dedupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Inspect or clear persisted dedup state",
	}
	cmd.AddCommand(dedupStatsCmd())
	cmd.AddCommand(dedupResetCmd())
	return cmd
}

func dedupStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dedup entry count and poll cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStateStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			state, err := st.Load(cmd.Context())
			if err != nil {
				return err
			}
			dd := dedup.New(state, dedup.Options{
				MaxEntries: cfg.Dedup.MaxEntries,
				Window:     cfg.Dedup.WindowDuration(),
			})

			fmt.Printf("  %-12s %s\n", "Location:", st.Location())
			fmt.Printf("  %-12s %d stored, %d live (max %d)\n", "Entries:", len(state.Entries), dd.Len(), dd.MaxEntries())
			if n := len(state.Entries); n > 0 {
				fmt.Printf("  %-12s %s\n", "Oldest:", state.Entries[0].SeenAt.Format(time.RFC3339))
				fmt.Printf("  %-12s %s\n", "Newest:", state.Entries[n-1].SeenAt.Format(time.RFC3339))
			}
			if cur := state.Cursor; cur.IsZero() {
				fmt.Printf("  %-12s (none)\n", "Cursor:")
			} else {
				fmt.Printf("  %-12s size=%d mtime=%s digest=%.12s\n", "Cursor:", cur.Size, cur.ModTime.Format(time.RFC3339), cur.Digest)
			}
			if !state.UpdatedAt.IsZero() {
				fmt.Printf("  %-12s %s\n", "Updated:", state.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func dedupResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget all relayed fingerprints and the poll cursor",
		Long:  "Clears dedup state. Messages still present in the snapshot will be relayed again on the next cycle. Refuses while a relay instance holds the data directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			lock, err := lockfile.Acquire(cfg.DataDir())
			if err != nil {
				return err
			}
			defer lock.Release()

			st, err := openStateStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			state, err := st.Load(cmd.Context())
			if err != nil {
				return err
			}
			dd := dedup.New(state, dedup.Options{MaxEntries: cfg.Dedup.MaxEntries})
			dd.Reset()
			if err := st.Save(cmd.Context(), dd.Snapshot()); err != nil {
				return fmt.Errorf("save reset state: %w", err)
			}
			fmt.Printf("Dedup state reset (%d entries dropped) at %s\n", len(state.Entries), st.Location())
			return nil
		},
	}
}
