package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wxbridge/internal/config"
	"github.com/nextlevelbuilder/wxbridge/internal/lockfile"
)

const doctorProbeTimeout = 10 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	fmt.Println("wxbridge doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	tokenSource := cfg.ResolveSecrets()
	if err := cfg.Validate(); err != nil {
		fmt.Println("  Config invalid:")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("    - %s\n", line)
		}
		return
	}

	// Targets
	fmt.Println()
	fmt.Println("  Targets:")
	for _, t := range cfg.Targets {
		reply := "reply"
		if !t.ReplyAllowed() {
			reply = "no reply"
		}
		aliases := ""
		if len(t.Aliases) > 0 {
			aliases = " aliases=" + strings.Join(t.Aliases, ",")
		}
		fmt.Printf("    %-16s %s, %s%s\n", t.ID+":", t.Kind, reply, aliases)
	}

	// Snapshot source
	fmt.Println()
	fmt.Println("  Source:")
	reader := newSnapshotReader(cfg)
	fmt.Printf("    %-12s %s\n", "Location:", reader.Describe())
	if cfg.Source.Backend == "adb" {
		checkBinary(cfg.Source.ADB.Binary)
	}
	probe(ctx, "Readable:", reader.Check)

	// Webhook
	fmt.Println()
	fmt.Println("  Webhook:")
	fmt.Printf("    %-12s %s\n", "URL:", cfg.Webhook.URL)
	if tokenSource == "" {
		fmt.Printf("    %-12s (not configured)\n", "Token:")
	} else {
		fmt.Printf("    %-12s %s (from %s)\n", "Token:", maskSecret(cfg.Webhook.Token), tokenSource)
	}
	probe(ctx, "Reachable:", newWebhook(cfg).Ping)

	// Reply sender
	fmt.Println()
	fmt.Println("  Reply:")
	if cfg.Reply.Command == "" {
		fmt.Printf("    %-12s (not configured, replies will fail)\n", "Command:")
	} else {
		checkBinary(cfg.Reply.Command)
	}
	fmt.Printf("    %-12s %s\n", "Spool:", cfg.SpoolDir())

	// State
	fmt.Println()
	fmt.Println("  State:")
	fmt.Printf("    %-12s %s\n", "Backend:", cfg.State.Backend)
	if st, err := openStateStore(ctx, cfg); err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Store:", err)
	} else {
		if state, err := st.Load(ctx); err != nil {
			fmt.Printf("    %-12s LOAD FAILED (%s)\n", "Store:", err)
		} else {
			fmt.Printf("    %-12s %s (%d entries)\n", "Store:", st.Location(), len(state.Entries))
		}
		st.Close()
	}
	if lock, err := lockfile.Acquire(cfg.DataDir()); err != nil {
		fmt.Printf("    %-12s %s\n", "Lock:", err)
	} else {
		fmt.Printf("    %-12s free\n", "Lock:")
		lock.Release()
	}

	// Gateway
	fmt.Println()
	if cfg.Gateway.Enabled {
		fmt.Printf("  Gateway:  %s:%d (mcp=%v)\n", cfg.Gateway.Host, cfg.Gateway.Port, cfg.Gateway.MCP)
	} else {
		fmt.Println("  Gateway:  disabled")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func probe(ctx context.Context, label string, check func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, doctorProbeTimeout)
	defer cancel()
	if err := check(ctx); err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", label, err)
		return
	}
	fmt.Printf("    %-12s OK\n", label)
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
