package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nextlevelbuilder/wxbridge/internal/config"
)

func onboardCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write a starter config (interactive, or from WXBRIDGE_* env vars)",
		Long: "Interactive setup of source, targets, webhook and state backend.\n" +
			"With WXBRIDGE_SOURCE_PATH and WXBRIDGE_TARGETS set, or without a terminal, runs non-interactively.\n" +
			"WXBRIDGE_TARGETS is a comma-separated list of id:kind[:alias|alias], e.g. \"group_with_AI:group:群聊,Mwu！:direct\".",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			if canAutoOnboard() || !term.IsTerminal(int(os.Stdin.Fd())) {
				return runAutoOnboard(cmd.Context(), cfgPath)
			}
			return runInteractiveOnboard(cmd.Context(), cfgPath)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// canAutoOnboard reports whether env vars carry enough for a non-interactive setup.
func canAutoOnboard() bool {
	return os.Getenv("WXBRIDGE_SOURCE_PATH") != "" && os.Getenv("WXBRIDGE_TARGETS") != ""
}

// runAutoOnboard builds the config from defaults plus WXBRIDGE_* env vars.
// The webhook token must come from WXBRIDGE_WEBHOOK_TOKEN and is never written.
func runAutoOnboard(ctx context.Context, cfgPath string) error {
	fmt.Println("Auto-onboard: building config from environment...")

	cfg := onboardBase()
	if err := setTargets(cfg, os.Getenv("WXBRIDGE_TARGETS")); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("auto-onboard: %w", err)
	}
	return finishOnboard(ctx, cfgPath, cfg)
}

func runInteractiveOnboard(ctx context.Context, cfgPath string) error {
	cfg := onboardBase()
	var (
		targets    = os.Getenv("WXBRIDGE_TARGETS")
		token      string
		storeToken = true
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Snapshot source").
				Options(
					huh.NewOption("Local file", "file"),
					huh.NewOption("Device over adb", "adb"),
				).
				Value(&cfg.Source.Backend),
			huh.NewInput().
				Title("Snapshot path").
				Description("Local path, or the path on the device for adb").
				Value(&cfg.Source.Path).
				Validate(nonEmpty("path")),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("adb device serial").
				Value(&cfg.Source.ADB.Serial).
				Validate(nonEmpty("serial")),
		).WithHideFunc(func() bool { return cfg.Source.Backend != "adb" }),
		huh.NewGroup(
			huh.NewInput().
				Title("Watched targets").
				Description("id:kind[:alias|alias], comma-separated (kind is group or direct)").
				Placeholder("group_with_AI:group:群聊,Mwu！:direct").
				Value(&targets).
				Validate(func(s string) error {
					_, err := parseTargets(s)
					return err
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Webhook URL").
				Value(&cfg.Webhook.URL).
				Validate(nonEmpty("webhook URL")),
			huh.NewInput().
				Title("Webhook token").
				EchoMode(huh.EchoModePassword).
				Value(&token).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" && cfg.Webhook.Token == "" && config.LookupSecret(config.KeyringWebhookToken) == "" {
						return errors.New("token is required")
					}
					return nil
				}),
			huh.NewConfirm().
				Title("Store the token in the OS keyring?").
				Value(&storeToken),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("State backend").
				Options(
					huh.NewOption("JSON file", "file"),
					huh.NewOption("SQLite", "sqlite"),
					huh.NewOption("Postgres (DSN from WXBRIDGE_POSTGRES_DSN)", "postgres"),
				).
				Value(&cfg.State.Backend),
			huh.NewInput().
				Title("Data directory").
				Value(&cfg.State.DataDir).
				Validate(nonEmpty("data directory")),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Onboard cancelled.")
			return nil
		}
		return err
	}

	if err := setTargets(cfg, targets); err != nil {
		return err
	}
	if tok := strings.TrimSpace(token); tok != "" {
		cfg.Webhook.Token = tok
		if storeToken {
			if err := config.StoreSecret(config.KeyringWebhookToken, tok); err != nil {
				fmt.Printf("  Keyring unavailable (%v); export WXBRIDGE_WEBHOOK_TOKEN instead.\n", err)
			} else {
				fmt.Println("  Webhook token stored in OS keyring.")
			}
		}
	} else {
		cfg.ResolveSecrets()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return finishOnboard(ctx, cfgPath, cfg)
}

// onboardBase is the defaults plus env overrides. An existing file is ignored.
func onboardBase() *config.Config {
	cfg := config.Default()
	cfg.ApplyEnvOverrides()
	return cfg
}

// finishOnboard writes the config and prepares the state backend.
func finishOnboard(ctx context.Context, cfgPath string, cfg *config.Config) error {
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("  Config:  %s\n", cfgPath)
	fmt.Printf("  Source:  %s %s\n", cfg.Source.Backend, cfg.Source.Path)
	for _, t := range cfg.Targets {
		fmt.Printf("  Target:  %s (%s)\n", t.ID, t.Kind)
	}

	st, err := openStateStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("prepare %s state: %w", cfg.State.Backend, err)
	}
	fmt.Printf("  State:   %s\n", st.Location())
	st.Close()

	fmt.Println("Done. Start with: wxbridge serve")
	return nil
}

// setTargets replaces cfg.Targets with the parsed spec, rejecting repeated ids.
func setTargets(cfg *config.Config, spec string) error {
	parsed, err := parseTargets(spec)
	if err != nil {
		return err
	}
	cfg.Targets = nil
	for _, t := range parsed {
		if _, dup := cfg.Target(t.ID); dup {
			return fmt.Errorf("target %q listed twice", t.ID)
		}
		cfg.Targets = append(cfg.Targets, t)
	}
	return nil
}

// parseTargets parses "id:kind[:alias|alias],...".
func parseTargets(spec string) ([]config.TargetConfig, error) {
	var out []config.TargetConfig
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("target %q: want id:kind", item)
		}
		t := config.TargetConfig{ID: strings.TrimSpace(parts[0]), Kind: strings.TrimSpace(parts[1])}
		if t.ID == "" {
			return nil, fmt.Errorf("target %q: empty id", item)
		}
		if t.Kind != "group" && t.Kind != "direct" {
			return nil, fmt.Errorf("target %q: kind must be group or direct", item)
		}
		if len(parts) == 3 {
			for _, a := range strings.Split(parts[2], "|") {
				if a = strings.TrimSpace(a); a != "" {
					t.Aliases = append(t.Aliases, a)
				}
			}
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one target is required")
	}
	return out, nil
}

func nonEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}
