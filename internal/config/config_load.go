package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Backend:        "file",
			ReadTimeoutSec: 30,
			ADB: ADBConfig{
				Binary: "adb",
				Serial: "127.0.0.1:5555",
			},
		},
		Poll: PollConfig{
			IntervalSec:       1.0,
			MaxSourceFailures: 60,
		},
		Dedup: DedupConfig{
			MaxEntries: 5000,
		},
		State: StateConfig{
			Backend: "file",
			DataDir: "~/.wxbridge/data",
		},
		Webhook: WebhookConfig{
			URL:        "http://127.0.0.1:18789/hooks/wake",
			Tag:        "微信消息",
			Mode:       "now",
			TimeoutSec: 10,
		},
		Reply: ReplyConfig{
			TimeoutSec:    30,
			SuccessMarker: "SUCCESS",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    18795,
		},
	}
}

// Load reads config from a JSON5 file, then overlays .env and env vars.
// A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// .env next to the config file; existing env vars win.
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, statErr := os.Stat(envPath); statErr == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides overlays WXBRIDGE_* env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) ApplyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("WXBRIDGE_SOURCE_BACKEND", &c.Source.Backend)
	envStr("WXBRIDGE_SOURCE_PATH", &c.Source.Path)
	envStr("WXBRIDGE_ADB_BINARY", &c.Source.ADB.Binary)
	envStr("WXBRIDGE_ADB_SERIAL", &c.Source.ADB.Serial)

	envStr("WXBRIDGE_DATA_DIR", &c.State.DataDir)
	envStr("WXBRIDGE_STATE_BACKEND", &c.State.Backend)
	envStr("WXBRIDGE_POSTGRES_DSN", &c.State.PostgresDSN)

	envStr("WXBRIDGE_WEBHOOK_URL", &c.Webhook.URL)
	envStr("WXBRIDGE_WEBHOOK_TOKEN", &c.Webhook.Token)

	envStr("WXBRIDGE_REPLY_COMMAND", &c.Reply.Command)
	envStr("WXBRIDGE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("WXBRIDGE_HOST", &c.Gateway.Host)
	if v := os.Getenv("WXBRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	if v := os.Getenv("WXBRIDGE_POLL_INTERVAL"); v != "" {
		if sec, err := strconv.ParseFloat(v, 64); err == nil && sec > 0 {
			c.Poll.IntervalSec = sec
		}
	}

	// Telemetry
	envStr("WXBRIDGE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("WXBRIDGE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("WXBRIDGE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("WXBRIDGE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("WXBRIDGE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// MinDedupEntries is the smallest accepted dedup.max_entries. The bound must
// exceed the number of watched records a snapshot can hold at once.
const MinDedupEntries = 100

// Validate reports configuration errors that make the relay unusable.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if len(c.Targets) == 0 {
		errs = append(errs, errors.New("targets: at least one watched target is required"))
	}
	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		id := strings.TrimSpace(t.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("targets[%d]: id is required", i))
		case seen[id]:
			errs = append(errs, fmt.Errorf("targets[%d]: duplicate id %q", i, id))
		}
		seen[id] = true
		if t.Kind != "group" && t.Kind != "direct" {
			errs = append(errs, fmt.Errorf("targets[%d]: kind must be \"group\" or \"direct\", got %q", i, t.Kind))
		}
	}
	if c.Source.Path == "" {
		errs = append(errs, errors.New("source.path is required"))
	}
	if c.Source.Backend != "file" && c.Source.Backend != "adb" {
		errs = append(errs, fmt.Errorf("source.backend: unsupported %q", c.Source.Backend))
	}
	if c.Poll.IntervalSec <= 0 {
		errs = append(errs, errors.New("poll.interval_sec must be positive"))
	}
	if c.Webhook.URL == "" {
		errs = append(errs, errors.New("webhook.url is required"))
	}
	if c.Webhook.Token == "" {
		errs = append(errs, errors.New("webhook.token is required (WXBRIDGE_WEBHOOK_TOKEN, config file, or `wxbridge token set`)"))
	}
	if c.Dedup.MaxEntries != 0 && c.Dedup.MaxEntries < MinDedupEntries {
		errs = append(errs, fmt.Errorf("dedup.max_entries must be 0 (default) or at least %d, got %d", MinDedupEntries, c.Dedup.MaxEntries))
	}
	if c.Dedup.Window != "" && c.Dedup.WindowDuration() == 0 {
		errs = append(errs, fmt.Errorf("dedup.window: invalid duration %q", c.Dedup.Window))
	}
	switch c.State.Backend {
	case "file", "sqlite":
	case "postgres":
		if c.State.PostgresDSN == "" {
			errs = append(errs, errors.New("state.backend postgres requires WXBRIDGE_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("state.backend: unsupported %q", c.State.Backend))
	}
	return errors.Join(errs...)
}

// Save writes the config to a JSON file. Secrets are never persisted.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	cp := Config{
		Source:    cfg.Source,
		Targets:   append([]TargetConfig(nil), cfg.Targets...),
		Poll:      cfg.Poll,
		Dedup:     cfg.Dedup,
		State:     cfg.State,
		Webhook:   cfg.Webhook,
		Reply:     cfg.Reply,
		Gateway:   cfg.Gateway,
		Telemetry: cfg.Telemetry,
	}
	cfg.mu.RUnlock()

	cp.Webhook.Token = ""
	cp.Gateway.Token = ""

	data, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
