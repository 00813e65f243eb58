package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the wxbridge relay.
type Config struct {
	Source    SourceConfig    `json:"source"`
	Targets   []TargetConfig  `json:"targets"`
	Poll      PollConfig      `json:"poll"`
	Dedup     DedupConfig     `json:"dedup"`
	State     StateConfig     `json:"state"`
	Webhook   WebhookConfig   `json:"webhook"`
	Reply     ReplyConfig     `json:"reply"`
	Gateway   GatewayConfig   `json:"gateway"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// SourceConfig locates the snapshot store (the client's MMKV file).
type SourceConfig struct {
	Backend        string    `json:"backend"`                    // "file" (default) or "adb"
	Path           string    `json:"path"`                       // local path (file) or device path (adb)
	Watch          bool      `json:"watch,omitempty"`            // wake the poller on file change (file backend only)
	ReadTimeoutSec int       `json:"read_timeout_sec,omitempty"` // per-read bound (default 30)
	ADB            ADBConfig `json:"adb,omitempty"`
}

// ADBConfig configures the adb bridge used to pull the snapshot from a device or emulator.
type ADBConfig struct {
	Binary string `json:"binary,omitempty"` // adb executable (default "adb")
	Serial string `json:"serial,omitempty"` // device serial, e.g. "127.0.0.1:5555"
}

// TargetConfig is one watched conversation.
// Aliases are the nicknames the store uses for it ("群聊" for a group, for instance).
type TargetConfig struct {
	ID      string   `json:"id"`
	Kind    string   `json:"kind"`              // "group" or "direct"
	Aliases []string `json:"aliases,omitempty"`
	Reply   *bool    `json:"reply,omitempty"`   // allowed as a reply target (default true)
}

// IsGroup reports whether the target is a group chat.
func (t TargetConfig) IsGroup() bool { return t.Kind == "group" }

// ReplyAllowed reports whether the gateway may send to this target.
func (t TargetConfig) ReplyAllowed() bool { return t.Reply == nil || *t.Reply }

// PollConfig controls the polling loop.
type PollConfig struct {
	IntervalSec       float64 `json:"interval_sec"`
	MaxSourceFailures int     `json:"max_source_failures"` // consecutive unreadable cycles before exiting (0 = never)
}

// Interval returns the poll interval as a duration.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSec * float64(time.Second))
}

// DedupConfig bounds the persisted fingerprint set.
type DedupConfig struct {
	MaxEntries int    `json:"max_entries"`
	Window     string `json:"window,omitempty"` // duration string, e.g. "72h"; "" = count bound only
}

// WindowDuration parses Window. Invalid or empty values yield 0.
func (d DedupConfig) WindowDuration() time.Duration {
	if d.Window == "" {
		return 0
	}
	v, err := time.ParseDuration(d.Window)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// StateConfig selects where dedup state and the poll cursor live.
// PostgresDSN is a secret: env WXBRIDGE_POSTGRES_DSN only.
type StateConfig struct {
	Backend     string `json:"backend"` // "file" (default), "sqlite", "postgres"
	DataDir     string `json:"data_dir"`
	PostgresDSN string `json:"-"`
}

// WebhookConfig configures delivery to the assistant.
// Token comes from env WXBRIDGE_WEBHOOK_TOKEN, the config file, or the OS keyring.
type WebhookConfig struct {
	URL        string  `json:"url"`
	Token      string  `json:"token,omitempty"`
	Tag        string  `json:"tag"`
	Mode       string  `json:"mode,omitempty"`
	TimeoutSec int     `json:"timeout_sec"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"` // 0 = unlimited
}

// ReplyConfig configures the external sender command.
type ReplyConfig struct {
	Command       string   `json:"command"`
	Args          []string `json:"args,omitempty"`
	TimeoutSec    int      `json:"timeout_sec"`
	SpoolDir      string   `json:"spool_dir,omitempty"` // default: <data_dir>/spool
	SuccessMarker string   `json:"success_marker"`
}

// GatewayConfig configures the local HTTP listener (status, reply, metrics, MCP).
type GatewayConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"token,omitempty"` // bearer token for /v1/*; env WXBRIDGE_GATEWAY_TOKEN
	MCP     bool   `json:"mcp,omitempty"`   // mount streamable-HTTP MCP at /mcp
}

// TelemetryConfig configures OpenTelemetry OTLP export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`     // skip TLS
	ServiceName string `json:"service_name,omitempty"` // OTEL service name (default "wxbridge")
}

// Target returns the target with the given ID.
func (c *Config) Target(id string) (TargetConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.Targets {
		if t.ID == id {
			return t, true
		}
	}
	return TargetConfig{}, false
}

// DataDir returns the expanded state directory.
func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.State.DataDir)
}

// SpoolDir returns the directory for ephemeral reply requests.
func (c *Config) SpoolDir() string {
	c.mu.RLock()
	dir := c.Reply.SpoolDir
	c.mu.RUnlock()
	if dir != "" {
		return ExpandHome(dir)
	}
	return c.DataDir() + "/spool"
}
