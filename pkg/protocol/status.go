package protocol

import "time"

// Status is the poller's on-demand status snapshot (GET /v1/status).
// The first five fields are the stable public shape; the rest are diagnostics.
type Status struct {
	DataDir             string     `json:"dataDir"`
	PollIntervalSeconds float64    `json:"pollIntervalSeconds"`
	LastPollTime        *time.Time `json:"lastPollTime"`
	ProcessedCount      int64      `json:"processedCount"`
	LastError           string     `json:"lastError"`

	Running             bool       `json:"running"`
	Cycles              int64      `json:"cycles"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	DedupEntries        int        `json:"dedupEntries"`
	AuthFailing         bool       `json:"authFailing"`
	DedupSaturated      bool       `json:"dedupSaturated,omitempty"` // snapshot holds more candidates than dedup.max_entries
	Source              string     `json:"source,omitempty"`
	StateLocation       string     `json:"stateLocation,omitempty"`
	LastSuccessTime     *time.Time `json:"lastSuccessTime,omitempty"`
}
