// Package poller drives the relay cycle: read the snapshot, parse records,
// drop duplicates, deliver the rest, then persist dedup state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/wxbridge/internal/bus"
	"github.com/nextlevelbuilder/wxbridge/internal/dedup"
	"github.com/nextlevelbuilder/wxbridge/internal/metrics"
	"github.com/nextlevelbuilder/wxbridge/internal/relay"
	"github.com/nextlevelbuilder/wxbridge/internal/snapshot"
	"github.com/nextlevelbuilder/wxbridge/internal/store"
	"github.com/nextlevelbuilder/wxbridge/internal/tracing"
	"github.com/nextlevelbuilder/wxbridge/pkg/protocol"
)

// ErrSourceExhausted is returned by Run after too many consecutive unreadable cycles.
var ErrSourceExhausted = errors.New("snapshot source unavailable for too many consecutive cycles")

const DefaultInterval = time.Second

// Config wires a Poller.
type Config struct {
	Reader  snapshot.Reader
	Targets []snapshot.Target
	Relay   relay.Deliverer
	Dedup   *dedup.Deduplicator
	State   store.StateStore

	Interval          time.Duration
	MaxSourceFailures int             // 0 = never give up
	Wake              <-chan struct{} // optional early wake-up (snapshot changed)
	DataDir           string
	Now               func() time.Time
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Changed    bool // snapshot differed from the committed cursor
	Candidates int  // records for watched targets
	Skipped    int  // undecodable records
	Duplicates int  // already relayed, or repeated within the cycle
	Relayed    int
	Failed     int
	Saved      bool
}

// Poller runs cycles one at a time. It is the only writer of dedup state.
type Poller struct {
	cfg     Config
	cycleMu sync.Mutex // serializes cycles

	mu          sync.RWMutex
	running     bool
	lastPoll    time.Time
	lastSuccess time.Time
	processed   int64
	cycles      int64
	lastErr     string
	failures    int
	authFailing bool
	saturated   bool
	dedupLen    int
	needSave    bool
}

func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Poller{cfg: cfg, dedupLen: cfg.Dedup.Len()}
}

// Run loops until ctx is done. It returns nil on cancellation and
// ErrSourceExhausted when the source stays unreadable for MaxSourceFailures cycles.
func (p *Poller) Run(ctx context.Context) error {
	p.setRunning(true)
	defer p.setRunning(false)

	slog.Info("poller started", "source", p.cfg.Reader.Describe(), "interval", p.cfg.Interval,
		"targets", len(p.cfg.Targets), "state", p.cfg.State.Location())

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	wake := p.cfg.Wake

	for {
		_, err := p.RunOnce(ctx)
		if ctx.Err() != nil {
			slog.Info("poller stopped")
			return nil
		}
		if err != nil && errors.Is(err, snapshot.ErrSourceUnavailable) {
			n := p.consecutiveFailures()
			if limit := p.cfg.MaxSourceFailures; limit > 0 && n >= limit {
				slog.Error("poller.source_exhausted", "failures", n, "error", err)
				return fmt.Errorf("%w (%d): %v", ErrSourceExhausted, n, err)
			}
		}

		select {
		case <-ctx.Done():
			slog.Info("poller stopped")
			return nil
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}

// RunOnce performs one full cycle. It returns an error only when the snapshot
// could not be read; delivery failures are counted in the result and status.
func (p *Poller) RunOnce(ctx context.Context) (res CycleResult, err error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	ctx, span := tracing.Tracer().Start(ctx, "poller.cycle")
	defer func() {
		span.SetAttributes(
			attribute.Int("wx.candidates", res.Candidates),
			attribute.Int("wx.relayed", res.Relayed),
			attribute.Int("wx.failed", res.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	metrics.Cycles.Inc()
	now := p.cfg.Now()
	d := p.cfg.Dedup

	snap, err := p.cfg.Reader.Read(ctx)
	if err != nil {
		metrics.SourceErrors.Inc()
		p.recordSourceFailure(now, err)
		slog.Warn("poller.source_unavailable", "source", p.cfg.Reader.Describe(), "failures", p.consecutiveFailures(), "error", err)
		return res, err
	}

	recs, cursor, changed := snapshot.Extract(snap, p.cfg.Targets, d.Cursor())
	res.Changed = changed
	res.Candidates = len(recs)
	// Past the count bound, commits evict fingerprints still in the snapshot,
	// and those messages are relayed again on the next snapshot change.
	saturated := len(recs) > d.MaxEntries()
	if saturated {
		slog.Warn("poller.dedup_saturated", "candidates", len(recs), "max_entries", d.MaxEntries())
	}

	msgs, skipped := snapshot.ParseAll(recs, now)
	res.Skipped = len(skipped)
	if len(skipped) > 0 {
		metrics.DecodeErrors.Add(float64(len(skipped)))
		for _, e := range skipped {
			slog.Debug("poller.record_skipped", "error", e)
		}
	}

	var lastErr error
	authFailed, delivered := false, false
	attempted := make(map[string]bool, len(msgs))
	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		fp := dedup.Fingerprint(msg)
		if attempted[fp] || !d.IsNovel(msg) {
			res.Duplicates++
			continue
		}
		attempted[fp] = true

		if err := p.cfg.Relay.Deliver(ctx, msg); err != nil {
			res.Failed++
			lastErr = err
			if errors.Is(err, relay.ErrAuth) {
				authFailed = true
			}
			slog.Warn("poller.relay_failed", "target", msg.Target, "sender", msg.Sender,
				"preview", bus.Preview(msg.Content, 40), "error", err)
			continue
		}
		d.CommitSeen(msg)
		res.Relayed++
		delivered = true
		slog.Info("poller.relayed", "target", msg.Target, "sender", msg.Sender, "preview", bus.Preview(msg.Content, 40))
	}
	metrics.Duplicates.Add(float64(res.Duplicates))

	// Advance only when nothing is left to retry in this generation.
	if changed && res.Failed == 0 && ctx.Err() == nil {
		d.SetCursor(cursor)
	}
	pruned := d.Prune()

	p.mu.Lock()
	if changed || res.Relayed > 0 || pruned > 0 {
		p.needSave = true
	}
	needSave := p.needSave
	p.mu.Unlock()

	var saveErr error
	if needSave {
		if saveErr = p.cfg.State.Save(context.WithoutCancel(ctx), d.Snapshot()); saveErr != nil {
			slog.Error("poller.state_save_failed", "location", p.cfg.State.Location(), "error", saveErr)
		} else {
			res.Saved = true
		}
	}
	metrics.DedupEntries.Set(float64(d.Len()))

	p.mu.Lock()
	p.lastPoll = now
	p.cycles++
	p.failures = 0
	p.processed += int64(res.Relayed)
	p.dedupLen = d.Len()
	if changed {
		p.saturated = saturated
	}
	p.needSave = saveErr != nil
	switch {
	case authFailed:
		p.authFailing = true
	case delivered:
		p.authFailing = false
	}
	switch {
	case lastErr != nil:
		p.lastErr = lastErr.Error()
	case saveErr != nil:
		p.lastErr = "save state: " + saveErr.Error()
	case res.Failed == 0:
		p.lastErr = ""
		p.lastSuccess = now
	}
	p.mu.Unlock()

	if res.Relayed > 0 || res.Failed > 0 || res.Skipped > 0 {
		slog.Info("poller.cycle", "candidates", res.Candidates, "relayed", res.Relayed,
			"duplicates", res.Duplicates, "failed", res.Failed, "skipped", res.Skipped)
	}
	return res, nil
}

func (p *Poller) recordSourceFailure(now time.Time, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPoll = now
	p.cycles++
	p.failures++
	p.lastErr = err.Error()
}

func (p *Poller) consecutiveFailures() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failures
}

func (p *Poller) setRunning(v bool) {
	p.mu.Lock()
	p.running = v
	p.mu.Unlock()
}

// Status returns a point-in-time status snapshot. Safe to call from any goroutine.
func (p *Poller) Status() protocol.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := protocol.Status{
		DataDir:             p.cfg.DataDir,
		PollIntervalSeconds: p.cfg.Interval.Seconds(),
		ProcessedCount:      p.processed,
		LastError:           p.lastErr,
		Running:             p.running,
		Cycles:              p.cycles,
		ConsecutiveFailures: p.failures,
		DedupEntries:        p.dedupLen,
		AuthFailing:         p.authFailing,
		DedupSaturated:      p.saturated,
		Source:              p.cfg.Reader.Describe(),
		StateLocation:       p.cfg.State.Location(),
	}
	if !p.lastPoll.IsZero() {
		t := p.lastPoll
		st.LastPollTime = &t
	}
	if !p.lastSuccess.IsZero() {
		t := p.lastSuccess
		st.LastSuccessTime = &t
	}
	return st
}
