// Package reply sends assistant messages back into a watched conversation
// through an external sender.
//
// A call stages a request file, invokes the sender under a timeout, reads the
// success marker from its output and removes the request file on every path.
// Calls are independent and may run concurrently; they never touch dedup state.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/wxbridge/internal/bus"
	"github.com/nextlevelbuilder/wxbridge/internal/metrics"
	"github.com/nextlevelbuilder/wxbridge/internal/tracing"
)

var (
	ErrUnknownTarget = errors.New("unknown reply target")
	ErrEmptyContent  = errors.New("empty reply content")
	ErrTimeout       = errors.New("reply sender timed out")
	ErrSendFailed    = errors.New("reply send failed")
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultSuccessMarker = "SUCCESS"

	maxDetail = 200
)

// Handoff is what a Sender receives: the request and the staged file holding it.
type Handoff struct {
	Request bus.ReplyRequest
	Path    string
}

// Sender performs the physical send. It returns the sender's standard output,
// which must contain the success marker when delivery worked.
type Sender interface {
	Send(ctx context.Context, h Handoff) (string, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, h Handoff) (string, error)

func (f SenderFunc) Send(ctx context.Context, h Handoff) (string, error) { return f(ctx, h) }

// Target is an allowed reply destination.
type Target struct {
	ID      string
	IsGroup bool
}

// Options configures a Gateway.
type Options struct {
	Targets       []Target
	Sender        Sender
	SpoolDir      string
	Timeout       time.Duration
	SuccessMarker string
}

// Gateway validates reply requests and drives the sender.
type Gateway struct {
	targets map[string]Target
	allowed []string
	sender  Sender
	spool   spool
	timeout time.Duration
	marker  string
}

func NewGateway(opts Options) *Gateway {
	g := &Gateway{
		targets: make(map[string]Target, len(opts.Targets)),
		sender:  opts.Sender,
		spool:   spool{dir: opts.SpoolDir},
		timeout: opts.Timeout,
		marker:  opts.SuccessMarker,
	}
	for _, t := range opts.Targets {
		if _, dup := g.targets[t.ID]; !dup {
			g.allowed = append(g.allowed, t.ID)
		}
		g.targets[t.ID] = t
	}
	sort.Strings(g.allowed)
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.marker == "" {
		g.marker = DefaultSuccessMarker
	}
	return g
}

// Allowed returns the allowed target IDs, sorted.
func (g *Gateway) Allowed() []string {
	return append([]string(nil), g.allowed...)
}

// Send delivers content to target. It always returns a result and never panics.
func (g *Gateway) Send(ctx context.Context, target, content string) (res *Result) {
	ctx, span := tracing.Tracer().Start(ctx, "reply.send", trace.WithAttributes(attribute.String("wx.target", target)))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("reply.panic", "target", target, "panic", r)
			res = ErrorResult(fmt.Sprintf("send to %s failed: internal error", target)).WithError(ErrSendFailed)
		}
		outcome := "ok"
		switch {
		case errors.Is(res.Err, ErrUnknownTarget), errors.Is(res.Err, ErrEmptyContent):
			outcome = "rejected"
		case errors.Is(res.Err, ErrTimeout):
			outcome = "timeout"
		case res.IsError:
			outcome = "failed"
		}
		metrics.Replies.WithLabelValues(outcome).Inc()
		span.SetAttributes(attribute.String("wx.outcome", outcome))
		span.End()
		slog.Info("reply.done", "target", target, "outcome", outcome, "duration_ms", time.Since(start).Milliseconds())
	}()

	t, ok := g.targets[target]
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown target %q (allowed: %s)", target, strings.Join(g.allowed, ", "))).
			WithError(ErrUnknownTarget)
	}
	if strings.TrimSpace(content) == "" {
		return ErrorResult("content is required").WithError(ErrEmptyContent)
	}
	if g.sender == nil {
		return ErrorResult(fmt.Sprintf("send to %s failed: no sender configured", target)).WithError(ErrSendFailed)
	}

	req := bus.ReplyRequest{Target: t.ID, Content: content, IsGroup: t.IsGroup}
	path, err := g.spool.write(req)
	if err != nil {
		slog.Error("reply.spool_failed", "target", target, "error", err)
		return ErrorResult(fmt.Sprintf("send to %s failed: could not stage request", target)).WithError(ErrSendFailed)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("reply.cleanup_failed", "path", path, "error", err)
		}
	}()

	out, err := g.invoke(ctx, Handoff{Request: req, Path: path})
	switch {
	case errors.Is(err, ErrTimeout):
		return ErrorResult(fmt.Sprintf("send to %s failed: timed out after %s", target, g.timeout)).WithError(err)
	case err != nil:
		return ErrorResult(fmt.Sprintf("send to %s failed: %s", target, detail(err.Error()))).WithError(fmt.Errorf("%w: %v", ErrSendFailed, err))
	case !strings.Contains(out, g.marker):
		return ErrorResult(fmt.Sprintf("send to %s failed: %s", target, detail(out))).WithError(ErrSendFailed)
	}
	slog.Info("reply.sent", "target", target, "preview", bus.Preview(content, 40))
	return NewResult(fmt.Sprintf("sent to %s", target))
}

type sendOutcome struct {
	out string
	err error
}

// invoke runs the sender under the gateway timeout. A sender that ignores its
// context is abandoned at the deadline and the outcome counts as a timeout.
func (g *Gateway) invoke(ctx context.Context, h Handoff) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan sendOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- sendOutcome{err: fmt.Errorf("sender panic: %v", r)}
			}
		}()
		out, err := g.sender.Send(ctx, h)
		done <- sendOutcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return o.out, ErrTimeout
		}
		return o.out, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", ctx.Err()
	}
}

func detail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "no success marker in sender output"
	}
	if len(s) > maxDetail {
		return bus.Preview(s, maxDetail)
	}
	return s
}
