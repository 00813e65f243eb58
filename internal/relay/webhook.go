// Package relay forwards novel messages to the assistant's wake webhook.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/wxbridge/internal/bus"
	"github.com/nextlevelbuilder/wxbridge/internal/metrics"
	"github.com/nextlevelbuilder/wxbridge/internal/tracing"
)

var (
	// ErrNetwork covers transport failures and non-2xx responses. Retryable.
	ErrNetwork = errors.New("relay network error")
	// ErrAuth is a 401/403 from the webhook: the bearer token does not match.
	// Also retryable; the poller surfaces it through status.
	ErrAuth = errors.New("relay auth error")
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultTag     = "微信消息"
	DefaultMode    = "now"

	maxErrorBody = 512
)

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Text string `json:"text"`
	Mode string `json:"mode,omitempty"`
}

// Format builds the canonical relay text: "[TAG] [target] [sender] content".
func Format(tag string, msg bus.Message) string {
	return fmt.Sprintf("[%s] [%s] [%s] %s", tag, msg.Target, msg.Sender, msg.Content)
}

// Deliverer delivers one message to the assistant.
type Deliverer interface {
	Deliver(ctx context.Context, msg bus.Message) error
}

// Options configures a Webhook.
type Options struct {
	URL        string
	Token      string
	Tag        string
	Mode       string
	Timeout    time.Duration
	RatePerSec float64 // 0 = unlimited
	Client     *http.Client
}

// Webhook posts messages to the assistant's wake endpoint.
type Webhook struct {
	url     string
	token   string
	tag     string
	mode    string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebhook(opts Options) *Webhook {
	w := &Webhook{
		url:     opts.URL,
		token:   opts.Token,
		tag:     opts.Tag,
		mode:    opts.Mode,
		timeout: opts.Timeout,
		client:  opts.Client,
	}
	if w.tag == "" {
		w.tag = DefaultTag
	}
	if w.mode == "" {
		w.mode = DefaultMode
	}
	if w.timeout <= 0 {
		w.timeout = DefaultTimeout
	}
	if w.client == nil {
		w.client = &http.Client{}
	}
	if opts.RatePerSec > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}
	return w
}

// Deliver posts msg and returns nil on any 2xx response.
// Errors wrap ErrAuth or ErrNetwork.
func (w *Webhook) Deliver(ctx context.Context, msg bus.Message) (err error) {
	ctx, span := tracing.Tracer().Start(ctx, "relay.deliver", trace.WithAttributes(
		attribute.String("wx.target", msg.Target),
		attribute.Bool("wx.group", msg.IsGroup),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate wait: %v", ErrNetwork, err)
		}
	}

	body, err := json.Marshal(Payload{Text: Format(w.tag, msg), Mode: w.mode})
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", ErrNetwork, err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		metrics.RelayFailures.WithLabelValues("network").Inc()
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.Relayed.Inc()
		slog.Debug("relay.delivered", "target", msg.Target, "sender", msg.Sender,
			"preview", bus.Preview(msg.Content, 40), "status", resp.StatusCode)
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		metrics.RelayFailures.WithLabelValues("auth").Inc()
		return fmt.Errorf("%w: webhook http %d: %s", ErrAuth, resp.StatusCode, strings.TrimSpace(string(raw)))
	default:
		metrics.RelayFailures.WithLabelValues("network").Inc()
		return fmt.Errorf("%w: webhook http %d: %s", ErrNetwork, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
}

// Ping sends an OPTIONS request to check reachability and auth without waking the assistant.
// Any response below 500 other than 401/403 counts as reachable.
func (w *Webhook) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, w.url, nil)
	if err != nil {
		return err
	}
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: webhook http %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: webhook http %d", ErrNetwork, resp.StatusCode)
	}
	return nil
}
