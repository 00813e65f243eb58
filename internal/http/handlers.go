package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/wxbridge/internal/reply"
	"github.com/nextlevelbuilder/wxbridge/pkg/protocol"
)

// Replier is the reply gateway as seen by HTTP callers.
type Replier interface {
	Send(ctx context.Context, target, content string) *reply.Result
}

// StatusFunc returns the current poller status.
type StatusFunc func() protocol.Status

// StatusHandler serves GET /v1/status.
type StatusHandler struct {
	status StatusFunc
	token  string
}

func NewStatusHandler(status StatusFunc, token string) *StatusHandler {
	return &StatusHandler{status: status, token: token}
}

func (h *StatusHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+protocol.PathStatus, requireToken(h.token, h.handleStatus))
}

func (h *StatusHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// ReplyHandler serves POST /v1/reply.
type ReplyHandler struct {
	replier Replier
	token   string
	limiter *RateLimiter
}

func NewReplyHandler(replier Replier, token string, limiter *RateLimiter) *ReplyHandler {
	return &ReplyHandler{replier: replier, token: token, limiter: limiter}
}

func (h *ReplyHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+protocol.PathReply, requireToken(h.token, h.handleReply))
}

// handleReply always answers with a ReplyResult. Gateway failures are 200 with
// is_error set, so callers read one shape; only malformed requests get 4xx.
func (h *ReplyHandler) handleReply(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(clientKey(r)) {
		writeJSON(w, http.StatusTooManyRequests, protocol.ReplyResult{ResultText: "rate limited", IsError: true})
		return
	}

	var params protocol.ReplyParams
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ReplyResult{ResultText: "invalid JSON", IsError: true})
		return
	}
	if params.Target == "" || params.Content == "" {
		writeJSON(w, http.StatusBadRequest, protocol.ReplyResult{ResultText: "target and content are required", IsError: true})
		return
	}

	res := h.replier.Send(r.Context(), params.Target, params.Content)
	if res.IsError {
		slog.Warn("http.reply_failed", "target", params.Target, "result", res.Text)
	}
	writeJSON(w, http.StatusOK, protocol.ReplyResult{ResultText: res.Text, IsError: res.IsError})
}

// HandleHealth serves the unauthenticated liveness probe.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
