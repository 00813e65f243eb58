// Package gateway serves the local HTTP surface: health, status, the reply
// endpoint, Prometheus metrics and, optionally, MCP over streamable HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/wxbridge/internal/config"
	httpapi "github.com/nextlevelbuilder/wxbridge/internal/http"
	"github.com/nextlevelbuilder/wxbridge/pkg/protocol"
)

const (
	shutdownTimeout = 5 * time.Second

	replyRateMaxHits = 30
	replyRateWindow  = time.Minute
)

// Server is the gateway HTTP server.
type Server struct {
	cfg     config.GatewayConfig
	status  httpapi.StatusFunc
	replier httpapi.Replier
	mcp     *server.MCPServer

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server. mcpServer may be nil.
func NewServer(cfg config.GatewayConfig, status httpapi.StatusFunc, replier httpapi.Replier, mcpServer *server.MCPServer) *Server {
	return &Server{cfg: cfg, status: status, replier: replier, mcp: mcpServer}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+protocol.PathHealth, httpapi.HandleHealth)
	mux.Handle("GET "+protocol.PathMetric, promhttp.Handler())

	httpapi.NewStatusHandler(s.status, s.cfg.Token).RegisterRoutes(mux)
	if s.replier != nil {
		limiter := httpapi.NewRateLimiter(replyRateMaxHits, replyRateWindow)
		httpapi.NewReplyHandler(s.replier, s.cfg.Token, limiter).RegisterRoutes(mux)
	}

	if s.mcp != nil {
		mux.Handle(protocol.PathMCP, httpapi.RequireToken(s.cfg.Token, server.NewStreamableHTTPServer(s.mcp)))
	}

	s.mux = mux
	return mux
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
}

// Start listens until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the gateway on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", ln.Addr().String(), "mcp", s.mcp != nil)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}
