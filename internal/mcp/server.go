// Package mcp exposes the reply gateway and poller status as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/wxbridge/internal/reply"
	"github.com/nextlevelbuilder/wxbridge/pkg/protocol"
)

const serverName = "wxbridge"

// Replier sends one reply through the gateway.
type Replier interface {
	Send(ctx context.Context, target, content string) *reply.Result
}

// NewServer builds an MCP server with the wechat_send tool, plus wechat_status
// when status is non-nil. The target argument is restricted to allowed.
func NewServer(replier Replier, allowed []string, status func() protocol.Status, version string) *server.MCPServer {
	s := server.NewMCPServer(serverName, version, server.WithToolCapabilities(false))

	targetOpts := []mcp.PropertyOption{
		mcp.Required(),
		mcp.Description("Configured chat target ID to reply to"),
	}
	if len(allowed) > 0 {
		targetOpts = append(targetOpts, mcp.Enum(allowed...))
	}

	s.AddTool(mcp.NewTool(protocol.ToolSend,
		mcp.WithDescription("Send a WeChat reply to a configured group or contact"),
		mcp.WithString("target", targetOpts...),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message text to send")),
	), sendHandler(replier))

	if status != nil {
		s.AddTool(mcp.NewTool(protocol.ToolStatus,
			mcp.WithDescription("Report the relay poller status"),
		), statusHandler(status))
	}
	return s
}

func sendHandler(replier Replier) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target := req.GetString("target", "")
		content := req.GetString("content", "")
		if target == "" || content == "" {
			return mcp.NewToolResultError("target and content are required"), nil
		}

		res := replier.Send(ctx, target, content)
		if res.IsError {
			slog.Warn("mcp.send_failed", "target", target, "result", res.Text)
			return mcp.NewToolResultError(res.Text), nil
		}
		slog.Info("mcp.sent", "target", target)
		return mcp.NewToolResultText(res.Text), nil
	}
}

func statusHandler(status func() protocol.Status) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		data, err := json.MarshalIndent(status(), "", "  ")
		if err != nil {
			return mcp.NewToolResultError("encode status: " + err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}
