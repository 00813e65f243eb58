package protocol

// HTTP routes served by the gateway.
const (
	PathHealth = "/health"
	PathStatus = "/v1/status"
	PathReply  = "/v1/reply"
	PathMetric = "/metrics"
	PathMCP    = "/mcp"
)

// MCP tool names.
const (
	ToolSend   = "wechat_send"
	ToolStatus = "wechat_status"
)

// ReplyParams is the body of POST /v1/reply and the wechat_send tool input.
type ReplyParams struct {
	Target  string `json:"target"`
	Content string `json:"content"`
}

// ReplyResult is the reply boundary output.
type ReplyResult struct {
	ResultText string `json:"result_text"`
	IsError    bool   `json:"is_error,omitempty"`
}
