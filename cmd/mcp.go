package cmd

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	mcpbridge "github.com/nextlevelbuilder/wxbridge/internal/mcp"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the reply tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			replies := newReplyGateway(cfg)
			return server.ServeStdio(mcpbridge.NewServer(replies, replies.Allowed(), nil, Version))
		},
	}
}
