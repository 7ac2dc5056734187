package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is the MCP server version reported to clients.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all credit tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("credgate", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetCreditBalance, h.HandleGetCreditBalance)
	s.AddTool(ToolGetCreditHistory, h.HandleGetCreditHistory)
	s.AddTool(ToolListActionCosts, h.HandleListActionCosts)
	s.AddTool(ToolAuthorizeAction, h.HandleAuthorizeAction)
	s.AddTool(ToolAskTutor, h.HandleAskTutor)

	return s
}
