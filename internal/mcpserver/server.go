package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all escrowd tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListUserEscrows, h.HandleListUserEscrows)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)
	s.AddTool(ToolListOpenDisputes, h.HandleListOpenDisputes)
	s.AddTool(ToolOpenDispute, h.HandleOpenDispute)
	s.AddTool(ToolTriggerExpirySweep, h.HandleTriggerExpirySweep)
	s.AddTool(ToolListNotifications, h.HandleListNotifications)
	s.AddTool(ToolGetContractInfo, h.HandleGetContractInfo)

	return s
}
