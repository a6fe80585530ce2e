package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "0.3.0"

// NewMCPServer creates an MCP server with all market tools registered.
func NewMCPServer(client *Client) *server.MCPServer {
	s := server.NewMCPServer("voltgrid", Version)
	h := NewHandlers(client)

	s.AddTool(ToolListOffers, h.HandleListOffers)
	s.AddTool(ToolMarketStats, h.HandleMarketStats)
	s.AddTool(ToolMyAccount, h.HandleMyAccount)
	s.AddTool(ToolRegister, h.HandleRegister)
	s.AddTool(ToolListEnergy, h.HandleListEnergy)
	s.AddTool(ToolBuyEnergy, h.HandleBuyEnergy)
	s.AddTool(ToolMyEscrows, h.HandleMyEscrows)
	s.AddTool(ToolConfirmDelivery, h.HandleConfirmDelivery)
	s.AddTool(ToolReleaseFunds, h.HandleReleaseFunds)
	s.AddTool(ToolOpenDispute, h.HandleOpenDispute)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolNotifications, h.HandleNotifications)

	return s
}
