package mcpserver

import (
	"fmt"

	"github.com/mark3labs/mcp-go/server"

	"github.com/blockid/trustledger/internal/client"
	"github.com/blockid/trustledger/internal/pda"
)

// Config holds the configuration for connecting to a trustledger server.
type Config struct {
	APIURL    string // Base URL, e.g. "http://localhost:8080"
	ProgramID string // base58; used for local address derivation
}

// NewMCPServer creates a configured MCP server with the read-only trust
// score tools registered.
func NewMCPServer(cfg Config, version string) (*server.MCPServer, error) {
	programID, err := pda.ParsePublicKey(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("program id: %w", err)
	}

	s := server.NewMCPServer("trustledger", version, server.WithToolCapabilities(false))
	h := NewHandlers(client.New(cfg.APIURL), programID)

	s.AddTool(ToolGetTrustScore, h.HandleGetTrustScore)
	s.AddTool(ToolGetTrustScoresBatch, h.HandleGetTrustScoresBatch)
	s.AddTool(ToolDeriveAddress, h.HandleDeriveAddress)
	s.AddTool(ToolInspectAccount, h.HandleInspectAccount)

	return s, nil
}
