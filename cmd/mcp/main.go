// trustledger MCP server - exposes trust score lookups as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/blockid/trustledger/internal/client"
	"github.com/blockid/trustledger/internal/mcpserver"
	"github.com/blockid/trustledger/internal/trustscore"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:    envOrDefault("TRUSTLEDGER_API_URL", client.DefaultURL),
		ProgramID: envOrDefault("PROGRAM_ID", trustscore.DefaultProgramID),
	}

	s, err := mcpserver.NewMCPServer(cfg, Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MCP server config error: %v\n", err)
		os.Exit(1)
	}
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
