// VoltGrid MCP server: exposes the energy market as MCP tools for LLMs.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/voltgrid/voltgrid/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:     envOrDefault("VOLTGRID_API_URL", "http://localhost:8080"),
		PrivateKey: os.Getenv("VOLTGRID_PRIVATE_KEY"),
	}
	if cfg.PrivateKey == "" {
		fmt.Fprintln(os.Stderr, "VOLTGRID_PRIVATE_KEY is required")
		os.Exit(1)
	}

	client, err := mcpserver.NewClient(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(client)
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
