// inkrunner MCP server.
// Exposes run history and status tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/inkrunner/internal/mcp"
)

func main() {
	runnerURL := os.Getenv("INKRUNNER_URL")
	if runnerURL == "" {
		runnerURL = "http://localhost:3001"
	}

	s := server.NewMCPServer(
		"inkrunner",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(runnerURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
