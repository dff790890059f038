// Command mcp-toolbox serves the toolbox tools over MCP, on stdio or over HTTP with Server-Sent
// Events, and includes a small client for calling a running server.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
