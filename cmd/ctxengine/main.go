// Command ctxengine indexes a workspace into a vector database and serves
// similarity queries over it, from the command line or as an MCP server.
package main

import (
	"os"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
