// Command mcp-gateway runs the MCP gateway and manages its membership.
package main

import (
	"context"
	"fmt"
	"os"
)

// Version is set at build time via -ldflags "-X main.Version=X.Y.Z".
var Version = "0.0.0-dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
