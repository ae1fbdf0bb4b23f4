// Command acprelay is an Agent Client Protocol server. Editors start it as a
// subprocess and talk JSON-RPC over stdio, or connect over a websocket.
package main

import (
	"fmt"
	"os"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}
