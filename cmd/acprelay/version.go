package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/m4xw311/acprelay/protocol"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// version needs no configuration
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "acprelay %s (commit %s, ACP protocol %d)\n", version, commit, protocol.ProtocolVersion)
	},
}
