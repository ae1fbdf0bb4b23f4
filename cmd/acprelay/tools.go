package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/m4xw311/acprelay/toolcall"
	"github.com/m4xw311/acprelay/tools"
	"github.com/m4xw311/acprelay/tools/mcp"
	"github.com/m4xw311/acprelay/tools/mcpserver"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Expose the tool registry as an MCP server on stdio",
	Long: `tools serves every built-in tool, plus those of the configured MCP
servers, over the Model Context Protocol on stdin and stdout. Tools that
need confirmation only run when permissions.default is allow.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closeLog, err := newLogger()
		if err != nil {
			return err
		}
		defer closeLog()

		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		reg := tools.NewToolRegistry(cfg, logger)
		stop := mcp.RegisterAll(cmd.Context(), reg, cfg.AdditionalMCPServers, logger)
		defer stop()

		allow := cfg.Permissions.Default != toolcall.PolicyReject
		srv := mcpserver.NewServer(reg, wd, allow, logger)
		return srv.Serve(cmd.Context(), version, os.Stdin, os.Stdout)
	},
}
