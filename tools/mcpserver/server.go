// Package mcpserver serves the local tool registry to MCP clients.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/logging"
	"github.com/m4xw311/acprelay/tools"
)

// Server wraps a tool registry and exposes it as MCP tools.
type Server struct {
	registry *tools.Registry
	workDir  string
	// allowConfirmable lets tools that normally need approval run without
	// asking; MCP has no permission round trip of its own.
	allowConfirmable bool
	logger           *zap.Logger
}

func NewServer(reg *tools.Registry, workDir string, allowConfirmable bool, logger *zap.Logger) *Server {
	return &Server{
		registry:         reg,
		workDir:          workDir,
		allowConfirmable: allowConfirmable,
		logger:           logging.OrNop(logger).Named("mcpserver"),
	}
}

// MCPServer returns a configured mcp-go server with every registry tool
// registered.
func (s *Server) MCPServer(version string) *server.MCPServer {
	srv := server.NewMCPServer("acprelay", version, server.WithToolCapabilities(false))
	for _, t := range s.registry.List() {
		srv.AddTool(s.toolFor(t))
	}
	return srv
}

// Serve runs the stdio transport on in and out, blocking until ctx is
// cancelled or in is closed.
func (s *Server) Serve(ctx context.Context, version string, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.MCPServer(version))
	return stdio.Listen(ctx, in, out)
}

func (s *Server) toolFor(t tools.Tool) (mcp.Tool, server.ToolHandlerFunc) {
	schema, err := json.Marshal(tools.Schema(t))
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), s.handler(t)
}

func (s *Server) handler(t tools.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if tools.RequiresConfirmation(t) && !s.allowConfirmable {
			return mcp.NewToolResultError(fmt.Sprintf("tool '%s' requires confirmation and is disabled over MCP", t.Name())), nil
		}
		if s.workDir != "" {
			ctx = tools.WithWorkDir(ctx, s.workDir)
		}
		res, err := t.Execute(ctx, request.GetArguments())
		if err != nil {
			s.logger.Debug("tool failed", zap.String("tool", t.Name()), zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(res.Output), nil
	}
}
