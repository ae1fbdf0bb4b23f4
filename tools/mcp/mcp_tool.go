// Package mcp exposes the tools of external MCP servers through the local
// tool registry.
package mcp

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-multierror"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/config"
	"github.com/m4xw311/acprelay/errors"
	"github.com/m4xw311/acprelay/logging"
	"github.com/m4xw311/acprelay/tools"
)

// MCPClient manages the connection to a single MCP server subprocess.
type MCPClient struct {
	Name   string
	cmd    *exec.Cmd
	conn   *mcpsdk.ClientSession
	tools  []*MCPTool
	logger *zap.Logger
}

// NewMCPClient starts the MCP server subprocess and discovers the tools it
// provides.
func NewMCPClient(ctx context.Context, server config.MCPServer, logger *zap.Logger) (*MCPClient, error) {
	logger = logging.OrNop(logger).Named("mcp").With(zap.String("server", server.Name))

	cmd := exec.Command(server.Command, server.Args...)
	// The subprocess must never write to our stdout, which carries protocol
	// traffic.
	cmd.Stderr = os.Stderr
	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "acprelay", Version: "v1.0.0"}, nil)
	conn, err := mcpClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", server.Name)
	}
	client := &MCPClient{
		Name:   server.Name,
		cmd:    cmd,
		conn:   conn,
		logger: logger,
	}

	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			_ = client.Stop()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", server.Name)
		}
		for _, t := range list.Tools {
			client.tools = append(client.tools, &MCPTool{
				serverName:  server.Name,
				toolName:    t.Name,
				description: t.Description,
				schema:      schemaMap(t.InputSchema),
				client:      client,
			})
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}

	logger.Info("initialized MCP client", zap.Int("tools", len(client.tools)))
	return client, nil
}

// Tools returns the tools this server provides.
func (c *MCPClient) Tools() []*MCPTool {
	return c.tools
}

// Stop terminates the MCP server subprocess.
func (c *MCPClient) Stop() error {
	var result error
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.logger.Info("terminating MCP server")
		if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// RegisterAll starts every configured server and registers its tools. A
// server that fails to start is logged and skipped. The returned func stops
// all started servers.
func RegisterAll(ctx context.Context, reg *tools.Registry, servers []config.MCPServer, logger *zap.Logger) func() error {
	logger = logging.OrNop(logger)
	var clients []*MCPClient
	for _, server := range servers {
		c, err := NewMCPClient(ctx, server, logger)
		if err != nil {
			logger.Warn("skipping MCP server", zap.String("server", server.Name), zap.Error(err))
			continue
		}
		for _, t := range c.Tools() {
			reg.Register(t)
		}
		clients = append(clients, c)
	}
	return func() error {
		var result error
		for _, c := range clients {
			if err := c.Stop(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result
	}
}

// MCPTool represents a tool available from an external MCP server.
type MCPTool struct {
	serverName  string
	toolName    string
	description string
	schema      map[string]any
	client      *MCPClient
}

// Name is "<server>_<tool>". Dots and colons are rejected by some model
// providers' tool name rules.
func (t *MCPTool) Name() string {
	return sanitize(t.serverName) + "_" + sanitize(t.toolName)
}

func (t *MCPTool) Description() string {
	return t.description
}

func (t *MCPTool) Schema() map[string]any {
	return t.schema
}

// MCP servers give no read-only guarantee, so their calls are confirmed.
func (t *MCPTool) RequiresConfirmation() bool { return true }

func (t *MCPTool) Hints(_ context.Context, _ map[string]any) tools.Hints {
	return tools.Hints{Title: t.serverName + ": " + t.toolName}
}

// Execute calls the tool on the MCP server and joins its text content.
func (t *MCPTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to call tool '%s'", t.Name())
	}
	var sb strings.Builder
	for _, c := range result.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	if result.IsError {
		return nil, errors.New("tool '%s' failed: %s", t.Name(), sb.String())
	}
	return &tools.Result{
		Output:   sb.String(),
		Metadata: map[string]any{"server": t.serverName, "tool": t.toolName},
	}, nil
}

func schemaMap(schema any) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
}
