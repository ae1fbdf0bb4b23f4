package acp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/agent"
	"github.com/m4xw311/acprelay/jsonrpc"
	"github.com/m4xw311/acprelay/protocol"
	"github.com/m4xw311/acprelay/session"
	"github.com/m4xw311/acprelay/toolcall"
	"github.com/m4xw311/acprelay/tools"
	"github.com/m4xw311/acprelay/turn"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *Server) handleInitialize(ctx context.Context, req *Request) (any, error) {
	var p struct {
		ProtocolVersion    *int            `json:"protocolVersion"`
		ClientCapabilities json.RawMessage `json:"clientCapabilities"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.ProtocolVersion == nil {
		return nil, missing("protocolVersion")
	}
	if *p.ProtocolVersion != protocol.ProtocolVersion {
		s.logger.Warn("client requested a different protocol version",
			zap.Int("requested", *p.ProtocolVersion), zap.Int("agreed", protocol.ProtocolVersion))
	}
	s.capsMu.Lock()
	s.clientCaps = p.ClientCapabilities
	s.capsMu.Unlock()

	backend := map[string]any{"available": s.opts.Agent != nil && s.opts.Agent.Available()}
	if s.opts.Agent != nil {
		if err := s.opts.Agent.Unavailable(); err != nil {
			backend["reason"] = err.Error()
		}
	}

	return map[string]any{
		"protocolVersion": protocol.ProtocolVersion,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           true,
				"embeddedContext": true,
				"image":           true,
			},
		},
		"authMethods": []any{},
		"agentInfo":   map[string]any{"name": "acprelay", "version": s.opts.Version},
		"_meta": map[string]any{
			"backend":    backend,
			"extensions": []string{"_acprelay"},
		},
	}, nil
}

func (s *Server) handleSessionNew(ctx context.Context, req *Request) (any, error) {
	var p struct {
		Cwd        string             `json:"cwd"`
		McpServers *[]json.RawMessage `json:"mcpServers"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Cwd == "" {
		return nil, missing("cwd")
	}
	if !filepath.IsAbs(p.Cwd) {
		return nil, jsonrpc.InvalidParams("cwd must be an absolute path")
	}
	if p.McpServers == nil {
		return nil, missing("mcpServers")
	}

	sess, err := s.opts.Sessions.Create(ctx, map[string]any{
		"cwd":        filepath.Clean(p.Cwd),
		"mcpServers": len(*p.McpServers),
	})
	if err != nil {
		return nil, err
	}
	s.bind(sess.ID)
	s.logger.Info("session created", zap.String("sessionId", sess.ID), zap.String("cwd", p.Cwd))
	req.AfterReply(func() { s.advertiseCommands(sess.ID) })
	return map[string]any{"sessionId": sess.ID, "modes": sess.Mode}, nil
}

func (s *Server) handleSessionLoad(ctx context.Context, req *Request) (any, error) {
	var p struct {
		SessionID  string             `json:"sessionId"`
		Cwd        string             `json:"cwd"`
		McpServers *[]json.RawMessage `json:"mcpServers"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, missing("sessionId")
	}
	if p.Cwd == "" {
		return nil, missing("cwd")
	}
	if !filepath.IsAbs(p.Cwd) {
		return nil, jsonrpc.InvalidParams("cwd must be an absolute path")
	}
	if p.McpServers == nil {
		return nil, missing("mcpServers")
	}
	if _, err := s.opts.Sessions.Load(ctx, p.SessionID); err != nil {
		return nil, err
	}
	cwd := filepath.Clean(p.Cwd)
	sess, err := s.opts.Sessions.UpdateMetadata(ctx, p.SessionID, map[string]any{
		"cwd":        cwd,
		"mcpServers": len(*p.McpServers),
	})
	if err != nil {
		return nil, err
	}
	s.bind(sess.ID)

	s.logger.Debug("replaying conversation", zap.String("sessionId", sess.ID), zap.Int("messages", len(sess.Conversation)))
	for _, msg := range sess.Conversation {
		for i, b := range msg.Content {
			var u protocol.Update
			if msg.Role == session.RoleUser {
				u = protocol.UserChunk(b, map[string]any{"category": b.Category(), "source": "history", "index": i})
			} else {
				u = protocol.AgentChunk(b.Text)
			}
			if err := s.opts.Outbox.Notify(ctx, sess.ID, u); err != nil {
				s.logger.Debug("replay notification dropped", zap.Error(err))
			}
		}
	}
	req.AfterReply(func() { s.advertiseCommands(sess.ID) })
	return map[string]any{
		"modes": sess.Mode,
		"_meta": map[string]any{
			"sessionId":      sess.ID,
			"loadedAt":       s.opts.Now().UTC().Format(time.RFC3339Nano),
			"messageCount":   sess.State.MessageCount,
			"lastActivity":   sess.State.LastActivity.UTC().Format(time.RFC3339Nano),
			"cwd":            cwd,
			"mcpServerCount": len(*p.McpServers),
		},
	}, nil
}

func (s *Server) advertiseCommands(sessionID string) {
	if err := s.opts.Outbox.Notify(context.Background(), sessionID, protocol.CommandsUpdate(agent.Commands())); err != nil {
		s.logger.Debug("commands update dropped", zap.Error(err))
	}
}

type sessionSummary struct {
	SessionID     string    `json:"sessionId"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	MessageCount  int       `json:"messageCount"`
	CurrentModeID string    `json:"currentModeId"`
	Processing    bool      `json:"processing"`
	Cwd           string    `json:"cwd,omitempty"`
}

func (s *Server) handleSessionList(ctx context.Context, req *Request) (any, error) {
	var p struct {
		Limit  *int `json:"limit"`
		Offset int  `json:"offset"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	limit := defaultListLimit
	if p.Limit != nil {
		limit = *p.Limit
	}
	if limit <= 0 || limit > maxListLimit || p.Offset < 0 {
		return nil, jsonrpc.InvalidParams("limit must be between 1 and 500 and offset must not be negative")
	}

	page := s.opts.Sessions.List(limit, p.Offset)
	out := make([]sessionSummary, 0, len(page.Sessions))
	for _, sess := range page.Sessions {
		out = append(out, sessionSummary{
			SessionID:     sess.ID,
			CreatedAt:     sess.CreatedAt,
			UpdatedAt:     sess.UpdatedAt,
			MessageCount:  sess.State.MessageCount,
			CurrentModeID: sess.Mode.CurrentModeID,
			Processing:    sess.Processing,
			Cwd:           sess.Cwd(),
		})
	}
	return map[string]any{"sessions": out, "total": page.Total, "hasMore": page.HasMore}, nil
}

func (s *Server) handleSessionDelete(ctx context.Context, req *Request) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, missing("sessionId")
	}
	if err := s.opts.Sessions.Delete(ctx, p.SessionID); err != nil {
		return nil, err
	}
	if s.opts.Runner != nil {
		s.opts.Runner.Tracker().Forget(p.SessionID)
	}
	if s.opts.Router != nil {
		s.opts.Router.Unbind(p.SessionID)
	}
	return map[string]any{"sessionId": p.SessionID, "deleted": true}, nil
}

// beginPrompt validates and queues the turn immediately; only the wait for
// its result is deferred to the returned Call.
func (s *Server) beginPrompt(ctx context.Context, req *Request) Call {
	var p struct {
		SessionID string                  `json:"sessionId"`
		Prompt    []protocol.ContentBlock `json:"prompt"`
		Content   []protocol.ContentBlock `json:"content"`
	}
	if err := req.Decode(&p); err != nil {
		return ready(s.reply(req, nil, err))
	}
	if p.SessionID == "" {
		return ready(s.reply(req, nil, missing("sessionId")))
	}
	content := p.Prompt
	if content == nil {
		content = p.Content
	}

	if _, err := s.opts.Sessions.Get(p.SessionID); err == nil {
		s.bind(p.SessionID)
	}
	ticket, err := s.opts.Scheduler.Submit(ctx, turn.Request{
		SessionID: p.SessionID,
		Content:   content,
		RequestID: requestID(req.ID),
	})
	if err != nil {
		return ready(s.reply(req, nil, err))
	}
	return func(ctx context.Context) Reply {
		resp, err := ticket.Wait(ctx)
		return Reply{Response: s.reply(req, resp, err)}
	}
}

// requestID renders a JSON-RPC id for logs and result metadata.
func requestID(raw json.RawMessage) string {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}

func (s *Server) handleCancel(ctx context.Context, req *Request) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, missing("sessionId")
	}
	if !req.IsNotification {
		s.logger.Warn("session/cancel is a notification but was sent with an id",
			zap.String("sessionId", p.SessionID), zap.ByteString("id", req.ID))
	}
	cancelled := s.opts.Scheduler.Cancel(ctx, p.SessionID)
	s.logger.Info("cancel requested", zap.String("sessionId", p.SessionID), zap.Bool("turnCancelled", cancelled))
	return nil, nil
}

func (s *Server) handleSetMode(ctx context.Context, req *Request) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		ModeID    string `json:"modeId"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, missing("sessionId")
	}
	if p.ModeID == "" {
		return nil, missing("modeId")
	}
	previous, err := s.opts.Sessions.SetMode(ctx, p.SessionID, p.ModeID)
	if err != nil {
		return nil, err
	}
	req.AfterReply(func() {
		if err := s.opts.Outbox.Notify(context.Background(), p.SessionID, protocol.ModeUpdate(p.ModeID)); err != nil {
			s.logger.Debug("mode update dropped", zap.Error(err))
		}
	})
	return map[string]any{
		"_meta": map[string]any{
			"previousMode": previous,
			"newMode":      p.ModeID,
			"changedAt":    s.opts.Now().UTC().Format(time.RFC3339Nano),
		},
	}, nil
}

// handleRequestPermission answers a permission request addressed to this
// side with the configured policy.
func (s *Server) handleRequestPermission(ctx context.Context, req *Request) (any, error) {
	var p protocol.RequestPermissionParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, missing("sessionId")
	}
	if len(p.Options) == 0 {
		return nil, missing("options")
	}
	return protocol.RequestPermissionResult{
		Outcome: toolcall.DefaultOutcome(p.Options, s.opts.PermissionPolicy),
	}, nil
}

type toolInfo struct {
	Name                 string            `json:"name"`
	Description          string            `json:"description"`
	InputSchema          map[string]any    `json:"inputSchema"`
	Kind                 protocol.ToolKind `json:"kind"`
	RequiresConfirmation bool              `json:"requiresConfirmation"`
}

func (s *Server) handleToolsList(ctx context.Context, req *Request) (any, error) {
	out := []toolInfo{}
	if s.opts.Runner != nil {
		for _, t := range s.opts.Runner.Tools().List() {
			out = append(out, toolInfo{
				Name:                 t.Name(),
				Description:          t.Description(),
				InputSchema:          tools.Schema(t),
				Kind:                 toolcall.KindFor(t.Name()),
				RequiresConfirmation: tools.RequiresConfirmation(t),
			})
		}
	}
	return map[string]any{"tools": out}, nil
}

type toolCallResult struct {
	ToolCallID string         `json:"toolCallId,omitempty"`
	Success    bool           `json:"success"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// handleToolsCall runs a tool. With a sessionId the call is tracked and
// reported to the client; without one it runs directly in the server's
// working directory.
func (s *Server) handleToolsCall(ctx context.Context, req *Request) (any, error) {
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
		SessionID string         `json:"sessionId"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, missing("name")
	}
	if s.opts.Runner == nil {
		return nil, &tools.NotFoundError{Name: p.Name}
	}

	if p.SessionID != "" {
		sess, err := s.opts.Sessions.Get(p.SessionID)
		if err != nil {
			return nil, err
		}
		if cwd := sess.Cwd(); cwd != "" {
			ctx = tools.WithWorkDir(ctx, cwd)
		}
		s.bind(p.SessionID)
		out, err := s.opts.Runner.Run(ctx, p.SessionID, p.Name, p.Arguments)
		if err != nil {
			return nil, err
		}
		return toolCallResult{
			ToolCallID: out.ToolCallID,
			Success:    out.Success,
			Output:     out.Output,
			Error:      out.Error,
			Metadata:   out.Metadata,
		}, nil
	}

	tool, err := s.opts.Runner.Tools().Get(p.Name)
	if err != nil {
		return nil, err
	}
	if tools.RequiresConfirmation(tool) && s.opts.PermissionPolicy == toolcall.PolicyReject {
		return toolCallResult{Error: "Permission denied"}, nil
	}
	if s.opts.WorkDir != "" {
		ctx = tools.WithWorkDir(ctx, s.opts.WorkDir)
	}
	args := p.Arguments
	if args == nil {
		args = map[string]any{}
	}
	res, err := tool.Execute(ctx, args)
	if err != nil {
		return toolCallResult{Error: err.Error()}, nil
	}
	return toolCallResult{Success: true, Output: res.Output, Metadata: res.Metadata}, nil
}

func (s *Server) handleStatus(ctx context.Context, req *Request) (any, error) {
	st := map[string]any{
		"version":  s.opts.Version,
		"uptimeMs": s.opts.Now().Sub(s.started).Milliseconds(),
		"sessions": s.opts.Sessions.Len(),
	}
	if s.opts.Scheduler != nil {
		st["turns"] = s.opts.Scheduler.Stats()
	}
	if s.opts.Runner != nil {
		st["toolCalls"] = s.opts.Runner.Tracker().Len()
	}
	if s.opts.Agent != nil {
		st["backendAvailable"] = s.opts.Agent.Available()
	}
	s.capsMu.Lock()
	if s.clientCaps != nil {
		st["clientCapabilities"] = s.clientCaps
	}
	s.capsMu.Unlock()
	return st, nil
}
