package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/errors"
	"github.com/m4xw311/acprelay/llm"
	"github.com/m4xw311/acprelay/logging"
	"github.com/m4xw311/acprelay/protocol"
	"github.com/m4xw311/acprelay/session"
	"github.com/m4xw311/acprelay/toolcall"
	"github.com/m4xw311/acprelay/tools"
)

// Request is one prompt turn handed to a backend.
type Request struct {
	SessionID string
	Mode      string
	// History is the conversation before this turn.
	History []session.Message
	Prompt  []protocol.ContentBlock
	WorkDir string
}

// Result is the outcome of a completed turn.
type Result struct {
	Output     string
	StopReason protocol.StopReason
	Usage      llm.Usage
}

// Chunk is one piece of streamed backend output.
type Chunk struct {
	Thought bool
	Text    string
}

// ChunkSink receives streamed output in order.
type ChunkSink func(Chunk)

// Backend generates the agent side of a turn.
type Backend interface {
	SendPrompt(ctx context.Context, req Request) (*Result, error)
	StreamPrompt(ctx context.Context, req Request, sink ChunkSink) (*Result, error)
}

// UnavailableError is returned by every call on an agent built without a
// working model client.
type UnavailableError struct{ Cause error }

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("agent backend unavailable: %v", e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

type Options struct {
	// LLM is nil when the client could not be built; Unavailable then says why.
	LLM         llm.Client
	Unavailable error
	Runner      *toolcall.Runner
	// Tools are offered to the model, filtered by mode.
	Tools           []tools.Tool
	MaxTurnRequests int
	MaxTokens       int64
	Logger          *zap.Logger
}

// Agent is the Backend that drives an LLM and executes the tool calls it
// asks for until it produces a final answer.
type Agent struct {
	opts   Options
	logger *zap.Logger
}

func New(opts Options) *Agent {
	if opts.LLM == nil && opts.Unavailable == nil {
		opts.Unavailable = errors.New("no llm client configured")
	}
	return &Agent{opts: opts, logger: logging.OrNop(opts.Logger).Named("agent")}
}

// Available reports whether the agent has a model client.
func (a *Agent) Available() bool { return a.opts.LLM != nil }

// Unavailable is the reason the agent has no model client, or nil.
func (a *Agent) Unavailable() error {
	if a.Available() {
		return nil
	}
	return a.opts.Unavailable
}

func (a *Agent) SendPrompt(ctx context.Context, req Request) (*Result, error) {
	return a.StreamPrompt(ctx, req, nil)
}

// StreamPrompt runs the LLM and tool loop for one turn.
func (a *Agent) StreamPrompt(ctx context.Context, req Request, sink ChunkSink) (*Result, error) {
	if !a.Available() {
		return nil, &UnavailableError{Cause: a.opts.Unavailable}
	}
	if sink == nil {
		sink = func(Chunk) {}
	}
	if req.WorkDir != "" {
		ctx = tools.WithWorkDir(ctx, req.WorkDir)
	}

	prompt := RenderPrompt(req.Prompt)
	if out, ok := a.command(req.Mode, prompt); ok {
		sink(Chunk{Text: out})
		return &Result{Output: out, StopReason: protocol.StopEndTurn}, nil
	}

	msgs := make([]llm.Message, 0, len(req.History)+1)
	for _, m := range req.History {
		role := llm.RoleUser
		if m.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: messageText(m)})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})

	specs := a.toolSpecs(req.Mode)
	onChunk := func(c llm.Chunk) {
		sink(Chunk{Thought: c.Kind == llm.ChunkThought, Text: c.Text})
	}

	res := &Result{StopReason: protocol.StopEndTurn}
	var output strings.Builder
	for i := 0; ; i++ {
		if a.opts.MaxTurnRequests > 0 && i >= a.opts.MaxTurnRequests {
			a.logger.Info("turn request limit reached",
				zap.String("sessionId", req.SessionID), zap.Int("limit", a.opts.MaxTurnRequests))
			res.StopReason = protocol.StopMaxTurnRequests
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}

		resp, err := a.opts.LLM.Chat(ctx, llm.Request{
			System:    systemPrompt(req.Mode, req.WorkDir),
			Messages:  msgs,
			Tools:     specs,
			MaxTokens: a.opts.MaxTokens,
		}, onChunk)
		if err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			return nil, errors.Wrapf(err, "LLM chat failed")
		}
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens
		output.WriteString(resp.Message.Content)
		msgs = append(msgs, resp.Message)

		if resp.StopReason == llm.StopMaxTokens {
			res.StopReason = protocol.StopMaxTokens
			break
		}
		if resp.StopReason == llm.StopRefusal {
			res.StopReason = protocol.StopRefusal
			break
		}
		if len(resp.Message.ToolCalls) == 0 {
			break
		}

		for _, tc := range resp.Message.ToolCalls {
			msgs = append(msgs, a.runTool(ctx, req, tc))
		}
	}

	res.Output = output.String()
	return res, nil
}

// runTool executes one model tool call and returns the tool message that
// answers it. Failures are reported to the model, never to the caller.
func (a *Agent) runTool(ctx context.Context, req Request, tc llm.ToolCall) llm.Message {
	msg := llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, ToolName: tc.Name}
	if !toolAllowed(req.Mode, tc.Name) || !a.offered(tc.Name) {
		msg.Content = fmt.Sprintf("tool %s is not available in %s mode", tc.Name, req.Mode)
		msg.IsError = true
		return msg
	}
	if a.opts.Runner == nil {
		msg.Content = "tool execution is not configured"
		msg.IsError = true
		return msg
	}

	out, err := a.opts.Runner.Run(ctx, req.SessionID, tc.Name, tc.Args)
	if err != nil {
		msg.Content = err.Error()
		msg.IsError = true
		return msg
	}
	if !out.Success {
		msg.Content = out.Error
		msg.IsError = true
		return msg
	}
	msg.Content = out.Output
	return msg
}

func (a *Agent) offered(name string) bool {
	for _, t := range a.opts.Tools {
		if t.Name() == name {
			return true
		}
	}
	return false
}

func (a *Agent) toolsFor(mode string) []tools.Tool {
	var out []tools.Tool
	for _, t := range a.opts.Tools {
		if toolAllowed(mode, t.Name()) {
			out = append(out, t)
		}
	}
	return out
}

func (a *Agent) toolSpecs(mode string) []llm.ToolSpec {
	var specs []llm.ToolSpec
	for _, t := range a.toolsFor(mode) {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      tools.Schema(t),
		})
	}
	return specs
}

// command answers the advertised slash commands.
func (a *Agent) command(mode, prompt string) (string, bool) {
	text := strings.TrimSpace(prompt)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name := strings.Fields(text[1:])
	if len(name) == 0 {
		return "", false
	}
	switch name[0] {
	case "tools":
		var sb strings.Builder
		fmt.Fprintf(&sb, "Tools available in %s mode:\n", mode)
		for _, t := range a.toolsFor(mode) {
			fmt.Fprintf(&sb, "- %s: %s\n", t.Name(), t.Description())
		}
		return sb.String(), true
	case "help":
		var sb strings.Builder
		sb.WriteString("Commands:\n")
		for _, c := range Commands() {
			fmt.Fprintf(&sb, "/%s - %s\n", c.Name, c.Description)
		}
		return sb.String(), true
	}
	return "", false
}
