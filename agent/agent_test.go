package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/m4xw311/acprelay/config"
	"github.com/m4xw311/acprelay/errors"
	"github.com/m4xw311/acprelay/llm"
	"github.com/m4xw311/acprelay/protocol"
	"github.com/m4xw311/acprelay/session"
	"github.com/m4xw311/acprelay/toolcall"
	"github.com/m4xw311/acprelay/tools"
)

// scripted replays canned responses and records every request it sees.
type scripted struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []llm.Request
	err       error
}

func (s *scripted) Chat(ctx context.Context, req llm.Request, onChunk func(llm.Chunk)) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return &llm.Response{Message: llm.Message{Role: llm.RoleAssistant, Content: "done"}, StopReason: llm.StopEndTurn}, nil
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	if onChunk != nil && r.Message.Content != "" {
		onChunk(llm.Chunk{Kind: llm.ChunkThought, Text: "thinking"})
		onChunk(llm.Chunk{Kind: llm.ChunkText, Text: r.Message.Content})
	}
	return r, nil
}

func toolUse(calls ...llm.ToolCall) *llm.Response {
	return &llm.Response{
		Message:    llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		StopReason: llm.StopToolUse,
	}
}

type silent struct{}

func (silent) Notify(context.Context, string, protocol.Update) error { return nil }

func newAgent(t *testing.T, client llm.Client, maxTurns int) (*Agent, string) {
	t.Helper()
	reg := tools.NewToolRegistry(&config.Config{}, nil)
	tr := toolcall.NewTracker(toolcall.Options{Notifier: silent{}})
	t.Cleanup(tr.Close)
	return New(Options{
		LLM:             client,
		Runner:          toolcall.NewRunner(reg, tr, nil),
		Tools:           reg.List(),
		MaxTurnRequests: maxTurns,
		Logger:          zaptest.NewLogger(t),
	}), t.TempDir()
}

func prompt(text string) []protocol.ContentBlock {
	return []protocol.ContentBlock{protocol.TextBlock(text)}
}

func TestStreamPromptRunsToolLoop(t *testing.T) {
	client := &scripted{responses: []*llm.Response{
		toolUse(llm.ToolCall{ID: "c1", Name: "read_file", Args: map[string]any{"path": "a.txt"}}),
		{Message: llm.Message{Role: llm.RoleAssistant, Content: "It says hello."}, StopReason: llm.StopEndTurn},
	}}
	a, dir := newAgent(t, client, 5)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644))

	var chunks []Chunk
	res, err := a.StreamPrompt(context.Background(), Request{
		SessionID: "s1",
		Mode:      ModeCode,
		Prompt:    prompt("what is in a.txt?"),
		WorkDir:   dir,
	}, func(c Chunk) { chunks = append(chunks, c) })
	require.NoError(t, err)
	assert.Equal(t, protocol.StopEndTurn, res.StopReason)
	assert.Equal(t, "It says hello.", res.Output)
	assert.Equal(t, []Chunk{{Thought: true, Text: "thinking"}, {Text: "It says hello."}}, chunks)

	require.Len(t, client.requests, 2)
	second := client.requests[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Equal(t, "hello", last.Content)
	assert.False(t, last.IsError)
	assert.Contains(t, client.requests[0].System, dir)
}

func TestStreamPromptReplaysHistory(t *testing.T) {
	client := &scripted{}
	a, _ := newAgent(t, client, 0)
	history := []session.Message{
		{Role: session.RoleUser, Content: prompt("first")},
		{Role: session.RoleAssistant, Content: prompt("answer")},
	}
	_, err := a.SendPrompt(context.Background(), Request{Mode: ModeCode, History: history, Prompt: prompt("second")})
	require.NoError(t, err)

	msgs := client.requests[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "first"}, msgs[0])
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: "answer"}, msgs[1])
	assert.Equal(t, "second", msgs[2].Content)
}

func TestStreamPromptTurnRequestLimit(t *testing.T) {
	call := llm.ToolCall{ID: "c", Name: "list_dir"}
	client := &scripted{responses: []*llm.Response{toolUse(call), toolUse(call), toolUse(call)}}
	a, dir := newAgent(t, client, 2)

	res, err := a.SendPrompt(context.Background(), Request{Mode: ModeCode, Prompt: prompt("loop"), WorkDir: dir})
	require.NoError(t, err)
	assert.Equal(t, protocol.StopMaxTurnRequests, res.StopReason)
	assert.Len(t, client.requests, 2)
}

func TestStreamPromptMaxTokens(t *testing.T) {
	client := &scripted{responses: []*llm.Response{
		{Message: llm.Message{Role: llm.RoleAssistant, Content: "partial"}, StopReason: llm.StopMaxTokens},
	}}
	a, _ := newAgent(t, client, 0)
	res, err := a.SendPrompt(context.Background(), Request{Mode: ModeCode, Prompt: prompt("long")})
	require.NoError(t, err)
	assert.Equal(t, protocol.StopMaxTokens, res.StopReason)
	assert.Equal(t, "partial", res.Output)
}

func TestAskModeOffersReadOnlyTools(t *testing.T) {
	client := &scripted{responses: []*llm.Response{
		toolUse(llm.ToolCall{ID: "w", Name: "write_file", Args: map[string]any{"path": "x", "content": "y"}}),
	}}
	a, dir := newAgent(t, client, 3)

	_, err := a.SendPrompt(context.Background(), Request{Mode: ModeAsk, Prompt: prompt("write"), WorkDir: dir})
	require.NoError(t, err)

	for _, spec := range client.requests[0].Tools {
		assert.True(t, toolcall.ReadOnly(toolcall.KindFor(spec.Name)), spec.Name)
	}
	msgs := client.requests[1].Messages
	last := msgs[len(msgs)-1]
	assert.True(t, last.IsError)
	assert.Contains(t, last.Content, "not available in ask mode")
	_, statErr := os.Stat(filepath.Join(dir, "x"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestArchitectModeUsesPlanningPrompt(t *testing.T) {
	client := &scripted{}
	a, _ := newAgent(t, client, 0)
	_, err := a.SendPrompt(context.Background(), Request{Mode: ModeArchitect, Prompt: prompt("plan")})
	require.NoError(t, err)
	assert.Contains(t, client.requests[0].System, "architect mode")
}

func TestUnavailableAgent(t *testing.T) {
	a := New(Options{Unavailable: errors.New("ANTHROPIC_API_KEY environment variable not set")})
	assert.False(t, a.Available())
	_, err := a.SendPrompt(context.Background(), Request{Prompt: prompt("hi")})
	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func TestChatErrorIsReturned(t *testing.T) {
	a, _ := newAgent(t, &scripted{err: errors.New("rate limited")}, 0)
	_, err := a.SendPrompt(context.Background(), Request{Mode: ModeCode, Prompt: prompt("hi")})
	assert.ErrorContains(t, err, "rate limited")
}

func TestCancelledContextReturnsCause(t *testing.T) {
	a, _ := newAgent(t, &scripted{}, 0)
	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("cancelled by client")
	cancel(cause)
	_, err := a.SendPrompt(ctx, Request{Mode: ModeCode, Prompt: prompt("hi")})
	assert.ErrorIs(t, err, cause)
}

func TestSlashCommands(t *testing.T) {
	client := &scripted{}
	a, _ := newAgent(t, client, 0)

	res, err := a.SendPrompt(context.Background(), Request{Mode: ModeAsk, Prompt: prompt("/tools")})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "read_file")
	assert.NotContains(t, res.Output, "write_file")
	assert.Empty(t, client.requests)

	res, err = a.SendPrompt(context.Background(), Request{Mode: ModeCode, Prompt: prompt("/help")})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "/tools")
}

func TestRenderPrompt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# Notes"), 0644))
	size := int64(7)

	text := RenderPrompt([]protocol.ContentBlock{
		protocol.TextBlock("look at this"),
		protocol.TextBlock("   "),
		{Type: protocol.BlockResourceLink, URI: "file://" + path, Name: "notes.md", Size: &size},
		{Type: protocol.BlockResourceLink, URI: "https://example.com/x", Name: "x"},
		{Type: protocol.BlockResource, Resource: &protocol.EmbeddedResource{URI: "mem://a", Text: "inline"}},
		{Type: protocol.BlockImage, MimeType: "image/png", Data: "AAAA"},
	})
	assert.Contains(t, text, "look at this")
	assert.Contains(t, text, "--- File Contents ---\n# Notes\n")
	assert.Contains(t, text, "Size: 7 bytes")
	assert.Contains(t, text, "[External resource - content not available]")
	assert.Contains(t, text, "inline")
	assert.Contains(t, text, "[image attachment (image/png) omitted]")
}
