// Package llm adapts model provider APIs to one chat interface.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/m4xw311/acprelay/errors"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is one entry of a provider conversation. Tool results use
// RoleTool with ToolCallID and ToolName naming the call they answer.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolName   string     `json:"toolName,omitempty"`
	IsError    bool       `json:"isError,omitempty"`
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// StopReason is the provider-neutral reason a response ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopRefusal   StopReason = "refusal"
)

type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

type Response struct {
	Message    Message
	StopReason StopReason
	Usage      Usage
}

type ChunkKind string

const (
	ChunkText    ChunkKind = "text"
	ChunkThought ChunkKind = "thought"
)

// Chunk is a piece of streamed output.
type Chunk struct {
	Kind ChunkKind
	Text string
}

// Request is one model call.
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int64
}

// Client is the interface for interacting with a Large Language Model.
// onChunk, when not nil, receives output as it is produced; clients that
// cannot stream deliver the whole text as one chunk before returning.
type Client interface {
	Chat(ctx context.Context, req Request, onChunk func(Chunk)) (*Response, error)
}

// Providers accepted by New.
const (
	ProviderMock      = "mock"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderBedrock   = "bedrock"
)

// DefaultModel is used when no model is configured.
func DefaultModel(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return "claude-sonnet-4-5"
	case ProviderOpenAI:
		return "gpt-4.1"
	case ProviderGemini:
		return "gemini-2.5-pro"
	case ProviderBedrock:
		return "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}
	return ""
}

// New builds the client for provider. It fails when the provider is
// unknown or its credentials are missing.
func New(ctx context.Context, provider, model string) (Client, error) {
	if model == "" {
		model = DefaultModel(provider)
	}
	switch provider {
	case "", ProviderMock:
		return &MockLLMClient{}, nil
	case ProviderAnthropic:
		return NewAnthropicLLMClient(ctx, model)
	case ProviderOpenAI:
		return NewOpenAILLMClient(ctx, model)
	case ProviderGemini:
		return NewGeminiLLMClient(ctx, model)
	case ProviderBedrock:
		return NewBedrockLLMClient(ctx, model)
	}
	return nil, errors.New("unknown llm client '%s'", provider)
}

// MockLLMClient echoes the last user message back, one word per chunk.
type MockLLMClient struct{}

func (m *MockLLMClient) Chat(ctx context.Context, req Request, onChunk func(Chunk)) (*Response, error) {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	text := fmt.Sprintf("I am a mock LLM. You said: '%s'.", last)
	if onChunk != nil {
		words := strings.SplitAfter(text, " ")
		for _, w := range words {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			onChunk(Chunk{Kind: ChunkText, Text: w})
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Response{
		Message:    Message{Role: RoleAssistant, Content: text},
		StopReason: StopEndTurn,
	}, nil
}

// emitWhole delivers a non-streamed response text as a single chunk.
func emitWhole(onChunk func(Chunk), text string) {
	if onChunk != nil && text != "" {
		onChunk(Chunk{Kind: ChunkText, Text: text})
	}
}

func maxTokens(req Request) int64 {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return 4096
}
