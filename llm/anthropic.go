package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/m4xw311/acprelay/errors"
)

// AnthropicLLMClient is a streaming client for the Anthropic API.
type AnthropicLLMClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicLLMClient creates a new AnthropicLLMClient.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicLLMClient(ctx context.Context, modelName string) (*AnthropicLLMClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &AnthropicLLMClient{
		client: &client,
		model:  modelName,
	}, nil
}

// Chat streams a message request and accumulates the final message.
func (a *AnthropicLLMClient) Chat(ctx context.Context, req Request, onChunk func(Chunk)) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens(req),
		Messages:  convertMessagesToAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}
	for _, toolParam := range convertToolsToAnthropicTools(req.Tools) {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, errors.Wrapf(err, "failed to accumulate Anthropic stream")
		}
		if onChunk == nil {
			continue
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			switch d := delta.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				onChunk(Chunk{Kind: ChunkText, Text: d.Text})
			case anthropic.ThinkingDelta:
				onChunk(Chunk{Kind: ChunkThought, Text: d.Thinking})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to send message to Anthropic")
	}

	return processAnthropicResponse(&message)
}

// convertMessagesToAnthropicMessages converts our message format to
// Anthropic's. Consecutive tool results are merged into one user message,
// as the API requires.
func convertMessagesToAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: args,
					}})
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}
		case RoleTool:
			block := anthropic.ContentBlockParamUnion{
				OfToolResult: &anthropic.ToolResultBlockParam{
					ToolUseID: msg.ToolCallID,
					IsError:   anthropic.Bool(msg.IsError),
					Content: []anthropic.ToolResultBlockParamContentUnion{{
						OfText: &anthropic.TextBlockParam{Text: msg.Content},
					}},
				},
			}
			if n := len(out); n > 0 && out[n-1].Role == anthropic.MessageParamRoleUser && isToolResultMessage(out[n-1]) {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{block},
			})
		}
	}
	return out
}

func isToolResultMessage(m anthropic.MessageParam) bool {
	for _, b := range m.Content {
		if b.OfToolResult == nil {
			return false
		}
	}
	return len(m.Content) > 0
}

// convertToolsToAnthropicTools converts tool specs to Anthropic's format.
func convertToolsToAnthropicTools(ts []ToolSpec) []anthropic.ToolParam {
	var out []anthropic.ToolParam
	for _, t := range ts {
		props := map[string]any{}
		if p, ok := t.Schema["properties"].(map[string]any); ok {
			props = p
		}
		out = append(out, anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
			},
		})
	}
	return out
}

// processAnthropicResponse converts an accumulated message into a Response.
func processAnthropicResponse(resp *anthropic.Message) (*Response, error) {
	out := &Response{
		Message:    Message{Role: RoleAssistant},
		StopReason: anthropicStopReason(string(resp.StopReason)),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}

	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			out.Message.Content += c.Text
		case anthropic.ToolUseBlock:
			var args map[string]any
			if len(c.Input) > 0 {
				if err := json.Unmarshal(c.Input, &args); err != nil {
					return nil, errors.Wrapf(err, "failed to unmarshal tool call input")
				}
			}
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
				ID:   c.ID,
				Name: c.Name,
				Args: args,
			})
		}
	}
	return out, nil
}

func anthropicStopReason(s string) StopReason {
	switch s {
	case "max_tokens":
		return StopMaxTokens
	case "tool_use":
		return StopToolUse
	case "refusal":
		return StopRefusal
	}
	return StopEndTurn
}
