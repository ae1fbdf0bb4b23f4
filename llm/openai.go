package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/m4xw311/acprelay/errors"
)

// OpenAILLMClient is a client for the OpenAI Chat Completion API.
type OpenAILLMClient struct {
	client *openai.Client
	model  string
}

// NewOpenAILLMClient creates a new OpenAILLMClient. It requires the OPENAI_API_KEY environment variable to be set.
// It also supports OPENAI_BASE_URL for custom API endpoints.
func NewOpenAILLMClient(ctx context.Context, modelName string) (*OpenAILLMClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	// The v2 SDK uses functional options for configuration.
	c := openai.NewClient(options...)
	// The &c is required, do not replace and just use c
	return &OpenAILLMClient{client: &c, model: modelName}, nil
}

// Chat sends a chat request to OpenAI.
func (o *OpenAILLMClient) Chat(ctx context.Context, req Request, onChunk func(Chunk)) (*Response, error) {
	chatMessages := convertMessagesToOpenaiContent(req.System, req.Messages)

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(o.model),
		Messages:            chatMessages,
		Tools:               convertToolsToOpenAITools(req.Tools),
		MaxCompletionTokens: openai.Int(maxTokens(req)),
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to OpenAI")
	}

	out, err := processOpenaiResponse(resp)
	if err != nil {
		return nil, err
	}
	emitWhole(onChunk, out.Message.Content)
	return out, nil
}

// processOpenaiResponse converts an OpenAI API response into a Response.
func processOpenaiResponse(resp *openai.ChatCompletion) (*Response, error) {
	out := &Response{
		Message:    Message{Role: RoleAssistant},
		StopReason: StopEndTurn,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	out.Message.Content = choice.Message.Content
	out.StopReason = openaiStopReason(choice.FinishReason)
	if choice.Message.Refusal != "" {
		out.StopReason = StopRefusal
		if out.Message.Content == "" {
			out.Message.Content = choice.Message.Refusal
		}
	}

	for _, tc := range choice.Message.ToolCalls {
		var toolArgs map[string]any
		// Arguments are a JSON string; we expect it to be a flat map of arguments.
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &toolArgs); err != nil {
				return nil, errors.Wrapf(err, "failed to unmarshal function call arguments from OpenAI")
			}
		}
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: toolArgs,
		})
	}
	return out, nil
}

func openaiStopReason(finish string) StopReason {
	switch finish {
	case "length":
		return StopMaxTokens
	case "tool_calls", "function_call":
		return StopToolUse
	case "content_filter":
		return StopRefusal
	}
	return StopEndTurn
}

// convertMessagesToOpenaiContent converts our message format to OpenAI's.
func convertMessagesToOpenaiContent(system string, messages []Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		chatMessages = append(chatMessages, openai.SystemMessage(system))
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				argsBytes, err := json.Marshal(tc.Args)
				if err != nil {
					argsBytes = []byte("{}")
				}
				assistantMessage.ToolCalls = append(assistantMessage.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsBytes),
					},
				})
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		case RoleTool:
			chatMessages = append(chatMessages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case RoleSystem:
			chatMessages = append(chatMessages, openai.SystemMessage(msg.Content))
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
		}
	}
	return chatMessages
}

// convertToolsToOpenAITools converts tool specs to the OpenAI Tool format.
func convertToolsToOpenAITools(ts []ToolSpec) []openai.ChatCompletionToolUnionParam {
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, t := range ts {
		params := openai.FunctionParameters{
			"type":       "object",
			"properties": map[string]any{},
		}
		for k, v := range t.Schema {
			params[k] = v
		}
		openAITools = append(openAITools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  params,
		}))
	}
	return openAITools
}
