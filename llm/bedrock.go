package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/m4xw311/acprelay/errors"
)

// BedrockLLMClient is a client for the Anthropic models on AWS Bedrock.
type BedrockLLMClient struct {
	client  *bedrockruntime.Client
	modelID string
	region  string
}

// NewBedrockLLMClient creates a new BedrockLLMClient.
// It requires AWS credentials to be configured in the environment.
// BEDROCK_ENDPOINT_URL overrides the service endpoint.
func NewBedrockLLMClient(ctx context.Context, modelID string) (*BedrockLLMClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	cfg.Region = region

	var opts []func(*bedrockruntime.Options)
	if endpoint := os.Getenv("BEDROCK_ENDPOINT_URL"); endpoint != "" {
		opts = append(opts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	return &BedrockLLMClient{
		client:  bedrockruntime.NewFromConfig(cfg, opts...),
		modelID: modelID,
		region:  region,
	}, nil
}

// Chat sends a chat request to the Anthropic model via AWS Bedrock.
func (b *BedrockLLMClient) Chat(ctx context.Context, req Request, onChunk func(Chunk)) (*Response, error) {
	requestBody, err := createAnthropicRequest(convertMessagesToAnthropicFormat(req.Messages), req.System, req.Tools, maxTokens(req))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Anthropic request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to invoke Bedrock model in %s", b.region)
	}

	out, err := processBedrockResponse(resp.Body)
	if err != nil {
		return nil, err
	}
	emitWhole(onChunk, out.Message.Content)
	return out, nil
}

type bedrockBlock = map[string]any

// convertMessagesToAnthropicFormat renders messages as Anthropic Messages
// API JSON. Consecutive tool results share one user message.
func convertMessagesToAnthropicFormat(messages []Message) []map[string]any {
	var out []map[string]any

	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			out = append(out, map[string]any{
				"role":    "user",
				"content": []bedrockBlock{{"type": "text", "text": msg.Content}},
			})
		case RoleAssistant:
			var blocks []bedrockBlock
			if msg.Content != "" {
				blocks = append(blocks, bedrockBlock{"type": "text", "text": msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, bedrockBlock{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": args,
				})
			}
			if len(blocks) > 0 {
				out = append(out, map[string]any{"role": "assistant", "content": blocks})
			}
		case RoleTool:
			block := bedrockBlock{
				"type":        "tool_result",
				"tool_use_id": msg.ToolCallID,
				"content":     msg.Content,
			}
			if msg.IsError {
				block["is_error"] = true
			}
			if n := len(out); n > 0 && out[n-1]["role"] == "user" {
				if blocks, ok := out[n-1]["content"].([]bedrockBlock); ok && blocks[0]["type"] == "tool_result" {
					out[n-1]["content"] = append(blocks, block)
					continue
				}
			}
			out = append(out, map[string]any{"role": "user", "content": []bedrockBlock{block}})
		}
	}
	return out
}

// createAnthropicRequest creates the request body for Anthropic models on Bedrock.
func createAnthropicRequest(messages []map[string]any, systemPrompt string, specs []ToolSpec, maxTokens int64) ([]byte, error) {
	request := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens,
		"messages":          messages,
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}

	if len(specs) > 0 {
		var ts []map[string]any
		for _, t := range specs {
			schema := map[string]any{"type": "object", "properties": map[string]any{}}
			for k, v := range t.Schema {
				schema[k] = v
			}
			ts = append(ts, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			})
		}
		request["tools"] = ts
	}

	return json.Marshal(request)
}

type bedrockResponse struct {
	Content []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error   any    `json:"error"`
	Message string `json:"message"`
}

// processBedrockResponse converts a Bedrock response body into a Response.
func processBedrockResponse(body []byte) (*Response, error) {
	var resp bedrockResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}
	if resp.Error != nil {
		return nil, errors.New("Bedrock API error: %v", resp.Error)
	}

	out := &Response{
		Message:    Message{Role: RoleAssistant},
		StopReason: anthropicStopReason(resp.StopReason),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	for i, item := range resp.Content {
		switch item.Type {
		case "text":
			out.Message.Content += item.Text
		case "tool_use":
			id := item.ID
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", i, item.Name)
			}
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
				ID:   id,
				Name: item.Name,
				Args: item.Input,
			})
		}
	}
	return out, nil
}
