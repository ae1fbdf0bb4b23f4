package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/m4xw311/acprelay/errors"
)

// GeminiLLMClient is a client for the Google Gemini API.
type GeminiLLMClient struct {
	client    *genai.Client
	modelName string
}

// NewGeminiLLMClient creates a new GeminiLLMClient.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiLLMClient(ctx context.Context, modelName string) (*GeminiLLMClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiLLMClient{client: client, modelName: modelName}, nil
}

// Chat sends a chat request to the Gemini API. A model handle is built per
// call so concurrent sessions never share tool or system settings.
func (g *GeminiLLMClient) Chat(ctx context.Context, req Request, onChunk func(Chunk)) (*Response, error) {
	history := convertMessagesToGeminiContent(req.Messages)
	if len(history) == 0 {
		return nil, errors.New("no messages to send to Gemini")
	}

	model := g.client.GenerativeModel(g.modelName)
	model.Tools = convertToolsToGeminiTools(req.Tools)
	model.SetMaxOutputTokens(int32(maxTokens(req)))
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	// The last message is the new prompt.
	lastMessage := history[len(history)-1]

	chatSession := model.StartChat()
	chatSession.History = history[:len(history)-1]
	resp, err := chatSession.SendMessage(ctx, lastMessage.Parts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to Gemini")
	}

	out, err := processGeminiResponse(resp)
	if err != nil {
		return nil, err
	}
	emitWhole(onChunk, out.Message.Content)
	return out, nil
}

// convertMessagesToGeminiContent converts our message format to Gemini's.
// Tool results become FunctionResponse parts of a user turn, merged when
// consecutive.
func convertMessagesToGeminiContent(messages []Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			c := &genai.Content{Role: "model"}
			if msg.Content != "" {
				c.Parts = append(c.Parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				c.Parts = append(c.Parts, genai.FunctionCall{Name: tc.Name, Args: tc.Args})
			}
			if len(c.Parts) > 0 {
				contents = append(contents, c)
			}
		case RoleTool:
			key := "result"
			if msg.IsError {
				key = "error"
			}
			part := genai.FunctionResponse{Name: msg.ToolName, Response: map[string]any{key: msg.Content}}
			if n := len(contents); n > 0 && contents[n-1].Role == "user" && isFunctionResponses(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{part}})
		case RoleSystem:
			// Carried by SystemInstruction.
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		}
	}
	return contents
}

func isFunctionResponses(c *genai.Content) bool {
	for _, p := range c.Parts {
		if _, ok := p.(genai.FunctionResponse); !ok {
			return false
		}
	}
	return len(c.Parts) > 0
}

// convertToolsToGeminiTools converts tool specs to FunctionDeclarations.
func convertToolsToGeminiTools(ts []ToolSpec) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	funcDecls := make([]*genai.FunctionDeclaration, 0, len(ts))
	for _, t := range ts {
		params := geminiSchema(t.Schema)
		if params == nil || params.Type != genai.TypeObject {
			params = &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
		}
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// geminiSchema translates the JSON schema subset the tools use.
func geminiSchema(s map[string]any) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{}
	if d, ok := s["description"].(string); ok {
		out.Description = d
	}
	switch s["type"] {
	case "object":
		out.Type = genai.TypeObject
		if props, ok := s["properties"].(map[string]any); ok {
			out.Properties = make(map[string]*genai.Schema, len(props))
			for name, p := range props {
				if pm, ok := p.(map[string]any); ok {
					if ps := geminiSchema(pm); ps != nil {
						out.Properties[name] = ps
					}
				}
			}
		}
		out.Required = stringSlice(s["required"])
	case "string":
		out.Type = genai.TypeString
	case "boolean":
		out.Type = genai.TypeBoolean
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "array":
		out.Type = genai.TypeArray
		if items, ok := s["items"].(map[string]any); ok {
			out.Items = geminiSchema(items)
		}
	default:
		out.Type = genai.TypeString
	}
	return out
}

func stringSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, x := range vs {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// processGeminiResponse converts a Gemini API response into a Response.
// Function calls carry no id, so one is derived from their position.
func processGeminiResponse(resp *genai.GenerateContentResponse) (*Response, error) {
	if len(resp.Candidates) == 0 {
		return nil, errors.New("received an empty response from Gemini")
	}
	cand := resp.Candidates[0]
	out := &Response{Message: Message{Role: RoleAssistant}, StopReason: StopEndTurn}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	switch cand.FinishReason {
	case genai.FinishReasonMaxTokens:
		out.StopReason = StopMaxTokens
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		out.StopReason = StopRefusal
	}
	if cand.Content == nil {
		return out, nil
	}

	for i, part := range cand.Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			out.Message.Content += string(v)
		case genai.FunctionCall:
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
				ID:   fmt.Sprintf("gemini_%d_%s", i, v.Name),
				Name: v.Name,
				Args: v.Args,
			})
		default:
			return nil, errors.New("unsupported part type in Gemini response: %T", v)
		}
	}
	if len(out.Message.ToolCalls) > 0 && out.StopReason == StopEndTurn {
		out.StopReason = StopToolUse
	}
	return out, nil
}
