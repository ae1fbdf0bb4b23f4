package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockEchoesLastUserMessage(t *testing.T) {
	m := &MockLLMClient{}
	var chunks []string
	resp, err := m.Chat(context.Background(), Request{Messages: []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "reply"},
		{Role: RoleUser, Content: "hello there"},
	}}, func(c Chunk) {
		assert.Equal(t, ChunkText, c.Kind)
		chunks = append(chunks, c.Text)
	})
	require.NoError(t, err)

	want := "I am a mock LLM. You said: 'hello there'."
	assert.Equal(t, want, resp.Message.Content)
	assert.Equal(t, StopEndTurn, resp.StopReason)
	assert.Greater(t, len(chunks), 1)
	assert.Equal(t, want, strings.Join(chunks, ""))
}

func TestMockHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&MockLLMClient{}).Chat(ctx, Request{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew(t *testing.T) {
	c, err := New(context.Background(), "", "")
	require.NoError(t, err)
	assert.IsType(t, &MockLLMClient{}, c)

	_, err = New(context.Background(), "parrot", "")
	assert.ErrorContains(t, err, "unknown llm client 'parrot'")

	t.Setenv("OPENAI_API_KEY", "")
	_, err = New(context.Background(), ProviderOpenAI, "")
	assert.ErrorContains(t, err, "OPENAI_API_KEY")
}

func TestDefaultModel(t *testing.T) {
	for _, p := range []string{ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderBedrock} {
		assert.NotEmpty(t, DefaultModel(p), p)
	}
	assert.Empty(t, DefaultModel(ProviderMock))
}

func TestStopReasonMappings(t *testing.T) {
	assert.Equal(t, StopMaxTokens, anthropicStopReason("max_tokens"))
	assert.Equal(t, StopToolUse, anthropicStopReason("tool_use"))
	assert.Equal(t, StopRefusal, anthropicStopReason("refusal"))
	assert.Equal(t, StopEndTurn, anthropicStopReason("stop_sequence"))

	assert.Equal(t, StopMaxTokens, openaiStopReason("length"))
	assert.Equal(t, StopToolUse, openaiStopReason("tool_calls"))
	assert.Equal(t, StopRefusal, openaiStopReason("content_filter"))
	assert.Equal(t, StopEndTurn, openaiStopReason("stop"))
}

func TestConvertMessagesToAnthropicMessagesMergesToolResults(t *testing.T) {
	out := convertMessagesToAnthropicMessages([]Message{
		{Role: RoleUser, Content: "go"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Name: "x"}, {ID: "b", Name: "y"}}},
		{Role: RoleTool, ToolCallID: "a", Content: "1"},
		{Role: RoleTool, ToolCallID: "b", Content: "2"},
	})
	require.Len(t, out, 3)
	require.Len(t, out[2].Content, 2)
	assert.Equal(t, "a", out[2].Content[0].OfToolResult.ToolUseID)
	assert.Equal(t, "b", out[2].Content[1].OfToolResult.ToolUseID)
}

func TestConvertMessagesToOpenaiContent(t *testing.T) {
	out := convertMessagesToOpenaiContent("sys", []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "read_file", Args: map[string]any{"path": "a"}}}},
		{Role: RoleTool, ToolCallID: "c1", Content: "data"},
	})
	require.Len(t, out, 4)
	assert.NotNil(t, out[0].OfSystem)
	assert.NotNil(t, out[1].OfUser)
	require.NotNil(t, out[2].OfAssistant)
	require.NotNil(t, out[3].OfTool)
	assert.Equal(t, "c1", out[3].OfTool.ToolCallID)
}

func TestConvertMessagesToGeminiContent(t *testing.T) {
	out := convertMessagesToGeminiContent([]Message{
		{Role: RoleSystem, Content: "skip"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "calling", ToolCalls: []ToolCall{{ID: "g1", Name: "list_dir"}}},
		{Role: RoleTool, ToolName: "list_dir", Content: "a/"},
		{Role: RoleTool, ToolName: "read_file", Content: "nope", IsError: true},
	})
	require.Len(t, out, 3)
	assert.Equal(t, "model", out[1].Role)
	require.Len(t, out[1].Parts, 2)
	require.Len(t, out[2].Parts, 2)
	fr := out[2].Parts[1].(genai.FunctionResponse)
	assert.Equal(t, "read_file", fr.Name)
	assert.Equal(t, "nope", fr.Response["error"])
}

func TestGeminiSchema(t *testing.T) {
	s := geminiSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":  map[string]any{"type": "string", "description": "p"},
			"all":   map[string]any{"type": "boolean"},
			"paths": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []any{"path"},
	})
	require.NotNil(t, s)
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, genai.TypeString, s.Properties["path"].Type)
	assert.Equal(t, "p", s.Properties["path"].Description)
	assert.Equal(t, genai.TypeBoolean, s.Properties["all"].Type)
	assert.Equal(t, genai.TypeString, s.Properties["paths"].Items.Type)
	assert.Equal(t, []string{"path"}, s.Required)
}

func TestProcessGeminiResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		FinishReason: genai.FinishReasonStop,
		Content: &genai.Content{Parts: []genai.Part{
			genai.Text("ok "),
			genai.FunctionCall{Name: "read_file", Args: map[string]any{"path": "a"}},
		}},
	}}}
	out, err := processGeminiResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "ok ", out.Message.Content)
	assert.Equal(t, StopToolUse, out.StopReason)
	require.Len(t, out.Message.ToolCalls, 1)
	assert.Equal(t, "gemini_1_read_file", out.Message.ToolCalls[0].ID)

	_, err = processGeminiResponse(&genai.GenerateContentResponse{})
	assert.Error(t, err)

	out, err = processGeminiResponse(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		FinishReason: genai.FinishReasonSafety,
	}}})
	require.NoError(t, err)
	assert.Equal(t, StopRefusal, out.StopReason)
}
