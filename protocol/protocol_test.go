package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileDiffOmitsOldText(t *testing.T) {
	data, err := json.Marshal(DiffContent("/tmp/new.go", nil, "package x\n"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"diff","path":"/tmp/new.go","newText":"package x\n"}`, string(data))

	old := ""
	data, err = json.Marshal(DiffContent("/tmp/f", &old, "a"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"oldText":""`)
}

func TestSessionNotificationShape(t *testing.T) {
	n := SessionNotification{
		SessionID: "s1",
		Update:    UserChunk(TextBlock("hi"), map[string]any{"category": "text", "source": "user"}),
		Meta:      &NotificationMeta{Sequence: 3, Timestamp: "2026-01-01T00:00:00Z"},
	}
	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"sessionId":"s1",
		"update":{"sessionUpdate":"user_message_chunk","content":{"type":"text","text":"hi"},"_meta":{"category":"text","source":"user"}},
		"_meta":{"sequence":3,"timestamp":"2026-01-01T00:00:00Z"}
	}`, string(data))
}

func TestToolCallStatusOrdering(t *testing.T) {
	assert.Less(t, ToolCallPending.Rank(), ToolCallInProgress.Rank())
	assert.Less(t, ToolCallInProgress.Rank(), ToolCallCompleted.Rank())
	assert.Equal(t, ToolCallCompleted.Rank(), ToolCallFailed.Rank())
	assert.True(t, ToolCallFailed.Terminal())
	assert.False(t, ToolCallPending.Terminal())
}

func TestContentBlockHelpers(t *testing.T) {
	size := int64(120)
	assert.Equal(t, "resource", ContentBlock{Type: BlockResourceLink, Size: &size}.Category())
	assert.Equal(t, 120, ContentBlock{Type: BlockResourceLink, Size: &size}.PayloadSize())
	assert.Equal(t, 5, TextBlock("hello").PayloadSize())
	assert.True(t, KnownBlockType(BlockAudio))
	assert.False(t, KnownBlockType("video"))

	modes := SessionModeState{CurrentModeID: "ask", AvailableModes: []SessionMode{{ID: "ask"}, {ID: "code"}}}
	assert.True(t, modes.Has("code"))
	assert.False(t, modes.Has("yolo"))
	assert.Equal(t, []string{"ask", "code"}, modes.IDs())
	assert.True(t, StopRefusal.Valid())
	assert.False(t, StopReason("done").Valid())
}

func TestContentBlockEncodesBackVerbatim(t *testing.T) {
	in := `{"type":"text","text":"hi","_meta":{"origin":"editor"},"futureField":[1,2]}`
	var b ContentBlock
	require.NoError(t, json.Unmarshal([]byte(in), &b))
	assert.Equal(t, "hi", b.Text)

	out, err := json.Marshal(UserChunk(b, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"sessionUpdate":"user_message_chunk","content":`+in+`}`, string(out))

	var blocks []ContentBlock
	require.NoError(t, json.Unmarshal([]byte(`[{"type":"text","text":""},{"type":"image","data":"AA==","mimeType":"image/png","_meta":{"k":1}}]`), &blocks))
	out, err = json.Marshal(blocks)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":"text","text":""},{"type":"image","data":"AA==","mimeType":"image/png","_meta":{"k":1}}]`, string(out))
}

func TestEmptyTextBlockKeepsTextKey(t *testing.T) {
	out, err := json.Marshal(TextBlock(""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","text":""}`, string(out))

	out, err = json.Marshal(ContentBlock{Type: BlockImage, Data: "AA==", MimeType: "image/png"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"image","data":"AA==","mimeType":"image/png"}`, string(out))
}
