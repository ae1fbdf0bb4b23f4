package protocol

// ToolKind is the closed taxonomy of tool categories shown by clients.
type ToolKind string

const (
	KindRead    ToolKind = "read"
	KindEdit    ToolKind = "edit"
	KindDelete  ToolKind = "delete"
	KindMove    ToolKind = "move"
	KindSearch  ToolKind = "search"
	KindExecute ToolKind = "execute"
	KindThink   ToolKind = "think"
	KindFetch   ToolKind = "fetch"
	KindOther   ToolKind = "other"
)

// ToolCallStatus is the lifecycle state of a tool call.
type ToolCallStatus string

const (
	ToolCallPending    ToolCallStatus = "pending"
	ToolCallInProgress ToolCallStatus = "in_progress"
	ToolCallCompleted  ToolCallStatus = "completed"
	ToolCallFailed     ToolCallStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s ToolCallStatus) Terminal() bool {
	return s == ToolCallCompleted || s == ToolCallFailed
}

// Rank orders statuses along the state machine.
func (s ToolCallStatus) Rank() int {
	switch s {
	case ToolCallPending:
		return 0
	case ToolCallInProgress:
		return 1
	case ToolCallCompleted, ToolCallFailed:
		return 2
	}
	return -1
}

// Tool call content variants.
const (
	ToolContentContent = "content"
	ToolContentDiff    = "diff"
)

// ToolCallContent is either a wrapped content block or a file diff. For a
// diff, a nil OldText marks a newly created file.
type ToolCallContent struct {
	Type    string        `json:"type"`
	Content *ContentBlock `json:"content,omitempty"`
	Path    string        `json:"path,omitempty"`
	OldText *string       `json:"oldText,omitempty"`
	NewText *string       `json:"newText,omitempty"`
}

// TextContent wraps plain text as tool call content.
func TextContent(text string) ToolCallContent {
	b := TextBlock(text)
	return ToolCallContent{Type: ToolContentContent, Content: &b}
}

// DiffContent builds a diff variant.
func DiffContent(path string, oldText *string, newText string) ToolCallContent {
	return ToolCallContent{Type: ToolContentDiff, Path: path, OldText: oldText, NewText: &newText}
}

// ToolCallLocation is a file the tool touches.
type ToolCallLocation struct {
	Path string `json:"path"`
	Line *int   `json:"line,omitempty"`
}

// ToolCall is the initial tool_call notification.
type ToolCall struct {
	SessionUpdate UpdateType         `json:"sessionUpdate"`
	ToolCallID    string             `json:"toolCallId"`
	Title         string             `json:"title"`
	Kind          ToolKind           `json:"kind"`
	Status        ToolCallStatus     `json:"status"`
	Content       []ToolCallContent  `json:"content,omitempty"`
	Locations     []ToolCallLocation `json:"locations,omitempty"`
	RawInput      any                `json:"rawInput,omitempty"`
}

func (c *ToolCall) UpdateType() UpdateType { return c.SessionUpdate }

// ToolCallUpdate carries only the fields that changed. It doubles as the
// full snapshot sent with permission requests.
type ToolCallUpdate struct {
	SessionUpdate UpdateType         `json:"sessionUpdate,omitempty"`
	ToolCallID    string             `json:"toolCallId"`
	Title         *string            `json:"title,omitempty"`
	Kind          *ToolKind          `json:"kind,omitempty"`
	Status        *ToolCallStatus    `json:"status,omitempty"`
	Content       []ToolCallContent  `json:"content,omitempty"`
	Locations     []ToolCallLocation `json:"locations,omitempty"`
	RawInput      any                `json:"rawInput,omitempty"`
	RawOutput     any                `json:"rawOutput,omitempty"`
}

func (u *ToolCallUpdate) UpdateType() UpdateType { return UpdateToolCallUpdate }

// PermissionOptionKind hints how the client should render an option.
type PermissionOptionKind string

const (
	PermissionAllowOnce    PermissionOptionKind = "allow_once"
	PermissionAllowAlways  PermissionOptionKind = "allow_always"
	PermissionRejectOnce   PermissionOptionKind = "reject_once"
	PermissionRejectAlways PermissionOptionKind = "reject_always"
)

// Allows reports whether choosing the option permits execution.
func (k PermissionOptionKind) Allows() bool {
	return k == PermissionAllowOnce || k == PermissionAllowAlways
}

type PermissionOption struct {
	OptionID string               `json:"optionId"`
	Name     string               `json:"name"`
	Kind     PermissionOptionKind `json:"kind"`
}

// RequestPermissionParams is sent to the client before a gated tool runs.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallUpdate     `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// Permission outcomes.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}
