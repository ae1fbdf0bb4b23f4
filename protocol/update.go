package protocol

import "context"

// UpdateType is the sessionUpdate discriminator.
type UpdateType string

const (
	UpdateUserMessageChunk  UpdateType = "user_message_chunk"
	UpdateAgentMessageChunk UpdateType = "agent_message_chunk"
	UpdateAgentThoughtChunk UpdateType = "agent_thought_chunk"
	UpdateToolCall          UpdateType = "tool_call"
	UpdateToolCallUpdate    UpdateType = "tool_call_update"
	UpdateAvailableCommands UpdateType = "available_commands_update"
	UpdateCurrentMode       UpdateType = "current_mode_update"
)

// Update is one variant of the session/update union.
type Update interface {
	UpdateType() UpdateType
}

// ContentChunk carries a user, agent or thought chunk.
type ContentChunk struct {
	SessionUpdate UpdateType     `json:"sessionUpdate"`
	Content       ContentBlock   `json:"content"`
	Meta          map[string]any `json:"_meta,omitempty"`
}

func (c *ContentChunk) UpdateType() UpdateType { return c.SessionUpdate }

func UserChunk(block ContentBlock, meta map[string]any) *ContentChunk {
	return &ContentChunk{SessionUpdate: UpdateUserMessageChunk, Content: block, Meta: meta}
}

func AgentChunk(text string) *ContentChunk {
	return &ContentChunk{SessionUpdate: UpdateAgentMessageChunk, Content: TextBlock(text)}
}

func ThoughtChunk(text string) *ContentChunk {
	return &ContentChunk{SessionUpdate: UpdateAgentThoughtChunk, Content: TextBlock(text)}
}

// AvailableCommandsUpdate advertises the slash commands for a session.
type AvailableCommandsUpdate struct {
	SessionUpdate     UpdateType         `json:"sessionUpdate"`
	AvailableCommands []AvailableCommand `json:"availableCommands"`
}

func (u *AvailableCommandsUpdate) UpdateType() UpdateType { return u.SessionUpdate }

func CommandsUpdate(cmds []AvailableCommand) *AvailableCommandsUpdate {
	if cmds == nil {
		cmds = []AvailableCommand{}
	}
	return &AvailableCommandsUpdate{SessionUpdate: UpdateAvailableCommands, AvailableCommands: cmds}
}

// CurrentModeUpdate reports a mode switch.
type CurrentModeUpdate struct {
	SessionUpdate UpdateType `json:"sessionUpdate"`
	CurrentModeID string     `json:"currentModeId"`
}

func (u *CurrentModeUpdate) UpdateType() UpdateType { return u.SessionUpdate }

func ModeUpdate(modeID string) *CurrentModeUpdate {
	return &CurrentModeUpdate{SessionUpdate: UpdateCurrentMode, CurrentModeID: modeID}
}

// SessionNotification is the params object of a session/update notification.
type SessionNotification struct {
	SessionID string            `json:"sessionId"`
	Update    Update            `json:"update"`
	Meta      *NotificationMeta `json:"_meta,omitempty"`
}

// NotificationMeta orders notifications across the whole process.
type NotificationMeta struct {
	Sequence  uint64 `json:"sequence"`
	Timestamp string `json:"timestamp"`
}

// Notifier delivers session updates to the client.
type Notifier interface {
	Notify(ctx context.Context, sessionID string, update Update) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, sessionID string, update Update) error

func (f NotifierFunc) Notify(ctx context.Context, sessionID string, update Update) error {
	return f(ctx, sessionID, update)
}
