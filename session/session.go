package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/m4xw311/acprelay/protocol"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a session conversation.
type Message struct {
	Role      Role                    `json:"role"`
	Content   []protocol.ContentBlock `json:"content"`
	Timestamp time.Time               `json:"timestamp"`
}

type State struct {
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`
}

// Session is the persisted record of one conversation.
type Session struct {
	ID           string                    `json:"sessionId"`
	CreatedAt    time.Time                 `json:"createdAt"`
	UpdatedAt    time.Time                 `json:"updatedAt"`
	Conversation []Message                 `json:"conversation"`
	State        State                     `json:"state"`
	Mode         protocol.SessionModeState `json:"mode"`
	Processing   bool                      `json:"processing"`
	Metadata     map[string]any            `json:"metadata,omitempty"`

	// creation order inside the registry
	seq uint64
}

// Cwd returns the working directory recorded at creation, if any.
func (s *Session) Cwd() string {
	cwd, _ := s.Metadata["cwd"].(string)
	return cwd
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	c := *s
	c.Conversation = make([]Message, len(s.Conversation))
	for i, m := range s.Conversation {
		m.Content = append([]protocol.ContentBlock(nil), m.Content...)
		c.Conversation[i] = m
	}
	c.Mode.AvailableModes = append([]protocol.SessionMode(nil), s.Mode.AvailableModes...)
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func newID() string {
	return uuid.NewString()
}

// NotFoundError reports an unknown session id.
type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("session not found: %s", e.ID) }

// BusyError reports a mutation attempted while a turn is in flight.
type BusyError struct {
	ID        string
	Operation string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("session %s is processing a prompt; cannot %s", e.ID, e.Operation)
}

// CapacityError reports that every slot is held by a processing session.
type CapacityError struct{ Max int }

func (e *CapacityError) Error() string {
	return fmt.Sprintf("session capacity of %d reached and no idle session can be evicted", e.Max)
}

// InvalidModeError reports a mode outside the available set.
type InvalidModeError struct {
	ID        string
	Mode      string
	Available []string
}

func (e *InvalidModeError) Error() string {
	return fmt.Sprintf("invalid mode %q for session %s", e.Mode, e.ID)
}
