// Package protocol holds the Agent Client Protocol wire types: method names,
// content blocks, session updates, tool-call shapes, stop reasons and the
// domain error codes. It has no behaviour beyond encoding helpers.
package protocol

// ProtocolVersion is the ACP version this server speaks.
const ProtocolVersion = 1

// Method names.
const (
	MethodInitialize        = "initialize"
	MethodSessionNew        = "session/new"
	MethodSessionLoad       = "session/load"
	MethodSessionList       = "session/list"
	MethodSessionDelete     = "session/delete"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionSetMode    = "session/set_mode"
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodToolsList         = "tools/list"
	MethodToolsCall         = "tools/call"
)

// ExtensionPrefix marks method names routed to the extension table.
const ExtensionPrefix = "_"

// Domain error codes, allocated outside the JSON-RPC reserved range.
const (
	CodeSessionNotFound  = -31001
	CodeInvalidMode      = -31002
	CodeToolNotFound     = -31003
	CodeSessionBusy      = -31004
	CodeCapacityExceeded = -31005
)

// StopReason says why a prompt turn ended.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopMaxTurnRequests StopReason = "max_turn_requests"
	StopRefusal         StopReason = "refusal"
	StopCancelled       StopReason = "cancelled"
)

// Valid reports whether r is one of the enumerated stop reasons.
func (r StopReason) Valid() bool {
	switch r {
	case StopEndTurn, StopMaxTokens, StopMaxTurnRequests, StopRefusal, StopCancelled:
		return true
	}
	return false
}

// SessionMode is a named behavioural profile.
type SessionMode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SessionModeState is the active mode and the closed set it belongs to.
type SessionModeState struct {
	CurrentModeID  string        `json:"currentModeId"`
	AvailableModes []SessionMode `json:"availableModes"`
}

// Has reports whether id names one of the available modes.
func (s SessionModeState) Has(id string) bool {
	for _, m := range s.AvailableModes {
		if m.ID == id {
			return true
		}
	}
	return false
}

// IDs lists the available mode ids in order.
func (s SessionModeState) IDs() []string {
	ids := make([]string, 0, len(s.AvailableModes))
	for _, m := range s.AvailableModes {
		ids = append(ids, m.ID)
	}
	return ids
}

// AvailableCommand is a slash command advertised to the client.
type AvailableCommand struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Input       *AvailableCommandInput `json:"input,omitempty"`
}

type AvailableCommandInput struct {
	Hint string `json:"hint"`
}
