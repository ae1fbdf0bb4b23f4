package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// Kind classifies a decoded message.
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	}
	return "unknown"
}

// Message is one decoded line. Exactly one of Request and Response is set.
type Message struct {
	Kind     Kind
	Request  *Request
	Response *Response
}

// Decode parses and validates a single wire message. On failure it returns
// a *Error with the parse error or invalid request code, and the id of the
// offending message when one could be recovered (null otherwise).
func Decode(data []byte) (*Message, json.RawMessage, *Error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil, ParseError("empty message")
	}
	if !json.Valid(data) {
		return nil, nil, ParseError("message is not valid JSON")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, nil, InvalidRequest("message must be a JSON object")
	}

	rawID, hasID := fields["id"]
	if hasID && !validID(rawID) {
		return nil, nil, InvalidRequest("id must be a string, number or null")
	}

	var version string
	if v, ok := fields["jsonrpc"]; !ok || json.Unmarshal(v, &version) != nil || version != Version {
		return nil, rawID, InvalidRequest(`jsonrpc must be "2.0"`)
	}

	if _, hasMethod := fields["method"]; !hasMethod {
		_, hasResult := fields["result"]
		_, hasError := fields["error"]
		if hasID && (hasResult || hasError) {
			var resp Response
			if err := json.Unmarshal(data, &resp); err != nil {
				return nil, rawID, InvalidRequest("malformed response")
			}
			return &Message{Kind: KindResponse, Response: &resp}, rawID, nil
		}
		return nil, rawID, InvalidRequest("method is required")
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, rawID, InvalidRequest(err.Error())
	}
	if req.Method == "" {
		return nil, rawID, InvalidRequest("method must be a non-empty string")
	}

	kind := KindRequest
	if req.IsNotification() {
		kind = KindNotification
	}
	return &Message{Kind: kind, Request: &req}, rawID, nil
}

func validID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch c := raw[0]; {
	case c == '"':
		return true
	case c == '-' || (c >= '0' && c <= '9'):
		return true
	case bytes.Equal(raw, null):
		return true
	}
	return false
}
