// Package jsonrpc implements the JSON-RPC 2.0 envelope used on the wire:
// requests, notifications, responses and error objects, plus the decoder
// that classifies a raw line into one of them.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only protocol version accepted and emitted.
const Version = "2.0"

// Reserved error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

var null = json.RawMessage("null")

// Request is an inbound or outbound call. A request whose id key was absent
// from the payload is a notification; an explicit "id": null is not.
type Request struct {
	JSONRPC string
	Method  string
	Params  json.RawMessage
	// ID holds the raw id value. It is "null" for an explicit null id and
	// nil for notifications.
	ID json.RawMessage

	idPresent bool
}

// NewRequest builds a request with the given id and params.
func NewRequest(id json.RawMessage, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	if id == nil {
		id = null
	}
	return &Request{JSONRPC: Version, Method: method, Params: raw, ID: id, idPresent: true}, nil
}

// NewNotification builds a request without an id.
func NewNotification(method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: Version, Method: method, Params: raw}, nil
}

// IsNotification reports whether the id key was absent.
func (r *Request) IsNotification() bool { return !r.idPresent }

// HasParams reports whether params were supplied and are not null.
func (r *Request) HasParams() bool {
	return len(r.Params) > 0 && !bytes.Equal(bytes.TrimSpace(r.Params), null)
}

// UnmarshalJSON records key presence separately from the id value.
func (r *Request) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*r = Request{}
	if v, ok := fields["jsonrpc"]; ok {
		if err := json.Unmarshal(v, &r.JSONRPC); err != nil {
			return fmt.Errorf("jsonrpc must be a string")
		}
	}
	if v, ok := fields["method"]; ok {
		if err := json.Unmarshal(v, &r.Method); err != nil {
			return fmt.Errorf("method must be a string")
		}
	}
	if v, ok := fields["params"]; ok {
		r.Params = v
	}
	if v, ok := fields["id"]; ok {
		r.ID = v
		r.idPresent = true
	}
	return nil
}

// MarshalJSON omits the id key for notifications.
func (r Request) MarshalJSON() ([]byte, error) {
	type wire struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}
	w := wire{JSONRPC: Version, Method: r.Method, Params: r.Params}
	if r.idPresent {
		w.ID = r.ID
		if w.ID == nil {
			w.ID = null
		}
	}
	return json.Marshal(w)
}

// Response carries exactly one of Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResult marshals result into a success response. A nil result is sent
// as JSON null. Values that cannot be marshalled produce an internal error
// response instead.
func NewResult(id json.RawMessage, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, InternalError(fmt.Sprintf("encode result: %v", err)))
	}
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: raw}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id json.RawMessage, e *Error) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Error: e}
}

// IsError reports whether the response carries an error object.
func (r *Response) IsError() bool { return r.Error != nil }

// Error is a JSON-RPC error object. It implements error so handlers can
// return it directly.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc error %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error object.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

func ParseError(detail string) *Error {
	return NewError(CodeParseError, "Parse error", detailData(detail))
}

func InvalidRequest(detail string) *Error {
	return NewError(CodeInvalidRequest, "Invalid request", detailData(detail))
}

func MethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, "Method not found", map[string]any{"method": method})
}

func InvalidParams(detail string) *Error {
	return NewError(CodeInvalidParams, "Invalid params", detailData(detail))
}

func InternalError(detail string) *Error {
	return NewError(CodeInternalError, "Internal error", detailData(detail))
}

func detailData(detail string) any {
	if detail == "" {
		return nil
	}
	return map[string]any{"details": detail}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return null
	}
	return id
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
