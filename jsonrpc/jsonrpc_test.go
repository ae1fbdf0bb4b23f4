package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDistinguishesAbsentIDFromNull(t *testing.T) {
	cases := []struct {
		name         string
		line         string
		notification bool
		id           string
	}{
		{"absent", `{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":"s"}}`, true, ""},
		{"null", `{"jsonrpc":"2.0","id":null,"method":"session/cancel"}`, false, "null"},
		{"number", `{"jsonrpc":"2.0","id":7,"method":"initialize"}`, false, "7"},
		{"string", `{"jsonrpc":"2.0","id":"abc","method":"initialize"}`, false, `"abc"`},
		{"zero", `{"jsonrpc":"2.0","id":0,"method":"initialize"}`, false, "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, _, rpcErr := Decode([]byte(tc.line))
			require.Nil(t, rpcErr)
			require.NotNil(t, msg.Request)
			assert.Equal(t, tc.notification, msg.Request.IsNotification())
			if tc.notification {
				assert.Equal(t, KindNotification, msg.Kind)
				assert.Nil(t, msg.Request.ID)
			} else {
				assert.Equal(t, KindRequest, msg.Kind)
				assert.Equal(t, tc.id, string(msg.Request.ID))
			}
		})
	}
}

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	cases := []struct {
		name string
		line string
		code int
		id   string
	}{
		{"garbage", `{not json`, CodeParseError, ""},
		{"empty", `   `, CodeParseError, ""},
		{"array", `[1,2]`, CodeInvalidRequest, ""},
		{"scalar", `42`, CodeInvalidRequest, ""},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"x"}`, CodeInvalidRequest, "1"},
		{"missing method", `{"jsonrpc":"2.0","id":2}`, CodeInvalidRequest, "2"},
		{"empty method", `{"jsonrpc":"2.0","id":3,"method":""}`, CodeInvalidRequest, "3"},
		{"object id", `{"jsonrpc":"2.0","id":{"a":1},"method":"x"}`, CodeInvalidRequest, ""},
		{"numeric method", `{"jsonrpc":"2.0","id":4,"method":5}`, CodeInvalidRequest, "4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, id, rpcErr := Decode([]byte(tc.line))
			assert.Nil(t, msg)
			require.NotNil(t, rpcErr)
			assert.Equal(t, tc.code, rpcErr.Code)
			assert.Equal(t, tc.id, string(id))
		})
	}
}

func TestDecodeClassifiesResponses(t *testing.T) {
	msg, _, rpcErr := Decode([]byte(`{"jsonrpc":"2.0","id":"client_1","result":{"outcome":{"outcome":"selected","optionId":"allow"}}}`))
	require.Nil(t, rpcErr)
	assert.Equal(t, KindResponse, msg.Kind)
	assert.Equal(t, `"client_1"`, string(msg.Response.ID))
	assert.False(t, msg.Response.IsError())

	msg, _, rpcErr = Decode([]byte(`{"jsonrpc":"2.0","id":"client_2","error":{"code":-32603,"message":"nope"}}`))
	require.Nil(t, rpcErr)
	require.NotNil(t, msg.Response.Error)
	assert.Equal(t, CodeInternalError, msg.Response.Error.Code)
}

func TestRequestMarshalRoundTripKeepsNotificationShape(t *testing.T) {
	n, err := NewNotification("session/update", map[string]any{"sessionId": "s"})
	require.NoError(t, err)
	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"id"`)

	r, err := NewRequest(nil, "session/cancel", nil)
	require.NoError(t, err)
	data, err = json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"method":"session/cancel"}`, string(data))

	var back Request
	require.NoError(t, json.Unmarshal(data, &back))
	assert.False(t, back.IsNotification())
	assert.False(t, back.HasParams())
}

func TestResponseShapes(t *testing.T) {
	data, err := json.Marshal(NewResult(json.RawMessage("5"), nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":5,"result":null}`, string(data))

	data, err = json.Marshal(NewErrorResponse(nil, MethodNotFound("nope")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32601,"message":"Method not found","data":{"method":"nope"}}}`, string(data))

	resp := NewResult(json.RawMessage(`"x"`), func() {})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
}

func TestErrorImplementsError(t *testing.T) {
	var err error = InvalidParams("sessionId is required")
	assert.Contains(t, err.Error(), "-32602")
	assert.Contains(t, err.Error(), "sessionId is required")
}
