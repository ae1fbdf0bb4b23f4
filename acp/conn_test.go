package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/acprelay/jsonrpc"
)

func TestStdioConnSkipsBlankLines(t *testing.T) {
	c := NewStdioConn(strings.NewReader("\n  \n{\"a\":1}\r\n\n{\"b\":2}"), io.Discard, nil)

	msg, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(msg))
	msg, err = c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(msg), "a final line without newline is still a message")
	_, err = c.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStdioConnRejectsOverLongLine(t *testing.T) {
	long := strings.Repeat("x", 200*1024)
	c := NewStdioConn(strings.NewReader(`{"ok":1}`+"\n"+long+"\n"+`{"ok":2}`+"\n"+long), io.Discard, nil)
	c.maxLine = 100 * 1024

	msg, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"ok":1}`, string(msg))

	_, err = c.ReadMessage()
	assert.ErrorIs(t, err, ErrLineTooLong)

	msg, err = c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"ok":2}`, string(msg), "the line after an over-long one reads normally")

	_, err = c.ReadMessage()
	assert.ErrorIs(t, err, ErrLineTooLong)
	_, err = c.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStdioConnLineAtLimitIsAccepted(t *testing.T) {
	line := `"` + strings.Repeat("y", 70*1024) + `"`
	c := NewStdioConn(strings.NewReader(line+"\n"), io.Discard, nil)
	c.maxLine = len(line) + 1

	msg, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, line, string(msg))
}

func TestServeAnswersOverLongLineWithParseError(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	conn := NewStdioConn(inR, outW, inR)
	conn.maxLine = 1024

	done := make(chan error, 1)
	go func() { done <- f.srv.Serve(context.Background(), conn) }()
	go func() {
		_, _ = io.WriteString(inW, strings.Repeat("z", 4096)+"\n")
		_, _ = io.WriteString(inW, `{"jsonrpc":"2.0","id":7,"method":"initialize","params":{"protocolVersion":1}}`+"\n")
	}()

	lines := bufio.NewScanner(outR)
	next := func() map[string]any {
		t.Helper()
		require.True(t, lines.Scan(), "no output: %v", lines.Err())
		var m map[string]any
		require.NoError(t, json.Unmarshal(lines.Bytes(), &m))
		return m
	}

	resp := next()
	require.Contains(t, resp, "id")
	assert.Nil(t, resp["id"])
	assert.EqualValues(t, jsonrpc.CodeParseError, resp["error"].(map[string]any)["code"])

	resp = next()
	assert.EqualValues(t, 7, resp["id"])
	assert.NotContains(t, resp, "error")

	require.NoError(t, inW.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after stdin closed")
	}
	_ = outR.Close()
}
