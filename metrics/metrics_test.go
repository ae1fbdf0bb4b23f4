package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.TurnFinished("end_turn", 20*time.Millisecond)
	m.ToolCallFinished("completed")
	m.SetSessions(2)
	m.Notification("agent_message_chunk")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `acprelay_turns_total{stop_reason="end_turn"} 1`)
	assert.Contains(t, string(body), `acprelay_tool_calls_total{status="completed"} 1`)
	assert.Contains(t, string(body), `acprelay_sessions 2`)
	assert.Contains(t, string(body), `acprelay_notifications_total{update="agent_message_chunk"} 1`)
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(New().Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TurnFinished("refusal", time.Second)
		m.ToolCallFinished("failed")
		m.SetSessions(1)
		m.Notification("tool_call")
	})
}
