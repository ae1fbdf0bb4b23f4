package toolcall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/acprelay/errors"
	"github.com/m4xw311/acprelay/protocol"
)

type sent struct {
	sessionID string
	update    protocol.Update
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) Notify(_ context.Context, sessionID string, u protocol.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{sessionID, u})
	return nil
}

func (r *recorder) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

func (r *recorder) updates() []*protocol.ToolCallUpdate {
	var out []*protocol.ToolCallUpdate
	for _, s := range r.all() {
		if u, ok := s.update.(*protocol.ToolCallUpdate); ok {
			out = append(out, u)
		}
	}
	return out
}

func newTracker(t *testing.T, opts Options) (*Tracker, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts.Notifier = rec
	tr := NewTracker(opts)
	t.Cleanup(tr.Close)
	return tr, rec
}

func TestReportEmitsToolCall(t *testing.T) {
	tr, rec := newTracker(t, Options{})
	ctx := context.Background()

	id := tr.Report(ctx, "s1", "edit_file", ReportOptions{
		Title:     "Edit main.go",
		Locations: []protocol.ToolCallLocation{{Path: "/w/main.go"}},
		RawInput:  map[string]any{"path": "main.go"},
	})
	other := tr.Report(ctx, "s1", "edit_file", ReportOptions{})
	assert.NotEqual(t, id, other)

	got := rec.all()
	require.Len(t, got, 2)
	call, ok := got[0].update.(*protocol.ToolCall)
	require.True(t, ok)
	assert.Equal(t, "s1", got[0].sessionID)
	assert.Equal(t, protocol.UpdateToolCall, call.SessionUpdate)
	assert.Equal(t, id, call.ToolCallID)
	assert.Equal(t, protocol.KindEdit, call.Kind)
	assert.Equal(t, protocol.ToolCallInProgress, call.Status)
	assert.Equal(t, "Edit main.go", call.Title)

	second := got[1].update.(*protocol.ToolCall)
	assert.Equal(t, "edit_file", second.Title)
}

func TestKindFor(t *testing.T) {
	assert.Equal(t, protocol.KindRead, KindFor("read_file"))
	assert.Equal(t, protocol.KindExecute, KindFor("execute_command"))
	assert.Equal(t, protocol.KindSearch, KindFor("search"))
	assert.Equal(t, protocol.KindOther, KindFor("gopls_references"))
	assert.True(t, ReadOnly(KindFor("list_dir")))
	assert.False(t, ReadOnly(KindFor("move_file")))
}

func TestUpdateSendsOnlyChangedFields(t *testing.T) {
	tr, rec := newTracker(t, Options{})
	ctx := context.Background()
	id := tr.Report(ctx, "s1", "read_file", ReportOptions{Title: "Read a", Pending: true})

	same := "Read a"
	assert.True(t, tr.Update(ctx, id, UpdateFields{Title: &same}))
	assert.Empty(t, rec.updates(), "unchanged title must not emit")

	assert.True(t, tr.Update(ctx, id, UpdateFields{Status: protocol.ToolCallInProgress}))
	ups := rec.updates()
	require.Len(t, ups, 1)
	assert.Equal(t, protocol.UpdateToolCallUpdate, ups[0].SessionUpdate)
	require.NotNil(t, ups[0].Status)
	assert.Equal(t, protocol.ToolCallInProgress, *ups[0].Status)
	assert.Nil(t, ups[0].Title)
	assert.Nil(t, ups[0].Content)

	// Backward transition is dropped.
	tr.Update(ctx, id, UpdateFields{Status: protocol.ToolCallPending})
	assert.Len(t, rec.updates(), 1)
	r, ok := tr.Get(id)
	require.True(t, ok)
	assert.Equal(t, protocol.ToolCallInProgress, r.Status)
}

func TestTerminalStatusIsFinal(t *testing.T) {
	tr, rec := newTracker(t, Options{})
	ctx := context.Background()
	id := tr.Report(ctx, "s1", "search", ReportOptions{})

	require.True(t, tr.Complete(ctx, id, []protocol.ToolCallContent{protocol.TextContent("ok")}, "raw"))
	assert.False(t, tr.Fail(ctx, id, "late failure"))
	assert.False(t, tr.Complete(ctx, id, nil, nil))

	var terminal []protocol.ToolCallStatus
	for _, u := range rec.updates() {
		if u.Status != nil && u.Status.Terminal() {
			terminal = append(terminal, *u.Status)
		}
	}
	assert.Equal(t, []protocol.ToolCallStatus{protocol.ToolCallCompleted}, terminal)

	r, ok := tr.Get(id)
	require.True(t, ok)
	require.NotNil(t, r.EndTime)
	assert.False(t, r.EndTime.Before(r.StartTime))
	assert.Equal(t, "raw", r.Last.RawOutput)
}

func TestFinishedRecordsAreEvictedAfterGrace(t *testing.T) {
	tr, _ := newTracker(t, Options{Grace: 20 * time.Millisecond})
	ctx := context.Background()
	id := tr.Report(ctx, "s1", "search", ReportOptions{})
	tr.Fail(ctx, id, "boom")

	_, ok := tr.Get(id)
	assert.True(t, ok, "record must survive until the grace period ends")
	assert.Eventually(t, func() bool { return tr.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCancelAllForSession(t *testing.T) {
	tr, rec := newTracker(t, Options{Grace: time.Hour})
	ctx := context.Background()
	running := tr.Report(ctx, "s1", "execute_command", ReportOptions{})
	pending := tr.Report(ctx, "s1", "write_file", ReportOptions{Pending: true})
	done := tr.Report(ctx, "s1", "read_file", ReportOptions{})
	tr.Complete(ctx, done, nil, nil)
	otherSession := tr.Report(ctx, "s2", "read_file", ReportOptions{})

	n := tr.CancelAllForSession(ctx, "s1")
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, tr.Len())
	_, ok := tr.Get(otherSession)
	assert.True(t, ok)

	cancelled := map[string]bool{}
	for _, u := range rec.updates() {
		if u.Status != nil && *u.Status == protocol.ToolCallFailed {
			require.NotNil(t, u.Title)
			assert.Equal(t, CancelledTitle, *u.Title)
			cancelled[u.ToolCallID] = true
		}
	}
	assert.Equal(t, map[string]bool{running: true, pending: true}, cancelled)

	// Late updates from the interrupted runner are ignored.
	assert.False(t, tr.Complete(ctx, running, nil, nil))
}

func TestCancelStopsEvictionTimers(t *testing.T) {
	tr, _ := newTracker(t, Options{Grace: 10 * time.Millisecond})
	ctx := context.Background()
	id := tr.Report(ctx, "s1", "search", ReportOptions{})
	tr.Complete(ctx, id, nil, nil)
	tr.CancelAllForSession(ctx, "s1")

	// A replacement record under a fresh id must not be touched by the old
	// timer.
	again := tr.Report(ctx, "s1", "search", ReportOptions{})
	time.Sleep(30 * time.Millisecond)
	_, ok := tr.Get(again)
	assert.True(t, ok)
}

func TestPermissionDefaults(t *testing.T) {
	ctx := context.Background()

	allow, _ := newTracker(t, Options{})
	id := allow.Report(ctx, "s1", "write_file", ReportOptions{Pending: true})
	d, err := allow.RequestPermission(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, protocol.PermissionAllowOnce, d.Kind)
	assert.Equal(t, "policy", d.Source)

	reject, _ := newTracker(t, Options{DefaultPolicy: PolicyReject})
	id = reject.Report(ctx, "s1", "write_file", ReportOptions{Pending: true})
	d, err = reject.RequestPermission(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, protocol.PermissionRejectOnce, d.Kind)
}

func TestPermissionRequesterFailureRejects(t *testing.T) {
	ctx := context.Background()
	var asked protocol.RequestPermissionParams
	tr, _ := newTracker(t, Options{
		Permissions: PermissionRequesterFunc(func(_ context.Context, p protocol.RequestPermissionParams) (*protocol.RequestPermissionResult, error) {
			asked = p
			return nil, errors.New("client went away")
		}),
	})
	id := tr.Report(ctx, "s1", "write_file", ReportOptions{Title: "Write x", Pending: true})
	d, err := tr.RequestPermission(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, protocol.PermissionRejectOnce, d.Kind)

	assert.Equal(t, "s1", asked.SessionID)
	assert.Equal(t, id, asked.ToolCall.ToolCallID)
	require.NotNil(t, asked.ToolCall.Title)
	assert.Equal(t, "Write x", *asked.ToolCall.Title)
	assert.Len(t, asked.Options, 4)
}

func TestPermissionTimeoutRejects(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t, Options{
		PermissionTimeout: 10 * time.Millisecond,
		Permissions: PermissionRequesterFunc(func(ctx context.Context, _ protocol.RequestPermissionParams) (*protocol.RequestPermissionResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})
	id := tr.Report(ctx, "s1", "write_file", ReportOptions{Pending: true})
	d, err := tr.RequestPermission(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "fallback", d.Source)
}

func TestPermissionAlwaysIsRemembered(t *testing.T) {
	ctx := context.Background()
	calls := 0
	tr, _ := newTracker(t, Options{
		Permissions: PermissionRequesterFunc(func(context.Context, protocol.RequestPermissionParams) (*protocol.RequestPermissionResult, error) {
			calls++
			return &protocol.RequestPermissionResult{Outcome: protocol.PermissionOutcome{
				Outcome: protocol.OutcomeSelected, OptionID: string(protocol.PermissionAllowAlways),
			}}, nil
		}),
	})
	for i := 0; i < 3; i++ {
		id := tr.Report(ctx, "s1", "write_file", ReportOptions{Pending: true})
		d, err := tr.RequestPermission(ctx, id)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	assert.Equal(t, 1, calls)

	tr.Forget("s1")
	id := tr.Report(ctx, "s1", "write_file", ReportOptions{Pending: true})
	_, err := tr.RequestPermission(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDecide(t *testing.T) {
	opts := DefaultOptions()
	d := decide(&protocol.RequestPermissionResult{Outcome: protocol.PermissionOutcome{Outcome: protocol.OutcomeCancelled}}, opts)
	assert.True(t, d.Cancelled)
	assert.False(t, d.Allowed)

	d = decide(&protocol.RequestPermissionResult{Outcome: protocol.PermissionOutcome{Outcome: protocol.OutcomeSelected, OptionID: "made-up"}}, opts)
	assert.False(t, d.Allowed)

	d = decide(&protocol.RequestPermissionResult{Outcome: protocol.PermissionOutcome{Outcome: protocol.OutcomeSelected, OptionID: "reject_once"}}, opts)
	assert.False(t, d.Allowed)
	assert.Equal(t, protocol.PermissionRejectOnce, d.Kind)
}

func TestDefaultOutcome(t *testing.T) {
	opts := []protocol.PermissionOption{
		{OptionID: "yes", Kind: protocol.PermissionAllowAlways},
		{OptionID: "once", Kind: protocol.PermissionAllowOnce},
		{OptionID: "no", Kind: protocol.PermissionRejectOnce},
	}
	assert.Equal(t, protocol.PermissionOutcome{Outcome: protocol.OutcomeSelected, OptionID: "once"}, DefaultOutcome(opts, PolicyAllow))
	assert.Equal(t, protocol.PermissionOutcome{Outcome: protocol.OutcomeSelected, OptionID: "no"}, DefaultOutcome(opts, PolicyReject))
	assert.Equal(t, protocol.PermissionOutcome{Outcome: protocol.OutcomeSelected, OptionID: "yes"}, DefaultOutcome(opts[:1], PolicyAllow))
	assert.Equal(t, protocol.OutcomeCancelled, DefaultOutcome(opts[:2], PolicyReject).Outcome)
}
