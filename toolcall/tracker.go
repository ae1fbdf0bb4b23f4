// Package toolcall tracks tool invocations from creation to a terminal
// status and turns every transition into a session/update notification.
package toolcall

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/errors"
	"github.com/m4xw311/acprelay/logging"
	"github.com/m4xw311/acprelay/metrics"
	"github.com/m4xw311/acprelay/protocol"
)

// DefaultGrace is how long a finished record stays inspectable.
const DefaultGrace = 30 * time.Second

// CancelledTitle is the title given to calls failed by CancelAllForSession.
const CancelledTitle = "Cancelled by user"

type Options struct {
	Notifier protocol.Notifier
	// Permissions is asked before confirmable tools run. When nil,
	// DefaultPolicy decides.
	Permissions       PermissionRequester
	DefaultPolicy     string
	PermissionTimeout time.Duration
	Grace             time.Duration
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
	Now               func() time.Time
}

// Record is a snapshot of one tracked call.
type Record struct {
	ID        string
	SessionID string
	ToolName  string
	Status    protocol.ToolCallStatus
	StartTime time.Time
	// EndTime is set iff Status is terminal.
	EndTime *time.Time
	// Last is the accumulated state of every notification sent so far.
	Last protocol.ToolCallUpdate
}

type record struct {
	Record
	timer *time.Timer
}

// Tracker owns the tool-call table. Notifications are emitted while the
// table lock is held, so the updates of one call reach the notifier in
// transition order.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*record
	// remembered holds allow_always / reject_always answers per session and
	// tool name.
	remembered map[string]map[string]Decision
	opts       Options
	logger     *zap.Logger
}

func NewTracker(opts Options) *Tracker {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultPolicy == "" {
		opts.DefaultPolicy = PolicyAllow
	}
	return &Tracker{
		records:    make(map[string]*record),
		remembered: make(map[string]map[string]Decision),
		opts:       opts,
		logger:     logging.OrNop(opts.Logger).Named("toolcall"),
	}
}

func newID() string {
	return "call_" + ulid.Make().String()
}

// ReportOptions describe a new call.
type ReportOptions struct {
	Title string
	// Kind overrides the kind derived from the tool name.
	Kind      protocol.ToolKind
	Locations []protocol.ToolCallLocation
	RawInput  any
	// Pending starts the call in pending instead of in_progress, for calls
	// that wait on a permission decision.
	Pending bool
}

// Report creates a record, emits tool_call and returns the new id.
func (t *Tracker) Report(ctx context.Context, sessionID, toolName string, opts ReportOptions) string {
	kind := opts.Kind
	if kind == "" {
		kind = KindFor(toolName)
	}
	title := opts.Title
	if title == "" {
		title = toolName
	}
	status := protocol.ToolCallInProgress
	if opts.Pending {
		status = protocol.ToolCallPending
	}

	rec := &record{Record: Record{
		ID:        newID(),
		SessionID: sessionID,
		ToolName:  toolName,
		Status:    status,
		StartTime: t.opts.Now(),
	}}
	rec.Last = protocol.ToolCallUpdate{
		ToolCallID: rec.ID,
		Title:      &title,
		Kind:       &kind,
		Status:     &status,
		Locations:  opts.Locations,
		RawInput:   opts.RawInput,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[rec.ID] = rec
	t.emitLocked(ctx, sessionID, &protocol.ToolCall{
		SessionUpdate: protocol.UpdateToolCall,
		ToolCallID:    rec.ID,
		Title:         title,
		Kind:          kind,
		Status:        status,
		Locations:     opts.Locations,
		RawInput:      opts.RawInput,
	})
	return rec.ID
}

// UpdateFields lists the fields an update may change. Zero values mean
// unchanged.
type UpdateFields struct {
	Title     *string
	Status    protocol.ToolCallStatus
	Content   []protocol.ToolCallContent
	Locations []protocol.ToolCallLocation
	RawOutput any
}

// Update emits a tool_call_update with the fields that differ from the
// current state. It returns false, and logs a warning, when the call is
// unknown or already terminal. Status moves backwards are dropped.
func (t *Tracker) Update(ctx context.Context, id string, f UpdateFields) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updateLocked(ctx, id, f)
}

func (t *Tracker) updateLocked(ctx context.Context, id string, f UpdateFields) bool {
	rec, ok := t.records[id]
	if !ok {
		t.logger.Warn("update for unknown tool call", zap.String("toolCallId", id))
		return false
	}
	if rec.Status.Terminal() {
		t.logger.Warn("update after terminal status ignored",
			zap.String("toolCallId", id), zap.String("status", string(rec.Status)))
		return false
	}

	u := &protocol.ToolCallUpdate{SessionUpdate: protocol.UpdateToolCallUpdate, ToolCallID: id}
	changed := false
	if f.Title != nil && (rec.Last.Title == nil || *rec.Last.Title != *f.Title) {
		title := *f.Title
		u.Title = &title
		rec.Last.Title = &title
		changed = true
	}
	if f.Status != "" && f.Status != rec.Status {
		if f.Status.Rank() < rec.Status.Rank() {
			t.logger.Warn("backward status transition ignored", zap.String("toolCallId", id),
				zap.String("from", string(rec.Status)), zap.String("to", string(f.Status)))
		} else {
			status := f.Status
			u.Status = &status
			rec.Last.Status = &status
			rec.Status = status
			changed = true
		}
	}
	if f.Content != nil {
		u.Content = f.Content
		rec.Last.Content = f.Content
		changed = true
	}
	if f.Locations != nil {
		u.Locations = f.Locations
		rec.Last.Locations = f.Locations
		changed = true
	}
	if f.RawOutput != nil {
		u.RawOutput = f.RawOutput
		rec.Last.RawOutput = f.RawOutput
		changed = true
	}
	if !changed {
		return true
	}

	if rec.Status.Terminal() {
		end := t.opts.Now()
		if end.Before(rec.StartTime) {
			end = rec.StartTime
		}
		rec.EndTime = &end
		t.opts.Metrics.ToolCallFinished(string(rec.Status))
		rec.timer = time.AfterFunc(t.opts.Grace, func() { t.evict(id, rec) })
	}
	t.emitLocked(ctx, rec.SessionID, u)
	return true
}

// Complete marks the call completed and schedules its eviction.
func (t *Tracker) Complete(ctx context.Context, id string, content []protocol.ToolCallContent, rawOutput any) bool {
	return t.Update(ctx, id, UpdateFields{Status: protocol.ToolCallCompleted, Content: content, RawOutput: rawOutput})
}

// Fail marks the call failed with reason as its content and schedules its
// eviction.
func (t *Tracker) Fail(ctx context.Context, id, reason string) bool {
	f := UpdateFields{Status: protocol.ToolCallFailed}
	if reason != "" {
		f.Content = []protocol.ToolCallContent{protocol.TextContent(reason)}
	}
	return t.Update(ctx, id, f)
}

// RequestPermission asks whether the call may run. Without a requester the
// default policy answers. A failed or timed out request is a rejection.
// allow_always and reject_always answers are remembered for the session and
// tool name until Forget.
func (t *Tracker) RequestPermission(ctx context.Context, id string) (Decision, error) {
	t.mu.Lock()
	rec, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return fallbackDecision(), errors.New("unknown tool call %s", id)
	}
	sessionID, toolName := rec.SessionID, rec.ToolName
	snapshot := rec.Last
	if d, ok := t.remembered[sessionID][toolName]; ok {
		t.mu.Unlock()
		d.Source = "remembered"
		return d, nil
	}
	t.mu.Unlock()

	if t.opts.Permissions == nil {
		return policyDecision(t.opts.DefaultPolicy), nil
	}

	if t.opts.PermissionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.PermissionTimeout)
		defer cancel()
	}
	options := DefaultOptions()
	result, err := t.opts.Permissions.RequestPermission(ctx, protocol.RequestPermissionParams{
		SessionID: sessionID,
		ToolCall:  snapshot,
		Options:   options,
	})
	if err != nil {
		t.logger.Warn("permission request failed, rejecting",
			zap.String("toolCallId", id), zap.Error(err))
		return fallbackDecision(), nil
	}
	d := decide(result, options)
	if d.Kind == protocol.PermissionAllowAlways || d.Kind == protocol.PermissionRejectAlways {
		t.mu.Lock()
		if t.remembered[sessionID] == nil {
			t.remembered[sessionID] = make(map[string]Decision)
		}
		t.remembered[sessionID][toolName] = d
		t.mu.Unlock()
	}
	return d, nil
}

// Forget drops remembered permission answers for a session.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.remembered, sessionID)
}

// CancelAllForSession fails every non-terminal call of the session with
// CancelledTitle, stops all eviction timers and removes the session's
// records at once. It returns how many calls were cancelled.
func (t *Tracker) CancelAllForSession(ctx context.Context, sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	title := CancelledTitle
	cancelled := 0
	for id, rec := range t.records {
		if rec.SessionID != sessionID {
			continue
		}
		if !rec.Status.Terminal() {
			t.updateLocked(ctx, id, UpdateFields{Title: &title, Status: protocol.ToolCallFailed})
			cancelled++
		}
		if rec.timer != nil {
			rec.timer.Stop()
			rec.timer = nil
		}
		delete(t.records, id)
	}
	if cancelled > 0 {
		t.logger.Info("cancelled tool calls", zap.String("sessionId", sessionID), zap.Int("count", cancelled))
	}
	return cancelled
}

// Get returns a snapshot of a tracked call.
func (t *Tracker) Get(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.Record, true
}

// Len is the number of tracked calls, finished ones in their grace period
// included.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Close stops every eviction timer and drops all records.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.records {
		if rec.timer != nil {
			rec.timer.Stop()
		}
		delete(t.records, id)
	}
}

// evict removes rec unless it was already removed or replaced.
func (t *Tracker) evict(id string, rec *record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.records[id] == rec {
		delete(t.records, id)
	}
}

func (t *Tracker) emitLocked(ctx context.Context, sessionID string, u protocol.Update) {
	if t.opts.Notifier == nil {
		return
	}
	if err := t.opts.Notifier.Notify(ctx, sessionID, u); err != nil {
		t.logger.Warn("failed to send tool call notification",
			zap.String("sessionId", sessionID), zap.String("update", string(u.UpdateType())), zap.Error(err))
	}
}
