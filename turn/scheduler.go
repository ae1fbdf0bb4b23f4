// Package turn runs prompt turns: one FIFO queue per session, sessions in
// parallel.
package turn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/agent"
	"github.com/m4xw311/acprelay/errors"
	"github.com/m4xw311/acprelay/logging"
	"github.com/m4xw311/acprelay/metrics"
	"github.com/m4xw311/acprelay/protocol"
	"github.com/m4xw311/acprelay/session"
	"github.com/m4xw311/acprelay/toolcall"
)

var (
	// ErrEmptyContent rejects a prompt without content blocks.
	ErrEmptyContent = errors.Sentinel("prompt content must not be empty")
	// ErrClosed rejects submissions after Close.
	ErrClosed = errors.Sentinel("turn scheduler is closed")
	// ErrCancelled is the cancellation cause of a turn stopped by the client.
	ErrCancelled = errors.Sentinel("turn cancelled by client")
)

// InvalidContentError names the first content block with an unknown type.
type InvalidContentError struct {
	Index int
	Type  string
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("invalid content block %d: unknown type %q", e.Index, e.Type)
}

// Request is one session/prompt call.
type Request struct {
	SessionID string
	Content   []protocol.ContentBlock
	// RequestID is the JSON-RPC id of the call, echoed in the result meta.
	RequestID string
}

// Response is the session/prompt result.
type Response struct {
	StopReason protocol.StopReason `json:"stopReason"`
	Meta       map[string]any      `json:"_meta,omitempty"`
}

type Options struct {
	Sessions *session.Registry
	Backend  agent.Backend
	Notifier protocol.Notifier
	// Tracker, when set, has the session's open tool calls failed on Cancel.
	Tracker *toolcall.Tracker
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Ticket is an accepted turn.
type Ticket struct {
	req       Request
	submitted time.Time
	ctx       context.Context
	cancel    context.CancelCauseFunc
	// queuedBehind is set when the session had a turn running or waiting
	// at submission.
	queuedBehind bool

	done chan struct{}
	resp *Response
	err  error
}

// Done is closed when the turn has finished.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn finishes or ctx is done. Giving up on the wait
// does not stop the turn.
func (t *Ticket) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-t.done:
		return t.resp, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type queue struct {
	pending []*Ticket
	running *Ticket
}

// Scheduler owns the per-session queues.
type Scheduler struct {
	opts   Options
	logger *zap.Logger

	root       context.Context
	rootCancel context.CancelCauseFunc

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	wg     sync.WaitGroup
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

func NewScheduler(opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	root, cancel := context.WithCancelCause(context.Background())
	return &Scheduler{
		opts:       opts,
		logger:     logging.OrNop(opts.Logger).Named("turn"),
		root:       root,
		rootCancel: cancel,
		queues:     make(map[string]*queue),
	}
}

// Submit validates req and queues it behind the session's earlier turns.
// All validation happens before queueing, so a rejected request never
// occupies a slot.
func (s *Scheduler) Submit(ctx context.Context, req Request) (*Ticket, error) {
	if _, err := s.opts.Sessions.Get(req.SessionID); err != nil {
		return nil, err
	}
	if len(req.Content) == 0 {
		return nil, ErrEmptyContent
	}
	for i, b := range req.Content {
		if !protocol.KnownBlockType(b.Type) {
			return nil, &InvalidContentError{Index: i, Type: b.Type}
		}
	}

	tctx, cancel := context.WithCancelCause(s.root)
	t := &Ticket{
		req:       req,
		submitted: s.opts.Now(),
		ctx:       tctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cancel(ErrClosed)
		return nil, ErrClosed
	}
	q, ok := s.queues[req.SessionID]
	if !ok {
		q = &queue{}
		s.queues[req.SessionID] = q
		s.wg.Add(1)
		go s.work(req.SessionID, q)
	}
	t.queuedBehind = q.running != nil || len(q.pending) > 0
	q.pending = append(q.pending, t)
	s.logger.Debug("turn queued",
		zap.String("sessionId", req.SessionID),
		zap.String("requestId", req.RequestID),
		zap.Int("depth", len(q.pending)))
	return t, nil
}

// Cancel stops the session's current turn: the running one, or the next
// one when it was submitted to an idle session and the worker has not
// picked it up yet. Turns queued behind it are unaffected. Open tool calls
// of the session are failed. It reports whether a turn was cancelled.
func (s *Scheduler) Cancel(ctx context.Context, sessionID string) bool {
	s.mu.Lock()
	var target *Ticket
	if q, ok := s.queues[sessionID]; ok {
		target = cancelTarget(q)
	}
	s.mu.Unlock()

	if target != nil {
		target.cancel(ErrCancelled)
	}
	if s.opts.Tracker != nil {
		if n := s.opts.Tracker.CancelAllForSession(ctx, sessionID); n > 0 {
			s.logger.Info("cancelled tool calls", zap.String("sessionId", sessionID), zap.Int("count", n))
		}
	}
	return target != nil
}

// cancelTarget picks the turn a cancel applies to. A pending head that
// was queued behind another turn is left alone: the cancel was meant for
// the turn ahead of it, which has finished but whose result may not have
// reached the client yet.
func cancelTarget(q *queue) *Ticket {
	if q.running != nil {
		return q.running
	}
	if len(q.pending) > 0 && !q.pending[0].queuedBehind {
		return q.pending[0]
	}
	return nil
}

// Stats counts queued and running turns across sessions.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, q := range s.queues {
		st.Queued += len(q.pending)
		if q.running != nil {
			st.Running++
		}
	}
	return st
}

// Close cancels every turn and waits for the workers to drain.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.rootCancel(ErrClosed)
	s.wg.Wait()
}

func (s *Scheduler) work(sessionID string, q *queue) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(q.pending) == 0 {
			delete(s.queues, sessionID)
			s.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		q.running = t
		s.mu.Unlock()

		t.resp, t.err = s.execute(t)
		t.cancel(nil)

		s.mu.Lock()
		q.running = nil
		s.mu.Unlock()
		close(t.done)
	}
}

func (s *Scheduler) execute(t *Ticket) (resp *Response, err error) {
	ctx := t.ctx
	req := t.req
	start := s.opts.Now()
	logger := s.logger.With(zap.String("sessionId", req.SessionID), zap.String("requestId", req.RequestID))

	sess, err := s.opts.Sessions.BeginTurn(req.SessionID)
	if err != nil {
		return nil, err
	}
	defer s.opts.Sessions.EndTurn(context.WithoutCancel(ctx), req.SessionID)

	var (
		output       strings.Builder
		outputBlocks int
	)
	finish := func(stop protocol.StopReason) *Response {
		d := s.opts.Now().Sub(start)
		s.opts.Metrics.TurnFinished(string(stop), d)
		inputSize := 0
		for _, b := range req.Content {
			inputSize += b.PayloadSize()
		}
		logger.Info("turn finished", zap.String("stopReason", string(stop)), zap.Duration("duration", d))
		return &Response{
			StopReason: stop,
			Meta: map[string]any{
				"processingDurationMs": d.Milliseconds(),
				"requestId":            req.RequestID,
				"inputBlocks":          len(req.Content),
				"inputSize":            inputSize,
				"outputBlocks":         outputBlocks,
				"outputSize":           output.Len(),
				"queuedMs":             start.Sub(t.submitted).Milliseconds(),
			},
		}
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("turn panicked", zap.Any("panic", r), zap.Stack("stack"))
			stop := protocol.StopRefusal
			if ctx.Err() != nil {
				stop = protocol.StopCancelled
			}
			resp, err = finish(stop), nil
		}
	}()

	for i, b := range req.Content {
		s.notify(ctx, req.SessionID, protocol.UserChunk(b, map[string]any{
			"category": b.Category(),
			"source":   "user",
			"index":    i,
		}))
	}

	var res *agent.Result
	var backendErr error
	if ctx.Err() == nil {
		res, backendErr = s.opts.Backend.StreamPrompt(ctx, agent.Request{
			SessionID: req.SessionID,
			Mode:      sess.Mode.CurrentModeID,
			History:   sess.Conversation,
			Prompt:    req.Content,
			WorkDir:   sess.Cwd(),
		}, func(c agent.Chunk) {
			if ctx.Err() != nil || c.Text == "" {
				return
			}
			if c.Thought {
				s.notify(ctx, req.SessionID, protocol.ThoughtChunk(c.Text))
				return
			}
			outputBlocks++
			output.WriteString(c.Text)
			s.notify(ctx, req.SessionID, protocol.AgentChunk(c.Text))
		})
	}

	if backendErr == nil && res != nil && outputBlocks == 0 && res.Output != "" && ctx.Err() == nil {
		outputBlocks++
		output.WriteString(res.Output)
		s.notify(ctx, req.SessionID, protocol.AgentChunk(res.Output))
	}

	stop := stopReason(ctx, res, backendErr)
	if backendErr != nil && stop == protocol.StopRefusal {
		logger.Warn("agent backend failed", zap.Error(backendErr))
	}

	msgs := []session.Message{{Role: session.RoleUser, Content: req.Content}}
	if stop != protocol.StopCancelled && output.Len() > 0 {
		msgs = append(msgs, session.Message{
			Role:    session.RoleAssistant,
			Content: []protocol.ContentBlock{protocol.TextBlock(output.String())},
		})
	}
	if err := s.opts.Sessions.Append(context.WithoutCancel(ctx), req.SessionID, msgs...); err != nil {
		logger.Warn("failed to record turn", zap.Error(err))
	}

	return finish(stop), nil
}

// stopReason applies the precedence cancelled > refusal > backend-reported
// limits > end_turn.
func stopReason(ctx context.Context, res *agent.Result, err error) protocol.StopReason {
	if ctx.Err() != nil {
		return protocol.StopCancelled
	}
	if err != nil || res == nil {
		return protocol.StopRefusal
	}
	switch res.StopReason {
	case protocol.StopRefusal, protocol.StopMaxTokens, protocol.StopMaxTurnRequests:
		return res.StopReason
	}
	return protocol.StopEndTurn
}

func (s *Scheduler) notify(ctx context.Context, sessionID string, u protocol.Update) {
	if s.opts.Notifier == nil {
		return
	}
	if err := s.opts.Notifier.Notify(context.WithoutCancel(ctx), sessionID, u); err != nil {
		s.logger.Debug("notification dropped", zap.String("sessionId", sessionID), zap.Error(err))
	}
}
