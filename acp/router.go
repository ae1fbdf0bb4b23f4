package acp

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/logging"
	"github.com/m4xw311/acprelay/protocol"
)

type peer struct {
	out    *Outbox
	client *Client
}

// Router sends session traffic to the connection that owns the session.
// When several connections share one scheduler and tracker, a session is
// owned by the connection that last created, loaded or prompted it.
// Updates for a session without an owner fail with ErrNotConnected, and so
// do permission requests, which the tracker then answers with reject.
type Router struct {
	logger *zap.Logger

	mu     sync.Mutex
	owners map[string]peer
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{logger: logging.OrNop(logger).Named("router"), owners: make(map[string]peer)}
}

// Bind makes out and client the destination of the session's traffic.
func (r *Router) Bind(sessionID string, out *Outbox, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.owners[sessionID]; ok && prev.out != out {
		r.logger.Debug("session moved to another connection", zap.String("sessionId", sessionID))
	}
	r.owners[sessionID] = peer{out: out, client: client}
}

// Unbind forgets the owner of a session.
func (r *Router) Unbind(sessionID string) {
	r.mu.Lock()
	delete(r.owners, sessionID)
	r.mu.Unlock()
}

// Release drops every session owned through out and returns their ids.
// Sessions since bound to another connection are kept.
func (r *Router) Release(out *Outbox) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, p := range r.owners {
		if p.out == out {
			delete(r.owners, id)
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Router) owner(sessionID string) (peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.owners[sessionID]
	return p, ok
}

// Notify implements protocol.Notifier.
func (r *Router) Notify(ctx context.Context, sessionID string, update protocol.Update) error {
	p, ok := r.owner(sessionID)
	if !ok {
		return ErrNotConnected
	}
	return p.out.Notify(ctx, sessionID, update)
}

// RequestPermission asks the owning client.
func (r *Router) RequestPermission(ctx context.Context, params protocol.RequestPermissionParams) (*protocol.RequestPermissionResult, error) {
	p, ok := r.owner(params.SessionID)
	if !ok {
		return nil, ErrNotConnected
	}
	return p.client.RequestPermission(ctx, params)
}
