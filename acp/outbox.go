package acp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/errors"
	"github.com/m4xw311/acprelay/jsonrpc"
	"github.com/m4xw311/acprelay/logging"
	"github.com/m4xw311/acprelay/metrics"
	"github.com/m4xw311/acprelay/protocol"
)

// ErrNotConnected is returned by writes before a connection is attached.
var ErrNotConnected = errors.Sentinel("no client connection attached")

// Outbox is the single writer of a connection. Every outbound message goes
// through its lock, and notification sequence numbers are assigned under
// that lock, so wire order equals sequence order.
type Outbox struct {
	mu      sync.Mutex
	conn    Conn
	seq     uint64
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewOutbox(logger *zap.Logger, m *metrics.Metrics) *Outbox {
	return &Outbox{now: time.Now, logger: logging.OrNop(logger).Named("outbox"), metrics: m}
}

// Attach sets the connection written to.
func (o *Outbox) Attach(c Conn) {
	o.mu.Lock()
	o.conn = c
	o.mu.Unlock()
}

// Detach drops the connection; later writes fail with ErrNotConnected.
func (o *Outbox) Detach() {
	o.mu.Lock()
	o.conn = nil
	o.mu.Unlock()
}

// Notify sends a session/update notification. It ignores ctx cancellation:
// an update describing a cancelled turn must still reach the client.
func (o *Outbox) Notify(_ context.Context, sessionID string, update protocol.Update) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return ErrNotConnected
	}
	o.seq++
	params := protocol.SessionNotification{
		SessionID: sessionID,
		Update:    update,
		Meta: &protocol.NotificationMeta{
			Sequence:  o.seq,
			Timestamp: o.now().UTC().Format(time.RFC3339Nano),
		},
	}
	n, err := jsonrpc.NewNotification(protocol.MethodSessionUpdate, params)
	if err != nil {
		return errors.Wrapf(err, "encode session/update")
	}
	if err := o.writeLocked(n); err != nil {
		return err
	}
	o.metrics.Notification(string(update.UpdateType()))
	return nil
}

// Send writes a response or an outbound request.
func (o *Outbox) Send(msg any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return ErrNotConnected
	}
	return o.writeLocked(msg)
}

func (o *Outbox) writeLocked(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	o.logger.Debug("send", zap.ByteString("message", data))
	if err := o.conn.WriteMessage(data); err != nil {
		return errors.Wrapf(err, "write message")
	}
	return nil
}
