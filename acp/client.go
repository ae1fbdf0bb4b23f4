package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/errors"
	"github.com/m4xw311/acprelay/jsonrpc"
	"github.com/m4xw311/acprelay/logging"
	"github.com/m4xw311/acprelay/protocol"
)

// ErrClientClosed fails calls still waiting when the connection ends.
var ErrClientClosed = errors.Sentinel("client connection closed")

// Client issues requests from the server to the connected client and
// matches the responses read by the serve loop.
type Client struct {
	out    *Outbox
	logger *zap.Logger

	mu      sync.Mutex
	next    uint64
	pending map[string]chan *jsonrpc.Response
	closed  bool
}

func NewClient(out *Outbox, logger *zap.Logger) *Client {
	return &Client{
		out:     out,
		logger:  logging.OrNop(logger).Named("client"),
		pending: make(map[string]chan *jsonrpc.Response),
	}
}

// Call sends method to the client and decodes the result into result.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.next++
	id := fmt.Sprintf("client_%d", c.next)
	ch := make(chan *jsonrpc.Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	rawID, _ := json.Marshal(id)
	req, err := jsonrpc.NewRequest(rawID, method, params)
	if err != nil {
		return errors.Wrapf(err, "encode %s", method)
	}
	if err := c.out.Send(req); err != nil {
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrClientClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return errors.Wrapf(err, "decode %s result", method)
		}
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// RequestPermission asks the client to approve a tool call.
func (c *Client) RequestPermission(ctx context.Context, params protocol.RequestPermissionParams) (*protocol.RequestPermissionResult, error) {
	var res protocol.RequestPermissionResult
	if err := c.Call(ctx, protocol.MethodRequestPermission, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Deliver routes a response to the call waiting for it. It reports whether
// a caller was waiting.
func (c *Client) Deliver(resp *jsonrpc.Response) bool {
	var id string
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		id = strings.TrimSpace(string(resp.ID))
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("response for unknown request", zap.String("id", id))
		return false
	}
	ch <- resp
	return true
}

// Close fails every pending call.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
