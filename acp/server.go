package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/agent"
	"github.com/m4xw311/acprelay/errors"
	"github.com/m4xw311/acprelay/jsonrpc"
	"github.com/m4xw311/acprelay/logging"
	"github.com/m4xw311/acprelay/metrics"
	"github.com/m4xw311/acprelay/protocol"
	"github.com/m4xw311/acprelay/session"
	"github.com/m4xw311/acprelay/toolcall"
	"github.com/m4xw311/acprelay/turn"
)

// Request is an inbound call as seen by a handler.
type Request struct {
	Method         string
	Params         json.RawMessage
	ID             json.RawMessage
	IsNotification bool

	after []func()
}

// Decode unmarshals the params into v. Absent params decode as an empty
// object.
func (r *Request) Decode(v any) error {
	raw := bytes.TrimSpace(r.Params)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return jsonrpc.InvalidParams(err.Error())
	}
	return nil
}

// AfterReply runs f once the response has been written.
func (r *Request) AfterReply(f func()) {
	r.after = append(r.after, f)
}

// Handler serves one method. The result is marshalled into the response.
type Handler func(ctx context.Context, req *Request) (any, error)

// Reply is the outcome of a call: the response to write (nil for
// notifications) and the actions to run after writing it.
type Reply struct {
	Response *jsonrpc.Response
	after    []func()
}

// Done runs the post-response actions.
func (r Reply) Done() {
	for _, f := range r.after {
		f()
	}
}

// Call completes a message started by Begin.
type Call func(ctx context.Context) Reply

type Options struct {
	Sessions  *session.Registry
	Scheduler *turn.Scheduler
	Runner    *toolcall.Runner
	Agent     *agent.Agent
	Outbox    *Outbox
	Client    *Client
	// Router, when set, is told which connection owns each session this
	// server creates, loads or prompts. Share it, together with Scheduler
	// and Runner, between the servers of one process.
	Router *Router
	// PermissionPolicy answers inbound permission requests and gates
	// sessionless tools/call; "allow" or "reject".
	PermissionPolicy string
	// WorkDir is used by tools/call without a session.
	WorkDir string
	Version string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Server dispatches ACP messages for one client connection.
type Server struct {
	opts    Options
	logger  *zap.Logger
	started time.Time

	methods map[string]Handler

	extMu      sync.RWMutex
	extensions map[string]Handler

	capsMu     sync.Mutex
	clientCaps json.RawMessage
}

func NewServer(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PermissionPolicy == "" {
		opts.PermissionPolicy = toolcall.PolicyAllow
	}
	if opts.Outbox == nil {
		opts.Outbox = NewOutbox(opts.Logger, opts.Metrics)
	}
	if opts.Client == nil {
		opts.Client = NewClient(opts.Outbox, opts.Logger)
	}
	s := &Server{
		opts:       opts,
		logger:     logging.OrNop(opts.Logger).Named("acp"),
		started:    opts.Now(),
		extensions: make(map[string]Handler),
	}
	s.methods = map[string]Handler{
		protocol.MethodInitialize:        s.handleInitialize,
		protocol.MethodSessionNew:        s.handleSessionNew,
		protocol.MethodSessionLoad:       s.handleSessionLoad,
		protocol.MethodSessionList:       s.handleSessionList,
		protocol.MethodSessionDelete:     s.handleSessionDelete,
		protocol.MethodSessionSetMode:    s.handleSetMode,
		protocol.MethodRequestPermission: s.handleRequestPermission,
		protocol.MethodToolsList:         s.handleToolsList,
		protocol.MethodToolsCall:         s.handleToolsCall,
	}
	s.extensions["_acprelay/status"] = s.handleStatus
	return s
}

// RegisterExtension adds a handler for a method name starting with "_".
func (s *Server) RegisterExtension(name string, h Handler) error {
	if !strings.HasPrefix(name, protocol.ExtensionPrefix) || len(name) == 1 {
		return errors.New("extension method %q must start with %q", name, protocol.ExtensionPrefix)
	}
	s.extMu.Lock()
	defer s.extMu.Unlock()
	if _, ok := s.extensions[name]; ok {
		return errors.New("extension method %q already registered", name)
	}
	s.extensions[name] = h
	return nil
}

// Outbox is the writer notifications and responses go through.
func (s *Server) Outbox() *Outbox { return s.opts.Outbox }

// Handle processes one message to completion and returns its response,
// nil for notifications and client responses. Post-response actions run
// before it returns.
func (s *Server) Handle(ctx context.Context, line []byte) *jsonrpc.Response {
	r := s.Begin(ctx, line)(ctx)
	r.Done()
	return r.Response
}

// Begin decodes a message and does the work that must happen in wire
// order: routing client responses, cancelling turns and queueing prompts.
// Everything else runs when the returned Call is invoked.
func (s *Server) Begin(ctx context.Context, line []byte) Call {
	msg, id, derr := jsonrpc.Decode(line)
	if derr != nil {
		s.logger.Debug("rejected message", zap.Int("code", derr.Code), zap.Any("data", derr.Data))
		return ready(jsonrpc.NewErrorResponse(id, derr))
	}
	if msg.Kind == jsonrpc.KindResponse {
		s.opts.Client.Deliver(msg.Response)
		return ready(nil)
	}

	req := &Request{
		Method:         msg.Request.Method,
		Params:         msg.Request.Params,
		ID:             msg.Request.ID,
		IsNotification: msg.Kind == jsonrpc.KindNotification,
	}
	if perr := checkParams(req.Params); perr != nil {
		return ready(s.reply(req, nil, perr))
	}

	switch req.Method {
	case protocol.MethodSessionPrompt:
		return s.beginPrompt(ctx, req)
	case protocol.MethodSessionCancel:
		r := s.invoke(ctx, req, s.handleCancel)
		return func(context.Context) Reply { return r }
	}

	h := s.lookup(req.Method)
	if h == nil {
		if req.IsNotification {
			s.logger.Debug("dropped unknown notification", zap.String("method", req.Method))
			return ready(nil)
		}
		return ready(jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound(req.Method)))
	}
	return func(ctx context.Context) Reply { return s.invoke(ctx, req, h) }
}

func ready(resp *jsonrpc.Response) Call {
	return func(context.Context) Reply { return Reply{Response: resp} }
}

func (s *Server) lookup(method string) Handler {
	if strings.HasPrefix(method, protocol.ExtensionPrefix) {
		s.extMu.RLock()
		defer s.extMu.RUnlock()
		return s.extensions[method]
	}
	return s.methods[method]
}

// invoke runs h with panic recovery and builds the reply.
func (s *Server) invoke(ctx context.Context, req *Request, h Handler) (r Reply) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("handler panicked",
				zap.String("method", req.Method), zap.Any("panic", p), zap.Stack("stack"))
			r = Reply{Response: s.reply(req, nil, jsonrpc.InternalError(fmt.Sprint(p)))}
		}
	}()
	result, err := h(ctx, req)
	return Reply{Response: s.reply(req, result, err), after: req.after}
}

func (s *Server) reply(req *Request, result any, err error) *jsonrpc.Response {
	if req.IsNotification {
		if err != nil {
			s.logger.Warn("notification failed", zap.String("method", req.Method), zap.Error(err))
		}
		return nil
	}
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, s.rpcError(req.Method, err))
	}
	return jsonrpc.NewResult(req.ID, result)
}

// bind routes the session's updates and permission requests to this
// connection.
func (s *Server) bind(sessionID string) {
	if s.opts.Router != nil {
		s.opts.Router.Bind(sessionID, s.opts.Outbox, s.opts.Client)
	}
}

// release gives up the sessions this connection owns and cancels their
// current turns.
func (s *Server) release() {
	if s.opts.Router == nil {
		return
	}
	for _, id := range s.opts.Router.Release(s.opts.Outbox) {
		if s.opts.Scheduler != nil && s.opts.Scheduler.Cancel(context.Background(), id) {
			s.logger.Info("cancelled turn of disconnected client", zap.String("sessionId", id))
		}
	}
}

// checkParams rejects params that are present but not an object.
func checkParams(raw json.RawMessage) *jsonrpc.Error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || raw[0] == '{' {
		return nil
	}
	return jsonrpc.InvalidParams("params must be an object")
}

// Serve reads messages from conn until it closes or ctx is done. Messages
// are begun in wire order and completed concurrently.
func (s *Server) Serve(ctx context.Context, conn Conn) error {
	s.opts.Outbox.Attach(conn)
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.release()
		s.opts.Outbox.Detach()
	}()

	type read struct {
		line []byte
		err  error
	}
	lines := make(chan read)
	go func() {
		for {
			line, err := conn.ReadMessage()
			select {
			case lines <- read{line, err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, ErrLineTooLong) {
				return
			}
		}
	}()

	s.logger.Info("serving connection")
	for {
		var in read
		select {
		case <-ctx.Done():
			s.opts.Client.Close()
			return nil
		case in = <-lines:
		}
		if errors.Is(in.err, ErrLineTooLong) {
			s.logger.Warn("dropped over-long message", zap.Int("limit", MaxLineBytes))
			if err := s.opts.Outbox.Send(jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError(in.err.Error()))); err != nil {
				s.logger.Warn("failed to write response", zap.Error(err))
			}
			continue
		}
		if in.err != nil {
			s.opts.Client.Close()
			if errors.Is(in.err, io.EOF) {
				s.logger.Info("connection closed by peer")
				wg.Wait()
				return nil
			}
			return errors.Wrapf(in.err, "ACP: read error")
		}

		s.logger.Debug("recv", zap.ByteString("message", in.line))
		call := s.Begin(ctx, in.line)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := call(ctx)
			if r.Response != nil {
				if err := s.opts.Outbox.Send(r.Response); err != nil {
					s.logger.Warn("failed to write response", zap.Error(err))
				}
			}
			r.Done()
		}()
	}
}
