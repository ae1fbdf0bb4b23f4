package acp

import (
	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/errors"
	"github.com/m4xw311/acprelay/jsonrpc"
	"github.com/m4xw311/acprelay/protocol"
	"github.com/m4xw311/acprelay/session"
	"github.com/m4xw311/acprelay/tools"
	"github.com/m4xw311/acprelay/turn"
)

// rpcError maps a handler error to the wire. Anything unrecognised is an
// internal error and is logged.
func (s *Server) rpcError(method string, err error) *jsonrpc.Error {
	var (
		rpcErr      *jsonrpc.Error
		notFound    *session.NotFoundError
		busy        *session.BusyError
		capacity    *session.CapacityError
		invalidMode *session.InvalidModeError
		noTool      *tools.NotFoundError
		badContent  *turn.InvalidContentError
	)
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.As(err, &notFound):
		return jsonrpc.NewError(protocol.CodeSessionNotFound, "Session not found",
			map[string]any{"sessionId": notFound.ID})
	case errors.As(err, &busy):
		return jsonrpc.NewError(protocol.CodeSessionBusy, "Session busy",
			map[string]any{"sessionId": busy.ID, "operation": busy.Operation, "retry": "wait for the running prompt to finish or cancel it"})
	case errors.As(err, &capacity):
		return jsonrpc.NewError(protocol.CodeCapacityExceeded, "Session capacity exceeded",
			map[string]any{"maxSessions": capacity.Max})
	case errors.As(err, &invalidMode):
		return jsonrpc.NewError(protocol.CodeInvalidMode, "Invalid mode",
			map[string]any{"sessionId": invalidMode.ID, "modeId": invalidMode.Mode, "availableModes": invalidMode.Available})
	case errors.As(err, &noTool):
		return jsonrpc.NewError(protocol.CodeToolNotFound, "Tool not found",
			map[string]any{"name": noTool.Name})
	case errors.As(err, &badContent):
		return jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid content block",
			map[string]any{"index": badContent.Index, "type": badContent.Type})
	case errors.Is(err, turn.ErrEmptyContent):
		return jsonrpc.InvalidParams(err.Error())
	}
	s.logger.Error("request failed", zap.String("method", method), zap.Error(err))
	return jsonrpc.InternalError(err.Error())
}

func missing(field string) error {
	return jsonrpc.InvalidParams(field + " is required")
}
