package acp

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/errors"
	"github.com/m4xw311/acprelay/logging"
)

// ConnHandler serves one accepted connection until it ends.
type ConnHandler func(ctx context.Context, conn Conn) error

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler upgrades requests on /ws and hands each connection to
// serve.
func WebSocketHandler(ctx context.Context, serve ConnHandler, logger *zap.Logger) http.Handler {
	logger = logging.OrNop(logger).Named("ws")
	r := mux.NewRouter()
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Warn("upgrade failed", zap.Error(err))
			return
		}
		conn := NewWSConn(ws)
		defer conn.Close()

		logger.Info("client connected", zap.String("remote", req.RemoteAddr))
		if err := serve(ctx, conn); err != nil {
			logger.Warn("connection ended with error", zap.String("remote", req.RemoteAddr), zap.Error(err))
			return
		}
		logger.Info("client disconnected", zap.String("remote", req.RemoteAddr))
	})
	return r
}

// ServeWebSocket listens on addr until ctx is done.
func ServeWebSocket(ctx context.Context, addr string, serve ConnHandler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           WebSocketHandler(ctx, serve, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.OrNop(logger).Info("websocket server listening", zap.String("addr", "ws://"+addr+"/ws"))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "websocket server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
