package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/acp"
	"github.com/m4xw311/acprelay/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve ACP on stdio, or on a websocket with --ws-addr",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	addServeFlags(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm", "", "LLM backend: mock, anthropic, openai, gemini or bedrock")
	f.String("model", "", "Model name (default depends on the backend)")
	f.String("toolset", "", "Toolset offered to the model")
	f.String("ws-addr", "", "Listen for websocket clients on this address instead of stdio")
	f.String("metrics-addr", "", "Serve /metrics and /healthz on this address")
	f.String("session-store", "", "Session store: memory, file or sqlite")
	f.String("permissions", "", "Answer used when the client cannot be asked: allow or reject")
}

// sweepInterval is how often idle sessions are looked for.
const sweepInterval = time.Minute

func runServe(cmd *cobra.Command) (err error) {
	logger, closeLog, err := newLogger()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeLog(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Server.MetricsAddr != "" {
		m = metrics.New()
		go func() {
			if err := m.Serve(ctx, cfg.Server.MetricsAddr, logger.Named("metrics")); err != nil {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	a, err := newApp(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()
	go a.sessions.RunSweeper(ctx, sweepInterval)

	if addr := cfg.Server.WebSocketAddr; addr != "" {
		return acp.ServeWebSocket(ctx, addr, a.serveConn, logger)
	}

	logger.Info("serving ACP on stdio", zap.String("version", version), zap.String("workDir", a.workDir))
	return a.serveConn(ctx, acp.NewStdioConn(os.Stdin, os.Stdout, os.Stdin))
}
