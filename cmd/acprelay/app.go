package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/acp"
	"github.com/m4xw311/acprelay/agent"
	"github.com/m4xw311/acprelay/config"
	"github.com/m4xw311/acprelay/errors"
	"github.com/m4xw311/acprelay/llm"
	"github.com/m4xw311/acprelay/metrics"
	"github.com/m4xw311/acprelay/session"
	"github.com/m4xw311/acprelay/toolcall"
	"github.com/m4xw311/acprelay/tools"
	"github.com/m4xw311/acprelay/tools/mcp"
	"github.com/m4xw311/acprelay/turn"
)

// app holds what every client connection shares: the session table, the
// tool registry, the model client, and the turn queues and tool-call
// records of those sessions. Session traffic reaches the owning
// connection through the router.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	workDir   string
	store     session.Store
	sessions  *session.Registry
	tools     *tools.Registry
	offered   []tools.Tool
	llm       llm.Client
	llmErr    error
	stopMCP   func() error
	router    *acp.Router
	tracker   *toolcall.Tracker
	runner    *toolcall.Runner
	backend   *agent.Agent
	scheduler *turn.Scheduler
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*app, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	a := &app{cfg: cfg, logger: logger, metrics: m, workDir: wd}

	a.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.sessions = session.NewRegistry(session.Options{
		MaxSessions: cfg.Sessions.MaxSessions,
		IdleTimeout: cfg.Sessions.IdleTimeout,
		Modes:       agent.Modes(),
		DefaultMode: cfg.Agent.DefaultMode,
		Store:       a.store,
		Logger:      logger,
		Metrics:     m,
	})

	a.tools = tools.NewToolRegistry(cfg, logger)
	a.stopMCP = mcp.RegisterAll(ctx, a.tools, cfg.AdditionalMCPServers, logger)
	ts, err := cfg.GetToolset(cfg.Toolset)
	if err != nil {
		return nil, multierror.Append(err, a.Close())
	}
	a.offered, err = a.tools.Select(ts)
	if err != nil {
		return nil, multierror.Append(err, a.Close())
	}

	// A missing API key must not stop the server: initialize reports the
	// backend as unavailable and prompts end with refusal.
	a.llm, a.llmErr = llm.New(ctx, cfg.LLMClient, cfg.Model)
	if a.llmErr != nil {
		logger.Warn("llm backend unavailable", zap.String("llm", cfg.LLMClient), zap.Error(a.llmErr))
	} else {
		logger.Info("llm backend ready", zap.String("llm", cfg.LLMClient), zap.String("model", cfg.Model))
	}

	a.router = acp.NewRouter(logger)
	a.tracker = toolcall.NewTracker(toolcall.Options{
		Notifier:          a.router,
		Permissions:       a.router,
		DefaultPolicy:     cfg.Permissions.Default,
		PermissionTimeout: cfg.Permissions.Timeout,
		Grace:             cfg.Server.ToolCallGrace,
		Logger:            logger,
		Metrics:           m,
	})
	a.runner = toolcall.NewRunner(a.tools, a.tracker, logger)
	a.backend = agent.New(agent.Options{
		LLM:             a.llm,
		Unavailable:     a.llmErr,
		Runner:          a.runner,
		Tools:           a.offered,
		MaxTurnRequests: cfg.Agent.MaxTurnRequests,
		MaxTokens:       int64(cfg.Agent.MaxTokens),
		Logger:          logger,
	})
	a.scheduler = turn.NewScheduler(turn.Options{
		Sessions: a.sessions,
		Backend:  a.backend,
		Notifier: a.router,
		Tracker:  a.tracker,
		Logger:   logger,
		Metrics:  m,
	})
	return a, nil
}

// openStore returns nil for the memory store.
func openStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.Sessions.Store {
	case "file":
		return session.NewFileStore(cfg.Sessions.Dir)
	case "sqlite":
		if dir := filepath.Dir(cfg.Sessions.DBPath); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, errors.Wrapf(err, "create %s", dir)
			}
		}
		return session.NewSQLiteStore(ctx, cfg.Sessions.DBPath)
	}
	return nil, nil
}

// newServer builds the per-connection half: the outbox that owns the
// connection's writes and the client that issues requests over it.
func (a *app) newServer() *acp.Server {
	outbox := acp.NewOutbox(a.logger, a.metrics)
	return acp.NewServer(acp.Options{
		Sessions:         a.sessions,
		Scheduler:        a.scheduler,
		Runner:           a.runner,
		Agent:            a.backend,
		Outbox:           outbox,
		Client:           acp.NewClient(outbox, a.logger),
		Router:           a.router,
		PermissionPolicy: a.cfg.Permissions.Default,
		WorkDir:          a.workDir,
		Version:          version,
		Logger:           a.logger,
		Metrics:          a.metrics,
	})
}

// serveConn runs one client connection to completion.
func (a *app) serveConn(ctx context.Context, conn acp.Conn) error {
	return a.newServer().Serve(ctx, conn)
}

func (a *app) Close() error {
	var result error
	if a.scheduler != nil {
		a.scheduler.Close()
	}
	if a.tracker != nil {
		a.tracker.Close()
	}
	if a.stopMCP != nil {
		if err := a.stopMCP(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "stop MCP servers"))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "close session store"))
		}
	}
	return result
}
