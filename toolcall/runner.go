package toolcall

import (
	"context"

	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/logging"
	"github.com/m4xw311/acprelay/protocol"
	"github.com/m4xw311/acprelay/tools"
)

// Outcome is the synchronous result of a tracked tool run. The same outcome
// is reported asynchronously through the call's notifications.
type Outcome struct {
	ToolCallID string
	Success    bool
	Output     string
	Error      string
	Metadata   map[string]any
	// Denied is set when the permission step rejected the call.
	Denied bool
}

// Runner executes registry tools through the tracker.
type Runner struct {
	tools   *tools.Registry
	tracker *Tracker
	logger  *zap.Logger
}

func NewRunner(reg *tools.Registry, tracker *Tracker, logger *zap.Logger) *Runner {
	return &Runner{tools: reg, tracker: tracker, logger: logging.OrNop(logger).Named("runner")}
}

// Tools is the registry the runner executes from.
func (r *Runner) Tools() *tools.Registry { return r.tools }

// Tracker is the tracker the runner reports to.
func (r *Runner) Tracker() *Tracker { return r.tracker }

// Run reports the call, asks for permission when the tool needs it, runs it
// and records the terminal status. Only an unknown tool name is returned as
// an error; every other failure is part of the Outcome.
func (r *Runner) Run(ctx context.Context, sessionID, name string, args map[string]any) (*Outcome, error) {
	tool, err := r.tools.Get(name)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	hints := tools.HintsFor(ctx, tool, args)
	gated := tools.RequiresConfirmation(tool)
	id := r.tracker.Report(ctx, sessionID, name, ReportOptions{
		Title:     hints.Title,
		Locations: hints.Locations,
		RawInput:  args,
		Pending:   gated,
	})
	out := &Outcome{ToolCallID: id}

	if gated {
		d, err := r.tracker.RequestPermission(ctx, id)
		if err != nil {
			r.logger.Warn("permission lookup failed", zap.String("toolCallId", id), zap.Error(err))
		}
		if !d.Allowed {
			reason := "Permission denied"
			if d.Cancelled || ctx.Err() != nil {
				reason = CancelledTitle
			}
			r.tracker.Fail(ctx, id, reason)
			out.Denied = true
			out.Error = reason
			return out, nil
		}
		r.tracker.Update(ctx, id, UpdateFields{Status: protocol.ToolCallInProgress})
	}

	if ctx.Err() != nil {
		r.tracker.Fail(ctx, id, CancelledTitle)
		out.Error = CancelledTitle
		return out, nil
	}

	res, err := tool.Execute(ctx, args)
	if err != nil {
		r.tracker.Fail(ctx, id, err.Error())
		out.Error = err.Error()
		return out, nil
	}

	content := []protocol.ToolCallContent{protocol.TextContent(res.Output)}
	if res.Diff != nil {
		if d, ok := ParseUnifiedDiff(res.Diff.Unified); ok {
			path := res.Diff.Path
			if path == "" {
				path = d.Path
			}
			content = append(content, protocol.DiffContent(path, d.OldText, d.NewText))
		}
	}
	r.tracker.Complete(ctx, id, content, map[string]any{"output": res.Output, "metadata": res.Metadata})

	out.Success = true
	out.Output = res.Output
	out.Metadata = res.Metadata
	return out, nil
}
