package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/errors"
)

// maxCommandOutput bounds the combined output returned to the caller.
const maxCommandOutput = 64 * 1024

// ExecuteCommandTool implements the tool for running OS commands.
type ExecuteCommandTool struct {
	patterns []string
	allowed  []commandMatcher
}

func NewExecuteCommandTool(allowedCommands []string, logger *zap.Logger) *ExecuteCommandTool {
	return &ExecuteCommandTool{
		patterns: allowedCommands,
		allowed:  compileAllowlist(allowedCommands, logger),
	}
}

func (t *ExecuteCommandTool) Name() string { return "execute_command" }
func (t *ExecuteCommandTool) Description() string {
	if len(t.patterns) == 0 {
		return "Executes a shell command. No commands are currently allowed. Args: command (string)."
	}

	allowedList := "Allowed command patterns:\n"
	for _, cmd := range t.patterns {
		allowedList += fmt.Sprintf("- %s\n", cmd)
	}

	return fmt.Sprintf("Executes a shell command. Args: command (string).\n%s", allowedList)
}

func (t *ExecuteCommandTool) Schema() map[string]any {
	return objectSchema([]string{"command"}, map[string]any{"command": stringProp("Command line to run")})
}

func (t *ExecuteCommandTool) RequiresConfirmation() bool { return true }

func (t *ExecuteCommandTool) Hints(ctx context.Context, args map[string]any) Hints {
	command, _ := args["command"].(string)
	return Hints{Title: "Run " + command, Locations: pathLocation(WorkDir(ctx))}
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return nil, err
	}
	if !isCommandAllowed(command, t.allowed) {
		return nil, errors.New("command '%s' is not in the list of allowed commands", command)
	}

	// Basic shell-like execution
	parts := strings.Fields(command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = WorkDir(ctx)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()

	output := out.String()
	if len(output) > maxCommandOutput {
		output = output[:maxCommandOutput] + "\n[output truncated]"
	}
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil {
		return nil, errors.Wrapf(runErr, "command execution failed (exit %d). Output:\n%s", exitCode, output)
	}
	return &Result{
		Output:   fmt.Sprintf("Command executed successfully. Output:\n%s", output),
		Metadata: map[string]any{"exitCode": exitCode, "command": command},
	}, nil
}
