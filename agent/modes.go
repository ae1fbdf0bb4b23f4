package agent

import (
	"github.com/m4xw311/acprelay/protocol"
	"github.com/m4xw311/acprelay/toolcall"
)

// Session modes offered to clients.
const (
	ModeAsk       = "ask"
	ModeCode      = "code"
	ModeArchitect = "architect"
)

// Modes is the closed set of modes a session may be switched between.
func Modes() []protocol.SessionMode {
	return []protocol.SessionMode{
		{ID: ModeAsk, Name: "Ask", Description: "Answer questions; tools may only read the workspace"},
		{ID: ModeCode, Name: "Code", Description: "Read and modify the workspace"},
		{ID: ModeArchitect, Name: "Architect", Description: "Plan changes without applying them"},
	}
}

// toolAllowed reports whether a tool with the given name may run in mode.
// Unknown modes get the read-only policy.
func toolAllowed(mode, name string) bool {
	if mode == ModeCode {
		return true
	}
	return toolcall.ReadOnly(toolcall.KindFor(name))
}

const baseSystemPrompt = `You are acprelay, a coding agent working inside the user's project.
Use the provided tools to inspect files before answering questions about them.
Paths are relative to the session working directory unless absolute.
Keep answers short and concrete.`

const architectSystemPrompt = `
You are in architect mode. Do not change files. Produce a numbered plan of the
changes you would make, naming each file and the reason it changes.`

const askSystemPrompt = `
You are in ask mode. You cannot change files; answer from what you can read.`

func systemPrompt(mode, workDir string) string {
	p := baseSystemPrompt
	switch mode {
	case ModeArchitect:
		p += architectSystemPrompt
	case ModeAsk:
		p += askSystemPrompt
	}
	if workDir != "" {
		p += "\nWorking directory: " + workDir
	}
	return p
}

// Commands are the slash commands answered without calling the model.
func Commands() []protocol.AvailableCommand {
	return []protocol.AvailableCommand{
		{Name: "tools", Description: "List the tools available in the current mode"},
		{Name: "help", Description: "Show the available commands"},
	}
}
