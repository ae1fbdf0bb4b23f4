// Package agent provides the backend that generates the agent side of a
// prompt turn.
//
// # Backend
//
// The turn scheduler only knows the Backend interface: SendPrompt returns
// the whole answer, StreamPrompt additionally delivers message and thought
// chunks to a ChunkSink as the model produces them. A backend may fail; the
// scheduler turns such failures into a refusal stop reason.
//
// # Agent
//
// Agent is the Backend used by the server. Each turn it:
//
//   - renders the prompt blocks to text, inlining file:// resource links
//   - replays the session conversation to the configured LLM client
//   - executes requested tool calls through a toolcall.Runner, which reports
//     them to the client as tool_call notifications
//   - loops until the model stops asking for tools, the model reports
//     max_tokens, or the per-turn request limit is hit
//
// # Modes
//
// Sessions run in one of three modes. ask and architect only offer tools
// whose kind is read-only; architect also uses a planning system prompt.
// code offers every configured tool.
//
// An Agent built without an LLM client still serves the rest of the
// protocol; Available reports false and every prompt fails with an
// UnavailableError.
package agent
