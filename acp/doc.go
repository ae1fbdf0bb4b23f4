// Package acp implements the Agent Client Protocol dispatcher. Clients such
// as code editors talk JSON-RPC 2.0 to it over newline-delimited stdio or
// over websocket text frames.
//
// Requests handled:
//   - initialize
//   - session/new, session/load, session/list, session/delete
//   - session/prompt, session/cancel, session/set_mode
//   - session/request_permission
//   - tools/list, tools/call
//   - extension methods starting with "_", including _acprelay/status
//
// The server sends session/update notifications through the Outbox, which
// stamps each with a process-wide sequence number, and issues
// session/request_permission to the client through Client.
//
// Messages are begun in the order they are read. Prompts are queued and
// cancellations applied at that point; every other handler, and the wait
// for a prompt result, runs on its own goroutine.
package acp
