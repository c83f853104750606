// Package acp implements the Agent Client Protocol side of the qodo adapter.
// Clients such as Zed talk JSON-RPC 2.0 to the adapter, one message per line,
// and every turn is handed to the process bridge.
//
// Several client dialects are accepted and mapped onto the same operations:
// - initialize, agent/initialize: handshake; every other method fails until it succeeds
// - session/new, createThread, agent/createThread: register a session
// - session/prompt, prompt: run a turn, replying once it ends (session/update notifications)
// - sendMessage, agent/sendMessage: run a turn, replying at once (agent/progress notifications)
// - cancel, stopGeneration, agent/stopGeneration: interrupt a running turn
// - listThreads, agent/listThreads: list known sessions
package acp
