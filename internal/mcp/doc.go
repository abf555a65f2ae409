// Package mcp owns the wire contract and client for the coordination
// protocol.
//
// Ownership boundary:
// - frame/header primitives (mcp/frame)
// - message envelope and per-kind constructors
// - connection state machine, heartbeat and receiver loops
// - request/response correlation and event subscriptions
package mcp
