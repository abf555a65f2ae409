// Package coordinator owns the bridge between the MCP protocol client and
// the coordination engine.
//
// Ownership boundary:
// - operation translation in both directions
// - the engine→protocol handoff queue
// - reconnect supervision
// - lifecycle counters and the admin HTTP surface
//
// The engine itself is opaque: the bridge depends only on the engine.Engine
// call contract.
package coordinator
