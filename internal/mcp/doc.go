// Package mcp implements the client side of MCP (Model Context
// Protocol) tool-server connections.
//
// A Session owns one Transport (stdio subprocess, websocket, or
// streamable HTTP) and speaks JSON-RPC 2.0 over it: the initialize
// handshake, tools/list discovery, and tools/call invocation. Calls
// are multiplexed; each gets its own request id and waits on its own
// channel while a single read loop routes responses. When the
// transport is lost every outstanding call fails and the session
// reconnects in the background with capped exponential backoff.
package mcp
