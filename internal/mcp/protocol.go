package mcp

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ProtocolVersion is the MCP protocol version we advertise during
// initialization.
const ProtocolVersion = "2025-03-26"

// MCP method names.
const (
	methodInitialize   = "initialize"
	methodInitialized  = "notifications/initialized"
	methodToolsList    = "tools/list"
	methodToolsCall    = "tools/call"
	methodPing         = "ping"
	methodToolsChanged = "notifications/tools/list_changed"
	methodLogMessage   = "notifications/message"
)

// Capability is one tool advertised by a server through tools/list.
type Capability struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// RawResult is the undecoded result of a tools/call. Content items are
// left raw; the dispatcher decides which part types it understands.
type RawResult struct {
	Content           []json.RawMessage `json:"content"`
	StructuredContent json.RawMessage   `json:"structuredContent,omitempty"`
	IsError           bool              `json:"isError,omitempty"`
}

// ServerInfo identifies the remote implementation, from the
// initialize result.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Capabilities map[string]json.RawMessage `json:"capabilities"`
}

type toolsListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type toolsListResult struct {
	Tools      []Capability `json:"tools"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

type toolsCallParams struct {
	Name      string            `json:"name"`
	Arguments map[string]any    `json:"arguments"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Meta      map[string]string `json:"_meta,omitempty"`
}

type logMessageParams struct {
	Level  string          `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// traceMeta returns the trace context of ctx as a _meta map, or nil
// when ctx carries none.
func traceMeta(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	meta := make(map[string]string, len(carrier))
	for k, v := range carrier {
		meta[k] = v
	}
	return meta
}
