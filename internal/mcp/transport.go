package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/toolmux/internal/config"
)

// Kind is the channel variant a transport speaks.
type Kind string

// Transport kinds.
const (
	KindStdio  Kind = "stdio"
	KindSocket Kind = "socket"
	KindHTTP   Kind = "http"
)

// ParseKind maps a configured transport name, including its accepted
// aliases, to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stdio", "subprocess":
		return KindStdio, nil
	case "socket", "websocket", "ws":
		return KindSocket, nil
	case "http", "streamable-http", "streamable_http":
		return KindHTTP, nil
	default:
		return "", fmt.Errorf("unknown transport %q (valid: stdio, socket, http)", s)
	}
}

// Transport is a bidirectional message channel to one tool server.
//
// Open establishes the channel and starts a new generation of inbound
// frames, readable from Frames until the channel ends. When the
// channel is lost the Frames channel is closed and Err reports why; a
// nil Err after closure means an orderly Close. Open may be called
// again after the channel ends to start a fresh generation.
//
// Send writes one complete JSON-RPC message. It must be safe for
// concurrent use and must honor ctx's deadline.
type Transport interface {
	Kind() Kind
	Open(ctx context.Context) error
	Send(ctx context.Context, frame []byte) error
	Frames() <-chan []byte
	Err() error
	Close() error
}

// NewTransport builds the transport described by cfg. Nothing is
// opened until Open is called.
func NewTransport(cfg config.ServerConfig, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kind, err := ParseKind(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.Name, err)
	}

	logger = logger.With("mcp_server", cfg.Name, "transport", string(kind))

	switch kind {
	case KindStdio:
		return NewStdioTransport(StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Logger:  logger,
		}), nil
	case KindSocket:
		return NewSocketTransport(SocketConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	default:
		return NewHTTPTransport(HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	}
}
