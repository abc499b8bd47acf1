package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/toolmux/internal/buildinfo"
)

// socketReadLimit caps a single inbound message. Tool results carrying
// images or resources can be large.
const socketReadLimit = 64 << 20

// SocketConfig configures a websocket MCP transport. Each JSON-RPC
// message travels as one text message.
type SocketConfig struct {
	// URL is the websocket endpoint. http and https schemes are
	// rewritten to ws and wss.
	URL string

	// Headers are sent with the upgrade request (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// SocketTransport communicates with an MCP server over a websocket.
type SocketTransport struct {
	config SocketConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *socketConn
}

// socketConn is one dialed websocket.
type socketConn struct {
	ws      *websocket.Conn
	stream  *stream
	writeMu sync.Mutex
	closing bool // guarded by SocketTransport.mu
}

// NewSocketTransport creates a websocket transport. Nothing is dialed
// until Open.
func NewSocketTransport(cfg SocketConfig) *SocketTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketTransport{
		config: cfg,
		logger: logger,
	}
}

// Kind returns KindSocket.
func (t *SocketTransport) Kind() Kind { return KindSocket }

// Open dials the websocket if it is not already connected.
func (t *SocketTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c := t.conn; c != nil && !c.closing && !c.stream.isFinished() {
		return nil
	}

	u, err := socketURL(t.config.URL)
	if err != nil {
		return &TransportError{Op: "open", Err: err}
	}

	header := http.Header{}
	header.Set("User-Agent", buildinfo.UserAgent())
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	t.logger.Info("connecting to MCP websocket", "url", u)

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		ReadBufferSize:   256 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	ws, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return &TransportError{Op: "open", Err: fmt.Errorf("dial websocket: %w", err)}
	}
	ws.SetReadLimit(socketReadLimit)

	c := &socketConn{ws: ws, stream: newStream()}
	t.conn = c
	go t.readLoop(c)

	t.logger.Info("MCP websocket connected")
	return nil
}

// socketURL converts an http(s) URL to ws(s).
func socketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// readLoop delivers inbound messages until the websocket fails or is
// closed.
func (t *SocketTransport) readLoop(c *socketConn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closing := c.closing
			t.mu.Unlock()

			if closing {
				c.stream.finish(nil)
				return
			}
			t.logger.Warn("MCP websocket read failed", "error", err)
			c.stream.finish(&TransportError{Op: "receive", Err: err})
			return
		}
		if !c.stream.deliver(data) {
			return
		}
	}
}

// Send writes a frame as one text message.
func (t *SocketTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil || c.stream.isFinished() {
		return &TransportError{Op: "send", Err: errors.New("websocket not connected")}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		// A failed write leaves the connection unusable. Closing it
		// makes the read loop end the generation.
		t.logger.Warn("MCP websocket write failed", "error", err)
		_ = c.ws.Close()
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Frames returns the inbound frames of the current connection.
func (t *SocketTransport) Frames() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return closedFrames
	}
	return t.conn.stream.frames
}

// Err reports why the current connection ended.
func (t *SocketTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.stream.Err()
}

// Close sends a close message and tears down the websocket.
func (t *SocketTransport) Close() error {
	t.mu.Lock()
	c := t.conn
	if c == nil || c.closing {
		t.mu.Unlock()
		return nil
	}
	c.closing = true
	t.mu.Unlock()

	c.stream.halt()

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.ws.Close()
	// The read loop may already have ended the stream with an error;
	// this is a no-op then.
	c.stream.finish(nil)
	return err
}
