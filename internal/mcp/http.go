package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/toolmux/internal/httpkit"
)

// Streamable HTTP header names.
const (
	headerSessionID = "Mcp-Session-Id"
	headerProtocol  = "Mcp-Protocol-Version"
)

// maxResponseBody caps a single JSON response body.
const maxResponseBody = 10 << 20

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP.
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger

	// Client overrides the HTTP client. Tests use it; production code
	// leaves it nil and gets an httpkit client.
	Client *http.Client
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Every outbound frame is a POST. The reply arrives either as a JSON
// body or as a server-sent event stream on that POST; both are fed
// into the inbound frame stream. Notifications get 202 Accepted and no
// body.
type HTTPTransport struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	mu  sync.Mutex
	gen *httpGen
}

// httpGen is one logical HTTP session: the server-assigned session id
// and the inbound stream fed by POST responses.
type httpGen struct {
	stream    *stream
	ctx       context.Context
	cancel    context.CancelFunc
	sessionID string
	protocol  string
	closing   bool
	inflight  sync.WaitGroup
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit with no
// overall timeout; deadlines come from each request's context.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithTracePropagation(),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		)
	}

	return &HTTPTransport{
		url:        cfg.URL,
		httpClient: client,
		logger:     logger,
	}
}

// Kind returns KindHTTP.
func (t *HTTPTransport) Kind() Kind { return KindHTTP }

// Open starts a new logical session. No request is made until the
// first Send; the initialize handshake proves reachability.
func (t *HTTPTransport) Open(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if g := t.gen; g != nil && !g.closing && !g.stream.isFinished() {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.gen = &httpGen{
		stream: newStream(),
		ctx:    ctx,
		cancel: cancel,
	}
	return nil
}

func (t *HTTPTransport) current() *httpGen {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// Send POSTs one frame and feeds any reply into the inbound stream.
// JSON replies are delivered before Send returns; an event-stream
// reply is read in the background until the server ends it.
func (t *HTTPTransport) Send(ctx context.Context, frame []byte) error {
	g := t.current()
	if g == nil || g.stream.isFinished() {
		return &TransportError{Op: "send", Err: errors.New("http session not open")}
	}

	// The request lives until either the caller gives up or the
	// session is closed.
	reqCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(g.ctx, cancel)
	release := func() {
		stop()
		cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.url, bytes.NewReader(frame))
	if err != nil {
		release()
		return &TransportError{Op: "send", Err: fmt.Errorf("create HTTP request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.applySession(g, req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		release()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if g.ctx.Err() != nil {
			return &TransportError{Op: "send", Err: errors.New("http session closed")}
		}
		t.logger.Warn("MCP HTTP request failed", "url", t.url, "error", err)
		t.fail(g, fmt.Errorf("HTTP request to %s: %w", t.url, err))
		return &TransportError{Op: "send", Err: err}
	}

	if sid := resp.Header.Get(headerSessionID); sid != "" {
		t.mu.Lock()
		g.sessionID = sid
		t.mu.Unlock()
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		httpkit.DrainAndClose(resp.Body, 1<<20)
		release()
		return nil

	case resp.StatusCode == http.StatusNotFound && t.sessionID(g) != "":
		// The server forgot our session. Only a fresh initialize can
		// recover, so the generation ends.
		httpkit.DrainAndClose(resp.Body, 1<<20)
		release()
		err := fmt.Errorf("session %s expired", t.sessionID(g))
		t.fail(g, err)
		return &TransportError{Op: "send", Err: err}

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body := httpkit.ReadErrorBody(resp.Body, 1<<20)
		release()
		return &TransportError{Op: "send", Err: fmt.Errorf("MCP server returned %d: %s", resp.StatusCode, body)}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		t.mu.Lock()
		if g.closing {
			t.mu.Unlock()
			resp.Body.Close()
			release()
			return &TransportError{Op: "receive", Err: errors.New("http session closed")}
		}
		g.inflight.Add(1)
		t.mu.Unlock()

		go func() {
			defer g.inflight.Done()
			defer release()
			defer resp.Body.Close()
			t.readEvents(g, resp.Body)
		}()
		return nil
	}

	defer release()
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &TransportError{Op: "receive", Err: fmt.Errorf("read response body: %w", err)}
	}
	if body = bytes.TrimSpace(body); len(body) > 0 {
		for _, msg := range splitBatch(body) {
			g.stream.deliver(msg)
		}
	}
	return nil
}

func (t *HTTPTransport) applySession(g *httpGen, req *http.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g.sessionID != "" {
		req.Header.Set(headerSessionID, g.sessionID)
	}
	if g.protocol != "" {
		req.Header.Set(headerProtocol, g.protocol)
	}
}

func (t *HTTPTransport) sessionID(g *httpGen) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return g.sessionID
}

// SetProtocolVersion records the negotiated protocol version, sent on
// every subsequent request of the current session.
func (t *HTTPTransport) SetProtocolVersion(v string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != nil {
		t.gen.protocol = v
	}
}

// readEvents delivers the data of each server-sent event. Events
// without a type or with type "message" carry JSON-RPC messages.
func (t *HTTPTransport) readEvents(g *httpGen, body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBody)

	var event string
	var data []string
	dispatch := func() {
		if len(data) > 0 && (event == "" || event == "message") {
			g.stream.deliver([]byte(strings.Join(data, "\n")))
		}
		event = ""
		data = data[:0]
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	dispatch()

	if err := scanner.Err(); err != nil && g.ctx.Err() == nil {
		t.logger.Debug("MCP event stream ended", "error", err)
	}
}

// splitBatch returns the messages of a JSON body, which may be a
// single message or a batch array.
func splitBatch(body []byte) [][]byte {
	if body[0] != '[' {
		return [][]byte{body}
	}
	var batch []json.RawMessage
	if err := json.Unmarshal(body, &batch); err != nil {
		return [][]byte{body}
	}
	out := make([][]byte, 0, len(batch))
	for _, m := range batch {
		out = append(out, []byte(m))
	}
	return out
}

// fail ends the generation after a network failure.
func (t *HTTPTransport) fail(g *httpGen, err error) {
	g.cancel()
	g.stream.finish(&TransportError{Op: "send", Err: err})
}

// Frames returns the inbound frames of the current session.
func (t *HTTPTransport) Frames() <-chan []byte {
	g := t.current()
	if g == nil {
		return closedFrames
	}
	return g.stream.frames
}

// Err reports why the current session ended.
func (t *HTTPTransport) Err() error {
	g := t.current()
	if g == nil {
		return nil
	}
	return g.stream.Err()
}

// Close ends the session. When the server assigned a session id, a
// best-effort DELETE tells it to release server-side state.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	g := t.gen
	if g == nil || g.closing {
		t.mu.Unlock()
		return nil
	}
	g.closing = true
	sid := g.sessionID
	t.mu.Unlock()

	g.cancel()
	g.stream.halt()
	g.inflight.Wait()

	if sid != "" {
		t.deleteSession(sid)
	}

	g.stream.finish(nil)
	return nil
}

func (t *HTTPTransport) deleteSession(sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return
	}
	req.Header.Set(headerSessionID, sid)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Debug("MCP session delete failed", "error", err)
		return
	}
	httpkit.DrainAndClose(resp.Body, 1<<20)
}
