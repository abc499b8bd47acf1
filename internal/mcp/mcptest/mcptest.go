// Package mcptest provides an in-memory MCP tool server and transport
// for tests of code built on mcp.Session.
package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/nugget/toolmux/internal/mcp"
)

// Handler answers a tools/call. Returning nil, nil means the call is
// never answered.
type Handler func(args map[string]any) (result any, rpcErr *mcp.RPCError)

// Call is one recorded tools/call.
type Call struct {
	Name     string
	Args     map[string]any
	TenantID string
}

// Server is a scripted tool server. Every Transport it hands out talks
// to the same tool set.
type Server struct {
	name string

	mu         sync.Mutex
	tools      []mcp.Capability
	handlers   map[string]Handler
	failOpens  int
	opens      int
	listErr    *mcp.RPCError
	calls      []Call
	transports []*Transport
}

// NewServer returns a server with no tools.
func NewServer(name string) *Server {
	return &Server{
		name:     name,
		handlers: make(map[string]Handler),
	}
}

// AddTool registers a tool and its handler.
func (s *Server) AddTool(c mcp.Capability, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, c)
	s.handlers[c.Name] = h
}

// FailOpens makes the next n transport opens fail.
func (s *Server) FailOpens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpens = n
}

// FailList makes tools/list answer with err.
func (s *Server) FailList(err *mcp.RPCError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

// Opens returns how many transport opens succeeded.
func (s *Server) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Calls returns the tools/call requests received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Transport returns a new transport connected to s.
func (s *Server) Transport() *Transport {
	t := &Transport{srv: s}
	s.mu.Lock()
	s.transports = append(s.transports, t)
	s.mu.Unlock()
	return t
}

// DropAll breaks every live transport as if the connection failed.
func (s *Server) DropAll() {
	s.mu.Lock()
	ts := append([]*Transport(nil), s.transports...)
	s.mu.Unlock()
	for _, t := range ts {
		t.end(errors.New("connection reset by peer"))
	}
}

func (s *Server) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOpens > 0 {
		s.failOpens--
		return &mcp.TransportError{Op: "open", Err: errors.New("connection refused")}
	}
	s.opens++
	return nil
}

type request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *mcp.RPCError   `json:"error,omitempty"`
}

// handle returns the encoded reply to frame, or nil for none.
func (s *Server) handle(frame []byte) []byte {
	var req request
	if err := json.Unmarshal(frame, &req); err != nil || req.Method == "" || len(req.ID) == 0 {
		return nil
	}

	resp := response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": mcp.ProtocolVersion,
			"serverInfo":      map[string]any{"name": s.name, "version": "test"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}
	case "ping":
		resp.Result = map[string]any{}
	case "tools/list":
		s.mu.Lock()
		if s.listErr != nil {
			resp.Error = s.listErr
		} else {
			resp.Result = map[string]any{"tools": append([]mcp.Capability{}, s.tools...)}
		}
		s.mu.Unlock()
	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
			TenantID  string         `json:"tenant_id"`
		}
		_ = json.Unmarshal(req.Params, &p)

		s.mu.Lock()
		s.calls = append(s.calls, Call{Name: p.Name, Args: p.Arguments, TenantID: p.TenantID})
		h, ok := s.handlers[p.Name]
		s.mu.Unlock()

		if !ok {
			resp.Error = &mcp.RPCError{Code: -32602, Message: "unknown tool: " + p.Name}
			break
		}
		result, rpcErr := h(p.Arguments)
		if result == nil && rpcErr == nil {
			return nil
		}
		resp.Result, resp.Error = result, rpcErr
	default:
		resp.Error = &mcp.RPCError{Code: -32601, Message: "method not found"}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	return data
}

// Text builds a tools/call result with a single text part.
func Text(s string) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": s}},
	}
}

// Transport is an in-memory mcp.Transport bound to a Server.
type Transport struct {
	srv *Server

	mu     sync.Mutex
	frames chan []byte
	live   bool
	err    error
}

var _ mcp.Transport = (*Transport)(nil)

// closed is returned by Frames before the first Open.
var closed = func() chan []byte {
	ch := make(chan []byte)
	close(ch)
	return ch
}()

// Kind reports stdio; the in-memory channel behaves like a pipe.
func (t *Transport) Kind() mcp.Kind { return mcp.KindStdio }

// Open connects to the server, starting a new frame stream.
func (t *Transport) Open(_ context.Context) error {
	if err := t.srv.open(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.live {
		t.frames = make(chan []byte, 64)
		t.live = true
		t.err = nil
	}
	return nil
}

// Send hands frame to the server and queues its reply.
func (t *Transport) Send(_ context.Context, frame []byte) error {
	t.mu.Lock()
	live := t.live
	t.mu.Unlock()
	if !live {
		return &mcp.TransportError{Op: "send", Err: errors.New("not connected")}
	}

	if out := t.srv.handle(frame); out != nil {
		t.mu.Lock()
		if t.live {
			t.frames <- out
		}
		t.mu.Unlock()
	}
	return nil
}

// Frames returns the current frame stream.
func (t *Transport) Frames() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frames == nil {
		return closed
	}
	return t.frames
}

// Err reports why the stream ended.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close ends the stream in an orderly way.
func (t *Transport) Close() error {
	t.end(nil)
	return nil
}

func (t *Transport) end(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.live {
		return
	}
	t.live = false
	if err != nil {
		t.err = &mcp.TransportError{Op: "receive", Err: err}
	}
	close(t.frames)
}
