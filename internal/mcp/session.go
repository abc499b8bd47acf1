package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/toolmux/internal/buildinfo"
	"github.com/nugget/toolmux/internal/config"
	"github.com/nugget/toolmux/internal/connwatch"
)

// maxListPages bounds tools/list pagination against a server that
// keeps returning cursors.
const maxListPages = 100

// State is the lifecycle state of a Session.
type State int

// Session states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// Name is the configured server name.
	Name string

	// TenantID is set for tenant-scoped sessions.
	TenantID string

	// Transport carries the session's messages.
	Transport Transport

	// CallTimeout bounds every tools/call and ping (default: 60s). A
	// shorter caller deadline wins.
	CallTimeout time.Duration

	// DiscoveryTimeout bounds the initialize handshake and a full
	// tools/list pass (default: 30s).
	DiscoveryTimeout time.Duration

	// Backoff controls reconnect delays after the connection is lost.
	Backoff connwatch.Backoff

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// OnStateChange is called after every state transition, outside
	// any session lock. Optional.
	OnStateChange func(s *Session, from, to State)

	// OnReconnectAttempt is called before each reconnect sleep with the
	// zero-based attempt and the delay. Optional; must not block.
	OnReconnectAttempt func(s *Session, attempt int, delay time.Duration)

	// OnToolsChanged is called when the server announces that its
	// tool list changed. Optional.
	OnToolsChanged func(s *Session)
}

// callResult is what a waiting caller receives.
type callResult struct {
	resp *Response
	err  error
}

// Session is a live, initialized connection to one tool server. It
// multiplexes concurrent calls over its transport, correlating
// responses by request id, and reconnects on its own after the
// transport is lost.
type Session struct {
	id        string
	cfg       SessionConfig
	transport Transport
	logger    *slog.Logger

	nextID   atomic.Int64
	lastUsed atomic.Int64 // unix nanos

	mu          sync.Mutex
	state       State
	closed      bool
	pending     map[int64]chan callResult
	gen         uint64
	lostGen     uint64
	reconnector *connwatch.Reconnector
	server      ServerInfo
	connectedAt time.Time
	lastErr     error
	outages     int
}

// NewSession creates a session in the disconnected state. Call Open or
// Start to connect.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Name == "" {
		return nil, errors.New("mcp: session name is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("mcp: session %s: transport is required", cfg.Name)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 30 * time.Second
	}
	cfg.Backoff = cfg.Backoff.WithDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	logger = logger.With("mcp_server", cfg.Name, "session_id", id.String())
	if cfg.TenantID != "" {
		logger = logger.With("tenant_id", cfg.TenantID)
	}

	s := &Session{
		id:        id.String(),
		cfg:       cfg,
		transport: cfg.Transport,
		logger:    logger,
		pending:   make(map[int64]chan callResult),
	}
	s.Touch()
	return s, nil
}

// ID returns the session's unique instance id.
func (s *Session) ID() string { return s.id }

// Name returns the configured server name.
func (s *Session) Name() string { return s.cfg.Name }

// TenantID returns the owning tenant, or "" for shared sessions.
func (s *Session) TenantID() string { return s.cfg.TenantID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Server returns the remote implementation info from the last
// successful handshake.
func (s *Session) Server() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

// Pending returns the number of calls awaiting a response.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Touch marks the session as used now.
func (s *Session) Touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// LastUsed returns when the session last completed a call.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// Open connects the transport and performs the initialize handshake.
// On failure the session is left in the error state; no reconnect is
// scheduled.
func (s *Session) Open(ctx context.Context) error {
	return s.connect(ctx, false)
}

// Start is Open followed, on failure, by background reconnection with
// backoff. The error from the first attempt is still returned.
func (s *Session) Start(ctx context.Context) error {
	err := s.connect(ctx, false)
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		s.scheduleReconnect()
	}
	return err
}

// connect runs one connection attempt. With reset, whatever is left
// of a failed transport generation is released first.
func (s *Session) connect(ctx context.Context, reset bool) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.state == StateConnected:
		s.mu.Unlock()
		return nil
	case s.state == StateConnecting:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s: connect in progress", ErrSessionUnavailable, s.cfg.Name)
	}
	from := s.state
	s.state = StateConnecting
	s.mu.Unlock()
	s.notify(from, StateConnecting)

	if reset {
		_ = s.transport.Close()
	}

	start := time.Now()
	if err := s.transport.Open(ctx); err != nil {
		err = transportErr("open", err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	go s.readLoop(gen, s.transport.Frames())

	hctx, cancel := context.WithTimeout(ctx, s.cfg.DiscoveryTimeout)
	defer cancel()

	info, err := s.initialize(hctx)
	if err != nil {
		_ = s.transport.Close()
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = s.transport.Close()
		return ErrSessionClosed
	}
	if s.lostGen == gen {
		s.mu.Unlock()
		err := transportErr("receive", errors.New("connection lost during handshake"))
		s.fail(err)
		return err
	}
	s.state = StateConnected
	s.server = info
	s.connectedAt = time.Now()
	s.lastErr = nil
	r := s.reconnector
	s.reconnector = nil
	s.mu.Unlock()
	s.notify(StateConnecting, StateConnected)

	// A reconnector still sleeping was made redundant by this connect.
	// Stop waits for its goroutine, which may be the caller.
	if r != nil {
		go r.Stop()
	}

	s.logger.Info("MCP session connected",
		"server_name", info.Name,
		"server_version", info.Version,
		"protocol_version", info.ProtocolVersion,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	return nil
}

// initialize performs the MCP handshake: an initialize request
// followed by the notifications/initialized notification.
func (s *Session) initialize(ctx context.Context) (ServerInfo, error) {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: clientInfo{
			Name:    "toolmux",
			Version: buildinfo.Version,
		},
	}

	resp, err := s.call(ctx, methodInitialize, params)
	if err != nil {
		return ServerInfo{}, fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return ServerInfo{}, &ProtocolError{Method: methodInitialize, Err: resp.Error}
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return ServerInfo{}, &ProtocolError{Method: methodInitialize, Err: err}
	}
	if result.ProtocolVersion == "" {
		return ServerInfo{}, &ProtocolError{Method: methodInitialize, Err: errors.New("missing protocolVersion")}
	}

	if ps, ok := s.transport.(interface{ SetProtocolVersion(string) }); ok {
		ps.SetProtocolVersion(result.ProtocolVersion)
	}

	if err := s.notifyServer(ctx, methodInitialized, nil); err != nil {
		return ServerInfo{}, fmt.Errorf("send initialized notification: %w", err)
	}

	return ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
	}, nil
}

// DiscoverCapabilities lists every tool the server advertises,
// following pagination cursors.
func (s *Session) DiscoverCapabilities(ctx context.Context) ([]Capability, error) {
	if err := s.available(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DiscoveryTimeout)
	defer cancel()

	var caps []Capability
	var cursor string
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = toolsListParams{Cursor: cursor}
		}

		resp, err := s.call(ctx, methodToolsList, params)
		if err != nil {
			return nil, err
		}
		if resp.Error != nil {
			return nil, &ProtocolError{Method: methodToolsList, Err: resp.Error}
		}

		var result toolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, &ProtocolError{Method: methodToolsList, Err: err}
		}

		for _, c := range result.Tools {
			if c.Name == "" {
				s.logger.Warn("skipping unnamed tool from MCP server")
				continue
			}
			caps = append(caps, c)
		}

		if result.NextCursor == "" {
			s.Touch()
			s.logger.Debug("discovered MCP tools", "count", len(caps), "pages", page+1)
			return caps, nil
		}
		cursor = result.NextCursor
	}
	return nil, &ProtocolError{Method: methodToolsList, Err: fmt.Errorf("more than %d pages", maxListPages)}
}

// Invoke calls one tool and returns its undecoded result. The call is
// bounded by the earlier of ctx's deadline and the configured call
// timeout. tenantID, when set, is forwarded so the server can scope
// the call.
//
// Errors: ErrSessionUnavailable when not connected, ErrTimeout when
// the deadline elapses, *InvocationError when the server rejects the
// call, *ProtocolError for a malformed result, and *TransportError
// when the connection fails mid-call.
func (s *Session) Invoke(ctx context.Context, name string, args map[string]any, tenantID string) (*RawResult, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	params := toolsCallParams{
		Name:      name,
		Arguments: args,
		TenantID:  tenantID,
		Meta:      traceMeta(ctx),
	}

	resp, err := s.call(ctx, methodToolsCall, params)
	if err != nil {
		return nil, err
	}
	s.Touch()

	if resp.Error != nil {
		return nil, &InvocationError{
			Capability: name,
			Code:       resp.Error.Code,
			Message:    resp.Error.Message,
			Data:       resp.Error.Data,
		}
	}

	var result RawResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ProtocolError{Method: methodToolsCall, Err: err}
	}
	return &result, nil
}

// Ping checks whether the server is responsive.
func (s *Session) Ping(ctx context.Context) error {
	if err := s.available(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	resp, err := s.call(ctx, methodPing, nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return &ProtocolError{Method: methodPing, Err: resp.Error}
	}
	s.Touch()
	return nil
}

func (s *Session) available() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != StateConnected {
		return fmt.Errorf("%w: %s is %s", ErrSessionUnavailable, s.cfg.Name, s.state)
	}
	return nil
}

// call sends a request and waits for the correlated response. The
// pending entry is always removed before call returns.
func (s *Session) call(ctx context.Context, method string, params any) (*Response, error) {
	id := s.nextID.Add(1)
	frame, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	ch := make(chan callResult, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.pending[id] = ch
	s.mu.Unlock()

	s.logger.Log(ctx, config.LevelTrace, "MCP request", "method", method, "id", id)

	if err := s.transport.Send(ctx, frame); err != nil {
		s.dropPending(id)
		return nil, callErr(ctx, method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.resp, nil
	case <-ctx.Done():
		s.dropPending(id)
		// The response may have raced the deadline.
		select {
		case res := <-ch:
			if res.err == nil {
				return res.resp, nil
			}
		default:
		}
		return nil, callErr(ctx, method, ctx.Err())
	}
}

func (s *Session) dropPending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// notifyServer sends a notification; no response is expected.
func (s *Session) notifyServer(ctx context.Context, method string, params any) error {
	frame, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	if err := s.transport.Send(ctx, frame); err != nil {
		return callErr(ctx, method, err)
	}
	return nil
}

// readLoop routes inbound frames of one transport generation until the
// generation ends.
func (s *Session) readLoop(gen uint64, frames <-chan []byte) {
	for frame := range frames {
		s.handleFrame(frame)
	}
	s.lost(gen, s.transport.Err())
}

func (s *Session) handleFrame(frame []byte) {
	var msg message
	if err := json.Unmarshal(frame, &msg); err != nil {
		s.logger.Debug("skipping non-JSON frame from MCP server", "error", err)
		return
	}

	switch {
	case msg.isResponse():
		id, ok := msg.responseID()
		if !ok {
			s.logger.Debug("skipping response with non-numeric id", "id", string(msg.ID))
			return
		}
		s.mu.Lock()
		ch, ok := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("dropping response for abandoned call", "id", id)
			return
		}
		ch <- callResult{resp: &Response{
			JSONRPC: msg.JSONRPC,
			ID:      id,
			Result:  msg.Result,
			Error:   msg.Error,
		}}

	case msg.Method != "" && msg.hasID():
		go s.answer(msg)

	case msg.Method != "":
		s.handleNotification(msg)

	default:
		s.logger.Debug("skipping unrecognized MCP message")
	}
}

// answer replies to a server-initiated request. Only ping is
// supported; anything else gets method-not-found.
func (s *Session) answer(msg message) {
	r := reply{JSONRPC: jsonrpcVersion, ID: msg.ID}
	if msg.Method == methodPing {
		r.Result = struct{}{}
	} else {
		r.Error = &RPCError{Code: codeMethodNotFound, Message: "method not found: " + msg.Method}
	}

	frame, err := json.Marshal(r)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.transport.Send(ctx, frame); err != nil {
		s.logger.Debug("failed to answer server request", "method", msg.Method, "error", err)
	}
}

func (s *Session) handleNotification(msg message) {
	switch msg.Method {
	case methodToolsChanged:
		s.logger.Info("MCP server tool list changed")
		if s.cfg.OnToolsChanged != nil {
			s.cfg.OnToolsChanged(s)
		}
	case methodLogMessage:
		var p logMessageParams
		if err := json.Unmarshal(msg.Params, &p); err == nil {
			s.logger.Debug("MCP server log", "level", p.Level, "logger", p.Logger, "data", string(p.Data))
		}
	default:
		s.logger.Debug("ignoring MCP notification", "method", msg.Method)
	}
}

// lost handles the end of a transport generation: every outstanding
// call fails, and a connected session moves to error and starts
// reconnecting.
func (s *Session) lost(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.lostGen = gen
	pending := s.takePendingLocked()
	wasConnected := s.state == StateConnected && !s.closed
	if wasConnected {
		s.state = StateError
		s.lastErr = cause
	}
	s.mu.Unlock()

	if cause == nil {
		cause = errors.New("connection closed")
	}
	failErr := transportErr("receive", cause)
	for _, ch := range pending {
		ch <- callResult{err: failErr}
	}

	if !wasConnected {
		return
	}
	s.notify(StateConnected, StateError)
	s.logger.Warn("MCP session lost", "error", cause, "failed_calls", len(pending))
	s.scheduleReconnect()
}

func (s *Session) takePendingLocked() map[int64]chan callResult {
	pending := s.pending
	s.pending = make(map[int64]chan callResult)
	return pending
}

// scheduleReconnect starts a reconnector unless one is already running.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.reconnector != nil || s.state == StateConnected {
		return
	}
	s.outages++

	var onAttempt func(int, time.Duration)
	if hook := s.cfg.OnReconnectAttempt; hook != nil {
		onAttempt = func(attempt int, delay time.Duration) { hook(s, attempt, delay) }
	}

	s.reconnector = connwatch.Start(context.Background(), connwatch.Config{
		Name:      "mcp:" + s.cfg.Name,
		Backoff:   s.cfg.Backoff,
		Logger:    s.logger,
		OnAttempt: onAttempt,
		Dial: func(ctx context.Context) error {
			return s.connect(ctx, true)
		},
	})
}

// fail records a failed connect attempt.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateError
	s.lastErr = err
	s.mu.Unlock()
	s.notify(from, StateError)
	s.logger.Debug("MCP session connect failed", "error", err)
}

func (s *Session) notify(from, to State) {
	if from == to || s.cfg.OnStateChange == nil {
		return
	}
	s.cfg.OnStateChange(s, from, to)
}

// Close tears the session down: any reconnect stops, outstanding calls
// fail with ErrSessionClosed, and the transport is released. Safe to
// call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	from := s.state
	s.state = StateDisconnected
	s.gen++
	r := s.reconnector
	s.reconnector = nil
	pending := s.takePendingLocked()
	s.mu.Unlock()

	if r != nil {
		r.Stop()
	}
	for _, ch := range pending {
		ch <- callResult{err: ErrSessionClosed}
	}

	err := s.transport.Close()
	s.notify(from, StateDisconnected)
	s.logger.Info("MCP session closed")
	return err
}

// SessionStatus is a point-in-time view of a session for status
// output.
type SessionStatus struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	TenantID    string                   `json:"tenant_id,omitempty"`
	Transport   Kind                     `json:"transport"`
	State       State                    `json:"state"`
	Server      ServerInfo               `json:"server,omitzero"`
	Pending     int                      `json:"pending"`
	Outages     int                      `json:"outages"`
	ConnectedAt time.Time                `json:"connected_at,omitzero"`
	LastUsed    time.Time                `json:"last_used"`
	LastError   string                   `json:"last_error,omitempty"`
	Reconnect   *connwatch.ServiceStatus `json:"reconnect,omitempty"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	st := SessionStatus{
		ID:          s.id,
		Name:        s.cfg.Name,
		TenantID:    s.cfg.TenantID,
		Transport:   s.transport.Kind(),
		State:       s.state,
		Server:      s.server,
		Pending:     len(s.pending),
		Outages:     s.outages,
		ConnectedAt: s.connectedAt,
		LastUsed:    s.LastUsed(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	r := s.reconnector
	s.mu.Unlock()

	if r != nil {
		rs := r.Status()
		st.Reconnect = &rs
	}
	return st
}
