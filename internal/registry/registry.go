// Package registry owns every live tool-server session. Shared
// sessions are opened once at startup and serve all callers; tenant
// sessions are opened on first use for a (tenant, server) pair and
// evicted after sitting idle.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/toolmux/internal/config"
	"github.com/nugget/toolmux/internal/connwatch"
	"github.com/nugget/toolmux/internal/mcp"
)

// ErrShutdown is returned for session requests after Shutdown.
var ErrShutdown = errors.New("registry: shut down")

// Factory builds the transport for a server. The registry calls it
// once per session it creates.
type Factory func(cfg config.ServerConfig, logger *slog.Logger) (mcp.Transport, error)

// Options configures a Registry.
type Options struct {
	// Factory builds transports (default: mcp.NewTransport).
	Factory Factory

	// Sessions supplies call and discovery timeouts and the reconnect
	// backoff for every session the registry creates.
	Sessions config.SessionsConfig

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// OnStateChange observes every session's state transitions.
	// Optional.
	OnStateChange func(s *mcp.Session, from, to mcp.State)

	// OnToolsChanged is called when a shared session's server
	// announces a new tool list. Optional.
	OnToolsChanged func(s *mcp.Session)
}

type tenantKey struct {
	tenant, server string
}

func (k tenantKey) String() string { return k.tenant + "\x00" + k.server }

// Registry holds the shared and tenant session pools. The zero value
// is not usable; call New.
type Registry struct {
	opts   Options
	logger *slog.Logger

	group   singleflight.Group
	created atomic.Int64

	mu       sync.Mutex
	shared   map[string]*mcp.Session
	tenants  map[tenantKey]*mcp.Session
	shutdown bool
}

// New returns an empty registry.
func New(opts Options) *Registry {
	if opts.Factory == nil {
		opts.Factory = mcp.NewTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:    opts,
		logger:  logger.With("component", "registry"),
		shared:  make(map[string]*mcp.Session),
		tenants: make(map[tenantKey]*mcp.Session),
	}
}

// Created returns how many sessions the registry has constructed.
func (r *Registry) Created() int64 { return r.created.Load() }

func (r *Registry) newSession(cfg config.ServerConfig, tenantID string) (*mcp.Session, error) {
	logger := r.logger.With("mcp_server", cfg.Name)
	if tenantID != "" {
		logger = logger.With("tenant_id", tenantID)
	}

	tr, err := r.opts.Factory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", cfg.Name, err)
	}

	sc := r.opts.Sessions
	s, err := mcp.NewSession(mcp.SessionConfig{
		Name:             cfg.Name,
		TenantID:         tenantID,
		Transport:        tr,
		CallTimeout:      cfg.CallTimeout(sc.CallTimeout()),
		DiscoveryTimeout: sc.DiscoveryTimeout(),
		Backoff:          connwatch.Backoff{Base: sc.BackoffBase(), Max: sc.BackoffMax()},
		Logger:           logger,
		OnStateChange:    r.opts.OnStateChange,
		OnReconnectAttempt: func(s *mcp.Session, attempt int, delay time.Duration) {
			logger.Debug("scheduling reconnect", "attempt", attempt+1, "delay", delay)
		},
		OnToolsChanged: r.opts.OnToolsChanged,
	})
	if err != nil {
		return nil, err
	}
	r.created.Add(1)
	return s, nil
}

// StartShared opens a shared session for every server in servers,
// concurrently. A server that fails to connect is still registered and
// keeps reconnecting in the background; its error is included in the
// joined result, which is for reporting only.
func (r *Registry) StartShared(ctx context.Context, servers []config.ServerConfig) error {
	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	addErr := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	for _, sc := range servers {
		if sc.TenantScoped {
			continue
		}
		s, err := r.newSession(sc, "")
		if err != nil {
			addErr(err)
			continue
		}

		r.mu.Lock()
		if r.shutdown {
			r.mu.Unlock()
			_ = s.Close()
			return ErrShutdown
		}
		if _, dup := r.shared[sc.Name]; dup {
			r.mu.Unlock()
			_ = s.Close()
			addErr(fmt.Errorf("server %q: already registered", sc.Name))
			continue
		}
		r.shared[sc.Name] = s
		r.mu.Unlock()

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := s.Start(ctx); err != nil {
				r.logger.Warn("shared session unavailable at startup; retrying in background",
					"mcp_server", name, "error", err)
				addErr(fmt.Errorf("server %q: %w", name, err))
			}
		}(sc.Name)
	}
	wg.Wait()

	r.logger.Info("shared sessions started", "servers", len(r.SharedNames()), "failed", len(errs))
	return errors.Join(errs...)
}

// Shared returns the shared session for name.
func (r *Registry) Shared(name string) (*mcp.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil, ErrShutdown
	}
	s, ok := r.shared[name]
	if !ok {
		return nil, fmt.Errorf("%w: server %q", mcp.ErrNotFound, name)
	}
	return s, nil
}

// SharedNames returns the registered shared server names, sorted.
func (r *Registry) SharedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.shared))
	for name := range r.shared {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SharedSessions returns the shared sessions sorted by name.
func (r *Registry) SharedSessions() []*mcp.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*mcp.Session, 0, len(r.shared))
	for _, s := range r.shared {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// TenantSession returns the tenant's session for cfg, opening one if
// none exists or the previous one was torn down. Concurrent requests
// for the same (tenant, server) pair share a single open; requests
// for different pairs proceed in parallel. A caller whose ctx ends
// stops waiting, but the open it joined carries on for the others.
func (r *Registry) TenantSession(ctx context.Context, tenantID string, cfg config.ServerConfig) (*mcp.Session, error) {
	if tenantID == "" {
		return nil, errors.New("registry: tenant id is required")
	}
	key := tenantKey{tenant: tenantID, server: cfg.Name}

	if s, err := r.lookupTenant(key); s != nil || err != nil {
		return s, err
	}

	ch := r.group.DoChan(key.String(), func() (any, error) {
		// A flight that finished just before this one started may
		// already have registered a session.
		if s, err := r.lookupTenant(key); s != nil || err != nil {
			return s, err
		}
		return r.openTenant(context.WithoutCancel(ctx), key, cfg)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*mcp.Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// lookupTenant returns a usable registered session, dropping one that
// has been closed.
func (r *Registry) lookupTenant(key tenantKey) (*mcp.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil, ErrShutdown
	}
	s, ok := r.tenants[key]
	if !ok {
		return nil, nil
	}
	if s.State() == mcp.StateDisconnected {
		delete(r.tenants, key)
		return nil, nil
	}
	return s, nil
}

func (r *Registry) openTenant(ctx context.Context, key tenantKey, cfg config.ServerConfig) (*mcp.Session, error) {
	s, err := r.newSession(cfg, key.tenant)
	if err != nil {
		return nil, err
	}
	if err := s.Open(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		_ = s.Close()
		return nil, ErrShutdown
	}
	r.tenants[key] = s
	n := len(r.tenants)
	r.mu.Unlock()

	s.Touch()
	r.logger.Debug("tenant session opened",
		"tenant_id", key.tenant, "mcp_server", key.server, "tenant_sessions", n)
	return s, nil
}

// SweepIdle closes tenant sessions unused for longer than maxIdle and
// returns how many were removed. Sessions with calls in flight are
// kept. Shared sessions are never swept.
func (r *Registry) SweepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	var evict []*mcp.Session
	for key, s := range r.tenants {
		if s.State() == mcp.StateDisconnected || (s.LastUsed().Before(cutoff) && s.Pending() == 0) {
			delete(r.tenants, key)
			evict = append(evict, s)
		}
	}
	r.mu.Unlock()

	for _, s := range evict {
		_ = s.Close()
	}
	return len(evict)
}

// RunSweeper calls SweepIdle every interval until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 || maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.SweepIdle(maxIdle); n > 0 {
				r.logger.Info("evicted idle tenant sessions", "count", n, "max_idle", maxIdle)
			}
		}
	}
}

// Status returns a snapshot of every session: shared sessions by
// name, then tenant sessions by tenant and name.
func (r *Registry) Status() []mcp.SessionStatus {
	r.mu.Lock()
	shared := make([]*mcp.Session, 0, len(r.shared))
	for _, s := range r.shared {
		shared = append(shared, s)
	}
	tenants := make([]*mcp.Session, 0, len(r.tenants))
	for _, s := range r.tenants {
		tenants = append(tenants, s)
	}
	r.mu.Unlock()

	out := make([]mcp.SessionStatus, 0, len(shared)+len(tenants))
	for _, s := range shared {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	ts := make([]mcp.SessionStatus, 0, len(tenants))
	for _, s := range tenants {
		ts = append(ts, s.Status())
	}
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].TenantID != ts[j].TenantID {
			return ts[i].TenantID < ts[j].TenantID
		}
		return ts[i].Name < ts[j].Name
	})
	return append(out, ts...)
}

// Shutdown closes every session. Later session requests fail with
// ErrShutdown. Safe to call more than once.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	r.shutdown = true
	all := make([]*mcp.Session, 0, len(r.shared)+len(r.tenants))
	for _, s := range r.shared {
		all = append(all, s)
	}
	for _, s := range r.tenants {
		all = append(all, s)
	}
	r.shared = make(map[string]*mcp.Session)
	r.tenants = make(map[tenantKey]*mcp.Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Close()
		}()
	}
	wg.Wait()
	r.logger.Info("registry shut down", "sessions_closed", len(all))
}
