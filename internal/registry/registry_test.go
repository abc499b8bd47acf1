package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/toolmux/internal/config"
	"github.com/nugget/toolmux/internal/mcp"
	"github.com/nugget/toolmux/internal/mcp/mcptest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func echoServer(name string) *mcptest.Server {
	srv := mcptest.NewServer(name)
	srv.AddTool(mcp.Capability{Name: "echo"}, func(args map[string]any) (any, *mcp.RPCError) {
		text, _ := args["text"].(string)
		return mcptest.Text(text), nil
	})
	return srv
}

// newTestRegistry routes each server name to its scripted server.
func newTestRegistry(t *testing.T, servers map[string]*mcptest.Server) *Registry {
	t.Helper()
	r := New(Options{
		Factory: func(cfg config.ServerConfig, _ *slog.Logger) (mcp.Transport, error) {
			srv, ok := servers[cfg.Name]
			if !ok {
				return nil, errors.New("no such test server")
			}
			return srv.Transport(), nil
		},
		Sessions: config.SessionsConfig{CallTimeoutSec: 2, DiscoveryTimeoutSec: 2, BackoffBaseMS: 1},
		Logger:   discardLogger(),
	})
	t.Cleanup(r.Shutdown)
	return r
}

func serverCfg(name string) config.ServerConfig {
	return config.ServerConfig{Name: name, Transport: "stdio", Command: name}
}

func TestStartShared_PartialFailure(t *testing.T) {
	t.Parallel()
	good, flaky := echoServer("good"), echoServer("flaky")
	flaky.FailOpens(3)
	r := newTestRegistry(t, map[string]*mcptest.Server{"good": good, "flaky": flaky})

	err := r.StartShared(context.Background(), []config.ServerConfig{
		serverCfg("good"),
		serverCfg("flaky"),
		{Name: "private", TenantScoped: true},
	})
	if err == nil || !strings.Contains(err.Error(), `"flaky"`) {
		t.Fatalf("StartShared error = %v, want flaky failure", err)
	}

	if got := r.SharedNames(); len(got) != 2 || got[0] != "flaky" || got[1] != "good" {
		t.Fatalf("SharedNames = %v, want [flaky good]", got)
	}
	s, err := r.Shared("good")
	if err != nil {
		t.Fatalf("Shared(good): %v", err)
	}
	if s.State() != mcp.StateConnected {
		t.Errorf("good state = %v, want connected", s.State())
	}

	// The failed server keeps retrying and comes up on its own.
	f, _ := r.Shared("flaky")
	waitFor(t, "flaky to reconnect", func() bool { return f.State() == mcp.StateConnected })

	if _, err := r.Shared("private"); !errors.Is(err, mcp.ErrNotFound) {
		t.Errorf("tenant-scoped server should not be shared, got %v", err)
	}
	if _, err := r.Shared("missing"); !errors.Is(err, mcp.ErrNotFound) {
		t.Errorf("Shared(missing) = %v, want ErrNotFound", err)
	}
}

func TestStartShared_DuplicateName(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, map[string]*mcptest.Server{"a": echoServer("a")})

	err := r.StartShared(context.Background(), []config.ServerConfig{serverCfg("a"), serverCfg("a")})
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("StartShared error = %v, want duplicate", err)
	}
	if got := r.SharedNames(); len(got) != 1 {
		t.Errorf("SharedNames = %v", got)
	}
}

func TestTenantSession_SingleOpenUnderConcurrency(t *testing.T) {
	t.Parallel()
	srv := echoServer("files")
	r := newTestRegistry(t, map[string]*mcptest.Server{"files": srv})

	const callers = 50
	var (
		wg       sync.WaitGroup
		sessions [callers]*mcp.Session
		errs     [callers]error
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessions[i], errs[i] = r.TenantSession(context.Background(), "t1", serverCfg("files"))
		}()
	}
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if sessions[i] != sessions[0] {
			t.Fatalf("caller %d got a different session", i)
		}
	}
	if got := srv.Opens(); got != 1 {
		t.Errorf("server opens = %d, want 1", got)
	}
	if got := r.Created(); got != 1 {
		t.Errorf("sessions created = %d, want 1", got)
	}
}

func TestTenantSession_Isolation(t *testing.T) {
	t.Parallel()
	srv := echoServer("files")
	r := newTestRegistry(t, map[string]*mcptest.Server{"files": srv})
	ctx := context.Background()

	s1, err := r.TenantSession(ctx, "t1", serverCfg("files"))
	if err != nil {
		t.Fatalf("t1: %v", err)
	}
	s2, err := r.TenantSession(ctx, "t2", serverCfg("files"))
	if err != nil {
		t.Fatalf("t2: %v", err)
	}
	if s1 == s2 {
		t.Fatal("tenants must not share a session")
	}
	if s1.TenantID() != "t1" || s2.TenantID() != "t2" {
		t.Errorf("tenant ids = %q, %q", s1.TenantID(), s2.TenantID())
	}

	if _, err := s2.Invoke(ctx, "echo", map[string]any{"text": "hi"}, "t2"); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	calls := srv.Calls()
	if len(calls) != 1 || calls[0].TenantID != "t2" {
		t.Errorf("calls = %+v, want one call for t2", calls)
	}

	// Tenant sessions live in their own namespace.
	if _, err := r.Shared("files"); !errors.Is(err, mcp.ErrNotFound) {
		t.Errorf("Shared(files) = %v, want ErrNotFound", err)
	}
}

func TestTenantSession_RequiresTenant(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, map[string]*mcptest.Server{"files": echoServer("files")})
	if _, err := r.TenantSession(context.Background(), "", serverCfg("files")); err == nil {
		t.Error("expected error for empty tenant id")
	}
}

func TestTenantSession_OpenFailureNotCached(t *testing.T) {
	t.Parallel()
	srv := echoServer("files")
	srv.FailOpens(1)
	r := newTestRegistry(t, map[string]*mcptest.Server{"files": srv})
	ctx := context.Background()

	_, err := r.TenantSession(ctx, "t1", serverCfg("files"))
	var te *mcp.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("first TenantSession = %v, want *TransportError", err)
	}
	if got := len(r.Status()); got != 0 {
		t.Errorf("failed session should not be registered, status has %d", got)
	}

	s, err := r.TenantSession(ctx, "t1", serverCfg("files"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if s.State() != mcp.StateConnected {
		t.Errorf("state = %v", s.State())
	}
}

func TestTenantSession_ReplacesClosedSession(t *testing.T) {
	t.Parallel()
	srv := echoServer("files")
	r := newTestRegistry(t, map[string]*mcptest.Server{"files": srv})
	ctx := context.Background()

	first, err := r.TenantSession(ctx, "t1", serverCfg("files"))
	if err != nil {
		t.Fatal(err)
	}
	_ = first.Close()

	second, err := r.TenantSession(ctx, "t1", serverCfg("files"))
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("closed session was returned")
	}
	if srv.Opens() != 2 {
		t.Errorf("opens = %d, want 2", srv.Opens())
	}
}

func TestSweepIdle(t *testing.T) {
	t.Parallel()
	srv := echoServer("files")
	r := newTestRegistry(t, map[string]*mcptest.Server{"files": srv, "shared": echoServer("shared")})
	ctx := context.Background()

	if err := r.StartShared(ctx, []config.ServerConfig{serverCfg("shared")}); err != nil {
		t.Fatal(err)
	}
	s, err := r.TenantSession(ctx, "t1", serverCfg("files"))
	if err != nil {
		t.Fatal(err)
	}

	if n := r.SweepIdle(time.Hour); n != 0 {
		t.Fatalf("SweepIdle(1h) = %d, want 0", n)
	}

	time.Sleep(5 * time.Millisecond)
	if n := r.SweepIdle(time.Millisecond); n != 1 {
		t.Fatalf("SweepIdle(1ms) = %d, want 1", n)
	}
	if s.State() != mcp.StateDisconnected {
		t.Errorf("evicted session state = %v, want disconnected", s.State())
	}
	if shared, _ := r.Shared("shared"); shared.State() != mcp.StateConnected {
		t.Error("shared sessions must never be swept")
	}

	// The next request opens a fresh session.
	again, err := r.TenantSession(ctx, "t1", serverCfg("files"))
	if err != nil {
		t.Fatal(err)
	}
	if again == s {
		t.Error("evicted session was reused")
	}
	if srv.Opens() != 2 {
		t.Errorf("opens = %d, want 2", srv.Opens())
	}
}

func TestRunSweeper(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, map[string]*mcptest.Server{"files": echoServer("files")})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := r.TenantSession(ctx, "t1", serverCfg("files")); err != nil {
		t.Fatal(err)
	}
	go r.RunSweeper(ctx, 2*time.Millisecond, time.Millisecond)
	waitFor(t, "sweeper to evict", func() bool { return len(r.Status()) == 0 })
}

func TestStatus_Ordering(t *testing.T) {
	t.Parallel()
	servers := map[string]*mcptest.Server{
		"b": echoServer("b"),
		"a": echoServer("a"),
		"t": echoServer("t"),
	}
	r := newTestRegistry(t, servers)
	ctx := context.Background()

	if err := r.StartShared(ctx, []config.ServerConfig{serverCfg("b"), serverCfg("a")}); err != nil {
		t.Fatal(err)
	}
	for _, tenant := range []string{"zed", "amy"} {
		if _, err := r.TenantSession(ctx, tenant, serverCfg("t")); err != nil {
			t.Fatal(err)
		}
	}

	st := r.Status()
	var got []string
	for _, s := range st {
		got = append(got, s.TenantID+"/"+s.Name)
	}
	want := []string{"/a", "/b", "amy/t", "zed/t"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("status order = %v, want %v", got, want)
	}
	for _, s := range st {
		if s.State != mcp.StateConnected {
			t.Errorf("%s state = %v", s.Name, s.State)
		}
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, map[string]*mcptest.Server{"a": echoServer("a"), "t": echoServer("t")})
	ctx := context.Background()

	if err := r.StartShared(ctx, []config.ServerConfig{serverCfg("a")}); err != nil {
		t.Fatal(err)
	}
	shared, _ := r.Shared("a")
	tenant, err := r.TenantSession(ctx, "t1", serverCfg("t"))
	if err != nil {
		t.Fatal(err)
	}

	r.Shutdown()
	r.Shutdown()

	if shared.State() != mcp.StateDisconnected || tenant.State() != mcp.StateDisconnected {
		t.Errorf("states after shutdown = %v, %v", shared.State(), tenant.State())
	}
	if _, err := r.Shared("a"); !errors.Is(err, ErrShutdown) {
		t.Errorf("Shared after shutdown = %v, want ErrShutdown", err)
	}
	if _, err := r.TenantSession(ctx, "t1", serverCfg("t")); !errors.Is(err, ErrShutdown) {
		t.Errorf("TenantSession after shutdown = %v, want ErrShutdown", err)
	}
	if err := r.StartShared(ctx, []config.ServerConfig{serverCfg("a")}); !errors.Is(err, ErrShutdown) {
		t.Errorf("StartShared after shutdown = %v, want ErrShutdown", err)
	}
}
