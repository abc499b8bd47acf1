package mcp

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/server"
)

// TestHelperProcess is not a real test. It runs an MCP server on
// stdin/stdout when the test binary is re-executed as a subprocess.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("TOOLMUX_HELPER_PROCESS") != "1" {
		return
	}
	if err := server.ServeStdio(newEchoMCPServer()); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func helperStdioConfig() StdioConfig {
	return StdioConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$"},
		Env:     []string{"TOOLMUX_HELPER_PROCESS=1"},
		Logger:  discardLogger(),
	}
}

func TestSession_OverStdio(t *testing.T) {
	t.Parallel()

	tr := NewStdioTransport(helperStdioConfig())
	s := newTestSession(t, tr)

	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	caps, err := s.DiscoverCapabilities(ctx)
	if err != nil {
		t.Fatalf("DiscoverCapabilities: %v", err)
	}
	if len(caps) != 1 || caps[0].Name != "echo" {
		t.Fatalf("caps = %+v", caps)
	}

	res, err := s.Invoke(ctx, "echo", map[string]any{"text": "over stdio"}, "")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(string(res.Content[0]), "over stdio") {
		t.Errorf("content = %s", res.Content[0])
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if tr.Err() != nil {
		t.Errorf("Err() = %v after Close, want nil", tr.Err())
	}
}

func TestStdioTransport_SpawnFailure(t *testing.T) {
	t.Parallel()
	tr := NewStdioTransport(StdioConfig{
		Command: "/nonexistent/toolmux-test-server",
		Logger:  discardLogger(),
	})

	err := tr.Open(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "open" {
		t.Fatalf("Open error = %v, want *TransportError{Op: open}", err)
	}
	if err := tr.Send(context.Background(), []byte(`{}`)); err == nil {
		t.Error("Send without a process should fail")
	}
}

func TestStdioTransport_ProcessExitEndsStream(t *testing.T) {
	t.Parallel()
	tr := NewStdioTransport(StdioConfig{
		Command: "sh",
		Args:    []string{"-c", `echo '{"jsonrpc":"2.0","method":"notifications/message"}'; exit 3`},
		Logger:  discardLogger(),
	})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()
	frames := tr.Frames()

	if got := string(recvFrame(t, frames)); !strings.Contains(got, "notifications/message") {
		t.Errorf("frame = %s", got)
	}
	expectClosed(t, frames)

	var te *TransportError
	if !errors.As(tr.Err(), &te) {
		t.Fatalf("Err() = %v, want *TransportError", tr.Err())
	}
	if !strings.Contains(te.Error(), "exit status 3") {
		t.Errorf("Err() = %v, want exit status", te)
	}
}

func TestStdioTransport_ReopenAfterExit(t *testing.T) {
	t.Parallel()
	tr := NewStdioTransport(StdioConfig{
		Command: "sh",
		Args:    []string{"-c", "exit 0"},
		Logger:  discardLogger(),
	})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	first := tr.Frames()
	expectClosed(t, first)

	_ = tr.Close()
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer tr.Close()
	if tr.Frames() == first {
		t.Error("reopen should start a new frame stream")
	}
}
