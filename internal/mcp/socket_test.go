package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// newSocketServer serves the scripted fake server over a websocket.
// When hangUp is closed the server drops every open connection.
func newSocketServer(t *testing.T, hangUp <-chan struct{}) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	script := newFakeTransport()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k1" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if hangUp != nil {
			go func() {
				<-hangUp
				conn.Close()
			}()
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req fakeRequest
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			if out := script.reply(req); out != nil {
				if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestSocketURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"http://host:8080/mcp", "ws://host:8080/mcp", false},
		{"https://host/mcp", "wss://host/mcp", false},
		{"ws://host/mcp", "ws://host/mcp", false},
		{"wss://host/mcp", "wss://host/mcp", false},
		{"ftp://host/mcp", "", true},
	}
	for _, tt := range tests {
		got, err := socketURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("socketURL(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("socketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSession_OverSocket(t *testing.T) {
	t.Parallel()
	ts := newSocketServer(t, nil)

	tr := NewSocketTransport(SocketConfig{
		URL:     wsURL(ts.URL),
		Headers: map[string]string{"X-Api-Key": "k1"},
		Logger:  discardLogger(),
	})
	s := newTestSession(t, tr)

	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	caps, err := s.DiscoverCapabilities(ctx)
	if err != nil {
		t.Fatalf("DiscoverCapabilities: %v", err)
	}
	if len(caps) != 2 {
		t.Errorf("caps = %+v, want 2", caps)
	}

	res, err := s.Invoke(ctx, "echo", map[string]any{"text": "over socket"}, "")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(string(res.Content[0]), "over socket") {
		t.Errorf("content = %s", res.Content[0])
	}
}

func TestSocketTransport_HandshakeRejected(t *testing.T) {
	t.Parallel()
	ts := newSocketServer(t, nil)

	tr := NewSocketTransport(SocketConfig{URL: wsURL(ts.URL), Logger: discardLogger()})
	err := tr.Open(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "open" {
		t.Fatalf("Open error = %v, want *TransportError{Op: open}", err)
	}
	if !strings.Contains(err.Error(), "403") {
		t.Errorf("error %q should carry the status", err)
	}
}

func TestSocketTransport_ServerHangUpEndsStream(t *testing.T) {
	t.Parallel()
	hangUp := make(chan struct{})
	ts := newSocketServer(t, hangUp)

	tr := NewSocketTransport(SocketConfig{
		URL:     wsURL(ts.URL),
		Headers: map[string]string{"X-Api-Key": "k1"},
		Logger:  discardLogger(),
	})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()
	frames := tr.Frames()

	close(hangUp)
	expectClosed(t, frames)

	var te *TransportError
	if !errors.As(tr.Err(), &te) {
		t.Errorf("Err() = %v, want *TransportError", tr.Err())
	}
	if err := tr.Send(context.Background(), []byte(`{}`)); err == nil {
		t.Error("Send after hang-up should fail")
	}
}

func TestSocketTransport_CloseIsOrderly(t *testing.T) {
	t.Parallel()
	ts := newSocketServer(t, nil)

	tr := NewSocketTransport(SocketConfig{
		URL:     wsURL(ts.URL),
		Headers: map[string]string{"X-Api-Key": "k1"},
		Logger:  discardLogger(),
	})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	frames := tr.Frames()

	_ = tr.Close()
	expectClosed(t, frames)
	if tr.Err() != nil {
		t.Errorf("Err() = %v after Close, want nil", tr.Err())
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}
