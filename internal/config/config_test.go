package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "test.yaml", "servers: []\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/toolmux.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "toolmux.yaml"), []byte("servers: []\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "toolmux.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "toolmux.yaml")
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "toolmux.yaml", `
servers:
  - name: files
    command: /usr/local/bin/files-mcp
    args: ["--root", "/srv"]
  - name: search
    transport: http
    url: https://search.example.com/mcp
    headers:
      Authorization: Bearer abc
    timeout_sec: 5
  - name: calendar
    transport: socket
    url: wss://cal.example.com/mcp
    tenant_scoped: true
sessions:
  idle_timeout_sec: 60
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Servers) != 3 {
		t.Fatalf("servers = %d, want 3", len(cfg.Servers))
	}
	if cfg.Servers[0].Transport != "stdio" {
		t.Errorf("inferred transport = %q, want stdio", cfg.Servers[0].Transport)
	}
	if got := cfg.Servers[1].CallTimeout(cfg.Sessions.CallTimeout()); got != 5*time.Second {
		t.Errorf("search call timeout = %v, want 5s", got)
	}
	if got := cfg.Servers[0].CallTimeout(cfg.Sessions.CallTimeout()); got != 60*time.Second {
		t.Errorf("files call timeout = %v, want default 60s", got)
	}
	if cfg.Sessions.IdleTimeout() != time.Minute {
		t.Errorf("idle timeout = %v, want 1m", cfg.Sessions.IdleTimeout())
	}
	if shared := cfg.SharedServers(); len(shared) != 2 {
		t.Errorf("shared servers = %d, want 2", len(shared))
	}
	if _, ok := cfg.Server("calendar"); !ok {
		t.Error("Server(calendar) not found")
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "toolmux.toml", `
log_level = "debug"

[[servers]]
name = "files"
transport = "stdio"
command = "files-mcp"

[[servers]]
name = "search"
transport = "http"
url = "https://search.example.com/mcp"

[servers.headers]
Authorization = "Bearer abc"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(cfg.Servers))
	}
	if cfg.Servers[1].Headers["Authorization"] != "Bearer abc" {
		t.Errorf("headers = %v", cfg.Servers[1].Headers)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TOOLMUX_TEST_TOKEN", "secret123")
	path := writeConfig(t, "toolmux.yaml", `
servers:
  - name: search
    url: https://search.example.com/mcp
    headers:
      Authorization: Bearer ${TOOLMUX_TEST_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := cfg.Servers[0].Headers["Authorization"]; got != "Bearer secret123" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer secret123")
	}
}

func TestLoad_ExpandsHomeInDataDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, "toolmux.yaml", "data_dir: ~/.local/share/toolmux\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if want := filepath.Join(home, ".local/share/toolmux"); cfg.DataDir != want {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		servers []ServerConfig
		wantErr string
	}{
		{
			name:    "missing name",
			servers: []ServerConfig{{Transport: "stdio", Command: "x"}},
			wantErr: "name is required",
		},
		{
			name:    "reserved delimiter",
			servers: []ServerConfig{{Name: "a@b", Transport: "stdio", Command: "x"}},
			wantErr: "must not contain",
		},
		{
			name:    "stdio without command",
			servers: []ServerConfig{{Name: "a", Transport: "stdio"}},
			wantErr: "command is required",
		},
		{
			name:    "socket without url",
			servers: []ServerConfig{{Name: "a", Transport: "socket"}},
			wantErr: "url is required",
		},
		{
			name:    "unknown transport",
			servers: []ServerConfig{{Name: "a", Transport: "carrier-pigeon"}},
			wantErr: "unknown transport",
		},
		{
			name: "duplicate",
			servers: []ServerConfig{
				{Name: "a", Transport: "stdio", Command: "x"},
				{Name: "a", Transport: "stdio", Command: "y"},
			},
			wantErr: "duplicate name",
		},
		{
			name:    "valid",
			servers: []ServerConfig{{Name: "a", Transport: "http", URL: "http://localhost/mcp"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Servers = tt.servers
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(t.Context(), LevelTrace, "frame")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("log output = %q, want level=TRACE", buf.String())
	}
}
