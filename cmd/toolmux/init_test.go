package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/toolmux/examples"
	"github.com/nugget/toolmux/internal/config"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatalf("expected data directory: %v", err)
	}
	if !info.IsDir() {
		t.Error("data is not a directory")
	}

	cfgPath := filepath.Join(dir, "toolmux.yaml")
	cfgInfo, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("toolmux.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("toolmux.yaml permissions = %o, want 0600", got)
	}

	got, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, examples.ConfigYAML) {
		t.Error("toolmux.yaml does not match the embedded example")
	}

	out := buf.String()
	if !strings.Contains(out, "✓") {
		t.Errorf("output should report created file:\n%s", out)
	}
	if !strings.Contains(out, "toolmux status") {
		t.Errorf("output should suggest a next step:\n%s", out)
	}
}

func TestRunInit_ExampleConfigLoads(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	if _, err := config.Load(filepath.Join(dir, "toolmux.yaml")); err != nil {
		t.Errorf("generated config does not load: %v", err)
	}
}

func TestRunInit_SkipsExisting(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "toolmux.yaml")
	if err := os.WriteFile(cfgPath, []byte("servers: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	got, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "servers: []\n" {
		t.Errorf("existing config was overwritten: %q", got)
	}
	if !strings.Contains(buf.String(), "exists, skipping") {
		t.Errorf("output should report skip:\n%s", buf.String())
	}
}

func TestWriteIfMissing(t *testing.T) {
	clearUmask(t)

	tests := []struct {
		name     string
		existing string
		mode     os.FileMode
		wantOut  string
		wantBody string
	}{
		{name: "new private file", mode: 0o600, wantOut: "✓", wantBody: "new"},
		{name: "new public file", mode: 0o644, wantOut: "✓", wantBody: "new"},
		{name: "existing file", existing: "old", mode: 0o600, wantOut: "skipping", wantBody: "old"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "f.txt")
			if tt.existing != "" {
				if err := os.WriteFile(path, []byte(tt.existing), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			var buf bytes.Buffer
			if err := writeIfMissing(&buf, path, []byte("new"), tt.mode); err != nil {
				t.Fatalf("writeIfMissing: %v", err)
			}
			if !strings.Contains(buf.String(), tt.wantOut) {
				t.Errorf("output = %q, want %q", buf.String(), tt.wantOut)
			}
			got, _ := os.ReadFile(path)
			if string(got) != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
			if tt.existing == "" {
				info, err := os.Stat(path)
				if err != nil {
					t.Fatal(err)
				}
				if info.Mode().Perm() != tt.mode {
					t.Errorf("mode = %o, want %o", info.Mode().Perm(), tt.mode)
				}
			}
		})
	}
}

func TestWriteIfMissing_CreateError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "f.txt")
	var buf bytes.Buffer
	if err := writeIfMissing(&buf, path, []byte("x"), 0o600); err == nil {
		t.Error("expected error when parent directory does not exist")
	}
}
