package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopGrace is how long a subprocess gets to exit after its stdin is
// closed before it is killed.
const stopGrace = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. One subprocess runs per open generation; its exit ends
// the generation.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu   sync.Mutex
	proc *stdioProc
}

// stdioProc is one running subprocess.
type stdioProc struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stream *stream
	exited chan struct{}

	writeMu sync.Mutex
	closing bool // guarded by StdioTransport.mu
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Open.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
	}
}

// Kind returns KindStdio.
func (t *StdioTransport) Kind() Kind { return KindStdio }

// Open launches the subprocess if one is not already running. The
// subprocess lifecycle is independent of ctx; it survives individual
// call timeouts and ends only on Close or its own exit.
func (t *StdioTransport) Open(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p := t.proc; p != nil && !p.closing && !p.stream.isFinished() {
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	// os.Pipe rather than StdinPipe so writes can carry a deadline.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return &TransportError{Op: "open", Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	cmd.Stdin = stdinR

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return &TransportError{Op: "open", Err: fmt.Errorf("create stdout pipe: %w", err)}
	}

	// Stderr is not part of the protocol; it is logged.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return &TransportError{Op: "open", Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		return &TransportError{Op: "open", Err: fmt.Errorf("start subprocess %s: %w", t.config.Command, err)}
	}
	stdinR.Close()

	p := &stdioProc{
		cmd:    cmd,
		stdin:  stdinW,
		stream: newStream(),
		exited: make(chan struct{}),
	}
	t.proc = p

	go t.drainStderr(stderr)
	go t.readLoop(p, stdout)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readLoop delivers stdout lines until the subprocess closes stdout,
// then reaps it and ends the generation.
func (t *StdioTransport) readLoop(p *stdioProc, stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, 1<<20) // 1 MiB buffer for large responses

	var readErr error
	for {
		line, err := reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			if !p.stream.deliver(line) {
				readErr = nil
				break
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}

	waitErr := p.cmd.Wait()
	defer close(p.exited)

	t.mu.Lock()
	closing := p.closing
	t.mu.Unlock()

	if closing {
		p.stream.finish(nil)
		return
	}

	cause := waitErr
	if cause == nil {
		cause = readErr
	}
	if cause == nil || errors.Is(cause, io.EOF) {
		cause = errors.New("subprocess exited")
	}
	t.logger.Warn("MCP subprocess ended", "error", cause)
	p.stream.finish(&TransportError{Op: "receive", Err: cause})
}

// Send writes a frame followed by a newline to the subprocess stdin.
// A failed write ends the generation: a partial line leaves the stream
// unusable.
func (t *StdioTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	p := t.proc
	t.mu.Unlock()
	if p == nil || p.stream.isFinished() {
		return &TransportError{Op: "send", Err: errors.New("subprocess not running")}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = p.stdin.SetWriteDeadline(deadline)

	buf := make([]byte, 0, len(frame)+1)
	buf = append(append(buf, frame...), '\n')
	if _, err := p.stdin.Write(buf); err != nil {
		t.logger.Warn("write to MCP subprocess failed", "error", err)
		t.kill(p)
		return &TransportError{Op: "send", Err: fmt.Errorf("write to subprocess stdin: %w", err)}
	}
	return nil
}

// Frames returns the inbound frames of the current generation.
func (t *StdioTransport) Frames() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proc == nil {
		return closedFrames
	}
	return t.proc.stream.frames
}

// Err reports why the current generation ended.
func (t *StdioTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proc == nil {
		return nil
	}
	return t.proc.stream.Err()
}

// Close terminates the subprocess: stdin is closed, and the process is
// killed if it has not exited within the grace period.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	p := t.proc
	if p == nil || p.closing {
		t.mu.Unlock()
		return nil
	}
	p.closing = true
	t.mu.Unlock()

	t.logger.Info("stopping MCP subprocess", "pid", p.cmd.Process.Pid)
	p.stream.halt()
	p.stdin.Close()

	select {
	case <-p.exited:
	case <-time.After(stopGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", p.cmd.Process.Pid,
		)
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	return nil
}

// kill forcibly ends a subprocess after an unrecoverable write error.
// The read loop observes the exit and ends the generation.
func (t *StdioTransport) kill(p *stdioProc) {
	p.stdin.Close()
	_ = p.cmd.Process.Kill()
}
