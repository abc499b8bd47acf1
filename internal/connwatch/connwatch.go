// Package connwatch drives reconnection of a lost tool-server
// connection with capped exponential backoff.
//
// A Reconnector owns one background goroutine per outage. It sleeps
// min(Base*2^attempt, Max), calls Dial, and repeats until Dial succeeds
// or it is stopped. The attempt counter starts at zero for every
// outage, so a connection that recovers and later fails again starts
// over at the base delay.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DialFunc re-establishes a connection. Return nil once usable.
type DialFunc func(ctx context.Context) error

// Backoff is the reconnect delay schedule.
type Backoff struct {
	// Base is the delay before the first attempt (default: 1s).
	Base time.Duration

	// Max is the ceiling for delay growth (default: 60s).
	Max time.Duration
}

// DefaultBackoff returns 1s, 2s, 4s, ... capped at 60s.
func DefaultBackoff() Backoff {
	return Backoff{
		Base: 1 * time.Second,
		Max:  60 * time.Second,
	}
}

// WithDefaults replaces zero-value fields with DefaultBackoff values.
func (b Backoff) WithDefaults() Backoff {
	d := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = d.Base
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	return b
}

// Delay returns min(Base*2^attempt, Max) for a zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := b.Base
	for i := 0; i < attempt; i++ {
		if delay >= b.Max/2 {
			return b.Max
		}
		delay *= 2
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}

// Config configures a Reconnector.
type Config struct {
	// Name identifies the connection in logs (e.g., "mcp:files").
	Name string

	// Dial re-establishes the connection. Must be safe to call
	// repeatedly; each call gets a fresh attempt.
	Dial DialFunc

	// Backoff controls delay growth between attempts.
	Backoff Backoff

	// OnAttempt is called synchronously before each sleep with the
	// zero-based attempt number and the delay about to be slept.
	// Optional; must not block.
	OnAttempt func(attempt int, delay time.Duration)

	// OnReady is called synchronously once Dial succeeds, just before
	// the reconnector exits. Optional.
	OnReady func()

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is a point-in-time view of a reconnector, suitable for
// JSON status output.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Attempts  int       `json:"attempts"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Reconnector retries Dial with backoff until it succeeds.
type Reconnector struct {
	config Config
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	attempts  int
	lastErr   error
	lastCheck time.Time
}

// Start launches a reconnector goroutine. It runs until Dial succeeds,
// ctx is cancelled, or Stop is called.
//
// Panics if Name is empty or Dial is nil; these are programming errors.
func Start(ctx context.Context, cfg Config) *Reconnector {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Dial == nil {
		panic("connwatch: Config.Dial must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Backoff = cfg.Backoff.WithDefaults()

	runCtx, cancel := context.WithCancel(ctx)
	r := &Reconnector{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.run(runCtx)
	return r
}

// Stop cancels the reconnector and waits for its goroutine to exit.
// Safe to call more than once. Must not be called from within OnReady
// or OnAttempt, which run on the reconnector goroutine.
func (r *Reconnector) Stop() {
	r.cancel()
	<-r.done
}

// Done is closed when the reconnector goroutine exits.
func (r *Reconnector) Done() <-chan struct{} {
	return r.done
}

// Status returns the current reconnect status.
func (r *Reconnector) Status() ServiceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := ServiceStatus{
		Name:      r.config.Name,
		Ready:     r.ready,
		Attempts:  r.attempts,
		LastCheck: r.lastCheck,
	}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	return s
}

func (r *Reconnector) run(ctx context.Context) {
	defer close(r.done)

	cfg := r.config
	logger := cfg.Logger

	for attempt := 0; ; attempt++ {
		delay := cfg.Backoff.Delay(attempt)
		if cfg.OnAttempt != nil {
			cfg.OnAttempt(attempt, delay)
		}

		logger.Debug("reconnect scheduled",
			"service", cfg.Name,
			"attempt", attempt,
			"delay", delay.String(),
		)

		if !sleepCtx(ctx, delay) {
			return
		}

		err := cfg.Dial(ctx)
		r.record(attempt+1, err)

		if err == nil {
			logger.Info("service reconnected",
				"service", cfg.Name,
				"after_attempts", attempt+1,
			)
			if cfg.OnReady != nil {
				cfg.OnReady()
			}
			return
		}

		if ctx.Err() != nil {
			return
		}

		logger.Warn("reconnect attempt failed",
			"service", cfg.Name,
			"attempt", attempt,
			"next_delay", cfg.Backoff.Delay(attempt+1).String(),
			"error", err,
		)
	}
}

func (r *Reconnector) record(attempts int, err error) {
	r.mu.Lock()
	r.attempts = attempts
	r.lastErr = err
	r.lastCheck = time.Now()
	r.ready = err == nil
	r.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
