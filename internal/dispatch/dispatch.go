// Package dispatch is the entry point for calling a capability by its
// composite key. It picks the right session, shared or per tenant,
// issues the call, and normalizes the result into typed content parts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/toolmux/internal/catalog"
	"github.com/nugget/toolmux/internal/config"
	"github.com/nugget/toolmux/internal/mcp"
	"github.com/nugget/toolmux/internal/usage"
)

const instrumentationName = "github.com/nugget/toolmux/internal/dispatch"

// Registry is the part of the session registry the dispatcher needs.
type Registry interface {
	Shared(name string) (*mcp.Session, error)
	TenantSession(ctx context.Context, tenantID string, cfg config.ServerConfig) (*mcp.Session, error)
}

// Recorder persists finished calls. *usage.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Options configures a Dispatcher.
type Options struct {
	// Servers maps server names to their configuration. Tenant calls
	// can only reach servers listed here.
	Servers map[string]config.ServerConfig

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// Tracer and Meter default to the global OpenTelemetry providers.
	Tracer trace.Tracer
	Meter  metric.Meter

	// Recorder, when set, receives one record per call.
	Recorder Recorder
}

// Dispatcher routes calls to sessions.
type Dispatcher struct {
	reg     Registry
	catalog *catalog.Catalog
	servers map[string]config.ServerConfig
	logger  *slog.Logger
	tracer  trace.Tracer
	rec     Recorder

	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// New returns a dispatcher over reg and cat.
func New(reg Registry, cat *catalog.Catalog, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	d := &Dispatcher{
		reg:     reg,
		catalog: cat,
		servers: opts.Servers,
		logger:  logger.With("component", "dispatch"),
		tracer:  tracer,
		rec:     opts.Recorder,
	}

	var err error
	d.calls, err = meter.Int64Counter("toolmux.calls",
		metric.WithDescription("Capability calls by server and outcome"))
	if err != nil {
		d.logger.Warn("call counter unavailable", "error", err)
	}
	d.duration, err = meter.Float64Histogram("toolmux.call.duration",
		metric.WithDescription("Capability call latency"),
		metric.WithUnit("s"))
	if err != nil {
		d.logger.Warn("call duration histogram unavailable", "error", err)
	}
	return d
}

// Call invokes the capability named by key. With a tenant id the call
// runs on that tenant's own session for the server, opened on demand;
// without one it runs on the shared session.
//
// Session errors (mcp.ErrNotFound, mcp.ErrSessionUnavailable,
// mcp.ErrTimeout, *mcp.InvocationError, *mcp.TransportError) are
// returned unchanged. A tool that runs but reports failure is not an
// error: see Result.IsError.
func (d *Dispatcher) Call(ctx context.Context, key string, args map[string]any, tenantID string) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "toolmux.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("toolmux.key", key)))
	defer span.End()
	if tenantID != "" {
		span.SetAttributes(attribute.String("toolmux.tenant_id", tenantID))
	}

	start := time.Now()
	server, capability, res, err := d.call(ctx, key, args, tenantID)
	elapsed := time.Since(start)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = errorKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.IsError:
		outcome = "tool_error"
		span.SetStatus(codes.Error, "tool reported an error")
	}
	span.SetAttributes(attribute.String("toolmux.outcome", outcome))

	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("outcome", outcome),
		attribute.Bool("tenant", tenantID != ""),
	)
	if d.calls != nil {
		d.calls.Add(ctx, 1, attrs)
	}
	if d.duration != nil {
		d.duration.Record(ctx, elapsed.Seconds(), attrs)
	}

	if d.rec != nil {
		// The caller's ctx may already be done; the record is still wanted.
		rerr := d.rec.Record(context.WithoutCancel(ctx), usage.Record{
			Timestamp:  start,
			Key:        key,
			Server:     server,
			Capability: capability,
			TenantID:   tenantID,
			Outcome:    outcome,
			Duration:   elapsed,
		})
		if rerr != nil {
			d.logger.Warn("failed to record call", "key", key, "error", rerr)
		}
	}

	d.logger.Debug("capability call finished",
		"key", key,
		"tenant_id", tenantID,
		"outcome", outcome,
		"elapsed", elapsed.Round(time.Millisecond).String(),
	)
	return res, err
}

func (d *Dispatcher) call(ctx context.Context, key string, args map[string]any, tenantID string) (string, string, Result, error) {
	server, capability, err := d.resolve(ctx, key, tenantID)
	if err != nil {
		return "", "", Result{}, err
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("toolmux.server", server),
		attribute.String("toolmux.capability", capability),
	)

	var s *mcp.Session
	if tenantID != "" {
		s, err = d.reg.TenantSession(ctx, tenantID, d.servers[server])
	} else {
		s, err = d.reg.Shared(server)
	}
	if err != nil {
		return server, capability, Result{}, err
	}

	raw, err := s.Invoke(ctx, capability, args, tenantID)
	if err != nil {
		return server, capability, Result{}, err
	}
	return server, capability, normalize(raw, d.logger.With("mcp_server", server, "capability", capability)), nil
}

// resolve maps key to (server, capability). Shared calls go through
// the catalog, refreshing it once when the key is unknown and the
// catalog is stale. Tenant sessions are not in the catalog, so tenant
// calls only need the key to name a configured server.
func (d *Dispatcher) resolve(ctx context.Context, key, tenantID string) (string, string, error) {
	if tenantID != "" {
		server, capability, ok := catalog.SplitKey(key)
		if !ok {
			return "", "", fmt.Errorf("%w: capability %q", mcp.ErrNotFound, key)
		}
		if _, ok := d.servers[server]; !ok {
			return "", "", fmt.Errorf("%w: server %q", mcp.ErrNotFound, server)
		}
		return server, capability, nil
	}

	server, capability, err := d.catalog.Resolve(key)
	if err == nil || !errors.Is(err, mcp.ErrNotFound) || !d.catalog.Stale() {
		return server, capability, err
	}
	if rerr := d.catalog.Refresh(ctx); rerr != nil {
		d.logger.Warn("catalog refresh incomplete", "error", rerr)
	}
	return d.catalog.Resolve(key)
}

// ListCapabilities returns every shared capability, refreshing the
// catalog first when it is stale.
func (d *Dispatcher) ListCapabilities(ctx context.Context) []catalog.Entry {
	if d.catalog.Stale() {
		if err := d.catalog.Refresh(ctx); err != nil {
			d.logger.Warn("catalog refresh incomplete", "error", err)
		}
	}
	return d.catalog.Entries()
}

// errorKind labels err for metrics.
func errorKind(err error) string {
	var (
		ie *mcp.InvocationError
		te *mcp.TransportError
		pe *mcp.ProtocolError
	)
	switch {
	case errors.Is(err, mcp.ErrNotFound):
		return "not_found"
	case errors.Is(err, mcp.ErrTimeout):
		return "timeout"
	case errors.Is(err, mcp.ErrSessionUnavailable), errors.Is(err, mcp.ErrSessionClosed):
		return "unavailable"
	case errors.As(err, &ie):
		return "invocation_error"
	case errors.As(err, &te):
		return "transport_error"
	case errors.As(err, &pe):
		return "protocol_error"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
