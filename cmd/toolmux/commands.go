package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/nugget/toolmux/internal/config"
	"github.com/nugget/toolmux/internal/dispatch"
	"github.com/nugget/toolmux/internal/mcp"
	"github.com/nugget/toolmux/internal/usage"
)

// pingTimeout bounds each server ping in the status command.
const pingTimeout = 5 * time.Second

// startOneShot loads the config and opens the shared sessions for a
// command that exits when done. Logs go to stderr so stdout stays
// clean for output.
func startOneShot(ctx context.Context, stderr io.Writer, opts options) (*app, error) {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	// Quiet unless the config asks for a level explicitly.
	level := slog.LevelWarn
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	logger := config.NewLogger(stderr, level, cfg.LogFormat)
	return newApp(ctx, cfg, logger), nil
}

func runList(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	a, err := startOneShot(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer a.close()

	entries := a.dispatch.ListCapabilities(ctx)
	if opts.output == "json" {
		return writeJSON(stdout, entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(stdout, "No capabilities available.")
		return nil
	}
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	for _, e := range entries {
		cyan.Fprint(stdout, e.Key)
		if e.Description != "" {
			gray.Fprintf(stdout, "  %s", firstLine(e.Description))
		}
		fmt.Fprintln(stdout)
	}
	return nil
}

func runCall(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	key := args[0]
	var callArgs map[string]any
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &callArgs); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}

	a, err := startOneShot(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.dispatch.Call(ctx, key, callArgs, opts.tenant)
	if err != nil {
		return fmt.Errorf("call %s: %w", key, err)
	}

	if opts.output == "json" {
		if err := writeJSON(stdout, res); err != nil {
			return err
		}
	} else {
		printResult(stdout, res)
	}
	if res.IsError {
		return fmt.Errorf("call %s: tool reported an error", key)
	}
	return nil
}

func printResult(w io.Writer, res dispatch.Result) {
	gray := color.New(color.FgHiBlack)
	for _, p := range res.Parts {
		switch p.Type {
		case dispatch.PartText:
			fmt.Fprintln(w, p.Text)
		case dispatch.PartImage, dispatch.PartAudio:
			gray.Fprintf(w, "[%s %s, %d bytes base64]\n", p.Type, p.MIMEType, len(p.Data))
		case dispatch.PartResource:
			gray.Fprintf(w, "[resource %s]\n", p.URI)
			if p.Text != "" {
				fmt.Fprintln(w, p.Text)
			}
		}
	}
	if res.Dropped > 0 {
		gray.Fprintf(w, "(%d unsupported content parts omitted)\n", res.Dropped)
	}
}

// serverHealth is one row of the status command.
type serverHealth struct {
	mcp.SessionStatus
	Latency   string `json:"latency,omitempty"`
	PingError string `json:"ping_error,omitempty"`
}

func runStatus(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	a, err := startOneShot(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer a.close()

	var rows []serverHealth
	for _, s := range a.registry.SharedSessions() {
		row := serverHealth{}
		if s.State() == mcp.StateConnected {
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			start := time.Now()
			if err := s.Ping(pctx); err != nil {
				row.PingError = err.Error()
			} else {
				row.Latency = time.Since(start).Round(time.Microsecond).String()
			}
			cancel()
		}
		row.SessionStatus = s.Status()
		rows = append(rows, row)
	}

	if opts.output == "json" {
		return writeJSON(stdout, rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(stdout, "No shared servers configured.")
		return nil
	}
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	for _, r := range rows {
		c := red
		switch {
		case r.State == mcp.StateConnected && r.PingError == "":
			c = green
		case r.State == mcp.StateConnecting, r.State == mcp.StateConnected:
			c = yellow
		}
		c.Fprint(stdout, "  ● ")
		fmt.Fprintf(stdout, "%-16s %-6s ", r.Name, r.Transport)
		c.Fprintf(stdout, "%-12s", r.State)
		switch {
		case r.Latency != "":
			gray.Fprintf(stdout, " %s %s, ping %s", r.Server.Name, r.Server.Version, r.Latency)
		case r.PingError != "":
			gray.Fprintf(stdout, " ping failed: %s", r.PingError)
		case r.LastError != "":
			gray.Fprintf(stdout, " %s", r.LastError)
		}
		fmt.Fprintln(stdout)
	}
	return nil
}

// usageReport is the output of the usage command.
type usageReport struct {
	Since     time.Time           `json:"since"`
	Until     time.Time           `json:"until"`
	Total     usageRow            `json:"total"`
	ByServer  map[string]usageRow `json:"by_server"`
	ByOutcome map[string]usageRow `json:"by_outcome"`
}

type usageRow struct {
	Calls    int     `json:"calls"`
	Failures int     `json:"failures"`
	AvgMS    float64 `json:"avg_ms"`
}

func toRow(s usage.Summary) usageRow {
	return usageRow{
		Calls:    s.Calls,
		Failures: s.Failures,
		AvgMS:    float64(s.AvgDuration().Microseconds()) / 1000,
	}
}

func toRows(m map[string]usage.Summary) map[string]usageRow {
	out := make(map[string]usageRow, len(m))
	for k, v := range m {
		out[k] = toRow(v)
	}
	return out
}

// runUsage summarizes the call log over the last hours (default 24).
// It reads the log only; no sessions are opened.
func runUsage(ctx context.Context, stdout io.Writer, opts options, args []string) error {
	hours := 24
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("usage: toolmux usage [hours]: %q is not a positive number", args[0])
		}
		hours = n
	}

	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("no call log: data_dir is not configured")
	}
	store, err := openUsage(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	until := time.Now()
	since := until.Add(-time.Duration(hours) * time.Hour)

	total, err := store.Summary(ctx, since, until)
	if err != nil {
		return err
	}
	byServer, err := store.SummaryByServer(ctx, since, until)
	if err != nil {
		return err
	}
	byOutcome, err := store.SummaryByOutcome(ctx, since, until)
	if err != nil {
		return err
	}

	report := usageReport{
		Since:     since.UTC(),
		Until:     until.UTC(),
		Total:     toRow(total),
		ByServer:  toRows(byServer),
		ByOutcome: toRows(byOutcome),
	}
	if opts.output == "json" {
		return writeJSON(stdout, report)
	}

	fmt.Fprintf(stdout, "Calls in the last %dh: %d (%d failed, avg %.1fms)\n",
		hours, report.Total.Calls, report.Total.Failures, report.Total.AvgMS)
	if report.Total.Calls == 0 {
		return nil
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	fmt.Fprintln(stdout)
	for _, name := range slices.Sorted(maps.Keys(report.ByServer)) {
		r := report.ByServer[name]
		if name == "" {
			name = "(unresolved)"
		}
		cyan.Fprintf(stdout, "  %-20s", name)
		fmt.Fprintf(stdout, " %6d calls", r.Calls)
		gray.Fprintf(stdout, "  %d failed, avg %.1fms\n", r.Failures, r.AvgMS)
	}
	fmt.Fprintln(stdout)
	for _, outcome := range slices.Sorted(maps.Keys(report.ByOutcome)) {
		fmt.Fprintf(stdout, "  %-20s %6d\n", outcome, report.ByOutcome[outcome].Calls)
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
