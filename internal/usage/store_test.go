package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(t *testing.T, s *Store, recs ...Record) {
	t.Helper()
	for _, rec := range recs {
		if err := s.Record(context.Background(), rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	record(t, s,
		Record{Timestamp: now, Key: "read@files", Server: "files", Capability: "read", Outcome: "ok", Duration: 10 * time.Millisecond},
		Record{Timestamp: now, Key: "read@files", Server: "files", Capability: "read", Outcome: "timeout", Duration: 30 * time.Millisecond},
		Record{Timestamp: now, Key: "search@web", Server: "web", Capability: "search", Outcome: "tool_error", Duration: 20 * time.Millisecond},
	)

	sum, err := s.Summary(context.Background(), now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Calls != 3 {
		t.Errorf("Calls = %d, want 3", sum.Calls)
	}
	if sum.Failures != 2 {
		t.Errorf("Failures = %d, want 2", sum.Failures)
	}
	if sum.TotalDuration != 60*time.Millisecond {
		t.Errorf("TotalDuration = %v, want 60ms", sum.TotalDuration)
	}
	if sum.AvgDuration() != 20*time.Millisecond {
		t.Errorf("AvgDuration = %v, want 20ms", sum.AvgDuration())
	}
}

func TestSummaryByServer(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	record(t, s,
		Record{Timestamp: now, Key: "read@files", Server: "files", Outcome: "ok", Duration: time.Millisecond},
		Record{Timestamp: now, Key: "list@files", Server: "files", Outcome: "ok", Duration: 3 * time.Millisecond},
		Record{Timestamp: now, Key: "search@web", Server: "web", Outcome: "transport", Duration: time.Millisecond},
		Record{Timestamp: now, Key: "bogus", Outcome: "not_found"},
	)

	result, err := s.SummaryByServer(context.Background(), now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByServer: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("got %d groups, want 3: %v", len(result), result)
	}

	files := result["files"]
	if files.Calls != 2 || files.Failures != 0 || files.TotalDuration != 4*time.Millisecond {
		t.Errorf("files = %+v", files)
	}
	if web := result["web"]; web.Calls != 1 || web.Failures != 1 {
		t.Errorf("web = %+v", web)
	}
	if unresolved := result[""]; unresolved.Calls != 1 {
		t.Errorf("unresolved = %+v, want 1 call", unresolved)
	}
}

func TestSummaryByOutcomeAndTenant(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	record(t, s,
		Record{Timestamp: now, Server: "mail", TenantID: "u1", Outcome: "ok"},
		Record{Timestamp: now, Server: "mail", TenantID: "u1", Outcome: "timeout"},
		Record{Timestamp: now, Server: "mail", TenantID: "u2", Outcome: "ok"},
		Record{Timestamp: now, Server: "files", Outcome: "ok"},
	)

	ctx := context.Background()
	start, end := now.Add(-time.Minute), now.Add(time.Minute)

	outcomes, err := s.SummaryByOutcome(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByOutcome: %v", err)
	}
	if outcomes["ok"].Calls != 3 || outcomes["timeout"].Calls != 1 {
		t.Errorf("outcomes = %v", outcomes)
	}
	if outcomes["ok"].Failures != 0 || outcomes["timeout"].Failures != 1 {
		t.Errorf("failure counts by outcome = %v", outcomes)
	}

	tenants, err := s.SummaryByTenant(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByTenant: %v", err)
	}
	if tenants["u1"].Calls != 2 || tenants["u2"].Calls != 1 || tenants[""].Calls != 1 {
		t.Errorf("tenants = %v", tenants)
	}
}

func TestSummary_Window(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	record(t, s,
		Record{Timestamp: now.Add(-2 * time.Hour), Server: "files", Outcome: "ok"},
		Record{Timestamp: now.Add(-30 * time.Minute), Server: "files", Outcome: "ok"},
		Record{Timestamp: now, Server: "files", Outcome: "ok"},
	)

	// [start, end) excludes a record exactly at end.
	sum, err := s.Summary(context.Background(), now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Calls != 1 {
		t.Errorf("Calls in last hour = %d, want 1", sum.Calls)
	}

	// Sub-second ordering must hold as text.
	sum, err = s.Summary(context.Background(), now.Add(-time.Hour), now.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Calls != 2 {
		t.Errorf("Calls = %d, want 2", sum.Calls)
	}
}

func TestSummary_EmptyDB(t *testing.T) {
	s := testStore(t)

	sum, err := s.Summary(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Calls != 0 || sum.TotalDuration != 0 {
		t.Errorf("empty summary = %+v", sum)
	}
	if sum.AvgDuration() != 0 {
		t.Errorf("AvgDuration on empty = %v, want 0", sum.AvgDuration())
	}

	byServer, err := s.SummaryByServer(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("SummaryByServer: %v", err)
	}
	if len(byServer) != 0 {
		t.Errorf("got %d groups on empty db, want 0", len(byServer))
	}
}

func TestRecord_AutoID(t *testing.T) {
	s := testStore(t)

	// Two records with no ID must not collide on the primary key.
	record(t, s,
		Record{Key: "a@b", Server: "b", Outcome: "ok"},
		Record{Key: "a@b", Server: "b", Outcome: "ok"},
	)

	sum, err := s.Summary(context.Background(), time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Calls != 2 {
		t.Errorf("Calls = %d, want 2", sum.Calls)
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	_, err := NewStore("/nonexistent/path/usage.db")
	if err == nil {
		t.Error("NewStore() should fail for invalid path")
	}
}
