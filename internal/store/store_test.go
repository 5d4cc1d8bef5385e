package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/theirongolddev/telreport/internal/report"
)

func testDoc() *report.Document {
	start := time.Date(2024, 1, 8, 14, 30, 0, 0, time.UTC)
	end := start.Add(5 * time.Minute)
	dur := 300.0
	return &report.Document{
		SchemaVersion: report.SchemaVersion,
		GeneratedAt:   start,
		Source:        "/data",
		InputDigest:   "abc",
		Statistics: report.Statistics{
			TotalSessions: 1,
			TotalEvents:   3,
			TotalCost:     map[string]string{"USD": "0.0315"},
			TokenTotals:   map[string]int64{"input": 250},
			ToolUsage:     []report.UsageRow{{Name: "search_code", Count: 2}},
		},
		Sessions: []report.Session{{
			ID:              "s1",
			Agent:           "claude",
			StartTime:       &start,
			EndTime:         &end,
			DurationSeconds: &dur,
			Events: []report.Event{
				{Timestamp: start, Kind: "user_query", SessionID: "s1", Source: "i.jsonl", Line: 1, Text: "hello"},
				{Timestamp: start.Add(time.Minute), Kind: "agent_response", SessionID: "s1", Source: "i.jsonl", Line: 2, Text: "hi"},
			},
		}},
		Unassigned: []report.Event{
			{Timestamp: start, Kind: "metric_sample", Source: "m.jsonl", Line: 4, Metric: "x", Value: "1"},
		},
	}
}

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveRun(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	id, err := s.SaveRun(ctx, testDoc())
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("empty run id")
	}

	runs, err := s.Runs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != id || runs[0].TotalEvents != 3 || runs[0].InputDigest != "abc" {
		t.Fatalf("runs = %+v", runs)
	}

	n, err := s.SessionCount(ctx, id)
	if err != nil || n != 1 {
		t.Errorf("SessionCount = %d, %v", n, err)
	}

	events, err := s.EventContents(ctx, id, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || !strings.Contains(events[0], "hello") {
		t.Errorf("events = %q", events)
	}

	cost, err := s.Totals(ctx, id, "cost")
	if err != nil {
		t.Fatal(err)
	}
	if cost["USD"] != "0.0315" {
		t.Errorf("cost = %v", cost)
	}
	tokens, _ := s.Totals(ctx, id, "tokens")
	if tokens["input"] != "250" {
		t.Errorf("tokens = %v", tokens)
	}
}

func TestSaveRun_TwiceKeepsBoth(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	a, err := s.SaveRun(ctx, testDoc())
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.SaveRun(ctx, testDoc())
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("run ids collide")
	}
	runs, _ := s.Runs(ctx)
	if len(runs) != 2 {
		t.Errorf("runs = %d, want 2", len(runs))
	}
}

func TestDeleteRun_Cascades(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	id, err := s.SaveRun(ctx, testDoc())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRun(ctx, id); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.SessionCount(ctx, id); n != 0 {
		t.Errorf("sessions left after delete: %d", n)
	}
	if err := s.DeleteRun(ctx, id); err == nil {
		t.Error("expected error deleting missing run")
	}
}
