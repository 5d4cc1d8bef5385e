package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theirongolddev/telreport/internal/classify"
	"github.com/theirongolddev/telreport/internal/model"
	"github.com/theirongolddev/telreport/internal/source"
)

var t0 = time.Date(2024, 1, 8, 14, 30, 0, 0, time.UTC)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func lines(ls ...string) string { return strings.Join(ls, "\n") + "\n" }

func costEvent(seq int, session, value string) model.TelemetryEvent {
	return model.TelemetryEvent{
		Timestamp: t0.Add(time.Duration(seq) * time.Second),
		Kind:      model.KindCostSample,
		SessionID: session,
		Seq:       seq,
		Source:    model.SourceRef{Kind: model.SourceMetrics},
		Payload:   model.Payload{Metric: "cost.usage", Value: decimal.RequireFromString(value), Unit: "USD"},
	}
}

func tokenEvent(seq int, session, typ string, n int64) model.TelemetryEvent {
	return model.TelemetryEvent{
		Timestamp: t0.Add(time.Duration(seq) * time.Second),
		Kind:      model.KindTokenSample,
		SessionID: session,
		Seq:       seq,
		Source:    model.SourceRef{Kind: model.SourceMetrics},
		Payload:   model.Payload{Metric: "token.usage", Tokens: n, TokenType: typ},
	}
}

func TestAggregate_CostIsExact(t *testing.T) {
	asm := Assemble([]model.TelemetryEvent{
		costEvent(0, "s1", "0.0120"),
		costEvent(1, "s1", "0.0195"),
	}, nil, AssembleOptions{})
	stats := Aggregate(asm.Sessions, asm.Unassigned)

	want := decimal.RequireFromString("0.0315")
	if got := stats.TotalCost["USD"]; !got.Equal(want) {
		t.Errorf("TotalCost[USD] = %s, want %s", got, want)
	}
}

func TestAggregate_TokenTotals(t *testing.T) {
	asm := Assemble([]model.TelemetryEvent{
		tokenEvent(0, "s1", "input", 250),
		tokenEvent(1, "s1", "output", 150),
		tokenEvent(2, "s2", "input", 180),
		tokenEvent(3, "s2", "output", 220),
	}, nil, AssembleOptions{})
	stats := Aggregate(asm.Sessions, asm.Unassigned)

	if stats.TokenTotals["input"] != 430 || stats.TokenTotals["output"] != 370 {
		t.Errorf("TokenTotals = %v, want input:430 output:370", stats.TokenTotals)
	}
	if stats.TotalSessions != 2 || stats.TotalEvents != 4 {
		t.Errorf("sessions/events = %d/%d, want 2/4", stats.TotalSessions, stats.TotalEvents)
	}
}

func TestAggregate_ZeroSessions(t *testing.T) {
	stats := Aggregate(nil, nil)
	if stats.DurationDefined || stats.AverageSessionDuration != 0 {
		t.Errorf("durations on empty input = %+v", stats)
	}
	if stats.TotalSessions != 0 || len(stats.ToolUsage) != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestAggregate_ToolHistogramOrder(t *testing.T) {
	mk := func(seq int, tool, server string) model.TelemetryEvent {
		return model.TelemetryEvent{
			Timestamp: t0.Add(time.Duration(seq) * time.Second), Kind: model.KindToolCall,
			SessionID: "s1", Seq: seq, Payload: model.Payload{Tool: tool, Server: server},
		}
	}
	asm := Assemble([]model.TelemetryEvent{
		mk(0, "read_file", "filesystem"), mk(1, "Bash", ""), mk(2, "read_file", "filesystem"),
		mk(3, "Grep", ""), mk(4, "Bash", ""), mk(5, "create_issue", "github"),
	}, nil, AssembleOptions{})
	stats := Aggregate(asm.Sessions, asm.Unassigned)

	want := []model.NameCount{
		{Name: "Bash", Count: 2}, {Name: "read_file", Count: 2}, {Name: "Grep", Count: 1}, {Name: "create_issue", Count: 1},
	}
	if fmt.Sprint(stats.ToolUsage) != fmt.Sprint(want) {
		t.Errorf("ToolUsage = %v, want %v", stats.ToolUsage, want)
	}
	if got := asm.Sessions[0].MCPServers; fmt.Sprint(got) != "[filesystem github]" {
		t.Errorf("MCPServers = %v", got)
	}
}

func TestAssemble_SessionWindow(t *testing.T) {
	end := t0.Add(5 * time.Minute)
	info := model.SessionInfo{SessionID: "s1", UserName: "dev", StartTime: t0, EndTime: &end}

	var events []model.TelemetryEvent
	for i := 0; i < 25; i++ {
		// Out of order on purpose.
		ts := t0.Add(time.Duration((i*7)%25) * 10 * time.Second)
		events = append(events, model.TelemetryEvent{
			Timestamp: ts, Kind: model.KindUserQuery, SessionID: "s1", Seq: i,
			Source:  model.SourceRef{Kind: model.SourceInteractions},
			Payload: model.Payload{Text: fmt.Sprintf("q%d", i)},
		})
	}

	asm := Assemble(events, []model.SessionInfo{info}, AssembleOptions{})
	if len(asm.Sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(asm.Sessions))
	}
	s := asm.Sessions[0]
	if len(s.Events) != 25 {
		t.Errorf("events = %d, want 25", len(s.Events))
	}
	if d, ok := s.Duration(); !ok || d != 300*time.Second {
		t.Errorf("Duration = %v, %v; want 300s", d, ok)
	}
	for i := 1; i < len(s.Events); i++ {
		if s.Events[i].Timestamp.Before(s.Events[i-1].Timestamp) {
			t.Fatalf("events out of order at %d", i)
		}
	}
}

func TestAssemble_StableTies(t *testing.T) {
	var events []model.TelemetryEvent
	for i := 0; i < 5; i++ {
		events = append(events, model.TelemetryEvent{
			Timestamp: t0, Kind: model.KindAgentResponse, SessionID: "s1", Seq: 4 - i,
			Payload: model.Payload{Text: fmt.Sprint(4 - i)},
		})
	}
	asm := Assemble(events, nil, AssembleOptions{})
	for i, ev := range asm.Sessions[0].Events {
		if ev.Seq != i {
			t.Errorf("position %d has seq %d", i, ev.Seq)
		}
	}
}

func TestAssemble_InfoWinsOverEvents(t *testing.T) {
	end := t0.Add(time.Minute)
	info := model.SessionInfo{SessionID: "s1", UserName: "declared", StartTime: t0, EndTime: &end}
	code := 3
	events := []model.TelemetryEvent{
		{Timestamp: t0.Add(-time.Minute), Kind: model.KindSessionStart, SessionID: "s1", Seq: 0,
			Payload: model.Payload{User: "observed", Email: "dev@example.com"}},
		{Timestamp: t0.Add(2 * time.Minute), Kind: model.KindSessionEnd, SessionID: "s1", Seq: 1,
			Payload: model.Payload{ExitCode: &code}},
	}
	s := Assemble(events, []model.SessionInfo{info}, AssembleOptions{}).Sessions[0]
	if s.UserName != "declared" || !s.StartTime.Equal(t0) || !s.EndTime.Equal(end) {
		t.Errorf("declared fields overridden: %+v", s)
	}
	if s.UserEmail != "dev@example.com" {
		t.Errorf("UserEmail = %q, want gap filled from session_start", s.UserEmail)
	}
	if s.ExitCode == nil || *s.ExitCode != 3 {
		t.Errorf("ExitCode = %v, want 3", s.ExitCode)
	}
}

func TestAssemble_OpenAndInverted(t *testing.T) {
	before := t0.Add(-time.Minute)
	infos := []model.SessionInfo{
		{SessionID: "open", StartTime: t0},
		{SessionID: "inverted", StartTime: t0, EndTime: &before},
	}
	asm := Assemble(nil, infos, AssembleOptions{})
	for _, s := range asm.Sessions {
		if !s.Open() {
			t.Errorf("%s should be open", s.SessionID)
		}
		if _, ok := s.Duration(); ok {
			t.Errorf("%s should have no duration", s.SessionID)
		}
	}
	if len(asm.Notes) != 1 || !strings.Contains(asm.Notes[0], "inverted") {
		t.Errorf("Notes = %v", asm.Notes)
	}
	stats := Aggregate(asm.Sessions, asm.Unassigned)
	if stats.OpenSessions != 2 || stats.DurationDefined {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAssemble_Unassigned(t *testing.T) {
	end := t0.Add(time.Minute)
	infos := []model.SessionInfo{
		{SessionID: "a", UserEmail: "dev@example.com", StartTime: t0, EndTime: &end},
		{SessionID: "b", UserEmail: "dev@example.com", StartTime: t0.Add(30 * time.Second), EndTime: &end},
		{SessionID: "c", UserEmail: "ops@example.com", StartTime: t0.Add(time.Hour), EndTime: ptr(t0.Add(2 * time.Hour))},
	}
	events := []model.TelemetryEvent{
		{Timestamp: t0.Add(10 * time.Second), Kind: model.KindCostSample, Seq: 0,
			Payload: model.Payload{Email: "dev@example.com", Value: decimal.NewFromInt(1), Unit: "USD"}},
		{Timestamp: t0.Add(40 * time.Second), Kind: model.KindCostSample, Seq: 1,
			Payload: model.Payload{Email: "dev@example.com", Value: decimal.NewFromInt(1), Unit: "USD"}},
		{Timestamp: t0.Add(90 * time.Minute), Kind: model.KindCostSample, Seq: 2,
			Payload: model.Payload{Value: decimal.NewFromInt(1), Unit: "USD"}},
		{Timestamp: t0.Add(3 * time.Hour), Kind: model.KindCostSample, Seq: 3,
			Payload: model.Payload{Email: "ops@example.com", Value: decimal.NewFromInt(1), Unit: "USD"}},
	}
	asm := Assemble(events, infos, AssembleOptions{})

	counts := map[string]int{}
	for _, s := range asm.Sessions {
		counts[s.SessionID] = len(s.Events)
	}
	if counts["a"] != 1 || counts["b"] != 0 || counts["c"] != 0 {
		t.Errorf("session event counts = %v", counts)
	}
	if asm.Unassigned == nil || len(asm.Unassigned.Events) != 3 {
		t.Fatalf("unassigned = %+v, want 3 events", asm.Unassigned)
	}
	stats := Aggregate(asm.Sessions, asm.Unassigned)
	if stats.TotalSessions != 3 || stats.UnassignedEvents != 3 || !stats.TotalCost["USD"].Equal(decimal.NewFromInt(4)) {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAssemble_RawLogFallback(t *testing.T) {
	raw := func(seq int, ts time.Time, session string, kind model.EventKind, text string) model.TelemetryEvent {
		return model.TelemetryEvent{Timestamp: ts, Kind: kind, SessionID: session, Seq: seq,
			Source: model.SourceRef{Kind: model.SourceRawLog}, Payload: model.Payload{Text: text}}
	}
	events := []model.TelemetryEvent{
		// Session with structured interactions: raw lines are dropped.
		{Timestamp: t0, Kind: model.KindUserQuery, SessionID: "rich", Seq: 0,
			Source: model.SourceRef{Kind: model.SourceInteractions}},
		raw(1, t0, "rich", model.KindRawLogLine, "hello"),
		raw(2, t0, "rich", model.KindToolCall, "⏺ Read(x)"),
		// Raw-only session: promoted tool calls stay, raw lines survive
		// unless a richer metric event shares their second.
		{Timestamp: t0.Add(10 * time.Second), Kind: model.KindCostSample, SessionID: "raw", Seq: 3,
			Source: model.SourceRef{Kind: model.SourceMetrics}, Payload: model.Payload{Unit: "USD"}},
		raw(4, time.Time{}, "raw", model.KindRawLogLine, "banner"),
		raw(5, t0.Add(5*time.Second), "raw", model.KindToolCall, "⏺ Read(x)"),
		raw(6, t0.Add(5*time.Second), "raw", model.KindRawLogLine, "output"),
		raw(7, t0.Add(10*time.Second+300*time.Millisecond), "raw", model.KindRawLogLine, "dup"),
	}
	asm := Assemble(events, nil, AssembleOptions{})
	got := map[string]int{}
	for _, s := range asm.Sessions {
		got[s.SessionID] = len(s.Events)
	}
	if got["rich"] != 1 {
		t.Errorf("rich events = %d, want 1", got["rich"])
	}
	if got["raw"] != 4 {
		t.Errorf("raw events = %d, want 4", got["raw"])
	}
	if asm.SuppressedRawLines != 3 {
		t.Errorf("SuppressedRawLines = %d, want 3", asm.SuppressedRawLines)
	}
	for _, s := range asm.Sessions {
		if s.SessionID != "raw" {
			continue
		}
		if first := s.Events[0]; first.Payload.Text != "banner" || !first.Timestamp.Equal(s.StartTime) {
			t.Errorf("unstamped raw line not anchored at start: %+v", first)
		}
	}
}

func TestNormalize_MalformedSamples(t *testing.T) {
	df := source.DiscoveredFile{RelPath: "metrics.jsonl", Kind: model.SourceMetrics}
	rec := func(metric string, v any) source.RawRecord {
		return source.RawRecord{Type: source.RecordMetric, Timestamp: t0, Metric: metric, Value: v,
			Attributes: map[string]string{"type": "input"}}
	}
	res := Normalize([]source.ParseResult{{File: df, Records: []source.RawRecord{
		rec("cost.usage", "0.5"),
		rec("cost.usage", "abc"),
		rec("cost.usage", true),
		rec("token.usage", "12.5"),
		rec("token.usage", "-3"),
		rec("token.usage", "40"),
	}}}, classify.Default())

	if res.Diagnostics.MalformedSamples != 4 {
		t.Errorf("MalformedSamples = %d, want 4", res.Diagnostics.MalformedSamples)
	}
	if len(res.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(res.Events))
	}
	if res.Events[1].Payload.Tokens != 40 || res.Events[1].Payload.TokenType != "input" {
		t.Errorf("token event = %+v", res.Events[1].Payload)
	}
	if res.Events[0].Seq != 0 || res.Events[1].Seq != 1 {
		t.Errorf("seq = %d, %d", res.Events[0].Seq, res.Events[1].Seq)
	}
}

func TestNormalize_InteractionActivity(t *testing.T) {
	df := source.DiscoveredFile{RelPath: "sessions/s9/interactions.jsonl", Kind: model.SourceInteractions, DirSession: "s9"}
	res := Normalize([]source.ParseResult{{File: df, Records: []source.RawRecord{
		{Type: source.RecordInteraction, Timestamp: t0, Event: "ai_activity", Text: "Processing query: build it"},
		{Type: source.RecordInteraction, Timestamp: t0, Event: "ai_activity", Text: "MCP: github.create_issue bug"},
		{Type: source.RecordInteraction, Timestamp: t0, Event: "session_end", Attributes: map[string]string{"exit_code": "0"}},
	}}}, nil)

	if len(res.Events) != 3 {
		t.Fatalf("events = %d", len(res.Events))
	}
	q, mcp, end := res.Events[0], res.Events[1], res.Events[2]
	if q.Kind != model.KindUserQuery || q.Payload.Text != "build it" || q.SessionID != "s9" {
		t.Errorf("query = %+v", q)
	}
	if mcp.Kind != model.KindToolCall || mcp.Payload.Server != "github" || mcp.Payload.Tool != "create_issue" {
		t.Errorf("mcp = %+v", mcp)
	}
	if end.Kind != model.KindSessionEnd || end.Payload.ExitCode == nil || *end.Payload.ExitCode != 0 {
		t.Errorf("end = %+v", end)
	}
}

func TestNormalize_OTLPLog(t *testing.T) {
	df := source.DiscoveredFile{RelPath: "otel.jsonl", Kind: model.SourceOTLP}
	res := Normalize([]source.ParseResult{{File: df, Records: []source.RawRecord{
		{Type: source.RecordLog, Timestamp: t0, Event: "claude_code.tool_result", SessionID: "s1",
			Attributes: map[string]string{"tool_name": "Edit", "success": "true"}},
		{Type: source.RecordLog, Timestamp: t0, Event: "api_request", SessionID: "s1",
			Attributes: map[string]string{"model": "sonnet", "cost_usd": "0.01"}},
	}}}, nil)
	if res.Events[0].Kind != model.KindToolCall || res.Events[0].Payload.Tool != "Edit" {
		t.Errorf("tool_result = %+v", res.Events[0])
	}
	if res.Events[1].Kind != model.KindAgentResponse || res.Events[1].Payload.Text != "model=sonnet cost_usd=0.01" {
		t.Errorf("api_request = %+v", res.Events[1])
	}
}

func TestLoad_PreservesOrder(t *testing.T) {
	files := make(map[string]string)
	for i := 0; i < 20; i++ {
		files[fmt.Sprintf("m%02d/metrics.jsonl", i)] = fmt.Sprintf(`{"timestamp":"2024-01-08T14:30:00Z","metric":"m%02d","value":1}`+"\n", i)
	}
	root := writeTree(t, files)
	scan, err := source.ScanDir(root)
	if err != nil {
		t.Fatal(err)
	}

	var calls int
	var mu sync.Mutex
	results := Load(context.Background(), scan.Files, 4, func(current, total int) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if calls != 20 {
		t.Errorf("progress calls = %d, want 20", calls)
	}
	for i, r := range results {
		if want := fmt.Sprintf("m%02d", i); len(r.Records) != 1 || r.Records[0].Metric != want {
			t.Errorf("result %d = %+v, want metric %s", i, r.Records, want)
		}
	}
}

func TestAnalyze_InputNotFound(t *testing.T) {
	tests := map[string]Options{
		"missing root":    {DataDir: filepath.Join(t.TempDir(), "nope")},
		"missing subpath": {DataDir: t.TempDir(), SubPath: "claude"},
		"no telemetry":    {DataDir: writeTree(t, map[string]string{"README.md": "hi"})},
	}
	for name, opts := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Analyze(context.Background(), opts)
			if !errors.Is(err, ErrInputNotFound) {
				t.Errorf("err = %v, want ErrInputNotFound", err)
			}
		})
	}
}

func TestAnalyze_SkippedLinesDoNotAbort(t *testing.T) {
	var ls []string
	for i := 0; i < 10; i++ {
		ls = append(ls, fmt.Sprintf(`{"timestamp":"2024-01-08T14:30:%02dZ","metric":"claude_code.cost.usage","value":0.01,"attributes":{"session_id":"S"}}`, i))
	}
	ls = append(ls, `{not json`)
	root := writeTree(t, map[string]string{"claude-telemetry/metrics.jsonl": lines(ls...)})

	a, err := Analyze(context.Background(), Options{DataDir: root})
	if err != nil {
		t.Fatal(err)
	}
	if a.Diagnostics.SkippedLines != 1 || a.Stats.TotalEvents != 10 {
		t.Errorf("skipped = %d, events = %d", a.Diagnostics.SkippedLines, a.Stats.TotalEvents)
	}
	if len(a.Sessions) != 1 || a.Sessions[0].SessionID != "S" {
		t.Fatalf("sessions = %+v", a.Sessions)
	}
	for _, ev := range a.Sessions[0].Events {
		if ev.SessionID != "S" {
			t.Errorf("event session = %q, want S", ev.SessionID)
		}
	}
	if a.Sessions[0].Agent != model.AgentClaude {
		t.Errorf("Agent = %q", a.Sessions[0].Agent)
	}
	if len(a.InputDigest) != 64 {
		t.Errorf("InputDigest = %q", a.InputDigest)
	}
}

func TestAnalyze_SubPathAndConcurrency(t *testing.T) {
	root := writeTree(t, map[string]string{
		"claude/sessions/c1/session-info.json":  `{"session_id":"c1","start_time":"2024-01-08T14:30:00Z","end_time":"2024-01-08T14:35:00Z"}`,
		"claude/sessions/c1/interactions.jsonl": lines(`{"timestamp":"2024-01-08T14:31:00Z","event":"ai_activity","data":"Processing query: hi"}`),
		"gemini/sessions/g1/session-info.json":  `{"session_id":"g1","start_time":"2024-01-08T15:00:00Z"}`,
	})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	digests := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := Analyze(context.Background(), Options{DataDir: root, SubPath: "claude"})
			errs[i] = err
			if err == nil {
				if len(a.Sessions) != 1 || a.Sessions[0].SessionID != "c1" {
					errs[i] = fmt.Errorf("sessions = %+v", a.Sessions)
				}
				digests[i] = a.InputDigest
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("run %d: %v", i, err)
		}
		if digests[i] != digests[0] {
			t.Errorf("run %d digest differs", i)
		}
	}
}

func TestAnalyze_Cancelled(t *testing.T) {
	root := writeTree(t, map[string]string{"metrics.jsonl": lines(`{"timestamp":1704724200,"metric":"x","value":1}`)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Analyze(ctx, Options{DataDir: root}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func ptr[T any](v T) *T { return &v }

func TestAssemble_WindowFromEvents(t *testing.T) {
	events := []model.TelemetryEvent{
		{SessionID: "x", Timestamp: t0.Add(2 * time.Minute), Kind: model.KindUserQuery, Seq: 0},
		{SessionID: "x", Timestamp: t0, Kind: model.KindAgentResponse, Seq: 1},
	}
	s := Assemble(events, nil, AssembleOptions{}).Sessions[0]
	if !s.StartTime.Equal(t0) || s.EndTime == nil || !s.EndTime.Equal(t0.Add(2*time.Minute)) {
		t.Errorf("window = %v..%v, want min/max event timestamps", s.StartTime, s.EndTime)
	}
	if d, ok := s.Duration(); !ok || d != 2*time.Minute {
		t.Errorf("Duration = %v, %v", d, ok)
	}
}

func apiEvent(seq int, session string, attrs map[string]string) model.TelemetryEvent {
	res := Normalize([]source.ParseResult{{
		File: source.DiscoveredFile{RelPath: "otel.jsonl", Kind: model.SourceOTLP},
		Records: []source.RawRecord{{Type: source.RecordLog, Timestamp: t0.Add(time.Duration(seq) * time.Second),
			Event: "claude_code.api_request", SessionID: session, Attributes: attrs}},
	}}, nil)
	ev := res.Events[0]
	ev.Seq = seq
	return ev
}

func TestAggregate_APIRequestUsage(t *testing.T) {
	asm := Assemble([]model.TelemetryEvent{
		apiEvent(0, "s1", map[string]string{"model": "sonnet", "cost_usd": "0.0120",
			"input_tokens": "250", "output_tokens": "150", "duration_ms": "1500"}),
		apiEvent(1, "s1", map[string]string{"model": "haiku", "duration_ms": "500"}),
	}, nil, AssembleOptions{})
	stats := Aggregate(asm.Sessions, asm.Unassigned)

	if got := stats.TotalCost["USD"]; !got.Equal(decimal.RequireFromString("0.0120")) {
		t.Errorf("TotalCost[USD] = %s, want 0.0120", got)
	}
	if stats.TokenTotals[model.TokenInput] != 250 || stats.TokenTotals[model.TokenOutput] != 150 {
		t.Errorf("TokenTotals = %v, want input:250 output:150", stats.TokenTotals)
	}
	if _, ok := stats.TokenTotals[model.TokenCache]; ok {
		t.Errorf("TokenTotals has empty cache entry: %v", stats.TokenTotals)
	}
	if stats.APIRequestCount != 2 || stats.APIDuration != 2*time.Second {
		t.Errorf("api = %d/%v, want 2/2s", stats.APIRequestCount, stats.APIDuration)
	}
	if got := fmt.Sprint(stats.ModelUsage); got != "[{haiku 1} {sonnet 1}]" {
		t.Errorf("ModelUsage = %s", got)
	}
}

func TestAggregate_APIRequestDefersToSamples(t *testing.T) {
	asm := Assemble([]model.TelemetryEvent{
		costEvent(0, "s1", "0.0120"),
		tokenEvent(1, "s1", "input", 250),
		apiEvent(2, "s1", map[string]string{"model": "sonnet", "cost_usd": "0.0120", "input_tokens": "250"}),
		apiEvent(3, "s2", map[string]string{"model": "sonnet", "cost_usd": "0.0030", "input_tokens": "40"}),
	}, nil, AssembleOptions{})
	stats := Aggregate(asm.Sessions, asm.Unassigned)

	if got := stats.TotalCost["USD"]; !got.Equal(decimal.RequireFromString("0.0150")) {
		t.Errorf("TotalCost[USD] = %s, want 0.0150", got)
	}
	if got := stats.TokenTotals[model.TokenInput]; got != 290 {
		t.Errorf("input tokens = %d, want 290", got)
	}
	if stats.APIRequestCount != 2 {
		t.Errorf("APIRequestCount = %d, want 2", stats.APIRequestCount)
	}
}
