package source

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/theirongolddev/telreport/internal/model"
)

var t0 = time.Date(2024, 1, 8, 14, 30, 0, 0, time.UTC)

// writeFile creates a temp file with the given lines and returns a DiscoveredFile for it.
func writeFile(t *testing.T, name string, kind model.SourceKind, lines ...string) DiscoveredFile {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return DiscoveredFile{Path: path, RelPath: name, Kind: kind}
}

func TestParseFile_MetricsSkipsBadLine(t *testing.T) {
	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, fmt.Sprintf(
			`{"timestamp":"2024-01-08T14:30:%02dZ","metric":"claude_code.token.usage","value":%d,"attributes":{"session_id":"s1","type":"input"}}`, i, 100+i))
	}
	lines = append(lines[:5], append([]string{`{"timestamp": "broken`}, lines[5:]...)...)
	df := writeFile(t, "metrics.jsonl", model.SourceMetrics, lines...)

	res := ParseFile(context.Background(), df)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.SkippedLines != 1 {
		t.Errorf("SkippedLines = %d, want 1", res.SkippedLines)
	}
	if len(res.Records) != 10 {
		t.Fatalf("Records = %d, want 10", len(res.Records))
	}
	r := res.Records[0]
	if r.Type != RecordMetric || r.Metric != "claude_code.token.usage" || r.SessionID != "s1" {
		t.Errorf("first record = %+v", r)
	}
	if r.Attributes["type"] != "input" {
		t.Errorf("type attribute = %q, want input", r.Attributes["type"])
	}
	if v, ok := r.Value.(json.Number); !ok || v.String() != "100" {
		t.Errorf("Value = %#v, want json.Number(100)", r.Value)
	}
	if !r.Timestamp.Equal(t0) {
		t.Errorf("Timestamp = %v, want %v", r.Timestamp, t0)
	}
}

func TestParseFile_BlankLinesAreNotSkips(t *testing.T) {
	df := writeFile(t, "interactions.jsonl", model.SourceInteractions,
		`{"timestamp":"2024-01-08T14:30:00Z","event":"ai_activity","session_id":"s1","data":"Processing query: hi"}`,
		``,
		`   `,
	)
	res := ParseFile(context.Background(), df)
	if res.SkippedLines != 0 || len(res.Records) != 1 {
		t.Errorf("SkippedLines = %d, Records = %d; want 0, 1", res.SkippedLines, len(res.Records))
	}
	if res.Records[0].Text != "Processing query: hi" {
		t.Errorf("Text = %q", res.Records[0].Text)
	}
}

func TestParseFile_InteractionData(t *testing.T) {
	df := writeFile(t, "interactions.jsonl", model.SourceInteractions,
		`{"timestamp":"2024-01-08T14:30:00Z","event":"session_start","session_id":"s1","data":{"user":"dev","email":"dev@example.com"}}`,
		`{"timestamp":"2024-01-08T14:31:00Z","event":"session_end","data":{"exit_code":0,"session_id":"s1"}}`,
	)
	res := ParseFile(context.Background(), df)
	if len(res.Records) != 2 {
		t.Fatalf("Records = %d, want 2", len(res.Records))
	}
	start := res.Records[0]
	if start.Type != RecordInteraction || start.Event != "session_start" {
		t.Errorf("start = %+v", start)
	}
	if start.Attributes["email"] != "dev@example.com" {
		t.Errorf("email attribute = %q", start.Attributes["email"])
	}
	if res.Records[1].SessionID != "s1" {
		t.Errorf("session id from data = %q, want s1", res.Records[1].SessionID)
	}
}

func TestParseFile_MissingTimestampIsSkipped(t *testing.T) {
	df := writeFile(t, "metrics.jsonl", model.SourceMetrics,
		`{"metric":"cost","value":1}`,
		`{"timestamp":"yesterday","metric":"cost","value":1}`,
		`{"timestamp":1704724200,"metric":"cost","value":1}`,
	)
	res := ParseFile(context.Background(), df)
	if res.SkippedLines != 2 || len(res.Records) != 1 {
		t.Errorf("SkippedLines = %d, Records = %d; want 2, 1", res.SkippedLines, len(res.Records))
	}
}

func TestParseFile_SchemaGap(t *testing.T) {
	df := writeFile(t, "metrics.jsonl", model.SourceMetrics,
		`{"timestamp":"2024-01-08T14:30:00Z","foo":"bar"}`,
		`{"timestamp":"2024-01-08T14:30:01Z","foo":"baz"}`,
	)
	res := ParseFile(context.Background(), df)
	if res.SchemaGaps != 2 {
		t.Errorf("SchemaGaps = %d, want 2", res.SchemaGaps)
	}
	if len(res.Notes) != 1 {
		t.Errorf("Notes = %v, want one note", res.Notes)
	}
}

func TestParseFile_SessionInfo(t *testing.T) {
	df := writeFile(t, "session-info.json", model.SourceSessionInfo, `{
		// written by the container entrypoint
		"session_id": "s1",
		"user_name": "dev",
		"user_email": "dev@example.com",
		"start_time": "2024-01-08T14:30:00Z",
		"end_time": "2024-01-08T14:35:00Z",
		"exit_code": 0,
		"mcp_servers": ["github", "filesystem"],
	}`)
	res := ParseFile(context.Background(), df)
	if res.Err != nil || res.Info == nil {
		t.Fatalf("Info = %v, Err = %v", res.Info, res.Err)
	}
	info := res.Info
	if info.SessionID != "s1" || info.UserEmail != "dev@example.com" {
		t.Errorf("info = %+v", info)
	}
	if !info.StartTime.Equal(t0) || info.EndTime == nil || !info.EndTime.Equal(t0.Add(5*time.Minute)) {
		t.Errorf("window = %v .. %v", info.StartTime, info.EndTime)
	}
	if info.ExitCode == nil || *info.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", info.ExitCode)
	}
	if len(info.MCPServers) != 2 {
		t.Errorf("MCPServers = %v", info.MCPServers)
	}
}

func TestParseFile_SessionInfoMissingID(t *testing.T) {
	df := writeFile(t, "session-info.json", model.SourceSessionInfo, `{"user_name":"dev"}`)
	res := ParseFile(context.Background(), df)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Info != nil {
		t.Error("expected the record to be dropped")
	}
	if res.SchemaGaps != 1 || len(res.Notes) != 1 || !strings.Contains(res.Notes[0], "session_id") {
		t.Errorf("SchemaGaps = %d, Notes = %v", res.SchemaGaps, res.Notes)
	}
}

func TestParseFile_OTLP(t *testing.T) {
	logs := `{"resourceLogs":[{"resource":{"attributes":[{"key":"service.name","value":{"stringValue":"claude-code"}}]},` +
		`"scopeLogs":[{"logRecords":[{"timeUnixNano":"1704724200000000000","body":{"stringValue":"claude_code.user_prompt"},` +
		`"attributes":[{"key":"event.name","value":{"stringValue":"user_prompt"}},{"key":"session.id","value":{"stringValue":"s1"}},` +
		`{"key":"prompt_length","value":{"intValue":"12"}}]}]}]}]}`
	metrics := `{"resourceMetrics":[{"scopeMetrics":[{"metrics":[{"name":"claude_code.cost.usage","sum":{"dataPoints":[` +
		`{"timeUnixNano":"1704724200000000000","asDouble":0.012,"attributes":[{"key":"session.id","value":{"stringValue":"s1"}}]}]}}]}]}]}`
	df := writeFile(t, "otel.jsonl", model.SourceOTLP, logs, metrics)

	res := ParseFile(context.Background(), df)
	if res.Err != nil || res.SkippedLines != 0 {
		t.Fatalf("Err = %v, SkippedLines = %d", res.Err, res.SkippedLines)
	}
	if len(res.Records) != 2 {
		t.Fatalf("Records = %d, want 2", len(res.Records))
	}
	lr := res.Records[0]
	if lr.Type != RecordLog || lr.Event != "user_prompt" || lr.SessionID != "s1" || !lr.Timestamp.Equal(t0) {
		t.Errorf("log record = %+v", lr)
	}
	if lr.Attributes["service.name"] != "claude-code" || lr.Attributes["prompt_length"] != "12" {
		t.Errorf("attributes = %v", lr.Attributes)
	}
	mr := res.Records[1]
	if mr.Type != RecordMetric || mr.Metric != "claude_code.cost.usage" || mr.Value != 0.012 {
		t.Errorf("metric record = %+v", mr)
	}
}

func TestParseFile_OTLPDroppedEntriesAreCounted(t *testing.T) {
	logs := `{"resourceLogs":[{"scopeLogs":[{"logRecords":[` +
		`{"body":{"stringValue":"claude_code.api_request"},"attributes":[{"key":"session.id","value":{"stringValue":"s1"}}]},` +
		`{"timeUnixNano":"1704724200000000000","body":{"stringValue":"claude_code.user_prompt"}}]}]}]}`
	metrics := `{"resourceMetrics":[{"scopeMetrics":[{"metrics":[` +
		`{"name":"claude_code.cost.usage","sum":{"dataPoints":[{"asDouble":0.5}]}},` +
		`{"name":"claude_code.request.latency","histogram":{"dataPoints":[{"timeUnixNano":"1704724200000000000","count":"3"}]}}]}]}]}`
	df := writeFile(t, "otel.jsonl", model.SourceOTLP, logs, metrics)

	res := ParseFile(context.Background(), df)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("Records = %d, want 1", len(res.Records))
	}
	if res.SkippedLines != 2 {
		t.Errorf("SkippedLines = %d, want 2 (untimed log record and point)", res.SkippedLines)
	}
	if res.SchemaGaps != 1 || len(res.Notes) != 1 || !strings.Contains(res.Notes[0], "claude_code.request.latency") {
		t.Errorf("SchemaGaps = %d, Notes = %v", res.SchemaGaps, res.Notes)
	}
}

func TestParseFile_Gzip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.jsonl.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := gzip.NewWriter(f)
	_, _ = zw.Write([]byte(`{"timestamp":"2024-01-08T14:30:00Z","metric":"cost","value":"0.5"}` + "\n"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	df, ok := Classify(path, "metrics.jsonl.gz")
	if !ok || df.Compression != CompressionGzip || df.Kind != model.SourceMetrics {
		t.Fatalf("Classify = %+v, %v", df, ok)
	}
	res := ParseFile(context.Background(), df)
	if res.Err != nil || len(res.Records) != 1 {
		t.Fatalf("Err = %v, Records = %d", res.Err, len(res.Records))
	}
}

func TestParseFile_RawLog(t *testing.T) {
	df := writeFile(t, "session.log", model.SourceRawLog,
		"Script started on 2024-01-08 14:30:00+00:00 [COMMAND=\"claude\"]",
		"\x1b[1mWelcome\x1b[0m",
		"[2024-01-08T14:30:05Z] ⏺ Read(main.go)",
		"follow-up line",
		"spinner 1\rspinner done",
	)
	res := ParseFile(context.Background(), df)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if len(res.Records) != 4 {
		t.Fatalf("Records = %d, want 4: %+v", len(res.Records), res.Records)
	}
	want := []struct {
		text string
		ts   time.Time
	}{
		{"Welcome", t0},
		{"⏺ Read(main.go)", t0.Add(5 * time.Second)},
		{"follow-up line", t0.Add(5 * time.Second)},
		{"spinner done", t0.Add(5 * time.Second)},
	}
	for i, w := range want {
		r := res.Records[i]
		if r.Text != w.text || !r.Timestamp.Equal(w.ts) {
			t.Errorf("record %d = (%q, %v), want (%q, %v)", i, r.Text, r.Timestamp, w.text, w.ts)
		}
	}
}

func TestParseFile_Cancelled(t *testing.T) {
	lines := make([]string, 3000)
	for i := range lines {
		lines[i] = `{"timestamp":"2024-01-08T14:30:00Z","metric":"cost","value":1}`
	}
	df := writeFile(t, "metrics.jsonl", model.SourceMetrics, lines...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := ParseFile(ctx, df)
	if res.Err == nil {
		t.Error("expected context error")
	}
}

func TestParseFile_Missing(t *testing.T) {
	res := ParseFile(context.Background(), DiscoveredFile{Path: filepath.Join(t.TempDir(), "nope.jsonl")})
	if res.Err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseTimestamp_HugeEpochRejected(t *testing.T) {
	for _, v := range []any{1e19, math.MaxFloat64, "1e19", json.Number("9.3e18")} {
		if ts, ok := ParseTimestamp(v); ok {
			t.Errorf("ParseTimestamp(%v) = %v, want rejected", v, ts)
		}
	}
	if ts, ok := ParseTimestamp(1.7047242e18); !ok || ts.Year() != 2024 {
		t.Errorf("ParseTimestamp(1.7047242e18) = %v, %v", ts, ok)
	}
}

func FuzzParseTimestamp(f *testing.F) {
	f.Add("2024-01-08T14:30:00Z")
	f.Add("1704724200")
	f.Add("1704724200123")
	f.Add("-1")
	f.Add("9.3e18")
	f.Add("")
	f.Fuzz(func(t *testing.T, s string) {
		ts, ok := ParseTimestamp(s)
		if ok && ts.Location() != time.UTC {
			t.Errorf("ParseTimestamp(%q) not UTC", s)
		}
	})
}
