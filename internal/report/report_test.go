package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"

	"github.com/theirongolddev/telreport/internal/pipeline"
)

var flowLine = regexp.MustCompile("^\\d+\\. `")

// fixture writes one session with 25 interactions plus metrics, and runs the pipeline over it.
func fixture(t *testing.T) *pipeline.Analysis {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "sessions", "s1")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("session-info.json", `{"session_id":"s1","user_name":"dev","user_email":"dev@example.com",
		"start_time":"2024-01-08T14:30:00Z","end_time":"2024-01-08T14:35:00Z","exit_code":0,"mcp_servers":["github"]}`)

	var inter strings.Builder
	for i := 0; i < 25; i++ {
		text := "Processing query: step " + fmt.Sprint(i)
		switch i % 3 {
		case 1:
			text = "Claude: line one\nline two"
		case 2:
			text = "MCP: github.search_code q=" + fmt.Sprint(i)
		}
		data, _ := json.Marshal(text)
		fmt.Fprintf(&inter, `{"timestamp":"2024-01-08T14:%02d:%02dZ","event":"ai_activity","data":%s}`+"\n", 30+i/12, (i%12)*5, data)
	}
	write("interactions.jsonl", inter.String())

	metrics := filepath.Join(root, "claude-telemetry", "metrics.jsonl")
	if err := os.MkdirAll(filepath.Dir(metrics), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(metrics, []byte(strings.Join([]string{
		`{"timestamp":"2024-01-08T14:31:00Z","metric":"claude_code.cost.usage","value":0.0120,"attributes":{"session_id":"s1","currency":"USD"}}`,
		`{"timestamp":"2024-01-08T14:32:00Z","metric":"claude_code.cost.usage","value":0.0195,"attributes":{"session_id":"s1","currency":"USD"}}`,
		`{"timestamp":"2024-01-08T14:32:00Z","metric":"claude_code.token.usage","value":250,"attributes":{"session_id":"s1","type":"input"}}`,
		`{"timestamp":"2024-01-08T16:00:00Z","metric":"claude_code.session.count","value":1}`,
		`garbage`,
	}, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := pipeline.Analyze(context.Background(), pipeline.Options{DataDir: root})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func sessionSection(md, id string) string {
	start := strings.Index(md, "### Session `"+id+"`")
	if start < 0 {
		return ""
	}
	rest := md[start:]
	if end := strings.Index(rest, "\n## "); end >= 0 {
		return rest[:end]
	}
	return rest
}

func TestRenderMarkdown_SessionFlow(t *testing.T) {
	a := fixture(t)
	doc := Build(a, time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC))
	md := RenderMarkdown(doc, RenderOptions{})

	sec := sessionSection(md, "s1")
	if sec == "" {
		t.Fatalf("no section for s1:\n%s", md)
	}
	n := 0
	for _, line := range strings.Split(sec, "\n") {
		if flowLine.MatchString(line) {
			n++
		}
	}
	// 25 interactions + 3 metric samples.
	if n != 28 {
		t.Errorf("flow lines = %d, want 28", n)
	}
	if !strings.Contains(sec, "**Duration:** 300.0 seconds") {
		t.Errorf("duration missing:\n%s", sec)
	}
	if !strings.Contains(sec, "line one ⏎ line two") {
		t.Error("newlines not folded")
	}
	if !strings.Contains(sec, "**Tool Call**: github/search_code(q=2)") {
		t.Error("mcp call not rendered")
	}
	for _, want := range []string{
		"| Total cost (USD) | 0.0315 |",
		"| Tokens (input) | 250 |",
		"| Lines skipped | 1 |",
		"| Unassigned events | 1 |",
		"## Unassigned Events",
		"| search_code | 8 |",
		"## Data Quality",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestRenderMarkdown_Deterministic(t *testing.T) {
	a := fixture(t)
	gen := GeneratedAt(a.NewestModTime)
	first := RenderMarkdown(Build(a, gen), RenderOptions{RawDump: true})

	b, err := pipeline.Analyze(context.Background(), pipeline.Options{DataDir: a.Root, Workers: 1})
	if err != nil {
		t.Fatal(err)
	}
	second := RenderMarkdown(Build(b, GeneratedAt(b.NewestModTime)), RenderOptions{RawDump: true})
	if first != second {
		t.Error("two runs over unchanged input differ")
	}
}

func TestRenderMarkdown_RawDumpLimit(t *testing.T) {
	doc := Build(fixture(t), time.Unix(0, 0))
	md := RenderMarkdown(doc, RenderOptions{RawDump: true, RawLimit: 5})
	if !strings.Contains(md, "<summary>Raw events (29)</summary>") {
		t.Error("raw dump header missing")
	}
	if !strings.Contains(md, "… and 24 more events") {
		t.Error("raw dump limit note missing")
	}
}

func TestRenderMarkdown_Empty(t *testing.T) {
	doc := &Document{GeneratedAt: time.Unix(0, 0), Source: "x"}
	md := RenderMarkdown(doc, RenderOptions{})
	if !strings.Contains(md, "| Average session duration | n/a |") {
		t.Errorf("expected n/a durations:\n%s", md)
	}
}

func TestRenderMarkdown_APIRequests(t *testing.T) {
	doc := &Document{GeneratedAt: time.Unix(0, 0), Source: "x", Statistics: Statistics{
		APIRequests:     3,
		APIDurationSecs: 4.5,
		ModelUsage:      []UsageRow{{Name: "sonnet", Count: 2}, {Name: "haiku", Count: 1}},
	}}
	md := RenderMarkdown(doc, RenderOptions{})
	for _, want := range []string{
		"| API requests | 3 |",
		"| API time | 4.5 seconds |",
		"## Models",
		"| sonnet | 2 |",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestGeneratedAt(t *testing.T) {
	newest := time.Date(2024, 1, 8, 14, 30, 0, 500, time.UTC)
	t.Setenv("SOURCE_DATE_EPOCH", "")
	if got := GeneratedAt(newest); !got.Equal(newest.Truncate(time.Second)) {
		t.Errorf("GeneratedAt = %v", got)
	}
	t.Setenv("SOURCE_DATE_EPOCH", "1704724200")
	if got := GeneratedAt(newest); got.Unix() != 1704724200 {
		t.Errorf("GeneratedAt with SOURCE_DATE_EPOCH = %v", got)
	}
}

func TestRenderHTML(t *testing.T) {
	doc := Build(fixture(t), time.Unix(0, 0))
	out, err := RenderHTML(RenderMarkdown(doc, RenderOptions{}), "Report <1>")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"<title>Report &lt;1&gt;</title>", "<table>", "<h2>Executive Summary</h2>"} {
		if !strings.Contains(out, want) {
			t.Errorf("html missing %q", want)
		}
	}
}

func TestWriteExport(t *testing.T) {
	doc := Build(fixture(t), time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC))

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteExport(&buf, doc, FormatJSON); err != nil {
			t.Fatal(err)
		}
		var got map[string]any
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		if got["schema_version"].(float64) != SchemaVersion {
			t.Errorf("schema_version = %v", got["schema_version"])
		}
		stats := got["statistics"].(map[string]any)
		if stats["total_cost"].(map[string]any)["USD"] != "0.0315" {
			t.Errorf("total_cost = %v", stats["total_cost"])
		}
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteExport(&buf, doc, FormatYAML); err != nil {
			t.Fatal(err)
		}
		var got Document
		if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		if len(got.Sessions) != 1 || got.Sessions[0].ID != "s1" {
			t.Errorf("sessions = %+v", got.Sessions)
		}
	})

	t.Run("cbor deterministic", func(t *testing.T) {
		var a, b bytes.Buffer
		if err := WriteExport(&a, doc, FormatCBOR); err != nil {
			t.Fatal(err)
		}
		if err := WriteExport(&b, doc, FormatCBOR); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a.Bytes(), b.Bytes()) {
			t.Error("cbor output not deterministic")
		}
		var got Document
		if err := cbor.Unmarshal(a.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		if got.Statistics.TotalEvents != doc.Statistics.TotalEvents {
			t.Errorf("TotalEvents = %d, want %d", got.Statistics.TotalEvents, doc.Statistics.TotalEvents)
		}
	})
}

func TestFormatForPath(t *testing.T) {
	tests := map[string]Format{
		"out.json": FormatJSON,
		"out.YML":  FormatYAML,
		"out.cbor": FormatCBOR,
		"out.bin":  FormatJSON,
	}
	for path, want := range tests {
		if got := FormatForPath(path, FormatJSON); got != want {
			t.Errorf("FormatForPath(%q) = %q, want %q", path, got, want)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}
