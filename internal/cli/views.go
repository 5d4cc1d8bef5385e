package cli

import (
	"fmt"
	"sort"

	"github.com/theirongolddev/telreport/internal/report"
	"github.com/theirongolddev/telreport/internal/source"
)

// SummaryTable lists the executive statistics of doc.
func SummaryTable(doc *report.Document) Table {
	st := doc.Statistics
	d := doc.Diagnostics
	rows := [][]string{
		{"Sessions", fmt.Sprintf("%s (%d open)", FormatNumber(int64(st.TotalSessions)), st.OpenSessions)},
		{"Events", FormatNumber(int64(st.TotalEvents))},
		{"Unassigned events", FormatNumber(int64(st.UnassignedEvents))},
		{"User queries", FormatNumber(int64(st.UserQueryCount))},
		{"Agent responses", FormatNumber(int64(st.AgentResponseCount))},
		{"Tool interactions", FormatNumber(int64(st.ToolInteractionCount))},
	}
	for _, cur := range sortedKeys(st.TotalCost) {
		rows = append(rows, []string{"Cost (" + cur + ")", st.TotalCost[cur]})
	}
	for _, typ := range sortedKeys(st.TokenTotals) {
		rows = append(rows, []string{"Tokens (" + typ + ")", FormatTokens(st.TokenTotals[typ])})
	}
	if st.DurationDefined {
		rows = append(rows,
			[]string{"Avg duration", FormatDuration(st.AverageSessionSecs)},
			[]string{"Longest", FormatDuration(st.LongestSessionSecs)},
			[]string{"Shortest", FormatDuration(st.ShortestSessionSecs)},
		)
	} else {
		rows = append(rows, []string{"Avg duration", "n/a"})
	}
	rows = append(rows,
		[]string{"Files", fmt.Sprintf("%d parsed / %d found", d.FilesParsed, d.FilesDiscovered)},
		[]string{"Lines skipped", FormatNumber(int64(d.SkippedLines))},
		[]string{"Malformed samples", FormatNumber(int64(d.MalformedSamples))},
		[]string{"Schema gaps", FormatNumber(int64(d.SchemaGaps))},
	)
	return Table{Headers: []string{"Metric", "Value"}, Rows: rows}
}

// SessionsTable lists assembled sessions in report order.
func SessionsTable(doc *report.Document) Table {
	t := Table{
		Headers:  []string{"Session", "Start", "Agent", "User", "Duration", "Events", "Open"},
		MaxWidth: 40,
		Empty:    "(no sessions)",
	}
	for _, s := range doc.Sessions {
		start := "-"
		if s.StartTime != nil {
			start = s.StartTime.Format("2006-01-02 15:04")
		}
		dur := "n/a"
		if s.DurationSeconds != nil {
			dur = FormatDuration(*s.DurationSeconds)
		}
		user := s.UserName
		if user == "" {
			user = s.UserEmail
		}
		open := ""
		if s.Open {
			open = "yes"
		}
		t.Rows = append(t.Rows, []string{s.ID, start, s.Agent, user, dur, FormatNumber(int64(len(s.Events))), open})
	}
	return t
}

// ToolsTable lists tool and MCP server usage counts.
func ToolsTable(doc *report.Document) Table {
	t := Table{Headers: []string{"Tool / Command", "Calls"}, MaxWidth: 60, Empty: "(no tool calls)"}
	for _, r := range doc.Statistics.ToolUsage {
		t.Rows = append(t.Rows, []string{r.Name, FormatNumber(int64(r.Count))})
	}
	return t
}

// ServersTable lists MCP server usage counts.
func ServersTable(doc *report.Document) Table {
	t := Table{Title: "MCP Servers", Headers: []string{"Server", "Calls"}, MaxWidth: 60}
	for _, r := range doc.Statistics.MCPServerUsage {
		t.Rows = append(t.Rows, []string{r.Name, FormatNumber(int64(r.Count))})
	}
	return t
}

// FilesTable lists discovered input files with their per-file diagnostics.
func FilesTable(files []source.DiscoveredFile, diag report.Diagnostics) Table {
	byPath := make(map[string]report.FileDiagnostics, len(diag.Files))
	for _, f := range diag.Files {
		byPath[f.Path] = f
	}
	t := Table{
		Headers:  []string{"File", "Kind", "Agent", "Size", "Records", "Skipped", "Error"},
		MaxWidth: 60,
		Empty:    "(no files)",
	}
	for _, f := range files {
		kind := string(f.Kind)
		if f.Compression != "" {
			kind += "+" + string(f.Compression)
		}
		fd := byPath[f.RelPath]
		t.Rows = append(t.Rows, []string{
			f.RelPath, kind, f.Agent, FormatBytes(f.Size),
			FormatNumber(int64(fd.Records)), FormatNumber(int64(fd.SkippedLines)), fd.Error,
		})
	}
	return t
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
