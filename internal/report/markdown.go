package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/theirongolddev/telreport/internal/model"
)

// RenderOptions controls optional report sections.
type RenderOptions struct {
	RawDump  bool
	RawLimit int // 0 = unlimited
}

const (
	timeLayout = "2006-01-02 15:04:05 UTC"
	lineBreak  = " ⏎ "
)

// RenderMarkdown renders doc. Output depends only on doc and opts: every
// map is walked in sorted order and no clock is read.
func RenderMarkdown(doc *Document, opts RenderOptions) string {
	var b strings.Builder

	b.WriteString("# AI Agent Telemetry Report\n\n")
	fmt.Fprintf(&b, "**Generated:** %s  \n", doc.GeneratedAt.UTC().Format(timeLayout))
	fmt.Fprintf(&b, "**Source:** `%s`  \n", doc.Source)
	if doc.InputDigest != "" {
		fmt.Fprintf(&b, "**Input digest:** `%s`\n", doc.InputDigest)
	}
	b.WriteString("\n")

	writeSummary(&b, doc)
	writeSessions(&b, doc.Sessions)

	if len(doc.Unassigned) > 0 {
		b.WriteString("## Unassigned Events\n\n")
		b.WriteString("Events without a session ID and no unambiguous session match.\n\n")
		writeFlow(&b, doc.Unassigned)
	}

	writeUsage(&b, "Tool Usage", "Tool / Command", doc.Statistics.ToolUsage)
	writeUsage(&b, "MCP Server Usage", "Server", doc.Statistics.MCPServerUsage)
	writeUsage(&b, "Agents", "Agent", doc.Statistics.AgentSessions)
	writeUsage(&b, "Models", "Model", doc.Statistics.ModelUsage)

	if doc.Diagnostics.HasIssues() || len(doc.Diagnostics.Notes) > 0 {
		writeDataQuality(&b, doc.Diagnostics)
	}

	if opts.RawDump {
		writeRawDump(&b, doc, opts.RawLimit)
	}

	return b.String()
}

func writeSummary(b *strings.Builder, doc *Document) {
	st := doc.Statistics
	d := doc.Diagnostics

	b.WriteString("## Executive Summary\n\n")
	b.WriteString("| Metric | Value |\n|---|---|\n")
	row := func(k, v string) { fmt.Fprintf(b, "| %s | %s |\n", k, v) }

	row("Sessions", fmt.Sprintf("%d (%d open)", st.TotalSessions, st.OpenSessions))
	row("Total events", fmt.Sprint(st.TotalEvents))
	row("Unassigned events", fmt.Sprint(st.UnassignedEvents))
	row("User queries", fmt.Sprint(st.UserQueryCount))
	row("Agent responses", fmt.Sprint(st.AgentResponseCount))
	row("Tool interactions", fmt.Sprint(st.ToolInteractionCount))
	if st.APIRequests > 0 {
		row("API requests", fmt.Sprint(st.APIRequests))
		row("API time", formatSeconds(st.APIDurationSecs))
	}

	if len(st.TotalCost) == 0 {
		row("Total cost", "0.0000")
	}
	for _, cur := range sortedKeys(st.TotalCost) {
		row(fmt.Sprintf("Total cost (%s)", cur), st.TotalCost[cur])
	}
	for _, typ := range orderedKeys(st.TokenTotals, model.TokenInput, model.TokenOutput, model.TokenCache) {
		row(fmt.Sprintf("Tokens (%s)", typ), fmt.Sprint(st.TokenTotals[typ]))
	}
	for _, typ := range orderedKeys(st.CodeLines, "added", "removed", "modified") {
		row(fmt.Sprintf("Lines of code (%s)", typ), fmt.Sprint(st.CodeLines[typ]))
	}

	if st.DurationDefined {
		row("Average session duration", formatSeconds(st.AverageSessionSecs))
		row("Longest session", formatSeconds(st.LongestSessionSecs))
		row("Shortest session", formatSeconds(st.ShortestSessionSecs))
	} else {
		row("Average session duration", "n/a")
		row("Longest session", "n/a")
		row("Shortest session", "n/a")
	}

	row("Lines skipped", fmt.Sprint(d.SkippedLines))
	row("Malformed samples", fmt.Sprint(d.MalformedSamples))
	row("Schema gaps", fmt.Sprint(d.SchemaGaps))
	row("Suppressed raw lines", fmt.Sprint(d.SuppressedRawLines))
	row("Unreadable files", fmt.Sprint(d.FileErrors))
	b.WriteString("\n")
}

func writeSessions(b *strings.Builder, sessions []Session) {
	if len(sessions) == 0 {
		return
	}
	b.WriteString("## Sessions\n\n")
	for _, s := range sessions {
		fmt.Fprintf(b, "### Session `%s`\n\n", s.ID)
		field := func(k, v string) {
			if v != "" {
				fmt.Fprintf(b, "- **%s:** %s\n", k, v)
			}
		}
		field("Agent", s.Agent)
		field("User", s.UserName)
		field("Email", s.UserEmail)
		field("Workspace", s.Workspace)
		if s.StartTime != nil {
			field("Start", s.StartTime.Format(timeLayout))
		} else {
			field("Start", "unknown")
		}
		if s.EndTime != nil {
			field("End", s.EndTime.Format(timeLayout))
		} else {
			field("End", "still open")
		}
		if s.DurationSeconds != nil {
			field("Duration", formatSeconds(*s.DurationSeconds))
		} else {
			field("Duration", "n/a")
		}
		if s.ExitCode != nil {
			field("Exit code", fmt.Sprint(*s.ExitCode))
		}
		field("MCP servers", strings.Join(s.MCPServers, ", "))
		fmt.Fprintf(b, "- **Events:** %d\n\n", len(s.Events))

		b.WriteString("#### Conversation Flow\n\n")
		writeFlow(b, s.Events)
	}
}

func writeFlow(b *strings.Builder, events []Event) {
	if len(events) == 0 {
		b.WriteString("_No events._\n\n")
		return
	}
	for i, ev := range events {
		fmt.Fprintf(b, "%d. %s\n", i+1, FlowLine(ev))
	}
	b.WriteString("\n")
}

// FlowLine renders one event as a self-contained conversation-flow line.
func FlowLine(ev Event) string {
	clock := "--:--:--"
	if !ev.Timestamp.IsZero() {
		clock = ev.Timestamp.UTC().Format("15:04:05")
	}
	kind, _ := model.ParseEventKind(ev.Kind)
	return fmt.Sprintf("`%s` %s **%s**: %s", clock, kind.Icon(), kind.Label(), fold(eventContent(ev, kind)))
}

func eventContent(ev Event, kind model.EventKind) string {
	switch kind {
	case model.KindSessionStart:
		who := ev.User
		if ev.Email != "" {
			who = strings.TrimSpace(who + " <" + ev.Email + ">")
		}
		if who == "" {
			who = ev.Text
		}
		if who == "" {
			return "session started"
		}
		return who
	case model.KindSessionEnd:
		if ev.ExitCode != nil {
			return fmt.Sprintf("exit code %d", *ev.ExitCode)
		}
		return "session ended"
	case model.KindToolCall:
		if ev.Tool == "" {
			return ev.Text
		}
		name := ev.Tool
		if ev.Server != "" {
			name = ev.Server + "/" + ev.Tool
		}
		if ev.ToolArgs != "" {
			return name + "(" + ev.ToolArgs + ")"
		}
		return name
	case model.KindCostSample:
		return fmt.Sprintf("%s %s (%s)", ev.Value, ev.Unit, ev.Metric)
	case model.KindTokenSample:
		return fmt.Sprintf("%d %s tokens (%s)", ev.Tokens, ev.TokenType, ev.Metric)
	case model.KindMetricSample:
		s := ev.Metric
		if ev.Value != "" && ev.Value != "0" {
			s += " = " + ev.Value
		}
		if typ := ev.Attributes["type"]; typ != "" {
			s += " (" + typ + ")"
		}
		if ev.Text != "" && ev.Text != ev.Metric {
			s += ": " + ev.Text
		}
		return s
	}
	return ev.Text
}

func fold(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", lineBreak)
}

func writeUsage(b *strings.Builder, title, col string, rows []UsageRow) {
	if len(rows) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n| %s | Count |\n|---|---:|\n", title, col)
	for _, r := range rows {
		fmt.Fprintf(b, "| %s | %d |\n", escapeCell(r.Name), r.Count)
	}
	b.WriteString("\n")
}

func writeDataQuality(b *strings.Builder, d Diagnostics) {
	b.WriteString("## Data Quality\n\n")
	fmt.Fprintf(b, "%d files discovered, %d parsed, %d ignored, %d unreadable.\n\n",
		d.FilesDiscovered, d.FilesParsed, d.FilesIgnored, d.FileErrors)

	b.WriteString("| File | Kind | Records | Skipped | Malformed | Schema gaps | Error |\n")
	b.WriteString("|---|---|---:|---:|---:|---:|---|\n")
	for _, f := range d.Files {
		if f.SkippedLines == 0 && f.MalformedSamples == 0 && f.SchemaGaps == 0 && f.Error == "" {
			continue
		}
		fmt.Fprintf(b, "| `%s` | %s | %d | %d | %d | %d | %s |\n",
			f.Path, f.Kind, f.Records, f.SkippedLines, f.MalformedSamples, f.SchemaGaps, escapeCell(f.Error))
	}
	b.WriteString("\n")

	if len(d.Notes) > 0 {
		for _, n := range d.Notes {
			fmt.Fprintf(b, "- %s\n", fold(n))
		}
		b.WriteString("\n")
	}
}

func writeRawDump(b *strings.Builder, doc *Document, limit int) {
	var all []Event
	for _, s := range doc.Sessions {
		all = append(all, s.Events...)
	}
	all = append(all, doc.Unassigned...)

	fmt.Fprintf(b, "<details>\n<summary>Raw events (%d)</summary>\n\n```json\n", len(all))
	shown := all
	if limit > 0 && len(all) > limit {
		shown = all[:limit]
	}
	for _, ev := range shown {
		line, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		b.Write(line)
		b.WriteString("\n")
	}
	b.WriteString("```\n")
	if len(shown) < len(all) {
		fmt.Fprintf(b, "\n… and %d more events\n", len(all)-len(shown))
	}
	b.WriteString("\n</details>\n")
}

func formatSeconds(secs float64) string {
	return fmt.Sprintf("%.1f seconds", secs)
}

// FormatDuration renders d the way the report does.
func FormatDuration(d time.Duration) string {
	return formatSeconds(d.Seconds())
}

func escapeCell(s string) string {
	return strings.ReplaceAll(fold(s), "|", `\|`)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// orderedKeys lists the preferred keys present in m first, then the rest alphabetically.
func orderedKeys(m map[string]int64, preferred ...string) []string {
	var out []string
	seen := make(map[string]bool, len(preferred))
	for _, k := range preferred {
		seen[k] = true
		if _, ok := m[k]; ok {
			out = append(out, k)
		}
	}
	for _, k := range sortedKeys(m) {
		if !seen[k] {
			out = append(out, k)
		}
	}
	return out
}
