// Package report turns an analysis into a markdown report, an HTML page
// and machine-readable exports.
package report

import (
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theirongolddev/telreport/internal/model"
	"github.com/theirongolddev/telreport/internal/pipeline"
)

// SchemaVersion is bumped whenever the export layout changes incompatibly.
const SchemaVersion = 1

// Document is the serializable view of one analysis. Rendering and every
// export format are built from it.
type Document struct {
	SchemaVersion int         `json:"schema_version" yaml:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at" yaml:"generated_at"`
	Source        string      `json:"source" yaml:"source"`
	InputDigest   string      `json:"input_digest,omitempty" yaml:"input_digest,omitempty"`
	Statistics    Statistics  `json:"statistics" yaml:"statistics"`
	Sessions      []Session   `json:"sessions" yaml:"sessions"`
	Unassigned    []Event     `json:"unassigned,omitempty" yaml:"unassigned,omitempty"`
	Diagnostics   Diagnostics `json:"diagnostics" yaml:"diagnostics"`
}

// UsageRow is one histogram entry.
type UsageRow struct {
	Name  string `json:"name" yaml:"name"`
	Count int    `json:"count" yaml:"count"`
}

// Statistics mirrors model.AggregateStatistics with decimals as strings and
// durations in seconds.
type Statistics struct {
	TotalSessions        int               `json:"total_sessions" yaml:"total_sessions"`
	OpenSessions         int               `json:"open_sessions" yaml:"open_sessions"`
	TotalEvents          int               `json:"total_events" yaml:"total_events"`
	UnassignedEvents     int               `json:"unassigned_events" yaml:"unassigned_events"`
	UserQueryCount       int               `json:"user_query_count" yaml:"user_query_count"`
	AgentResponseCount   int               `json:"agent_response_count" yaml:"agent_response_count"`
	ToolInteractionCount int               `json:"tool_interaction_count" yaml:"tool_interaction_count"`
	TotalCost            map[string]string `json:"total_cost" yaml:"total_cost"`
	TokenTotals          map[string]int64  `json:"token_totals" yaml:"token_totals"`
	CodeLines            map[string]int64  `json:"code_lines,omitempty" yaml:"code_lines,omitempty"`
	DurationDefined      bool              `json:"duration_defined" yaml:"duration_defined"`
	AverageSessionSecs   float64           `json:"average_session_seconds" yaml:"average_session_seconds"`
	LongestSessionSecs   float64           `json:"longest_session_seconds" yaml:"longest_session_seconds"`
	ShortestSessionSecs  float64           `json:"shortest_session_seconds" yaml:"shortest_session_seconds"`
	ToolUsage            []UsageRow        `json:"tool_usage" yaml:"tool_usage"`
	MCPServerUsage       []UsageRow        `json:"mcp_server_usage" yaml:"mcp_server_usage"`
	AgentSessions        []UsageRow        `json:"agent_sessions" yaml:"agent_sessions"`
	APIRequests          int               `json:"api_requests" yaml:"api_requests"`
	APIDurationSecs      float64           `json:"api_duration_seconds" yaml:"api_duration_seconds"`
	ModelUsage           []UsageRow        `json:"model_usage" yaml:"model_usage"`
}

// Session is one assembled session.
type Session struct {
	ID              string     `json:"session_id" yaml:"session_id"`
	Agent           string     `json:"agent" yaml:"agent"`
	UserName        string     `json:"user_name,omitempty" yaml:"user_name,omitempty"`
	UserEmail       string     `json:"user_email,omitempty" yaml:"user_email,omitempty"`
	Workspace       string     `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	StartTime       *time.Time `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	Open            bool       `json:"open" yaml:"open"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	MCPServers      []string   `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty"`
	HasInfo         bool       `json:"has_session_info" yaml:"has_session_info"`
	Events          []Event    `json:"events" yaml:"events"`
}

// Event is one conversation-flow entry.
type Event struct {
	Timestamp  time.Time         `json:"timestamp" yaml:"timestamp"`
	Kind       string            `json:"kind" yaml:"kind"`
	SessionID  string            `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Source     string            `json:"source" yaml:"source"`
	Line       int               `json:"line,omitempty" yaml:"line,omitempty"`
	SourceKind string            `json:"source_kind" yaml:"source_kind"`
	Text       string            `json:"text,omitempty" yaml:"text,omitempty"`
	Tool       string            `json:"tool,omitempty" yaml:"tool,omitempty"`
	ToolArgs   string            `json:"tool_args,omitempty" yaml:"tool_args,omitempty"`
	Server     string            `json:"server,omitempty" yaml:"server,omitempty"`
	Metric     string            `json:"metric,omitempty" yaml:"metric,omitempty"`
	Value      string            `json:"value,omitempty" yaml:"value,omitempty"`
	Unit       string            `json:"unit,omitempty" yaml:"unit,omitempty"`
	TokenType  string            `json:"token_type,omitempty" yaml:"token_type,omitempty"`
	Tokens     int64             `json:"tokens,omitempty" yaml:"tokens,omitempty"`
	User       string            `json:"user,omitempty" yaml:"user,omitempty"`
	Email      string            `json:"email,omitempty" yaml:"email,omitempty"`
	ExitCode   *int              `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// FileDiagnostics is the per-file skip tally.
type FileDiagnostics struct {
	Path             string `json:"path" yaml:"path"`
	Kind             string `json:"kind" yaml:"kind"`
	Records          int    `json:"records" yaml:"records"`
	SkippedLines     int    `json:"skipped_lines" yaml:"skipped_lines"`
	MalformedSamples int    `json:"malformed_samples" yaml:"malformed_samples"`
	SchemaGaps       int    `json:"schema_gaps" yaml:"schema_gaps"`
	Error            string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Diagnostics is the data-quality block.
type Diagnostics struct {
	FilesDiscovered    int               `json:"files_discovered" yaml:"files_discovered"`
	FilesParsed        int               `json:"files_parsed" yaml:"files_parsed"`
	FilesIgnored       int               `json:"files_ignored" yaml:"files_ignored"`
	FileErrors         int               `json:"file_errors" yaml:"file_errors"`
	SkippedLines       int               `json:"skipped_lines" yaml:"skipped_lines"`
	MalformedSamples   int               `json:"malformed_samples" yaml:"malformed_samples"`
	SchemaGaps         int               `json:"schema_gaps" yaml:"schema_gaps"`
	SuppressedRawLines int               `json:"suppressed_raw_lines" yaml:"suppressed_raw_lines"`
	Files              []FileDiagnostics `json:"files" yaml:"files"`
	Notes              []string          `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// HasIssues reports whether anything was skipped, dropped or unreadable.
func (d Diagnostics) HasIssues() bool {
	return d.FileErrors > 0 || d.SkippedLines > 0 || d.MalformedSamples > 0 || d.SchemaGaps > 0
}

// Build converts an analysis into a Document.
func Build(a *pipeline.Analysis, generatedAt time.Time) *Document {
	doc := &Document{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   generatedAt.UTC(),
		Source:        a.Root,
		InputDigest:   a.InputDigest,
		Statistics:    buildStats(a.Stats),
		Sessions:      make([]Session, 0, len(a.Sessions)),
		Diagnostics:   buildDiagnostics(a.Diagnostics),
	}
	for _, s := range a.Sessions {
		doc.Sessions = append(doc.Sessions, buildSession(s))
	}
	if a.Unassigned != nil {
		doc.Unassigned = buildEvents(a.Unassigned.Events)
	}
	return doc
}

// GeneratedAt picks the report timestamp: SOURCE_DATE_EPOCH when set,
// otherwise the newest input modification time, so unchanged inputs
// produce identical reports.
func GeneratedAt(newest time.Time) time.Time {
	if v := os.Getenv("SOURCE_DATE_EPOCH"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC()
		}
	}
	return newest.UTC().Truncate(time.Second)
}

func buildStats(st model.AggregateStatistics) Statistics {
	out := Statistics{
		TotalSessions:        st.TotalSessions,
		OpenSessions:         st.OpenSessions,
		TotalEvents:          st.TotalEvents,
		UnassignedEvents:     st.UnassignedEvents,
		UserQueryCount:       st.UserQueryCount,
		AgentResponseCount:   st.AgentResponseCount,
		ToolInteractionCount: st.ToolInteractionCount,
		TotalCost:            make(map[string]string, len(st.TotalCost)),
		TokenTotals:          st.TokenTotals,
		CodeLines:            st.CodeLines,
		DurationDefined:      st.DurationDefined,
		AverageSessionSecs:   st.AverageSessionDuration.Seconds(),
		LongestSessionSecs:   st.LongestSession.Seconds(),
		ShortestSessionSecs:  st.ShortestSession.Seconds(),
		ToolUsage:            usageRows(st.ToolUsage),
		MCPServerUsage:       usageRows(st.MCPServerUsage),
		AgentSessions:        usageRows(st.AgentSessions),
		APIRequests:          st.APIRequestCount,
		APIDurationSecs:      st.APIDuration.Seconds(),
		ModelUsage:           usageRows(st.ModelUsage),
	}
	for cur, v := range st.TotalCost {
		out.TotalCost[cur] = formatMoney(v)
	}
	if out.TokenTotals == nil {
		out.TokenTotals = map[string]int64{}
	}
	return out
}

func usageRows(in []model.NameCount) []UsageRow {
	out := make([]UsageRow, len(in))
	for i, nc := range in {
		out[i] = UsageRow{Name: nc.Name, Count: nc.Count}
	}
	return out
}

func buildSession(s *model.Session) Session {
	out := Session{
		ID:         s.SessionID,
		Agent:      s.Agent,
		UserName:   s.UserName,
		UserEmail:  s.UserEmail,
		Workspace:  s.Workspace,
		Open:       s.Open(),
		ExitCode:   s.ExitCode,
		MCPServers: s.MCPServers,
		HasInfo:    s.HasInfo,
		Events:     buildEvents(s.Events),
	}
	if !s.StartTime.IsZero() {
		start := s.StartTime.UTC()
		out.StartTime = &start
	}
	if s.EndTime != nil {
		end := s.EndTime.UTC()
		out.EndTime = &end
	}
	if d, ok := s.Duration(); ok {
		secs := d.Seconds()
		out.DurationSeconds = &secs
	}
	return out
}

func buildEvents(events []model.TelemetryEvent) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		p := ev.Payload
		e := Event{
			Timestamp:  ev.Timestamp.UTC(),
			Kind:       ev.Kind.String(),
			SessionID:  ev.SessionID,
			Source:     ev.Source.Path,
			Line:       ev.Source.Line,
			SourceKind: string(ev.Source.Kind),
			Text:       p.Text,
			Tool:       p.Tool,
			ToolArgs:   p.ToolArgs,
			Server:     p.Server,
			Metric:     p.Metric,
			Unit:       p.Unit,
			TokenType:  p.TokenType,
			Tokens:     p.Tokens,
			User:       p.User,
			Email:      p.Email,
			ExitCode:   p.ExitCode,
			Attributes: p.Attributes,
		}
		switch ev.Kind {
		case model.KindMetricSample, model.KindCostSample, model.KindTokenSample:
			e.Value = p.Value.String()
		}
		out = append(out, e)
	}
	return out
}

func buildDiagnostics(d model.Diagnostics) Diagnostics {
	out := Diagnostics{
		FilesDiscovered:    d.FilesDiscovered,
		FilesParsed:        d.FilesParsed,
		FilesIgnored:       d.FilesIgnored,
		FileErrors:         d.FileErrors,
		SkippedLines:       d.SkippedLines,
		MalformedSamples:   d.MalformedSamples,
		SchemaGaps:         d.SchemaGaps,
		SuppressedRawLines: d.SuppressedRawLines,
		Files:              make([]FileDiagnostics, 0, len(d.PerFile)),
		Notes:              d.Notes,
	}
	for _, f := range d.PerFile {
		out.Files = append(out.Files, FileDiagnostics{
			Path:             f.Path,
			Kind:             string(f.Kind),
			Records:          f.Records,
			SkippedLines:     f.SkippedLines,
			MalformedSamples: f.MalformedSamples,
			SchemaGaps:       f.SchemaGaps,
			Error:            f.Err,
		})
	}
	sort.SliceStable(out.Files, func(i, j int) bool { return out.Files[i].Path < out.Files[j].Path })
	return out
}

func formatMoney(d decimal.Decimal) string {
	return d.StringFixed(4)
}
