package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// NameCount is one row of a usage histogram.
type NameCount struct {
	Name  string
	Count int
}

// AggregateStatistics holds the report-wide totals derived from all sessions.
type AggregateStatistics struct {
	TotalSessions        int
	OpenSessions         int
	TotalEvents          int
	UnassignedEvents     int
	UserQueryCount       int
	AgentResponseCount   int
	ToolInteractionCount int

	// Ordered by descending count, then name.
	ToolUsage      []NameCount
	MCPServerUsage []NameCount
	AgentSessions  []NameCount
	ModelUsage     []NameCount // API requests per model

	APIRequestCount int
	APIDuration     time.Duration // summed request latency

	TotalCost   map[string]decimal.Decimal // by currency
	TokenTotals map[string]int64           // by token type
	CodeLines   map[string]int64           // added/removed/modified

	// DurationDefined is false when no session had both start and end.
	DurationDefined        bool
	AverageSessionDuration time.Duration
	LongestSession         time.Duration
	ShortestSession        time.Duration
}

// FileDiagnostics is the per-file skip tally.
type FileDiagnostics struct {
	Path             string
	Kind             SourceKind
	Records          int
	SkippedLines     int
	MalformedSamples int
	SchemaGaps       int
	Err              string
}

// Diagnostics collects every absorbed problem of one analysis run.
type Diagnostics struct {
	FilesDiscovered    int
	FilesParsed        int
	FilesIgnored       int
	FileErrors         int
	SkippedLines       int
	MalformedSamples   int
	SchemaGaps         int
	SuppressedRawLines int
	PerFile            []FileDiagnostics
	Notes              []string
}

// HasIssues reports whether anything was skipped or unreadable.
func (d Diagnostics) HasIssues() bool {
	return d.FileErrors > 0 || d.SkippedLines > 0 || d.MalformedSamples > 0 || d.SchemaGaps > 0
}
