package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind discriminates the payload carried by a TelemetryEvent.
type EventKind int

const (
	KindSessionStart EventKind = iota
	KindSessionEnd
	KindUserQuery
	KindAgentResponse
	KindToolCall
	KindMetricSample
	KindCostSample
	KindTokenSample
	KindRawLogLine
)

type kindInfo struct {
	name  string
	label string
	icon  string
}

var kinds = [...]kindInfo{
	KindSessionStart:  {"session_start", "Session Started", "🚀"},
	KindSessionEnd:    {"session_end", "Session Ended", "🏁"},
	KindUserQuery:     {"user_query", "User Query", "🧑"},
	KindAgentResponse: {"agent_response", "Agent Response", "🤖"},
	KindToolCall:      {"tool_call", "Tool Call", "🔧"},
	KindMetricSample:  {"metric_sample", "Metric", "📈"},
	KindCostSample:    {"cost_sample", "Cost", "💰"},
	KindTokenSample:   {"token_sample", "Token Usage", "📊"},
	KindRawLogLine:    {"raw_log_line", "Log", "📋"},
}

// AllKinds lists every event kind in declaration order.
func AllKinds() []EventKind {
	out := make([]EventKind, len(kinds))
	for i := range kinds {
		out[i] = EventKind(i)
	}
	return out
}

func (k EventKind) valid() bool { return k >= 0 && int(k) < len(kinds) }

// String returns the snake_case wire name of the kind.
func (k EventKind) String() string {
	if !k.valid() {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kinds[k].name
}

// Label is the human-readable prefix used in conversation flows.
func (k EventKind) Label() string {
	if !k.valid() {
		return "Event"
	}
	return kinds[k].label
}

// Icon is the emoji shown before the label.
func (k EventKind) Icon() string {
	if !k.valid() {
		return "📌"
	}
	return kinds[k].icon
}

// ParseEventKind maps a wire name back to its kind.
func ParseEventKind(s string) (EventKind, bool) {
	for i, info := range kinds {
		if info.name == s {
			return EventKind(i), true
		}
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	if !k.valid() {
		return nil, fmt.Errorf("invalid event kind %d", int(k))
	}
	return []byte(kinds[k].name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(b []byte) error {
	v, ok := ParseEventKind(string(b))
	if !ok {
		return fmt.Errorf("unknown event kind %q", b)
	}
	*k = v
	return nil
}

// SourceKind is the classification assigned to a discovered file.
type SourceKind string

const (
	SourceMetrics      SourceKind = "metrics"
	SourceInteractions SourceKind = "interactions"
	SourceSessionInfo  SourceKind = "session-info"
	SourceRawLog       SourceKind = "raw-log"
	SourceOTLP         SourceKind = "otlp"
)

// Structured reports whether events from this source outrank raw log lines.
func (k SourceKind) Structured() bool {
	return k == SourceInteractions || k == SourceOTLP
}

// SourceRef points back at the record an event was built from.
type SourceRef struct {
	Path string     `json:"path"`
	Line int        `json:"line,omitempty"`
	Kind SourceKind `json:"kind"`
}

// Token type buckets.
const (
	TokenInput  = "input"
	TokenOutput = "output"
	TokenCache  = "cache"
)

// Payload holds the kind-specific data of an event. Only the fields
// relevant to the event's Kind are populated.
type Payload struct {
	Text       string
	Tool       string
	ToolArgs   string
	Server     string
	Metric     string
	Value      decimal.Decimal
	Unit       string // currency for cost samples
	TokenType  string
	Tokens     int64
	User       string
	Email      string
	ExitCode   *int
	Attributes map[string]string

	// API is set for model API request events.
	API *APIRequest
}

// APIRequest is the usage carried by one model API call.
type APIRequest struct {
	Model        string
	Cost         decimal.Decimal
	HasCost      bool
	InputTokens  int64
	OutputTokens int64
	CacheTokens  int64 // cache reads plus cache creation
	Duration     time.Duration
}

// HasTokens reports whether any token count was recorded.
func (a *APIRequest) HasTokens() bool {
	return a.InputTokens > 0 || a.OutputTokens > 0 || a.CacheTokens > 0
}

// TelemetryEvent is one timestamped fact reconstructed from the inputs.
type TelemetryEvent struct {
	Timestamp time.Time
	Kind      EventKind
	SessionID string // empty until resolved
	Source    SourceRef
	Seq       int // global encounter order, tie-breaker for sorting
	Payload   Payload
}

// Less orders events by timestamp, then by encounter order.
func (e TelemetryEvent) Less(o TelemetryEvent) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	return e.Seq < o.Seq
}
