// Package model defines domain types for telemetry events, sessions and report statistics.
package model

import "time"

// UnassignedID names the pseudo-session that collects events without a resolvable session.
const UnassignedID = "unassigned"

// Agent identifiers detected from file names and content.
const (
	AgentClaude   = "claude-code"
	AgentGemini   = "gemini-cli"
	AgentOpenCode = "opencode"
	AgentUnknown  = "unknown"
)

// SessionInfo is a parsed session-info record.
type SessionInfo struct {
	SessionID  string
	Agent      string
	UserName   string
	UserEmail  string
	Workspace  string
	StartTime  time.Time
	EndTime    *time.Time
	ExitCode   *int
	MCPServers []string
	Source     SourceRef
}

// Session is one bounded agent run with its chronologically ordered events.
type Session struct {
	SessionID  string
	Agent      string
	UserName   string
	UserEmail  string
	Workspace  string
	StartTime  time.Time
	EndTime    *time.Time
	ExitCode   *int
	MCPServers []string
	Events     []TelemetryEvent

	// HasInfo is true when a session-info record described this session.
	HasInfo bool
}

// Open reports whether the session never recorded an end.
func (s *Session) Open() bool {
	return s.EndTime == nil
}

// Duration returns end minus start when both are known.
func (s *Session) Duration() (time.Duration, bool) {
	if s.EndTime == nil || s.StartTime.IsZero() {
		return 0, false
	}
	return s.EndTime.Sub(s.StartTime), true
}

// Unassigned reports whether s is the pseudo-session for orphan events.
func (s *Session) Unassigned() bool {
	return s.SessionID == UnassignedID
}

// Contains reports whether t falls inside the closed session window.
func (s *Session) Contains(t time.Time) bool {
	if s.EndTime == nil || s.StartTime.IsZero() {
		return false
	}
	return !t.Before(s.StartTime) && !t.After(*s.EndTime)
}
