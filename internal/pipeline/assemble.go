package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/theirongolddev/telreport/internal/model"
)

// DefaultRawBucket is the timestamp granularity used when deciding whether
// a raw log line duplicates a richer event.
const DefaultRawBucket = time.Second

// AssembleOptions tunes session assembly.
type AssembleOptions struct {
	RawBucket time.Duration
	// Agents maps a source RelPath to the agent detected for that file.
	Agents map[string]string
}

// AssembleResult is the per-session view of all events.
type AssembleResult struct {
	Sessions           []*model.Session // ordered by start time, then ID
	Unassigned         *model.Session   // nil when every event was attributed
	SuppressedRawLines int
	Notes              []string
}

// Assemble groups events into sessions, merges session metadata, drops
// redundant raw lines and sorts everything. It does not mutate its inputs.
func Assemble(events []model.TelemetryEvent, infos []model.SessionInfo, opts AssembleOptions) AssembleResult {
	if opts.RawBucket <= 0 {
		opts.RawBucket = DefaultRawBucket
	}

	var res AssembleResult
	byID := make(map[string]*model.Session)
	var order []string

	get := func(id string) *model.Session {
		s, ok := byID[id]
		if !ok {
			s = &model.Session{SessionID: id}
			byID[id] = s
			order = append(order, id)
		}
		return s
	}

	// Declared metadata. The first record for an ID wins, later ones fill gaps.
	for _, info := range infos {
		s := get(info.SessionID)
		applyInfo(s, info)
	}

	var orphans []model.TelemetryEvent
	for _, ev := range events {
		if ev.SessionID == "" {
			orphans = append(orphans, ev)
			continue
		}
		s := get(ev.SessionID)
		s.Events = append(s.Events, ev)
	}

	for _, id := range order {
		s := byID[id]
		mergeEventMetadata(s)
		if note := fixWindow(s); note != "" {
			res.Notes = append(res.Notes, note)
		}
	}

	// Correlation: an orphan joins a session only when the match is unique.
	unassigned := &model.Session{SessionID: model.UnassignedID, Agent: model.AgentUnknown}
	for _, ev := range orphans {
		if s := correlate(byID, order, ev); s != nil {
			ev.SessionID = s.SessionID
			s.Events = append(s.Events, ev)
			continue
		}
		unassigned.Events = append(unassigned.Events, ev)
	}

	for _, id := range order {
		s := byID[id]
		s.Agent = resolveAgent(s, opts.Agents)
		s.MCPServers = mcpServers(s)
		res.SuppressedRawLines += finishEvents(s, opts.RawBucket)
		res.Sessions = append(res.Sessions, s)
	}

	if len(unassigned.Events) > 0 {
		res.SuppressedRawLines += finishEvents(unassigned, opts.RawBucket)
		res.Unassigned = unassigned
	}

	sort.SliceStable(res.Sessions, func(i, j int) bool {
		a, b := res.Sessions[i], res.Sessions[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return a.SessionID < b.SessionID
	})
	return res
}

func applyInfo(s *model.Session, info model.SessionInfo) {
	s.HasInfo = true
	if s.Agent == "" {
		s.Agent = info.Agent
	}
	if s.UserName == "" {
		s.UserName = info.UserName
	}
	if s.UserEmail == "" {
		s.UserEmail = info.UserEmail
	}
	if s.Workspace == "" {
		s.Workspace = info.Workspace
	}
	if s.StartTime.IsZero() {
		s.StartTime = info.StartTime
	}
	if s.EndTime == nil && info.EndTime != nil {
		end := *info.EndTime
		s.EndTime = &end
	}
	if s.ExitCode == nil && info.ExitCode != nil {
		code := *info.ExitCode
		s.ExitCode = &code
	}
	s.MCPServers = append(s.MCPServers, info.MCPServers...)
}

// mergeEventMetadata lets session_start and session_end events fill fields
// that no session-info record declared.
func mergeEventMetadata(s *model.Session) {
	var (
		firstStart, lastEnd time.Time
		endCode             *int
		minTS, maxTS        time.Time
	)
	for _, ev := range s.Events {
		if !ev.Timestamp.IsZero() && (minTS.IsZero() || ev.Timestamp.Before(minTS)) {
			minTS = ev.Timestamp
		}
		if ev.Timestamp.After(maxTS) {
			maxTS = ev.Timestamp
		}
		p := ev.Payload
		switch ev.Kind {
		case model.KindSessionStart:
			if firstStart.IsZero() || ev.Timestamp.Before(firstStart) {
				firstStart = ev.Timestamp
			}
			if s.UserName == "" {
				s.UserName = p.User
			}
			if s.UserEmail == "" {
				s.UserEmail = p.Email
			}
			if s.Workspace == "" {
				s.Workspace = firstAttr(p.Attributes, "workspace", "cwd")
			}
		case model.KindSessionEnd:
			if !ev.Timestamp.Before(lastEnd) {
				lastEnd = ev.Timestamp
				if p.ExitCode != nil {
					endCode = p.ExitCode
				}
			}
		}
		if s.UserEmail == "" && p.Email != "" {
			s.UserEmail = p.Email
		}
	}

	if s.StartTime.IsZero() {
		s.StartTime = firstStart
	}
	if s.StartTime.IsZero() {
		s.StartTime = minTS
	}
	if s.EndTime == nil && !lastEnd.IsZero() {
		end := lastEnd
		s.EndTime = &end
	}
	// Without declared metadata the observed event span is the session window.
	if !s.HasInfo && s.EndTime == nil && !maxTS.IsZero() {
		end := maxTS
		s.EndTime = &end
	}
	if s.ExitCode == nil && endCode != nil {
		code := *endCode
		s.ExitCode = &code
	}
}

// fixWindow discards a declared end that precedes the start.
func fixWindow(s *model.Session) string {
	if s.EndTime == nil || s.StartTime.IsZero() || !s.EndTime.Before(s.StartTime) {
		return ""
	}
	note := fmt.Sprintf("session %s: end %s precedes start %s, reported as open",
		s.SessionID, s.EndTime.Format(time.RFC3339), s.StartTime.Format(time.RFC3339))
	s.EndTime = nil
	return note
}

func correlate(byID map[string]*model.Session, order []string, ev model.TelemetryEvent) *model.Session {
	email := strings.ToLower(ev.Payload.Email)
	if email == "" || ev.Timestamp.IsZero() {
		return nil
	}
	var match *model.Session
	for _, id := range order {
		s := byID[id]
		if strings.ToLower(s.UserEmail) != email || !s.Contains(ev.Timestamp) {
			continue
		}
		if match != nil {
			return nil
		}
		match = s
	}
	return match
}

func resolveAgent(s *model.Session, agents map[string]string) string {
	if s.Agent != "" && s.Agent != model.AgentUnknown {
		return s.Agent
	}
	counts := make(map[string]int)
	for _, ev := range s.Events {
		if a := agents[ev.Source.Path]; a != "" && a != model.AgentUnknown {
			counts[a]++
		}
	}
	if len(counts) == 0 {
		return model.AgentUnknown
	}
	names := lo.Keys(counts)
	sort.Strings(names)
	best := names[0]
	for _, n := range names[1:] {
		if counts[n] > counts[best] {
			best = n
		}
	}
	return best
}

func mcpServers(s *model.Session) []string {
	servers := append([]string(nil), s.MCPServers...)
	for _, ev := range s.Events {
		if ev.Kind == model.KindToolCall && ev.Payload.Server != "" {
			servers = append(servers, ev.Payload.Server)
		}
	}
	servers = lo.Uniq(lo.Compact(servers))
	sort.Strings(servers)
	return servers
}

// finishEvents anchors unstamped raw lines, applies the raw-log fallback
// and sorts. It returns the number of raw-log events dropped.
func finishEvents(s *model.Session, bucket time.Duration) int {
	structured := lo.SomeBy(s.Events, func(ev model.TelemetryEvent) bool {
		return ev.Source.Kind.Structured()
	})

	richer := make(map[int64]struct{})
	if !structured {
		for _, ev := range s.Events {
			if ev.Source.Kind != model.SourceRawLog && !ev.Timestamp.IsZero() {
				richer[bucketOf(ev.Timestamp, bucket)] = struct{}{}
			}
		}
	}

	kept := make([]model.TelemetryEvent, 0, len(s.Events))
	suppressed := 0
	for _, ev := range s.Events {
		if ev.Source.Kind == model.SourceRawLog {
			if structured {
				suppressed++
				continue
			}
			if ev.Timestamp.IsZero() {
				ev.Timestamp = s.StartTime
			}
			if ev.Kind == model.KindRawLogLine && !ev.Timestamp.IsZero() {
				if _, dup := richer[bucketOf(ev.Timestamp, bucket)]; dup {
					suppressed++
					continue
				}
			}
		}
		kept = append(kept, ev)
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Less(kept[j]) })
	s.Events = kept
	return suppressed
}

func bucketOf(t time.Time, bucket time.Duration) int64 {
	return t.UnixNano() / int64(bucket)
}
