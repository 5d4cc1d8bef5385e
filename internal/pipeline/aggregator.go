// Package pipeline orchestrates discovery, parsing, session assembly and
// statistics aggregation.
package pipeline

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theirongolddev/telreport/internal/model"
)

// Aggregate computes report-wide statistics in one pass over every event.
// Unassigned events count toward event, cost and token totals but not
// toward sessions or durations. API request usage counts toward cost and
// token totals only in sessions that carry no cost or token samples, since
// the agent reports the same usage both ways.
func Aggregate(sessions []*model.Session, unassigned *model.Session) model.AggregateStatistics {
	stats := model.AggregateStatistics{
		TotalCost:   make(map[string]decimal.Decimal),
		TokenTotals: make(map[string]int64),
		CodeLines:   make(map[string]int64),
	}

	tools := make(map[string]int)
	servers := make(map[string]int)
	agents := make(map[string]int)
	models := make(map[string]int)

	var (
		totalDur  time.Duration
		durations int
	)

	all := sessions
	if unassigned != nil {
		all = append(append([]*model.Session(nil), sessions...), unassigned)
		stats.UnassignedEvents = len(unassigned.Events)
	}

	for _, s := range all {
		if !s.Unassigned() {
			stats.TotalSessions++
			agents[s.Agent]++
			if s.Open() {
				stats.OpenSessions++
			}
			if d, ok := s.Duration(); ok {
				if durations == 0 || d > stats.LongestSession {
					stats.LongestSession = d
				}
				if durations == 0 || d < stats.ShortestSession {
					stats.ShortestSession = d
				}
				totalDur += d
				durations++
			}
		}

		hasCost, hasTokens := sampleKinds(s.Events)
		for _, ev := range s.Events {
			stats.TotalEvents++
			p := ev.Payload
			switch ev.Kind {
			case model.KindUserQuery:
				stats.UserQueryCount++
			case model.KindAgentResponse:
				stats.AgentResponseCount++
				if api := p.API; api != nil {
					stats.APIRequestCount++
					stats.APIDuration += api.Duration
					if api.Model != "" {
						models[api.Model]++
					}
					if api.HasCost && !hasCost {
						stats.TotalCost["USD"] = stats.TotalCost["USD"].Add(api.Cost)
					}
					if api.HasTokens() && !hasTokens {
						addTokens(stats.TokenTotals, model.TokenInput, api.InputTokens)
						addTokens(stats.TokenTotals, model.TokenOutput, api.OutputTokens)
						addTokens(stats.TokenTotals, model.TokenCache, api.CacheTokens)
					}
				}
			case model.KindToolCall:
				stats.ToolInteractionCount++
				if p.Tool != "" {
					tools[p.Tool]++
				}
				if p.Server != "" {
					servers[p.Server]++
				}
			case model.KindCostSample:
				stats.TotalCost[p.Unit] = stats.TotalCost[p.Unit].Add(p.Value)
			case model.KindTokenSample:
				stats.TokenTotals[p.TokenType] += p.Tokens
			case model.KindMetricSample:
				if strings.Contains(strings.ToLower(p.Metric), "lines_of_code") && p.Value.IsInteger() {
					key := firstAttr(p.Attributes, "type")
					if key == "" {
						key = "total"
					}
					stats.CodeLines[key] += p.Value.IntPart()
				}
			}
		}
	}

	if durations > 0 {
		stats.DurationDefined = true
		stats.AverageSessionDuration = totalDur / time.Duration(durations)
	}

	stats.ToolUsage = histogram(tools)
	stats.MCPServerUsage = histogram(servers)
	stats.AgentSessions = histogram(agents)
	stats.ModelUsage = histogram(models)
	return stats
}

func addTokens(totals map[string]int64, kind string, n int64) {
	if n > 0 {
		totals[kind] += n
	}
}

func sampleKinds(events []model.TelemetryEvent) (cost, tokens bool) {
	for _, ev := range events {
		switch ev.Kind {
		case model.KindCostSample:
			cost = true
		case model.KindTokenSample:
			tokens = true
		}
	}
	return cost, tokens
}

// histogram orders counts descending, then by name.
func histogram(counts map[string]int) []model.NameCount {
	out := make([]model.NameCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, model.NameCount{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}
