package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theirongolddev/telreport/internal/classify"
	"github.com/theirongolddev/telreport/internal/model"
	"github.com/theirongolddev/telreport/internal/source"
)

// NormalizeResult is the ordered reduction of every file's raw records.
type NormalizeResult struct {
	Events      []model.TelemetryEvent
	Infos       []model.SessionInfo
	Diagnostics model.Diagnostics
}

// Normalize maps every raw record to one TelemetryEvent, in file order.
// Seq numbers follow that order and break timestamp ties later on.
func Normalize(results []source.ParseResult, c *classify.Classifier) NormalizeResult {
	if c == nil {
		c = classify.Default()
	}
	var out NormalizeResult
	seq := 0

	for _, pr := range results {
		fd := model.FileDiagnostics{
			Path:         pr.File.RelPath,
			Kind:         pr.File.Kind,
			SkippedLines: pr.SkippedLines,
			SchemaGaps:   pr.SchemaGaps,
		}
		out.Diagnostics.Notes = append(out.Diagnostics.Notes, pr.Notes...)

		if pr.Err != nil {
			fd.Err = pr.Err.Error()
			out.Diagnostics.FileErrors++
		} else {
			out.Diagnostics.FilesParsed++
		}

		if pr.Info != nil {
			out.Infos = append(out.Infos, *pr.Info)
			fd.Records++
		}

		for _, rec := range pr.Records {
			ev, ok := normalizeRecord(c, pr.File, rec)
			if !ok {
				fd.MalformedSamples++
				continue
			}
			ev.Seq = seq
			seq++
			out.Events = append(out.Events, ev)
			fd.Records++
		}

		out.Diagnostics.SkippedLines += fd.SkippedLines
		out.Diagnostics.SchemaGaps += fd.SchemaGaps
		out.Diagnostics.MalformedSamples += fd.MalformedSamples
		out.Diagnostics.PerFile = append(out.Diagnostics.PerFile, fd)
	}
	return out
}

// normalizeRecord returns false for a numeric sample whose value is unusable.
func normalizeRecord(c *classify.Classifier, df source.DiscoveredFile, rec source.RawRecord) (model.TelemetryEvent, bool) {
	ev := model.TelemetryEvent{
		Timestamp: rec.Timestamp,
		SessionID: rec.SessionID,
		Source:    model.SourceRef{Path: df.RelPath, Line: rec.Line, Kind: df.Kind},
	}
	if ev.SessionID == "" {
		ev.SessionID = df.DirSession
	}
	ev.Payload.Attributes = rec.Attributes
	ev.Payload.Email = firstAttr(rec.Attributes, "user.email", "user_email", "email")

	switch rec.Type {
	case source.RecordMetric:
		return normalizeMetric(c, ev, rec)
	case source.RecordInteraction:
		return normalizeInteraction(c, ev, rec), true
	case source.RecordLog:
		return normalizeOTLPLog(ev, rec)
	default:
		if act, ok := c.RawLine(rec.Text); ok {
			ev.Kind = act.Kind
			ev.Payload.Text = act.Text
			ev.Payload.Tool = act.Tool
			ev.Payload.Server = act.Server
			ev.Payload.ToolArgs = act.Args
			return ev, true
		}
		ev.Kind = model.KindRawLogLine
		ev.Payload.Text = rec.Text
		return ev, true
	}
}

func normalizeMetric(c *classify.Classifier, ev model.TelemetryEvent, rec source.RawRecord) (model.TelemetryEvent, bool) {
	kind, _ := c.Metric(rec.Metric)
	ev.Kind = kind
	ev.Payload.Metric = rec.Metric
	attrs := rec.Attributes

	if kind == model.KindToolCall {
		ev.Payload.Tool = firstAttr(attrs, "command", "tool_name", "tool", "name")
		if ev.Payload.Tool == "" {
			ev.Payload.Tool = rec.Metric
		}
		ev.Payload.Server = firstAttr(attrs, "server", "mcp_server", "server_name")
		ev.Payload.ToolArgs = firstAttr(attrs, "args", "arguments")
		if v, ok := decimalValue(rec.Value); ok {
			ev.Payload.Value = v
		}
		return ev, true
	}

	v, ok := decimalValue(rec.Value)
	if !ok {
		return ev, false
	}
	ev.Payload.Value = v

	switch kind {
	case model.KindCostSample:
		ev.Payload.Unit = strings.ToUpper(firstAttr(attrs, "currency", "unit"))
		if ev.Payload.Unit == "" {
			ev.Payload.Unit = "USD"
		}
	case model.KindTokenSample:
		if !v.IsInteger() || v.IsNegative() {
			return ev, false
		}
		ev.Payload.Tokens = v.IntPart()
		ev.Payload.TokenType = classify.NormalizeTokenType(firstAttr(attrs, "type", "token_type", "token.type"))
	}
	return ev, true
}

func normalizeInteraction(c *classify.Classifier, ev model.TelemetryEvent, rec source.RawRecord) model.TelemetryEvent {
	attrs := rec.Attributes
	ev.Payload.Text = rec.Text

	switch strings.ToLower(rec.Event) {
	case "session_start", "session_started":
		ev.Kind = model.KindSessionStart
		ev.Payload.User = firstAttr(attrs, "user", "user_name", "user.name")
		if ev.Payload.Email == "" {
			ev.Payload.Email = firstAttr(attrs, "email")
		}
	case "session_end", "session_ended":
		ev.Kind = model.KindSessionEnd
		if code, err := strconv.Atoi(firstAttr(attrs, "exit_code", "exitCode")); err == nil {
			ev.Payload.ExitCode = &code
		}
	case "user_query", "user_prompt", "query":
		ev.Kind = model.KindUserQuery
	case "agent_response", "response", "assistant_response":
		ev.Kind = model.KindAgentResponse
	case "tool_call", "tool_use", "mcp_call":
		ev.Kind = model.KindToolCall
		ev.Payload.Tool = firstAttr(attrs, "tool", "tool_name", "command", "name")
		ev.Payload.Server = firstAttr(attrs, "server", "mcp_server")
		ev.Payload.ToolArgs = firstAttr(attrs, "args", "arguments", "input")
	default:
		text := rec.Text
		if text == "" {
			text = rec.Event
		}
		act := c.ActivityText(text)
		ev.Kind = act.Kind
		ev.Payload.Text = act.Text
		ev.Payload.Tool = act.Tool
		ev.Payload.Server = act.Server
		ev.Payload.ToolArgs = act.Args
	}
	return ev
}

// normalizeOTLPLog maps agent log events (claude_code.user_prompt and friends).
func normalizeOTLPLog(ev model.TelemetryEvent, rec source.RawRecord) (model.TelemetryEvent, bool) {
	attrs := rec.Attributes
	name := rec.Event
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}

	switch name {
	case "user_prompt":
		ev.Kind = model.KindUserQuery
		ev.Payload.Text = firstAttr(attrs, "prompt")
		if ev.Payload.Text == "" {
			if n := attrs["prompt_length"]; n != "" {
				ev.Payload.Text = fmt.Sprintf("(prompt redacted, %s chars)", n)
			} else {
				ev.Payload.Text = rec.Text
			}
		}
	case "api_request":
		ev.Kind = model.KindAgentResponse
		ev.Payload.Text = joinFields(attrs, "model", "input_tokens", "output_tokens", "cache_read_tokens", "cost_usd", "duration_ms")
		ev.Payload.API = apiRequest(attrs)
	case "api_error":
		ev.Kind = model.KindAgentResponse
		ev.Payload.Text = "error: " + firstAttr(attrs, "error", "status_code")
		if m := attrs["model"]; m != "" {
			ev.Payload.Text += " (model=" + m + ")"
		}
	case "tool_result", "tool_decision":
		ev.Kind = model.KindToolCall
		ev.Payload.Tool = firstAttr(attrs, "tool_name", "tool")
		ev.Payload.ToolArgs = joinFields(attrs, "decision", "source", "success", "duration_ms")
		ev.Payload.Text = name
	default:
		ev.Kind = model.KindMetricSample
		ev.Payload.Metric = rec.Event
		ev.Payload.Text = rec.Text
		if v, ok := decimalValue(attrs["value"]); ok {
			ev.Payload.Value = v
		}
	}
	return ev, true
}

// apiRequest reads usage attributes; unparsable counts are treated as absent.
func apiRequest(attrs map[string]string) *model.APIRequest {
	req := &model.APIRequest{Model: firstAttr(attrs, "model")}
	if v, ok := decimalValue(attrs["cost_usd"]); ok && !v.IsNegative() {
		req.Cost = v
		req.HasCost = true
	}
	count := func(keys ...string) int64 {
		var n int64
		for _, k := range keys {
			if v, ok := decimalValue(attrs[k]); ok && v.IsInteger() && !v.IsNegative() {
				n += v.IntPart()
			}
		}
		return n
	}
	req.InputTokens = count("input_tokens")
	req.OutputTokens = count("output_tokens")
	req.CacheTokens = count("cache_read_tokens", "cache_creation_tokens")
	if v, ok := decimalValue(attrs["duration_ms"]); ok && !v.IsNegative() {
		req.Duration = time.Duration(v.Mul(decimal.NewFromInt(int64(time.Millisecond))).IntPart())
	}
	return req
}

func joinFields(attrs map[string]string, keys ...string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := attrs[k]; v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, " ")
}

func firstAttr(attrs map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(attrs[k]); v != "" {
			return v
		}
	}
	return ""
}

// decimalValue accepts JSON numbers and numeric strings. Booleans, nulls,
// NaN and infinities are rejected.
func decimalValue(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(x), true
	case int64:
		return decimal.NewFromInt(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	}
	return decimal.Zero, false
}
