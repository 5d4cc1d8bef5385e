// Package source discovers, classifies and parses agent telemetry files.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/theirongolddev/telreport/internal/model"
)

const (
	scanInitialBuffer = 256 * 1024
	scanMaxBuffer     = 8 * 1024 * 1024
	maxInfoBytes      = 16 * 1024 * 1024
	ctxCheckInterval  = 1024
)

// ParseFile reads one discovered file into raw records. Lines that fail to
// decode are counted in SkippedLines and never abort the file. Err is set
// only when the file could not be read at all or ctx was cancelled.
//
// Routing by source kind:
//   - metrics, interactions → JSON-Lines records
//   - otlp                  → protojson ExportLogs/ExportMetrics requests per line
//   - session-info          → one whole JSON object
//   - raw-log               → one record per text line
func ParseFile(ctx context.Context, df DiscoveredFile) ParseResult {
	res := ParseResult{File: df}

	rc, err := OpenFile(df)
	if err != nil {
		res.Err = err
		return res
	}
	defer func() { _ = rc.Close() }()

	switch df.Kind {
	case model.SourceSessionInfo:
		parseSessionInfo(rc, &res)
	case model.SourceRawLog:
		parseRawLog(ctx, rc, &res)
	default:
		parseJSONLines(ctx, rc, &res)
	}
	return res
}

func parseJSONLines(ctx context.Context, r io.Reader, res *ParseResult) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scanInitialBuffer), scanMaxBuffer)

	gapNoted := false
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				res.Err = err
				return
			}
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if isOTLPLine(line) {
			recs, drops, err := parseOTLPLine(line, lineNo)
			if err != nil {
				res.SkippedLines++
				continue
			}
			res.Records = append(res.Records, recs...)
			res.SkippedLines += drops.untimed
			res.SchemaGaps += drops.unsupported
			if len(drops.kinds) > 0 && !gapNoted {
				res.Notes = append(res.Notes, fmt.Sprintf("%s: line %d has unsupported metric type (%s)", res.File.RelPath, lineNo, drops.kinds[0]))
				gapNoted = true
			}
			continue
		}

		var obj map[string]any
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil || obj == nil {
			res.SkippedLines++
			continue
		}

		rec, ok, gap := recordFromObject(obj, lineNo)
		switch {
		case gap:
			res.SchemaGaps++
			if !gapNoted {
				res.Notes = append(res.Notes, fmt.Sprintf("%s: line %d has neither a metric nor an event field", res.File.RelPath, lineNo))
				gapNoted = true
			}
		case !ok:
			res.SkippedLines++
		default:
			res.Records = append(res.Records, rec)
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			res.SkippedLines++
			res.Notes = append(res.Notes, fmt.Sprintf("%s: line %d exceeds %d bytes, rest of file skipped", res.File.RelPath, lineNo+1, scanMaxBuffer))
			return
		}
		res.Err = fmt.Errorf("reading %s: %w", res.File.RelPath, err)
	}
}

// recordFromObject builds a metric or interaction record. ok is false when
// the record has no usable timestamp; gap is true when it is neither shape.
func recordFromObject(obj map[string]any, lineNo int) (rec RawRecord, ok, gap bool) {
	rec.Line = lineNo

	attrs := flattenAttributes(obj["attributes"])
	if labels := flattenAttributes(obj["labels"]); len(labels) > 0 {
		if attrs == nil {
			attrs = labels
		} else {
			for k, v := range labels {
				if _, exists := attrs[k]; !exists {
					attrs[k] = v
				}
			}
		}
	}
	rec.Attributes = attrs
	rec.SessionID = sessionIDFrom(obj, attrs)

	metric := firstString(obj, "metric", "metric_name")
	if metric == "" {
		if _, hasValue := obj["value"]; hasValue {
			metric = firstString(obj, "name")
		}
	}
	event := firstString(obj, "event", "event_type", "type")

	switch {
	case metric != "":
		rec.Type = RecordMetric
		rec.Metric = metric
		rec.Value = obj["value"]
	case event != "":
		rec.Type = RecordInteraction
		rec.Event = event
		switch d := obj["data"].(type) {
		case string:
			rec.Text = d
		case map[string]any:
			rec.Data = d
			rec.Text = firstString(d, "message", "text", "query", "response", "content")
			for k, v := range flattenAttributes(d) {
				if rec.Attributes == nil {
					rec.Attributes = make(map[string]string)
				}
				if _, exists := rec.Attributes[k]; !exists {
					rec.Attributes[k] = v
				}
			}
			if rec.SessionID == "" {
				rec.SessionID = firstString(d, "session_id", "sessionId")
			}
		}
		if rec.Text == "" {
			rec.Text = firstString(obj, "message", "text")
		}
	default:
		return rec, false, true
	}

	for _, key := range []string{"timestamp", "time", "ts", "timeUnixNano"} {
		if v, exists := obj[key]; exists {
			if ts, good := ParseTimestamp(v); good {
				rec.Timestamp = ts
				return rec, true, false
			}
		}
	}
	return rec, false, false
}

func sessionIDFrom(obj map[string]any, attrs map[string]string) string {
	if id := firstString(obj, "session_id", "sessionId"); id != "" {
		return id
	}
	for _, k := range []string{"session_id", "session.id", "sessionId"} {
		if id := attrs[k]; id != "" {
			return id
		}
	}
	return ""
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := scalarString(obj[k]); s != "" {
			return s
		}
	}
	return ""
}

// scalarString renders JSON scalars; objects and arrays yield "".
func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return ""
}

// flattenAttributes turns a nested object into dotted string keys.
func flattenAttributes(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	flattenInto(out, "", m)
	return out
}

func flattenInto(out map[string]string, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch x := v.(type) {
		case map[string]any:
			flattenInto(out, key, x)
		case []any:
			parts := make([]string, 0, len(x))
			for _, item := range x {
				if s := scalarString(item); s != "" {
					parts = append(parts, s)
				}
			}
			out[key] = strings.Join(parts, ",")
		case nil:
		default:
			out[key] = scalarString(x)
		}
	}
}

func parseSessionInfo(r io.Reader, res *ParseResult) {
	data, err := io.ReadAll(io.LimitReader(r, maxInfoBytes))
	if err != nil {
		res.Err = fmt.Errorf("reading %s: %w", res.File.RelPath, err)
		return
	}

	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil || obj == nil {
		res.SkippedLines = 1
		res.Notes = append(res.Notes, fmt.Sprintf("%s: session-info is not a JSON object", res.File.RelPath))
		return
	}

	id := firstString(obj, "session_id", "sessionId")
	if id == "" {
		res.SchemaGaps = 1
		res.Notes = append(res.Notes, fmt.Sprintf("%s: session-info missing session_id", res.File.RelPath))
		return
	}

	info := &model.SessionInfo{
		SessionID:  id,
		Agent:      firstString(obj, "agent", "agent_type"),
		UserName:   firstString(obj, "user_name", "user"),
		UserEmail:  firstString(obj, "user_email", "email"),
		Workspace:  firstString(obj, "workspace", "cwd"),
		MCPServers: stringList(obj["mcp_servers"]),
		Source:     model.SourceRef{Path: res.File.RelPath, Kind: model.SourceSessionInfo},
	}
	if info.Agent == "" {
		info.Agent = res.File.Agent
	}
	if ts, ok := ParseTimestamp(obj["start_time"]); ok {
		info.StartTime = ts
	}
	if ts, ok := ParseTimestamp(obj["end_time"]); ok {
		info.EndTime = &ts
	}
	if code, ok := intValue(obj["exit_code"]); ok {
		info.ExitCode = &code
	}
	res.Info = info
}

// stringList accepts ["a","b"], [{"name":"a"}], {"a":{...}} or "a,b".
func stringList(v any) []string {
	var out []string
	switch x := v.(type) {
	case []any:
		for _, item := range x {
			switch it := item.(type) {
			case map[string]any:
				if s := firstString(it, "name", "id"); s != "" {
					out = append(out, s)
				}
			default:
				if s := scalarString(it); s != "" {
					out = append(out, s)
				}
			}
		}
	case map[string]any:
		for k := range x {
			out = append(out, k)
		}
		sort.Strings(out)
	case string:
		for _, s := range strings.Split(x, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// intValue extracts an integral JSON number (or numeric string).
func intValue(v any) (int, bool) {
	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = strings.TrimSpace(x)
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		return int(x), true
	default:
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
