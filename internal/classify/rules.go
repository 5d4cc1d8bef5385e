// Package classify holds the declarative rule tables that turn metric names,
// interaction activity text and raw terminal lines into event kinds.
//
// Every table is evaluated in slice order and the first match wins, so more
// specific rules must precede broader ones.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/theirongolddev/telreport/internal/model"
)

// MetricRule maps a metric-name pattern to an event kind.
type MetricRule struct {
	Name    string
	Pattern *regexp.Regexp
	Kind    model.EventKind
}

// ActivityRule maps a free-text marker (e.g. "Processing query:") to an event kind.
type ActivityRule struct {
	Name   string
	Marker string
	Kind   model.EventKind
	// Split optionally extracts tool/server/args from the text after the marker.
	Split func(rest string) Activity
}

// RawLogRule promotes a raw terminal line to a richer event. Patterns may
// use the named groups tool, server and args.
type RawLogRule struct {
	Name    string
	Pattern *regexp.Regexp
	Kind    model.EventKind
}

// Activity is the outcome of classifying a piece of text.
type Activity struct {
	Rule   string
	Kind   model.EventKind
	Text   string
	Tool   string
	Server string
	Args   string
}

// DefaultMetricRules classify metric names. Cost precedes token so that
// names like "token.cost" count as money.
var DefaultMetricRules = []MetricRule{
	{Name: "mcp-interaction", Pattern: regexp.MustCompile(`(?i)(^|\.)mcp[._]interaction$`), Kind: model.KindToolCall},
	{Name: "tool-usage", Pattern: regexp.MustCompile(`(?i)(^|\.)tool[._](use|usage|call)s?$`), Kind: model.KindToolCall},
	{Name: "cost", Pattern: regexp.MustCompile(`(?i)cost`), Kind: model.KindCostSample},
	{Name: "token", Pattern: regexp.MustCompile(`(?i)token`), Kind: model.KindTokenSample},
}

// DefaultActivityRules classify ai_activity style interaction text.
var DefaultActivityRules = []ActivityRule{
	{Name: "user-query", Marker: "Processing query:", Kind: model.KindUserQuery},
	{Name: "claude-response", Marker: "Claude:", Kind: model.KindAgentResponse},
	{Name: "gemini-response", Marker: "Gemini:", Kind: model.KindAgentResponse},
	{Name: "assistant-response", Marker: "Assistant:", Kind: model.KindAgentResponse},
	{Name: "mcp-call", Marker: "MCP:", Kind: model.KindToolCall, Split: splitMCP},
	{Name: "tool-use", Marker: "Tool use:", Kind: model.KindToolCall, Split: splitTool},
}

// DefaultRawLogRules promote terminal transcript lines to tool calls.
var DefaultRawLogRules = []RawLogRule{
	{
		Name:    "claude-tool-bullet",
		Pattern: regexp.MustCompile(`^\s*[⏺●]\s*(?P<tool>[A-Za-z][\w-]*)\((?P<args>.*)\)\s*$`),
		Kind:    model.KindToolCall,
	},
	{
		Name:    "tool-use-tag",
		Pattern: regexp.MustCompile(`<(?:tool_use|invoke)\s+name="(?P<tool>[^"]+)"`),
		Kind:    model.KindToolCall,
	},
	{
		Name:    "mcp-marker",
		Pattern: regexp.MustCompile(`MCP:\s*(?P<server>[\w-]+)[./:](?P<tool>[\w-]+)\s*(?P<args>.*)$`),
		Kind:    model.KindToolCall,
	},
	{
		Name:    "tool-use-marker",
		Pattern: regexp.MustCompile(`Tool use:\s*(?P<tool>[\w.:-]+)\s*(?P<args>.*)$`),
		Kind:    model.KindToolCall,
	},
	{
		Name:    "gemini-tool-check",
		Pattern: regexp.MustCompile(`^\s*[✔✓]\s+(?P<tool>[A-Z][A-Za-z]+)\s+(?P<args>.+)$`),
		Kind:    model.KindToolCall,
	},
}

// Classifier bundles the three rule tables.
type Classifier struct {
	Metrics  []MetricRule
	Activity []ActivityRule
	RawLog   []RawLogRule
}

// Default returns a classifier with the built-in tables.
func Default() *Classifier {
	return &Classifier{
		Metrics:  append([]MetricRule(nil), DefaultMetricRules...),
		Activity: append([]ActivityRule(nil), DefaultActivityRules...),
		RawLog:   append([]RawLogRule(nil), DefaultRawLogRules...),
	}
}

// WithMetricRules returns a copy of c whose metric table starts with extra.
func (c *Classifier) WithMetricRules(extra ...MetricRule) *Classifier {
	out := *c
	out.Metrics = append(append([]MetricRule(nil), extra...), c.Metrics...)
	return &out
}

// NewMetricRule compiles a user-supplied rule. kind is a wire name such as "cost_sample".
func NewMetricRule(name, pattern, kind string) (MetricRule, error) {
	k, ok := model.ParseEventKind(kind)
	if !ok {
		return MetricRule{}, fmt.Errorf("metric rule %q: unknown kind %q", name, kind)
	}
	switch k {
	case model.KindMetricSample, model.KindCostSample, model.KindTokenSample, model.KindToolCall:
	default:
		return MetricRule{}, fmt.Errorf("metric rule %q: kind %s is not a metric kind", name, kind)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return MetricRule{}, fmt.Errorf("metric rule %q: %w", name, err)
	}
	if name == "" {
		name = pattern
	}
	return MetricRule{Name: name, Pattern: re, Kind: k}, nil
}

// Metric classifies a metric name. Names no rule matches are generic samples.
func (c *Classifier) Metric(name string) (model.EventKind, string) {
	for _, r := range c.Metrics {
		if r.Pattern.MatchString(name) {
			return r.Kind, r.Name
		}
	}
	return model.KindMetricSample, "generic"
}

// ActivityText classifies interaction free text. Text without a known
// marker is kept as an agent response.
func (c *Classifier) ActivityText(text string) Activity {
	for _, r := range c.Activity {
		idx := strings.Index(text, r.Marker)
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(text[idx+len(r.Marker):])
		act := Activity{Text: rest}
		if r.Split != nil {
			act = r.Split(rest)
		}
		act.Rule = r.Name
		act.Kind = r.Kind
		return act
	}
	return Activity{Rule: "activity", Kind: model.KindAgentResponse, Text: strings.TrimSpace(text)}
}

// RawLine reports whether a raw terminal line matches a promotion rule.
func (c *Classifier) RawLine(line string) (Activity, bool) {
	for _, r := range c.RawLog {
		m := r.Pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		act := Activity{Rule: r.Name, Kind: r.Kind, Text: strings.TrimSpace(line)}
		for i, name := range r.Pattern.SubexpNames() {
			switch name {
			case "tool":
				act.Tool = m[i]
			case "server":
				act.Server = m[i]
			case "args":
				act.Args = strings.TrimSpace(m[i])
			}
		}
		return act, true
	}
	return Activity{}, false
}

// splitMCP parses "server.command args" (also ':' or '/').
func splitMCP(rest string) Activity {
	act := Activity{Text: rest}
	head, args, _ := strings.Cut(rest, " ")
	act.Args = strings.TrimSpace(args)
	if i := strings.IndexAny(head, ".:/"); i > 0 && i < len(head)-1 {
		act.Server = head[:i]
		act.Tool = head[i+1:]
	} else {
		act.Tool = head
	}
	return act
}

// splitTool parses "Name(args)" or "Name args".
func splitTool(rest string) Activity {
	act := Activity{Text: rest}
	end := strings.IndexFunc(rest, func(r rune) bool {
		return r == '(' || r == ' ' || r == '\t'
	})
	if end < 0 {
		act.Tool = rest
		return act
	}
	act.Tool = rest[:end]
	args := strings.TrimSpace(rest[end:])
	if strings.HasPrefix(args, "(") && strings.HasSuffix(args, ")") {
		args = args[1 : len(args)-1]
	}
	act.Args = args
	return act
}

// NormalizeTokenType folds vendor token-type labels into input, output
// and cache. Unknown labels are returned lower-cased.
func NormalizeTokenType(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case t == "input" || t == "prompt" || t == "input_tokens":
		return model.TokenInput
	case t == "output" || t == "completion" || t == "output_tokens":
		return model.TokenOutput
	case strings.Contains(t, "cache"):
		return model.TokenCache
	case t == "":
		return "unknown"
	}
	return t
}
