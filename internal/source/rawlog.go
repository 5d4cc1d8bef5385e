package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

var (
	leadingTimestamp = regexp.MustCompile(`^\[?(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\]?\s*`)
	// script(1) header: Script started on 2024-01-08 14:30:00+00:00 [...]
	scriptHeader = regexp.MustCompile(`^Script (?:started|done) on (\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[+-]\d{2}:?\d{2})?)`)
)

// parseRawLog turns terminal transcripts into one record per visible line.
// A leading timestamp is lifted; lines without one inherit the previous
// line's timestamp, or stay zero until the first stamped line.
func parseRawLog(ctx context.Context, r io.Reader, res *ParseResult) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scanInitialBuffer), scanMaxBuffer)

	var last time.Time
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				res.Err = err
				return
			}
		}

		text := cleanTerminalLine(scanner.Text())
		if text == "" {
			continue
		}

		if m := scriptHeader.FindStringSubmatch(text); m != nil {
			if ts, ok := parseLogTimestamp(m[1]); ok {
				last = ts
			}
			continue
		}

		if m := leadingTimestamp.FindStringSubmatchIndex(text); m != nil {
			if ts, ok := parseLogTimestamp(text[m[2]:m[3]]); ok {
				last = ts
				text = strings.TrimSpace(text[m[1]:])
				if text == "" {
					continue
				}
			}
		}

		res.Records = append(res.Records, RawRecord{
			Type:      RecordRawLine,
			Line:      lineNo,
			Timestamp: last,
			Text:      text,
		})
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

// cleanTerminalLine strips escape sequences and keeps only what a carriage
// return left visible.
func cleanTerminalLine(s string) string {
	s = ansi.Strip(s)
	if i := strings.LastIndexByte(strings.TrimRight(s, "\r"), '\r'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return -1
		}
		return r
	}, s))
}

func parseLogTimestamp(s string) (time.Time, bool) {
	s = strings.Replace(s, " ", "T", 1)
	// +0000 → +00:00
	if n := len(s); n > 5 && (s[n-5] == '+' || s[n-5] == '-') && !strings.Contains(s[n-5:], ":") {
		s = s[:n-2] + ":" + s[n-2:]
	}
	return parseTimestampString(s)
}
