package tui

import (
	"sort"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/x/ansi"
)

// wrapReport wraps markdown to width without splitting words where possible.
func wrapReport(md string, width int) string {
	if width <= 0 {
		return md
	}
	return ansi.Wrap(md, width, "")
}

// sectionHeadings returns the line numbers of session headings and the
// unassigned-events heading, in order.
func sectionHeadings(content string) []int {
	var out []int
	for i, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "### Session ") || strings.HasPrefix(line, "## Unassigned Events") {
			out = append(out, i)
		}
	}
	return out
}

// nextHeading returns the first heading below offset, or -1.
func nextHeading(headings []int, offset int) int {
	i := sort.SearchInts(headings, offset+1)
	if i < len(headings) {
		return headings[i]
	}
	return -1
}

// prevHeading returns the last heading above offset, or -1.
func prevHeading(headings []int, offset int) int {
	i := sort.SearchInts(headings, offset)
	if i > 0 {
		return headings[i-1]
	}
	return -1
}

// highlight colours markdown with a chroma style. An empty style leaves
// the text as is.
func highlight(text, style string) string {
	if style == "" {
		return text
	}
	var b strings.Builder
	if err := quick.Highlight(&b, text, "markdown", "terminal256", style); err != nil {
		return text
	}
	return b.String()
}
