package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/theirongolddev/telreport/internal/tui/theme"
)

// ProgressBar renders a progress bar with percentage.
func ProgressBar(pct float64, width int) string {
	t := theme.Active
	if pct < 0 {
		pct = 0
	}
	if pct > 1 {
		pct = 1
	}
	filled := int(pct * float64(width))

	var barColor lipgloss.Color
	switch {
	case pct >= 0.8:
		barColor = t.AccentBright
	case pct >= 0.5:
		barColor = t.Accent
	default:
		barColor = t.Cyan
	}

	filledStyle := lipgloss.NewStyle().Foreground(barColor).Background(t.Surface)
	emptyStyle := lipgloss.NewStyle().Foreground(t.TextDim).Background(t.Surface)
	pctStyle := lipgloss.NewStyle().Foreground(barColor).Background(t.Surface).Bold(true)
	spaceStyle := lipgloss.NewStyle().Background(t.Surface)

	var b strings.Builder
	b.WriteString(filledStyle.Render(strings.Repeat("█", filled)))
	b.WriteString(emptyStyle.Render(strings.Repeat("░", width-filled)))

	return b.String() + spaceStyle.Render(" ") + pctStyle.Render(fmt.Sprintf("%.0f%%", pct*100))
}

// UsageBar renders one histogram row: label, proportional bar and count.
func UsageBar(label string, count, max, labelW, barW int) string {
	t := theme.Active
	if max <= 0 {
		max = 1
	}
	n := count * barW / max
	if count > 0 && n == 0 {
		n = 1
	}

	labelStyle := lipgloss.NewStyle().Foreground(t.TextPrimary).Width(labelW)
	barStyle := lipgloss.NewStyle().Foreground(t.Accent)
	countStyle := lipgloss.NewStyle().Foreground(t.TextMuted)

	return labelStyle.Render(label) + " " +
		barStyle.Render(strings.Repeat("█", n)) +
		strings.Repeat(" ", barW-n) + " " +
		countStyle.Render(fmt.Sprint(count))
}
