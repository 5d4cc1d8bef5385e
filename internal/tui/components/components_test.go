package components

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/theirongolddev/telreport/internal/tui/theme"
)

func init() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func TestLayoutRow(t *testing.T) {
	got := LayoutRow(10, 3)
	if len(got) != 3 || got[0] != 4 || got[1] != 3 || got[2] != 3 {
		t.Errorf("LayoutRow(10, 3) = %v", got)
	}
	if LayoutRow(10, 0) != nil {
		t.Error("LayoutRow with n=0 should be nil")
	}
}

func TestMetricCardRowWidth(t *testing.T) {
	theme.SetActive("flexoki-dark")
	row := MetricCardRow([]Metric{
		{Label: "Sessions", Value: "3"},
		{Label: "Events", Value: "120", Note: "4 unassigned"},
		{Label: "Cost", Value: "0.0315 USD"},
	}, 90)
	for _, line := range strings.Split(row, "\n") {
		if w := lipgloss.Width(line); w != 90 {
			t.Fatalf("row line width = %d, want 90: %q", w, line)
		}
	}
}

func TestRenderStatusBar(t *testing.T) {
	bar := RenderStatusBar(40, "[q]uit", "42%")
	if lipgloss.Width(bar) != 40 {
		t.Errorf("status bar width = %d", lipgloss.Width(bar))
	}
	if !strings.HasPrefix(bar, " [q]uit") || !strings.HasSuffix(bar, "42% ") {
		t.Errorf("status bar = %q", bar)
	}
}

func TestTabIdxByKey(t *testing.T) {
	if TabIdxByKey('o') != 1 || TabIdxByKey('z') != -1 {
		t.Error("tab key lookup")
	}
	if !strings.Contains(RenderTabBar(0), "[o]") {
		t.Error("inactive tab should show its key")
	}
}

func TestUsageBar(t *testing.T) {
	line := UsageBar("bash", 5, 10, 8, 10)
	if !strings.Contains(line, "█████ ") || !strings.HasSuffix(line, " 5") {
		t.Errorf("usage bar = %q", line)
	}
}
