// Package tui provides the interactive Bubble Tea viewer for telemetry reports.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/theirongolddev/telreport/internal/cli"
	"github.com/theirongolddev/telreport/internal/pipeline"
	"github.com/theirongolddev/telreport/internal/report"
	"github.com/theirongolddev/telreport/internal/tui/components"
	"github.com/theirongolddev/telreport/internal/tui/theme"
)

// ReportLoadedMsg is sent when the analysis finishes.
type ReportLoadedMsg struct {
	Doc      *report.Document
	Markdown string
	Err      error
	LoadTime time.Duration
}

// ProgressMsg reports file parsing progress.
type ProgressMsg struct {
	Current int
	Total   int
}

// Tab indices.
const (
	tabReport = iota
	tabOverview
	tabTools
)

const (
	minTerminalWidth = 60
	maxContentWidth  = 160
	chromeHeight     = 3 // tab bar, rule, status bar
)

// App is the root Bubble Tea model.
type App struct {
	ctx        context.Context
	opts       pipeline.Options
	renderOpts report.RenderOptions

	// Data
	doc      *report.Document
	markdown string
	loadErr  error
	loaded   bool
	loadTime time.Duration

	// UI state
	width     int
	height    int
	activeTab int
	viewport  viewport.Model
	headings  []int

	// Loading — channel-based progress subscription
	spinner     spinner.Model
	progress    int
	progressMax int
	loadSub     chan tea.Msg
}

// NewApp creates a viewer that analyzes opts when started.
func NewApp(ctx context.Context, opts pipeline.Options, renderOpts report.RenderOptions) App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.Active.Accent).Background(theme.Active.Surface)

	return App{
		ctx:        ctx,
		opts:       opts,
		renderOpts: renderOpts,
		spinner:    sp,
		viewport:   viewport.New(0, 0),
		loadSub:    make(chan tea.Msg, 1),
	}
}

// NewLoadedApp creates a viewer over an already rendered report.
func NewLoadedApp(doc *report.Document, markdown string) App {
	a := NewApp(context.Background(), pipeline.Options{}, report.RenderOptions{})
	a.doc = doc
	a.markdown = markdown
	a.loaded = true
	return a
}

// Init implements tea.Model.
func (a App) Init() tea.Cmd {
	if a.loaded {
		return nil
	}
	return tea.Batch(
		loadDataCmd(a.ctx, a.opts, a.renderOpts, a.loadSub),
		a.spinner.Tick,
	)
}

// Update implements tea.Model.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.viewport.Width = a.contentWidth()
		a.viewport.Height = max(1, a.height-chromeHeight)
		a.refreshContent()
		return a, nil

	case tea.KeyMsg:
		return a.updateKey(msg)

	case ProgressMsg:
		a.progress = msg.Current
		a.progressMax = msg.Total
		return a, waitForLoadMsg(a.loadSub)

	case ReportLoadedMsg:
		a.loaded = true
		a.doc = msg.Doc
		a.markdown = msg.Markdown
		a.loadErr = msg.Err
		a.loadTime = msg.LoadTime
		a.refreshContent()
		a.viewport.GotoTop()
		return a, nil

	case spinner.TickMsg:
		if !a.loaded {
			var cmd tea.Cmd
			a.spinner, cmd = a.spinner.Update(msg)
			return a, cmd
		}
		return a, nil
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a App) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "q", "esc", "ctrl+c":
		return a, tea.Quit
	}
	if !a.loaded || a.loadErr != nil {
		return a, nil
	}

	switch key {
	case "tab":
		a.switchTab((a.activeTab + 1) % len(components.Tabs))
		return a, nil
	case "shift+tab":
		a.switchTab((a.activeTab + len(components.Tabs) - 1) % len(components.Tabs))
		return a, nil
	case "g", "home":
		a.viewport.GotoTop()
		return a, nil
	case "G", "end":
		a.viewport.GotoBottom()
		return a, nil
	case "n":
		if line := nextHeading(a.headings, a.viewport.YOffset); line >= 0 {
			a.viewport.SetYOffset(line)
		}
		return a, nil
	case "N":
		if line := prevHeading(a.headings, a.viewport.YOffset); line >= 0 {
			a.viewport.SetYOffset(line)
		}
		return a, nil
	}

	if len(msg.Runes) == 1 {
		if idx := components.TabIdxByKey(msg.Runes[0]); idx >= 0 {
			a.switchTab(idx)
			return a, nil
		}
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a *App) switchTab(idx int) {
	if idx == a.activeTab {
		return
	}
	a.activeTab = idx
	a.refreshContent()
	a.viewport.GotoTop()
}

func (a App) contentWidth() int {
	cw := a.width
	if cw > maxContentWidth {
		cw = maxContentWidth
	}
	return cw
}

// refreshContent re-renders the active tab at the current width.
func (a *App) refreshContent() {
	if !a.loaded || a.doc == nil || a.width == 0 {
		return
	}
	w := a.contentWidth()
	a.headings = nil

	switch a.activeTab {
	case tabReport:
		wrapped := wrapReport(a.markdown, w)
		a.headings = sectionHeadings(wrapped)
		a.viewport.SetContent(highlight(wrapped, theme.Active.Markdown))
	case tabOverview:
		a.viewport.SetContent(renderOverview(a.doc, w))
	case tabTools:
		a.viewport.SetContent(renderTools(a.doc, w))
	}
}

// View implements tea.Model.
func (a App) View() string {
	if a.width == 0 {
		return ""
	}
	if a.width < minTerminalWidth {
		return fmt.Sprintf("\n  Terminal too narrow (%d cols); need at least %d.\n", a.width, minTerminalWidth)
	}
	if !a.loaded {
		return a.viewLoading()
	}
	if a.loadErr != nil {
		t := theme.Active
		errStyle := lipgloss.NewStyle().Foreground(t.Red).Bold(true)
		return "\n  " + errStyle.Render("Analysis failed") + "\n\n  " + a.loadErr.Error() + "\n\n  press q to quit\n"
	}
	return a.viewMain()
}

func (a App) viewLoading() string {
	t := theme.Active

	cardStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.BorderAccent).
		Background(t.Surface).
		Padding(1, 3)
	logoStyle := lipgloss.NewStyle().Foreground(t.AccentBright).Background(t.Surface).Bold(true)
	subtitleStyle := lipgloss.NewStyle().Foreground(t.TextMuted).Background(t.Surface)

	var b strings.Builder
	b.WriteString(logoStyle.Render("◈ telreport"))
	b.WriteString(subtitleStyle.Render(" · Agent Telemetry Report"))
	b.WriteString("\n\n")
	b.WriteString(a.spinner.View())
	if a.progressMax > 0 {
		b.WriteString(subtitleStyle.Render(" Parsing files\n\n"))
		b.WriteString(components.ProgressBar(float64(a.progress)/float64(a.progressMax), 40))
		b.WriteString("\n")
		b.WriteString(subtitleStyle.Render(fmt.Sprintf("%s / %s",
			cli.FormatNumber(int64(a.progress)), cli.FormatNumber(int64(a.progressMax)))))
	} else {
		b.WriteString(subtitleStyle.Render(" Discovering files..."))
	}

	return lipgloss.Place(a.width, a.height, lipgloss.Center, lipgloss.Center, cardStyle.Render(b.String()))
}

func (a App) viewMain() string {
	t := theme.Active
	w := a.contentWidth()

	rule := lipgloss.NewStyle().Foreground(t.Border).Render(strings.Repeat("─", w))

	hints := "[q]uit  [tab] switch  [j/k] scroll  [g/G] top/bottom"
	if a.activeTab == tabReport {
		hints += "  [n/N] session"
	}
	status := fmt.Sprintf("%d sessions · %3.0f%% · loaded in %s",
		a.doc.Statistics.TotalSessions, a.viewport.ScrollPercent()*100, a.loadTime.Round(time.Millisecond))

	return components.RenderTabBar(a.activeTab) + "\n" +
		rule + "\n" +
		a.viewport.View() + "\n" +
		components.RenderStatusBar(w, hints, status)
}

func renderOverview(doc *report.Document, width int) string {
	st := doc.Statistics
	tokens := int64(0)
	for _, n := range st.TokenTotals {
		tokens += n
	}
	cost := "0.0000"
	if v, ok := st.TotalCost["USD"]; ok {
		cost = v
	}
	avg := "n/a"
	if st.DurationDefined {
		avg = cli.FormatDuration(st.AverageSessionSecs)
	}

	cards := components.MetricCardRow([]components.Metric{
		{Label: "Sessions", Value: cli.FormatNumber(int64(st.TotalSessions)), Note: fmt.Sprintf("%d open", st.OpenSessions)},
		{Label: "Events", Value: cli.FormatNumber(int64(st.TotalEvents)), Note: fmt.Sprintf("%d unassigned", st.UnassignedEvents)},
		{Label: "Cost (USD)", Value: cost},
		{Label: "Tokens", Value: cli.FormatTokens(tokens)},
		{Label: "Avg duration", Value: avg},
	}, width)

	return cards + "\n\n" + cli.RenderTable(cli.SessionsTable(doc))
}

func renderTools(doc *report.Document, width int) string {
	var b strings.Builder
	section := func(title string, rows []report.UsageRow) {
		t := theme.Active
		b.WriteString(lipgloss.NewStyle().Foreground(t.Accent).Bold(true).Render(title))
		b.WriteString("\n")
		if len(rows) == 0 {
			b.WriteString(lipgloss.NewStyle().Foreground(t.TextDim).Render("  none"))
			b.WriteString("\n\n")
			return
		}
		labelW := 12
		for _, r := range rows {
			labelW = max(labelW, min(lipgloss.Width(r.Name), 32))
		}
		barW := max(10, width-labelW-10)
		top := rows[0].Count
		for _, r := range rows {
			b.WriteString("  ")
			b.WriteString(components.UsageBar(cli.Truncate(r.Name, labelW), r.Count, top, labelW, barW))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	section("Tools / Commands", doc.Statistics.ToolUsage)
	section("MCP Servers", doc.Statistics.MCPServerUsage)
	section("Agents", doc.Statistics.AgentSessions)
	section("Models", doc.Statistics.ModelUsage)
	return b.String()
}

func loadDataCmd(ctx context.Context, opts pipeline.Options, renderOpts report.RenderOptions, sub chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		go func() {
			start := time.Now()

			// Non-blocking send so workers aren't stalled; the next update catches up.
			opts.Progress = func(current, total int) {
				select {
				case sub <- ProgressMsg{Current: current, Total: total}:
				default:
				}
			}

			a, err := pipeline.Analyze(ctx, opts)
			if err != nil {
				sub <- ReportLoadedMsg{Err: err, LoadTime: time.Since(start)}
				return
			}
			doc := report.Build(a, report.GeneratedAt(a.NewestModTime))
			sub <- ReportLoadedMsg{
				Doc:      doc,
				Markdown: report.RenderMarkdown(doc, renderOpts),
				LoadTime: time.Since(start),
			}
		}()

		// Block until the first message (either ProgressMsg or ReportLoadedMsg)
		return <-sub
	}
}

func waitForLoadMsg(sub chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-sub
	}
}
