package cmd

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/telreport/internal/report"
	"github.com/theirongolddev/telreport/internal/tui"
	"github.com/theirongolddev/telreport/internal/tui/theme"
)

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Browse the report in an interactive pager",
	Args:  cobra.NoArgs,
	RunE:  runView,
}

var viewRaw bool

func init() {
	viewCmd.Flags().BoolVar(&viewRaw, "raw", false, "Include the raw event dump")
	rootCmd.AddCommand(viewCmd)
}

func runView(c *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Progress is drawn by the pager; slog output would corrupt the alt screen.
	flagQuiet = true
	opts, err := pipelineOptions(cfg, newLogger())
	if err != nil {
		return err
	}

	theme.SetActive(cfg.Display.Theme)
	// Force TrueColor so background styling produces ANSI codes.
	lipgloss.SetColorProfile(termenv.TrueColor)

	app := tui.NewApp(c.Context(), opts, report.RenderOptions{
		RawDump:  viewRaw || cfg.Report.RawDump,
		RawLimit: cfg.Report.RawDumpLimit,
	})
	if _, err := tea.NewProgram(app, tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
