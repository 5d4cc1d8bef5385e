package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/telreport/internal/cli"
	"github.com/theirongolddev/telreport/internal/config"
	"github.com/theirongolddev/telreport/internal/report"
	"github.com/theirongolddev/telreport/internal/store"
	"github.com/theirongolddev/telreport/internal/telemetry"
	"github.com/theirongolddev/telreport/internal/tui"
	"github.com/theirongolddev/telreport/internal/tui/theme"
	"github.com/theirongolddev/telreport/internal/watch"
)

var (
	flagOutput       string
	flagExport       string
	flagExportFormat string
	flagSQLite       string
	flagHTML         string
	flagRaw          bool
	flagRawLimit     int
	flagNoDisplay    bool
	flagPager        bool
	flagWatch        bool
	flagOTLPEndpoint string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate the markdown report (default command)",
	Args:  cobra.NoArgs,
	RunE:  runReport,
}

func init() {
	registerReportFlags(reportCmd)
	rootCmd.AddCommand(reportCmd)
}

func registerReportFlags(c *cobra.Command) {
	c.Flags().StringVarP(&flagOutput, "output", "o", "", "Markdown report path, - for stdout (default <data-dir>/telemetry-report.md)")
	c.Flags().StringVarP(&flagExport, "export", "e", "", "Also write a machine-readable export to this path")
	c.Flags().StringVar(&flagExportFormat, "export-format", "", "Export format: json, yaml or cbor (default from extension)")
	c.Flags().StringVar(&flagSQLite, "sqlite", "", "Append the run to this SQLite database")
	c.Flags().StringVar(&flagHTML, "html", "", "Also write a standalone HTML page to this path")
	c.Flags().BoolVar(&flagRaw, "raw", false, "Append the collapsible raw event dump")
	c.Flags().IntVar(&flagRawLimit, "raw-limit", -1, "Max events in the raw dump (0 = all)")
	c.Flags().BoolVar(&flagNoDisplay, "no-display", false, "Do not show the report in the terminal")
	c.Flags().BoolVar(&flagPager, "pager", false, "Show the report in the interactive pager")
	c.Flags().BoolVar(&flagWatch, "watch", false, "Regenerate whenever the input changes")
	c.Flags().StringVar(&flagOTLPEndpoint, "otlp-endpoint", "", "Publish report metrics to this OTLP/gRPC collector")
}

// reportJob carries everything one report generation needs.
type reportJob struct {
	cfg        config.Config
	log        *slog.Logger
	renderOpts report.RenderOptions
	exportFmt  report.Format
	publisher  *telemetry.Publisher
}

func runReport(c *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyReportFlags(&cfg)
	log := newLogger()
	ctx := c.Context()

	job := reportJob{
		cfg: cfg,
		log: log,
		renderOpts: report.RenderOptions{
			RawDump:  cfg.Report.RawDump,
			RawLimit: cfg.Report.RawDumpLimit,
		},
	}
	def, err := report.ParseFormat(cfg.General.ExportFormat)
	if err != nil {
		return err
	}
	job.exportFmt = def
	if flagExportFormat != "" {
		if job.exportFmt, err = report.ParseFormat(flagExportFormat); err != nil {
			return err
		}
	} else if flagExport != "" {
		job.exportFmt = report.FormatForPath(flagExport, def)
	}

	if cfg.OTLP.Endpoint != "" {
		pub, err := telemetry.New(ctx, telemetry.Config{Endpoint: cfg.OTLP.Endpoint, Insecure: cfg.OTLP.Insecure})
		if err != nil {
			return fmt.Errorf("starting otlp publisher: %w", err)
		}
		job.publisher = pub
		defer func() {
			if err := pub.Close(context.WithoutCancel(ctx)); err != nil {
				log.Warn("flushing otlp metrics", "err", err)
			}
		}()
	}

	doc, md, err := job.generate(ctx)
	if err != nil {
		return err
	}

	if flagWatch {
		return job.watch(ctx)
	}
	return job.display(c.OutOrStdout(), doc, md)
}

func applyReportFlags(cfg *config.Config) {
	if flagOutput != "" {
		cfg.General.Output = flagOutput
	}
	if flagRaw {
		cfg.Report.RawDump = true
	}
	if flagRawLimit >= 0 {
		cfg.Report.RawDumpLimit = flagRawLimit
	}
	if flagOTLPEndpoint != "" {
		cfg.OTLP.Endpoint = flagOTLPEndpoint
	}
	switch {
	case flagNoDisplay, flagWatch:
		cfg.Display.Mode = config.DisplayNone
	case flagPager:
		cfg.Display.Mode = config.DisplayPager
	}
	if cfg.General.Output == "-" && cfg.Display.Mode != config.DisplayPager {
		cfg.Display.Mode = config.DisplayNone
	}
}

// generate runs one analysis and writes every configured output.
func (j reportJob) generate(ctx context.Context) (*report.Document, string, error) {
	a, err := loadData(ctx, j.cfg, j.log)
	if err != nil {
		return nil, "", err
	}
	for _, n := range a.Diagnostics.Notes {
		j.log.Warn(n)
	}

	doc := report.Build(a, report.GeneratedAt(a.NewestModTime))
	md := report.RenderMarkdown(doc, j.renderOpts)

	out := j.cfg.OutputPath()
	if out == "-" {
		if _, err := io.WriteString(os.Stdout, md); err != nil {
			return nil, "", fmt.Errorf("writing report: %w", err)
		}
	} else {
		if err := writeFile(out, func(w io.Writer) error {
			_, err := io.WriteString(w, md)
			return err
		}); err != nil {
			return nil, "", fmt.Errorf("writing report: %w", err)
		}
		j.log.Info("report written", "path", out, "sessions", doc.Statistics.TotalSessions, "events", doc.Statistics.TotalEvents)
	}

	if flagExport != "" {
		if err := writeFile(flagExport, func(w io.Writer) error {
			return report.WriteExport(w, doc, j.exportFmt)
		}); err != nil {
			return nil, "", fmt.Errorf("writing export: %w", err)
		}
		j.log.Info("export written", "path", flagExport, "format", j.exportFmt)
	}

	if flagHTML != "" {
		page, err := report.RenderHTML(md, "Telemetry Report: "+doc.Source)
		if err != nil {
			return nil, "", err
		}
		if err := writeFile(flagHTML, func(w io.Writer) error {
			_, err := io.WriteString(w, page)
			return err
		}); err != nil {
			return nil, "", fmt.Errorf("writing html: %w", err)
		}
		j.log.Info("html written", "path", flagHTML)
	}

	if flagSQLite != "" {
		id, err := saveRun(ctx, flagSQLite, doc)
		if err != nil {
			return nil, "", err
		}
		j.log.Info("run saved", "db", flagSQLite, "run_id", id)
	}

	if j.publisher != nil {
		j.publisher.Publish(ctx, doc)
	}

	if d := doc.Diagnostics; d.HasIssues() && !flagQuiet {
		fmt.Fprintf(os.Stderr, "  %d lines skipped, %d unreadable files (see Data Quality)\n", d.SkippedLines, d.FileErrors)
	}
	return doc, md, nil
}

func saveRun(ctx context.Context, dbPath string, doc *report.Document) (string, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return "", err
	}
	defer func() { _ = db.Close() }()
	id, err := db.SaveRun(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("saving run to %s: %w", dbPath, err)
	}
	return id, nil
}

// writeFile writes through a temp file and renames it into place.
func writeFile(path string, write func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil { //nolint:gosec // reports are meant to be shared
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (j reportJob) display(out io.Writer, doc *report.Document, md string) error {
	mode := j.cfg.Display.Mode
	if mode == config.DisplayAuto {
		mode = config.DisplayPlain
		if cli.IsTerminal(out) {
			mode = config.DisplayPager
		}
	}

	switch mode {
	case config.DisplayNone:
		return nil
	case config.DisplayPager:
		return runPager(doc, md, j.cfg.Display.Theme)
	}
	return cli.WriteMarkdown(out, md)
}

func runPager(doc *report.Document, md, themeName string) error {
	theme.SetActive(themeName)
	lipgloss.SetColorProfile(termenv.TrueColor)

	app := tui.NewLoadedApp(doc, md)
	if _, err := tea.NewProgram(app, tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("pager error: %w", err)
	}
	return nil
}

func (j reportJob) watch(ctx context.Context) error {
	root := j.cfg.General.DataDir
	if fi, err := os.Stat(root); err == nil && !fi.IsDir() {
		root = filepath.Dir(root)
	}
	outputs := outputPaths(j.cfg)

	if !flagQuiet {
		fmt.Fprintf(os.Stderr, "  Watching %s (ctrl+c to stop)\n", root)
	}
	err := watch.Watch(ctx, root, watch.DefaultDebounce, j.log, func(ctx context.Context) {
		if _, _, err := j.generate(ctx); err != nil {
			j.log.Error("regenerating report", "err", err)
		}
	}, outputs...)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// outputPaths lists the files a report run writes, so analysis and watching
// never mistake them for input.
func outputPaths(cfg config.Config) []string {
	var out []string
	for _, p := range []string{cfg.OutputPath(), flagExport, flagHTML, flagSQLite} {
		if p == "" || p == "-" {
			continue
		}
		out = append(out, p)
		if p == flagSQLite {
			out = append(out, p+"-wal", p+"-shm", p+"-journal")
		}
	}
	return out
}

func formatNumber(n int64) string {
	return cli.FormatNumber(n)
}
