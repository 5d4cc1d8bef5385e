package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/telreport/internal/cli"
	"github.com/theirongolddev/telreport/internal/report"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Executive statistics as a terminal table",
	Args:  cobra.NoArgs,
	RunE:  runSummary,
}

func init() {
	rootCmd.AddCommand(summaryCmd)
}

// buildDocument runs the analysis and builds the report document without writing any files.
func buildDocument(c *cobra.Command) (*report.Document, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := loadData(c.Context(), cfg, newLogger())
	if err != nil {
		return nil, err
	}
	return report.Build(a, report.GeneratedAt(a.NewestModTime)), nil
}

func runSummary(c *cobra.Command, _ []string) error {
	doc, err := buildDocument(c)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("TELEMETRY SUMMARY  " + doc.Source))
	fmt.Println()
	fmt.Print(cli.RenderTable(cli.SummaryTable(doc)))

	if doc.Diagnostics.FileErrors > 0 {
		fmt.Fprintf(os.Stderr, "\n  %d files could not be parsed\n", doc.Diagnostics.FileErrors)
	}
	for _, n := range doc.Diagnostics.Notes {
		fmt.Fprintln(os.Stderr, "  "+cli.RenderWarning(n))
	}
	return nil
}
