package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/telreport/internal/cli"
	"github.com/theirongolddev/telreport/internal/report"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Discovered input files with per-file diagnostics",
	Args:  cobra.NoArgs,
	RunE:  runFiles,
}

func init() {
	rootCmd.AddCommand(filesCmd)
}

func runFiles(c *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := loadData(c.Context(), cfg, newLogger())
	if err != nil {
		return err
	}
	doc := report.Build(a, report.GeneratedAt(a.NewestModTime))
	d := doc.Diagnostics

	fmt.Println()
	fmt.Println(cli.RenderTitle(fmt.Sprintf("FILES  %d parsed, %d ignored, %d unreadable",
		d.FilesParsed, d.FilesIgnored, d.FileErrors)))
	fmt.Println()
	fmt.Print(cli.RenderTable(cli.FilesTable(a.Files, d)))
	if a.InputDigest != "" {
		fmt.Println(cli.RenderMuted("  input digest " + a.InputDigest))
	}
	return nil
}
