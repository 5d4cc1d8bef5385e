package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/telreport/internal/cli"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Session list with details",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var sessionsLimit int

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "l", 0, "Number of sessions to show (0 = all)")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(c *cobra.Command, _ []string) error {
	doc, err := buildDocument(c)
	if err != nil {
		return err
	}

	total := len(doc.Sessions)
	if sessionsLimit > 0 && total > sessionsLimit {
		doc.Sessions = doc.Sessions[:sessionsLimit]
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle(fmt.Sprintf("SESSIONS  (showing %d of %d)", len(doc.Sessions), total)))
	fmt.Println()
	fmt.Print(cli.RenderTable(cli.SessionsTable(doc)))

	if n := doc.Statistics.UnassignedEvents; n > 0 {
		fmt.Println(cli.RenderMuted(fmt.Sprintf("  %d events could not be attributed to a session", n)))
	}
	return nil
}
