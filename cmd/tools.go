package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/telreport/internal/cli"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Tool, command and MCP server usage",
	Args:  cobra.NoArgs,
	RunE:  runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(c *cobra.Command, _ []string) error {
	doc, err := buildDocument(c)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle(fmt.Sprintf("TOOL USAGE  %s calls", formatNumber(int64(doc.Statistics.ToolInteractionCount)))))
	fmt.Println()
	fmt.Print(cli.RenderTable(cli.ToolsTable(doc)))
	if len(doc.Statistics.MCPServerUsage) > 0 {
		fmt.Println()
		fmt.Print(cli.RenderTable(cli.ServersTable(doc)))
	}
	return nil
}
