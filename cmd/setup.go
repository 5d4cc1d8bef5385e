package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/telreport/internal/config"
	"github.com/theirongolddev/telreport/internal/source"
	"github.com/theirongolddev/telreport/internal/tui"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive configuration wizard",
	Args:  cobra.NoArgs,
	RunE:  runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetup(_ *cobra.Command, _ []string) error {
	path := flagConfig
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return err
	}
	if flagDataDir != "" {
		cfg.General.DataDir = flagDataDir
	}

	fmt.Println()
	fmt.Println("  Welcome to telreport!")
	fmt.Println()
	if res, err := source.ScanDir(cfg.General.DataDir); err == nil && len(res.Files) > 0 {
		fmt.Printf("  Found %s telemetry files in %s\n\n", formatNumber(int64(len(res.Files))), cfg.General.DataDir)
	}

	cfg, ok, err := tui.RunSetup(cfg)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("  Setup cancelled; nothing saved.")
		return nil
	}

	if err := config.SaveTo(path, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Println()
	fmt.Printf("  Saved to %s\n", path)
	fmt.Println("  Run `telreport setup` anytime to reconfigure.")
	fmt.Println()
	return nil
}
