// Package cmd implements the telreport CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/telreport/internal/config"
	"github.com/theirongolddev/telreport/internal/pipeline"
)

var (
	flagConfig  string
	flagDataDir string
	flagSubPath string
	flagWorkers int
	flagVerbose bool
	flagQuiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "telreport [report]",
	Short: "AI agent telemetry report builder",
	Long: "Reconstruct per-session conversation flows from agent telemetry files\n" +
		"(metrics, interactions, session info, raw logs) and render a markdown report.",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runReport,
}

// Execute is the main entry point called from main.go.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default "+config.ConfigPath()+")")
	rootCmd.PersistentFlags().StringVarP(&flagDataDir, "data-dir", "d", "", "Telemetry root directory or .tar.gz archive")
	rootCmd.PersistentFlags().StringVar(&flagSubPath, "subpath", "", "Restrict analysis to a sub-path of the data dir")
	rootCmd.PersistentFlags().IntVar(&flagWorkers, "workers", 0, "Parser workers (0 = config or GOMAXPROCS)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Log per-file diagnostics")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress progress and log output")

	registerReportFlags(rootCmd)
}

// loadConfig reads the config file and applies the persistent flag overrides.
func loadConfig() (config.Config, error) {
	path := flagConfig
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return cfg, err
	}
	if flagDataDir != "" {
		cfg.General.DataDir = flagDataDir
	}
	if flagWorkers > 0 {
		cfg.General.Workers = flagWorkers
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	if flagQuiet {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func pipelineOptions(cfg config.Config, log *slog.Logger) (pipeline.Options, error) {
	classifier, err := cfg.Classifier()
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		DataDir:    cfg.General.DataDir,
		SubPath:    flagSubPath,
		Workers:    cfg.WorkerCount(),
		Classifier: classifier,
		RawBucket:  cfg.RawBucket(),
		Logger:     log,
		Exclude:    outputPaths(cfg),
	}, nil
}

// loadData is the shared analysis path used by all commands.
func loadData(ctx context.Context, cfg config.Config, log *slog.Logger) (*pipeline.Analysis, error) {
	opts, err := pipelineOptions(cfg, log)
	if err != nil {
		return nil, err
	}
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, "  Scanning %s...\n", cfg.General.DataDir)
		opts.Progress = func(current, total int) {
			if current%100 == 0 || current == total {
				fmt.Fprintf(os.Stderr, "\r  Parsing [%d/%d]", current, total)
			}
		}
	}

	a, err := pipeline.Analyze(ctx, opts)
	if err != nil {
		if !flagQuiet {
			fmt.Fprintln(os.Stderr)
		}
		if errors.Is(err, pipeline.ErrInputNotFound) {
			return nil, fmt.Errorf("no telemetry to report on: %w", err)
		}
		return nil, err
	}

	if !flagQuiet {
		fmt.Fprintf(os.Stderr, "\r  Parsed %s files into %s sessions    \n",
			formatNumber(int64(a.Diagnostics.FilesParsed)),
			formatNumber(int64(len(a.Sessions))),
		)
	}
	return a, nil
}
