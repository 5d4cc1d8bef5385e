// Package config loads and saves the telreport TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/theirongolddev/telreport/internal/classify"
)

// Config holds all telreport configuration.
type Config struct {
	General  GeneralConfig  `toml:"general"`
	Report   ReportConfig   `toml:"report"`
	Display  DisplayConfig  `toml:"display"`
	Serve    ServeConfig    `toml:"serve"`
	OTLP     OTLPConfig     `toml:"otlp"`
	Classify ClassifyConfig `toml:"classify"`
}

// GeneralConfig holds input and output locations.
type GeneralConfig struct {
	DataDir      string `toml:"data_dir"`
	Output       string `toml:"output,omitempty"`
	ExportFormat string `toml:"export_format"`
	Workers      int    `toml:"workers"`
}

// ReportConfig holds rendering options.
type ReportConfig struct {
	RawDump          bool `toml:"raw_dump"`
	RawDumpLimit     int  `toml:"raw_dump_limit"`
	RawBucketSeconds int  `toml:"raw_bucket_seconds"`
}

// DisplayConfig holds terminal display settings.
type DisplayConfig struct {
	Mode  string `toml:"mode"` // auto | pager | plain | none
	Theme string `toml:"theme"`
}

// ServeConfig holds HTTP service settings.
type ServeConfig struct {
	Addr               string   `toml:"addr"`
	RefreshIntervalSec int      `toml:"refresh_interval_sec"`
	CORSOrigins        []string `toml:"cors_origins"`
}

// OTLPConfig holds the metrics exporter target. An empty endpoint disables publishing.
type OTLPConfig struct {
	Endpoint string `toml:"endpoint,omitempty"`
	Insecure bool   `toml:"insecure"`
}

// ClassifyConfig holds user classification rules.
type ClassifyConfig struct {
	MetricRules []MetricRuleConfig `toml:"metric_rules,omitempty"`
}

// MetricRuleConfig maps metric names matching a regular expression to an event kind.
type MetricRuleConfig struct {
	Name  string `toml:"name,omitempty"`
	Match string `toml:"match"`
	Kind  string `toml:"kind"`
}

// Display modes.
const (
	DisplayAuto  = "auto"
	DisplayPager = "pager"
	DisplayPlain = "plain"
	DisplayNone  = "none"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		General: GeneralConfig{
			DataDir:      "./telemetry-data",
			ExportFormat: "json",
		},
		Report: ReportConfig{
			RawDumpLimit:     50,
			RawBucketSeconds: 1,
		},
		Display: DisplayConfig{
			Mode:  DisplayAuto,
			Theme: "flexoki-dark",
		},
		Serve: ServeConfig{
			Addr:               "127.0.0.1:8787",
			RefreshIntervalSec: 30,
			CORSOrigins:        []string{"*"},
		},
		OTLP: OTLPConfig{
			Insecure: true,
		},
	}
}

// ConfigDir returns the XDG-compliant config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "telreport")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "telreport")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads the config file, returning defaults if it doesn't exist.
func Load() (Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the config file at path, returning defaults if it doesn't exist.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes the config to the default path.
func Save(cfg Config) error {
	return SaveTo(ConfigPath(), cfg)
}

// SaveTo writes the config to path.
func SaveTo(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	return enc.Encode(cfg)
}

// Exists returns true if a config file exists on disk.
func Exists() bool {
	_, err := os.Stat(ConfigPath())
	return err == nil
}

// Validate checks enumerated values and user rules.
func (c Config) Validate() error {
	switch c.Display.Mode {
	case DisplayAuto, DisplayPager, DisplayPlain, DisplayNone:
	default:
		return fmt.Errorf("display.mode %q: want auto, pager, plain or none", c.Display.Mode)
	}
	if c.General.Workers < 0 {
		return fmt.Errorf("general.workers must not be negative")
	}
	if _, err := c.Classifier(); err != nil {
		return err
	}
	return nil
}

// Classifier returns the default classifier with the user's metric rules in front.
func (c Config) Classifier() (*classify.Classifier, error) {
	base := classify.Default()
	if len(c.Classify.MetricRules) == 0 {
		return base, nil
	}
	rules := make([]classify.MetricRule, 0, len(c.Classify.MetricRules))
	for _, r := range c.Classify.MetricRules {
		rule, err := classify.NewMetricRule(r.Name, r.Match, r.Kind)
		if err != nil {
			return nil, fmt.Errorf("classify: %w", err)
		}
		rules = append(rules, rule)
	}
	return base.WithMetricRules(rules...), nil
}

// WorkerCount resolves the configured worker count; 0 means GOMAXPROCS.
func (c Config) WorkerCount() int {
	if c.General.Workers > 0 {
		return c.General.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// RawBucket returns the raw-log suppression bucket width.
func (c Config) RawBucket() time.Duration {
	if c.Report.RawBucketSeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.Report.RawBucketSeconds) * time.Second
}

// RefreshInterval returns the service refresh interval.
func (c Config) RefreshInterval() time.Duration {
	if c.Serve.RefreshIntervalSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Serve.RefreshIntervalSec) * time.Second
}

// OutputPath returns the report path, defaulting to <data_dir>/telemetry-report.md.
func (c Config) OutputPath() string {
	if c.General.Output != "" {
		return c.General.Output
	}
	return filepath.Join(c.General.DataDir, "telemetry-report.md")
}
