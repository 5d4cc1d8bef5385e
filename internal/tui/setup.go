package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/theirongolddev/telreport/internal/config"
	"github.com/theirongolddev/telreport/internal/tui/theme"
)

// SetupValues holds the editable subset of the config while the form runs.
type SetupValues struct {
	DataDir      string
	ExportFormat string
	DisplayMode  string
	Theme        string
	RawDump      bool
	RawLimit     string
	ServeAddr    string
	OTLPEndpoint string
}

// SetupValuesFrom copies the form fields out of cfg.
func SetupValuesFrom(cfg config.Config) SetupValues {
	return SetupValues{
		DataDir:      cfg.General.DataDir,
		ExportFormat: cfg.General.ExportFormat,
		DisplayMode:  cfg.Display.Mode,
		Theme:        cfg.Display.Theme,
		RawDump:      cfg.Report.RawDump,
		RawLimit:     strconv.Itoa(cfg.Report.RawDumpLimit),
		ServeAddr:    cfg.Serve.Addr,
		OTLPEndpoint: cfg.OTLP.Endpoint,
	}
}

// Apply writes the form values into cfg.
func (v SetupValues) Apply(cfg config.Config) (config.Config, error) {
	limit, err := strconv.Atoi(strings.TrimSpace(v.RawLimit))
	if err != nil || limit < 0 {
		return cfg, fmt.Errorf("raw dump limit %q: want a non-negative number", v.RawLimit)
	}
	cfg.General.DataDir = strings.TrimSpace(v.DataDir)
	cfg.General.ExportFormat = v.ExportFormat
	cfg.Display.Mode = v.DisplayMode
	cfg.Display.Theme = v.Theme
	cfg.Report.RawDump = v.RawDump
	cfg.Report.RawDumpLimit = limit
	cfg.Serve.Addr = strings.TrimSpace(v.ServeAddr)
	cfg.OTLP.Endpoint = strings.TrimSpace(v.OTLPEndpoint)
	return cfg, cfg.Validate()
}

func validateLimit(s string) error {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err != nil || n < 0 {
		return errors.New("enter a non-negative number")
	}
	return nil
}

func newSetupForm(vals *SetupValues) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Telemetry data directory").
				Description("Root that holds metrics, interactions and session-info files.").
				Value(&vals.DataDir),
			huh.NewSelect[string]().
				Title("Default export format").
				Options(huh.NewOptions("json", "yaml", "cbor")...).
				Value(&vals.ExportFormat),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Display after generating").
				Options(huh.NewOptions(config.DisplayAuto, config.DisplayPager, config.DisplayPlain, config.DisplayNone)...).
				Value(&vals.DisplayMode),
			huh.NewSelect[string]().
				Title("Color theme").
				Options(huh.NewOptions(theme.Names()...)...).
				Value(&vals.Theme),
			huh.NewConfirm().
				Title("Append raw event dump to reports?").
				Value(&vals.RawDump),
			huh.NewInput().
				Title("Raw dump limit (0 = all)").
				Validate(validateLimit).
				Value(&vals.RawLimit),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Service listen address").
				Value(&vals.ServeAddr),
			huh.NewInput().
				Title("OTLP collector endpoint").
				Description("host:port; leave blank to disable publishing.").
				Value(&vals.OTLPEndpoint),
		),
	)
}

// RunSetup runs the setup form over cfg. It returns the updated config and
// false when the user aborted.
func RunSetup(cfg config.Config) (config.Config, bool, error) {
	vals := SetupValuesFrom(cfg)
	if err := newSetupForm(&vals).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return cfg, false, nil
		}
		return cfg, false, fmt.Errorf("running setup form: %w", err)
	}
	out, err := vals.Apply(cfg)
	if err != nil {
		return cfg, false, err
	}
	theme.SetActive(out.Display.Theme)
	return out, true, nil
}
