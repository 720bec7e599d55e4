package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/nbfolio/internal/charts"
	"github.com/starford/nbfolio/internal/pipeline"
	"github.com/starford/nbfolio/internal/render"
	"github.com/starford/nbfolio/internal/strip"
)

// Log formats.
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Paths   PathsConfig       `yaml:"paths"`
	Ledger  LedgerConfig      `yaml:"ledger"`
	Strip   StripConfig       `yaml:"strip"`
	Charts  ChartsConfig      `yaml:"charts"`
	Render  RenderConfig      `yaml:"render"`
	Preview PreviewConfig     `yaml:"preview"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.App),
		validation.Field(&c.Paths),
		validation.Field(&c.Strip),
		validation.Field(&c.Charts),
		validation.Field(&c.Render),
		validation.Field(&c.Preview),
	)
}

// PipelineOptions converts the conversion sections into pipeline options.
func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		Strip: strip.Options{
			Mode:                 strip.Mode(c.Strip.Mode),
			MaxOutputBytes:       c.Strip.MaxOutputBytes,
			DropCharts:           c.Strip.DropCharts,
			ClearExecutionCounts: c.Strip.ClearExecutionCounts,
			DropWidgetState:      c.Strip.DropWidgetState,
			DropCellTimings:      c.Strip.DropCellTimings,
		},
		Charts: charts.Options{
			PlotlyJS:    c.Charts.PlotlyJS,
			VegaJS:      c.Charts.VegaJS,
			VegaLiteJS:  c.Charts.VegaLiteJS,
			VegaEmbedJS: c.Charts.VegaEmbedJS,
			Catalog:     c.Charts.Catalog,
		},
		Render: render.Options{
			Style:        c.Render.Style,
			Language:     c.Render.Language,
			ChartBaseURL: c.Render.ChartBaseURL,
		},
		RenderEnabled: c.Render.Enabled,
	}
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel  slog.Level `yaml:"log_level"`
	LogFormat string     `yaml:"log_format"`
}

// Validate validates the application configuration.
func (c ApplicationConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.LogFormat, validation.In(LogFormatJSON, LogFormatText)),
	)
}

// PathsConfig holds the notebook directory convention.
type PathsConfig struct {
	SourceDir    string `yaml:"source_dir"`
	ProcessedDir string `yaml:"processed_dir"`
	PlotsDir     string `yaml:"plots_dir"`
}

// Validate validates the paths configuration. Output directories must lie
// outside source_dir, or sync would read its own outputs back as sources.
func (c PathsConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.SourceDir, validation.Required),
		validation.Field(&c.ProcessedDir, validation.Required, validation.By(c.outsideSource)),
		validation.Field(&c.PlotsDir, validation.Required, validation.By(c.outsideSource)),
	)
}

func (c PathsConfig) outsideSource(value any) error {
	dir, _ := value.(string)
	if dir == "" || c.SourceDir == "" {
		return nil
	}
	src, err := filepath.Abs(c.SourceDir)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(src, abs)
	if err != nil {
		return nil
	}
	switch {
	case rel == ".":
		return errors.New("must differ from source_dir")
	case rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)):
		return errors.New("must not be inside source_dir")
	}
	return nil
}

// LedgerConfig holds the SQLite ledger location. An empty path disables it.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// Enabled reports whether the ledger is configured.
func (c LedgerConfig) Enabled() bool {
	return c.Path != ""
}

// StripConfig holds the notebook converter options.
type StripConfig struct {
	Mode                 string `yaml:"mode"`
	MaxOutputBytes       int    `yaml:"max_output_bytes"`
	DropCharts           bool   `yaml:"drop_charts"`
	ClearExecutionCounts bool   `yaml:"clear_execution_counts"`
	DropWidgetState      bool   `yaml:"drop_widget_state"`
	DropCellTimings      bool   `yaml:"drop_cell_timings"`
}

// Validate validates the strip configuration.
func (c StripConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Mode, validation.Required, validation.In(string(strip.ModeLarge), string(strip.ModeAll))),
		validation.Field(&c.MaxOutputBytes, validation.Min(1)),
	)
}

var chartNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ChartsConfig holds the chart exporter options.
//
// Catalog maps a notebook stem to the name and title of each of its charts,
// in chart order. Charts past the end of the list, or entries with an empty
// name, fall back to <stem>-chart-<n>.html.
type ChartsConfig struct {
	PlotlyJS    string                           `yaml:"plotly_js"`
	VegaJS      string                           `yaml:"vega_js"`
	VegaLiteJS  string                           `yaml:"vega_lite_js"`
	VegaEmbedJS string                           `yaml:"vega_embed_js"`
	Catalog     map[string][]charts.CatalogEntry `yaml:"catalog"`
}

// Validate validates the charts configuration.
func (c ChartsConfig) Validate() error {
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.PlotlyJS, is.RequestURL),
		validation.Field(&c.VegaJS, is.RequestURL),
		validation.Field(&c.VegaLiteJS, is.RequestURL),
		validation.Field(&c.VegaEmbedJS, is.RequestURL),
	); err != nil {
		return err
	}
	seen := make(map[string]string)
	for stem, entries := range c.Catalog {
		for i, e := range entries {
			if e.Name == "" {
				continue
			}
			if !chartNameRe.MatchString(e.Name) {
				return fmt.Errorf("charts: catalog %s[%d]: invalid name %q", stem, i, e.Name)
			}
			name := strings.TrimSuffix(e.Name, ".html")
			if prev, dup := seen[name]; dup {
				return fmt.Errorf("charts: catalog name %q used by both %s and %s[%d]", name, prev, stem, i)
			}
			seen[name] = fmt.Sprintf("%s[%d]", stem, i)
		}
	}
	return nil
}

// RenderConfig holds the notebook page renderer options. ChartBaseURL is
// where rendered pages link exported charts.
type RenderConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Style        string `yaml:"style"`
	Language     string `yaml:"language"`
	ChartBaseURL string `yaml:"chart_base_url"`
}

// Validate validates the render configuration.
func (c RenderConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Style, validation.Required),
	)
}

// PreviewConfig holds the preview server configuration.
type PreviewConfig struct {
	HTTP           HTTPConfig    `yaml:"http"`
	ReloadThrottle time.Duration `yaml:"reload_throttle"`
}

// Validate validates the preview configuration.
func (c PreviewConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.HTTP),
		validation.Field(&c.ReloadThrottle, validation.Min(time.Duration(0))),
	)
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c HTTPConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	so := strip.DefaultOptions()
	co := charts.DefaultOptions()
	ro := render.DefaultOptions()
	return &Config{
		App: ApplicationConfig{
			LogLevel:  slog.LevelInfo,
			LogFormat: LogFormatJSON,
		},
		Paths: PathsConfig{
			SourceDir:    "./notebooks",
			ProcessedDir: "./content/notebooks",
			PlotsDir:     "./static/plots",
		},
		Ledger: LedgerConfig{
			Path: "./.nbfolio/ledger.db",
		},
		Strip: StripConfig{
			Mode:                 string(so.Mode),
			MaxOutputBytes:       so.MaxOutputBytes,
			DropCharts:           so.DropCharts,
			ClearExecutionCounts: so.ClearExecutionCounts,
			DropWidgetState:      so.DropWidgetState,
			DropCellTimings:      so.DropCellTimings,
		},
		Charts: ChartsConfig{
			PlotlyJS:    co.PlotlyJS,
			VegaJS:      co.VegaJS,
			VegaLiteJS:  co.VegaLiteJS,
			VegaEmbedJS: co.VegaEmbedJS,
		},
		Render: RenderConfig{
			Style:        ro.Style,
			Language:     ro.Language,
			ChartBaseURL: ro.ChartBaseURL,
		},
		Preview: PreviewConfig{
			HTTP:           HTTPConfig{Port: 8090},
			ReloadThrottle: time.Second,
		},
	}
}
