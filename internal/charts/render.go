package charts

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"regexp"
	"strings"
)

//go:embed templates/*.html.tmpl
var templateFS embed.FS

var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html.tmpl"))

// Default script locations.
const (
	DefaultPlotlyJS    = "https://cdn.plot.ly/plotly-2.27.0.min.js"
	DefaultVegaJS      = "https://cdn.jsdelivr.net/npm/vega@5"
	DefaultVegaLiteJS  = "https://cdn.jsdelivr.net/npm/vega-lite@5"
	DefaultVegaEmbedJS = "https://cdn.jsdelivr.net/npm/vega-embed@6"
)

var safeNameRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// CatalogEntry names one chart of a notebook by position.
type CatalogEntry struct {
	Name  string `yaml:"name" json:"name"`
	Title string `yaml:"title" json:"title"`
}

// Options controls naming and page rendering.
type Options struct {
	PlotlyJS    string
	VegaJS      string
	VegaLiteJS  string
	VegaEmbedJS string
	// Catalog maps a notebook stem to its charts in position order.
	Catalog map[string][]CatalogEntry
}

// DefaultOptions returns options pointing at the public CDNs.
func DefaultOptions() Options {
	return Options{
		PlotlyJS:    DefaultPlotlyJS,
		VegaJS:      DefaultVegaJS,
		VegaLiteJS:  DefaultVegaLiteJS,
		VegaEmbedJS: DefaultVegaEmbedJS,
	}
}

// Page is a rendered chart document.
type Page struct {
	Chart   Chart
	Name    string // file name, including .html
	Title   string
	Content []byte
}

func (o Options) entry(c Chart) (CatalogEntry, bool) {
	entries := o.Catalog[c.Notebook]
	if c.Position < 1 || c.Position > len(entries) {
		return CatalogEntry{}, false
	}
	return entries[c.Position-1], true
}

// FileName returns the deterministic output file name of c.
func (o Options) FileName(c Chart) string {
	if e, ok := o.entry(c); ok && e.Name != "" {
		return strings.TrimSuffix(e.Name, ".html") + ".html"
	}
	stem := strings.Trim(safeNameRe.ReplaceAllString(c.Notebook, "-"), "-")
	if stem == "" {
		stem = "notebook"
	}
	return fmt.Sprintf("%s-chart-%d.html", stem, c.Position)
}

// Title returns the catalogue title, the chart's own title, or "Chart <n>".
func (o Options) Title(c Chart) string {
	if e, ok := o.entry(c); ok && e.Title != "" {
		return e.Title
	}
	if t := c.OwnTitle(); t != "" {
		return t
	}
	return fmt.Sprintf("Chart %d", c.Position)
}

type pageData struct {
	Title       string
	Figure      map[string]any
	PlotlyJS    string
	VegaJS      string
	VegaLiteJS  string
	VegaEmbedJS string
}

// Render renders c as a standalone HTML document.
func (o Options) Render(c Chart) (*Page, error) {
	def := DefaultOptions()
	data := pageData{
		Title:       o.Title(c),
		Figure:      c.Responsive(),
		PlotlyJS:    firstNonEmpty(o.PlotlyJS, def.PlotlyJS),
		VegaJS:      firstNonEmpty(o.VegaJS, def.VegaJS),
		VegaLiteJS:  firstNonEmpty(o.VegaLiteJS, def.VegaLiteJS),
		VegaEmbedJS: firstNonEmpty(o.VegaEmbedJS, def.VegaEmbedJS),
	}

	name := "plotly.html.tmpl"
	if c.Kind == KindVegaLite {
		name = "vegalite.html.tmpl"
	}

	var buf bytes.Buffer
	if err := pageTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("charts: render %s #%d: %w", c.Notebook, c.Position, err)
	}
	return &Page{
		Chart:   c,
		Name:    o.FileName(c),
		Title:   data.Title,
		Content: buf.Bytes(),
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
