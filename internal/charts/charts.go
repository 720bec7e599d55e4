// Package charts finds interactive chart specifications embedded in notebook
// outputs and renders each one as a standalone HTML document.
package charts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/starford/nbfolio/internal/apperr"
	"github.com/starford/nbfolio/internal/notebook"
)

// Kind is a recognized chart serialization.
type Kind string

const (
	KindPlotly   Kind = "plotly"
	KindVegaLite Kind = "vega-lite"
)

// MIME types searched for, in priority order within one output bundle.
const (
	MIMEPlotly     = "application/vnd.plotly.v1+json"
	MIMEVegaLiteV5 = "application/vnd.vegalite.v5+json"
	MIMEVegaLiteV4 = "application/vnd.vegalite.v4+json"
	MIMEVegaLiteV3 = "application/vnd.vegalite.v3+json"
)

var mimeKinds = []struct {
	mime string
	kind Kind
}{
	{MIMEPlotly, KindPlotly},
	{MIMEVegaLiteV5, KindVegaLite},
	{MIMEVegaLiteV4, KindVegaLite},
	{MIMEVegaLiteV3, KindVegaLite},
}

// vegaLiteRoots are the top-level keys of which a vega-lite spec has at least one.
var vegaLiteRoots = []string{"mark", "layer", "concat", "hconcat", "vconcat", "facet", "repeat"}

var outputsExpr = jp.MustParseString("$.outputs[*]")

// Chart is one chart specification found in a notebook.
type Chart struct {
	Notebook string         `json:"notebook"` // stem of the source notebook
	Position int            `json:"position"` // 1-based among charts of the notebook
	Cell     int            `json:"cell"`     // 0-based cell index
	Output   int            `json:"output"`   // 0-based output index within the cell
	Kind     Kind           `json:"kind"`
	MIME     string         `json:"mime"`
	Spec     map[string]any `json:"-"`
}

// Discover returns the charts of nb in cell and output order. Bundles whose
// chart entry cannot be decoded are skipped and logged; they never fail the
// scan.
func Discover(stem string, nb *notebook.Notebook, logger *slog.Logger) []Chart {
	if logger == nil {
		logger = slog.Default()
	}
	var out []Chart
	for i, c := range nb.Cells {
		if c.Type() != notebook.CellCode {
			continue
		}
		j := -1
		for _, o := range outputsExpr.Get(map[string]any(c)) {
			output, ok := o.(map[string]any)
			if !ok {
				continue
			}
			j++
			bundle, ok := output["data"].(map[string]any)
			if !ok {
				continue
			}
			chart, err := fromBundle(bundle)
			if err != nil {
				logger.Debug("charts: skipped output",
					slog.String("notebook", stem),
					slog.Int("cell", i),
					slog.String("error", err.Error()))
				continue
			}
			if chart == nil {
				continue
			}
			chart.Notebook = stem
			chart.Position = len(out) + 1
			chart.Cell = i
			chart.Output = j
			out = append(out, *chart)
		}
	}
	return out
}

// fromBundle returns the first usable chart of a MIME bundle in priority
// order, nil when the bundle carries no chart MIME type, or an
// apperr.ErrUnsupported error when every chart entry it carries is unusable.
func fromBundle(bundle map[string]any) (*Chart, error) {
	var firstErr error
	for _, mk := range mimeKinds {
		raw, ok := bundle[mk.mime]
		if !ok {
			continue
		}
		spec, err := decodeSpec(raw)
		if err == nil && !valid(mk.kind, spec) {
			err = fmt.Errorf("not a %s specification", mk.kind)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %s: %v", apperr.ErrUnsupported, mk.mime, err)
			}
			continue
		}
		return &Chart{Kind: mk.kind, MIME: mk.mime, Spec: spec}, nil
	}
	return nil, firstErr
}

// decodeSpec accepts the spec as an object or as a JSON string holding one.
func decodeSpec(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case string:
		var m map[string]any
		dec := json.NewDecoder(strings.NewReader(v))
		dec.UseNumber()
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("unexpected %T payload", raw)
}

func valid(kind Kind, spec map[string]any) bool {
	switch kind {
	case KindPlotly:
		_, ok := spec["data"].([]any)
		return ok
	case KindVegaLite:
		for _, k := range vegaLiteRoots {
			if _, ok := spec[k]; ok {
				return true
			}
		}
	}
	return false
}

// IsChartMIME reports whether mime carries an interactive chart
// specification, recognized or not.
func IsChartMIME(mime string) bool {
	return mime == MIMEPlotly ||
		(strings.HasPrefix(mime, "application/vnd.vegalite.") && strings.HasSuffix(mime, "+json")) ||
		(strings.HasPrefix(mime, "application/vnd.vega.") && strings.HasSuffix(mime, "+json"))
}

// OwnTitle returns the title stored in the chart specification, or "".
func (c Chart) OwnTitle() string {
	var t any
	switch c.Kind {
	case KindPlotly:
		if layout, ok := c.Spec["layout"].(map[string]any); ok {
			t = layout["title"]
		}
	case KindVegaLite:
		t = c.Spec["title"]
	}
	switch v := t.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		s, _ := v["text"].(string)
		return strings.TrimSpace(s)
	}
	return ""
}

// Responsive returns a deep copy of the spec with fixed dimensions removed
// so the chart fills its iframe.
func (c Chart) Responsive() map[string]any {
	spec := notebook.Clone(c.Spec).(map[string]any)
	switch c.Kind {
	case KindPlotly:
		layout, ok := spec["layout"].(map[string]any)
		if !ok {
			break
		}
		delete(layout, "width")
		delete(layout, "height")
		layout["autosize"] = true
		layout["margin"] = map[string]any{"l": 50, "r": 30, "t": 80, "b": 50}
	case KindVegaLite:
		spec["width"] = "container"
		delete(spec, "height")
		spec["autosize"] = map[string]any{"type": "fit", "contains": "padding"}
	}
	return spec
}
