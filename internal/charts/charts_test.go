package charts

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/gkampitakis/go-snaps/snaps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/nbfolio/internal/notebook"
)

func TestMain(m *testing.M) {
	v := m.Run()
	snaps.Clean(m)
	os.Exit(v)
}

const plotlyFigure = `{"data": [{"type": "scatter", "x": [1, 2, 3], "y": [2.5, 3.5, 1.25]}], "layout": {"title": {"text": "Energy sold"}, "width": 900, "height": 500}}`

// notebookWith builds a notebook whose code cells carry the given MIME bundles,
// one output per bundle, plus a markdown cell up front.
func notebookWith(t *testing.T, bundles ...string) *notebook.Notebook {
	t.Helper()
	var cells []string
	cells = append(cells, `{"cell_type": "markdown", "metadata": {}, "source": "# Solar"}`)
	for _, b := range bundles {
		cells = append(cells, `{"cell_type": "code", "execution_count": 1, "metadata": {}, "source": "fig.show()", "outputs": [
			{"output_type": "stream", "name": "stdout", "text": "fitting\n"},
			{"output_type": "display_data", "metadata": {}, "data": `+b+`}
		]}`)
	}
	src := `{"nbformat": 4, "nbformat_minor": 5, "metadata": {}, "cells": [` + strings.Join(cells, ",") + `]}`
	nb, err := notebook.Parse([]byte(src))
	require.NoError(t, err)
	return nb
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestDiscover_FindsChartsInOrder(t *testing.T) {
	vega := `{"mark": "bar", "data": {"values": [{"a": 1}]}, "title": "Installs", "width": 300}`
	nb := notebookWith(t,
		`{"application/vnd.plotly.v1+json": `+plotlyFigure+`, "text/html": "<div></div>"}`,
		`{"text/plain": "no chart here"}`,
		`{"application/vnd.vegalite.v5+json": `+vega+`, "image/png": "iVBOR"}`,
	)

	got := Discover("solar-pv", nb, quietLogger())
	require.Len(t, got, 2)

	assert.Equal(t, KindPlotly, got[0].Kind)
	assert.Equal(t, 1, got[0].Position)
	assert.Equal(t, 1, got[0].Cell)
	assert.Equal(t, 1, got[0].Output, "the stream output comes first")
	assert.Equal(t, "solar-pv", got[0].Notebook)
	assert.Equal(t, "Energy sold", got[0].OwnTitle())

	assert.Equal(t, KindVegaLite, got[1].Kind)
	assert.Equal(t, 2, got[1].Position)
	assert.Equal(t, 3, got[1].Cell)
	assert.Equal(t, "Installs", got[1].OwnTitle())
}

func TestDiscover_NoCharts(t *testing.T) {
	nb := notebookWith(t, `{"text/plain": "42"}`)
	assert.Empty(t, Discover("plain", nb, quietLogger()))
}

func TestDiscover_SkipsUnsupportedEncodings(t *testing.T) {
	nb := notebookWith(t,
		`{"application/vnd.plotly.v1+json": 42}`,
		`{"application/vnd.plotly.v1+json": {"layout": {}}}`,
		`{"application/vnd.vegalite.v4+json": {"data": {}}}`,
		`{"application/vnd.plotly.v1+json": "{\"data\": [], \"layout\": {}}"}`,
	)
	got := Discover("mixed", nb, quietLogger())
	require.Len(t, got, 1, "only the string-encoded plotly figure is usable")
	assert.Equal(t, 1, got[0].Position)
	assert.Equal(t, 4, got[0].Cell)
}

func TestDiscover_FallsBackToNextMIMEType(t *testing.T) {
	nb := notebookWith(t,
		`{"application/vnd.plotly.v1+json": "{not json", "application/vnd.vegalite.v4+json": {"mark": "line"}}`,
		`{"application/vnd.plotly.v1+json": {"layout": {}}, "application/vnd.vegalite.v3+json": {"layer": []}}`,
	)
	got := Discover("fallback", nb, quietLogger())
	require.Len(t, got, 2)
	assert.Equal(t, KindVegaLite, got[0].Kind)
	assert.Equal(t, MIMEVegaLiteV4, got[0].MIME)
	assert.Equal(t, MIMEVegaLiteV3, got[1].MIME)
	assert.Equal(t, 2, got[1].Position)
}

func TestResponsive_Plotly(t *testing.T) {
	nb := notebookWith(t, `{"application/vnd.plotly.v1+json": `+plotlyFigure+`}`)
	c := Discover("nb", nb, quietLogger())[0]

	spec := c.Responsive()
	layout := spec["layout"].(map[string]any)
	assert.NotContains(t, layout, "width")
	assert.NotContains(t, layout, "height")
	assert.Equal(t, true, layout["autosize"])
	assert.Equal(t, map[string]any{"l": 50, "r": 30, "t": 80, "b": 50}, layout["margin"])

	orig := c.Spec["layout"].(map[string]any)
	assert.Contains(t, orig, "width", "source spec is untouched")
}

func TestResponsive_PlotlyWithoutLayout(t *testing.T) {
	c := Chart{Kind: KindPlotly, Spec: map[string]any{"data": []any{}}}
	assert.NotContains(t, c.Responsive(), "layout")
}

func TestResponsive_VegaLite(t *testing.T) {
	c := Chart{Kind: KindVegaLite, Spec: map[string]any{"mark": "line", "width": 400, "height": 300}}
	spec := c.Responsive()
	assert.Equal(t, "container", spec["width"])
	assert.NotContains(t, spec, "height")
}

func TestOptions_NamingAndTitles(t *testing.T) {
	opts := DefaultOptions()
	opts.Catalog = map[string][]CatalogEntry{
		"solar-pv-spain-forecast": {
			{Name: "metrics_evaluation", Title: "Metrics Evaluation"},
			{Name: "technologies_comparison.html"},
		},
	}

	first := Chart{Notebook: "solar-pv-spain-forecast", Position: 1}
	second := Chart{Notebook: "solar-pv-spain-forecast", Position: 2, Kind: KindPlotly,
		Spec: map[string]any{"layout": map[string]any{"title": "By technology"}}}
	third := Chart{Notebook: "solar-pv-spain-forecast", Position: 3}
	other := Chart{Notebook: "My Notebook (draft)", Position: 2}

	assert.Equal(t, "metrics_evaluation.html", opts.FileName(first))
	assert.Equal(t, "technologies_comparison.html", opts.FileName(second))
	assert.Equal(t, "solar-pv-spain-forecast-chart-3.html", opts.FileName(third))
	assert.Equal(t, "My-Notebook-draft-chart-2.html", opts.FileName(other))

	assert.Equal(t, "Metrics Evaluation", opts.Title(first))
	assert.Equal(t, "By technology", opts.Title(second))
	assert.Equal(t, "Chart 3", opts.Title(third))
}

func TestRender_PlotlyPageIsStandalone(t *testing.T) {
	nb := notebookWith(t, `{"application/vnd.plotly.v1+json": `+plotlyFigure+`}`)
	c := Discover("solar", nb, quietLogger())[0]

	page, err := DefaultOptions().Render(c)
	require.NoError(t, err)
	html := string(page.Content)

	assert.Equal(t, "solar-chart-1.html", page.Name)
	assert.Equal(t, "Energy sold", page.Title)
	assert.Contains(t, html, "<title>Energy sold</title>")
	assert.Contains(t, html, DefaultPlotlyJS)
	assert.Contains(t, html, "Plotly.newPlot('chart'")
	assert.Contains(t, html, `"autosize":true`)
	assert.NotContains(t, html, `"width":900`)

	again, err := DefaultOptions().Render(c)
	require.NoError(t, err)
	assert.Equal(t, html, string(again.Content), "rendering is deterministic")

	snaps.MatchSnapshot(t, html)
}

func TestRender_VegaLitePage(t *testing.T) {
	c := Chart{Notebook: "nb", Position: 1, Kind: KindVegaLite,
		Spec: map[string]any{"mark": "bar", "title": "</script><b>x</b>"}}

	page, err := DefaultOptions().Render(c)
	require.NoError(t, err)
	html := string(page.Content)

	assert.Contains(t, html, DefaultVegaEmbedJS)
	assert.Contains(t, html, "vegaEmbed('#chart'")
	assert.Contains(t, html, "<title>&lt;/script&gt;&lt;b&gt;x&lt;/b&gt;</title>")
	assert.NotContains(t, html, "</script><b>", "title must not break out of the script block")
}

func TestRender_EmbedsValidJSON(t *testing.T) {
	c := Chart{Notebook: "nb", Position: 1, Kind: KindPlotly,
		Spec: map[string]any{"data": []any{map[string]any{"y": []any{json.Number("1.50")}}}}}
	page, err := DefaultOptions().Render(c)
	require.NoError(t, err)
	assert.Contains(t, string(page.Content), `1.50`)
}

func TestIsChartMIME(t *testing.T) {
	assert.True(t, IsChartMIME(MIMEPlotly))
	assert.True(t, IsChartMIME(MIMEVegaLiteV5))
	assert.True(t, IsChartMIME("application/vnd.vega.v5+json"))
	assert.False(t, IsChartMIME("application/json"))
	assert.False(t, IsChartMIME("text/html"))
}
