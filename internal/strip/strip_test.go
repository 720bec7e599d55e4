package strip

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/nbfolio/internal/apperr"
	"github.com/starford/nbfolio/internal/notebook"
)

// buildNotebook returns a notebook with a markdown cell and one code cell
// carrying the given outputs.
func buildNotebook(t *testing.T, outputs ...map[string]any) []byte {
	t.Helper()
	outs := make([]any, len(outputs))
	for i, o := range outputs {
		outs[i] = o
	}
	doc := map[string]any{
		"nbformat":       4,
		"nbformat_minor": 5,
		"metadata": map[string]any{
			"kernelspec": map[string]any{"language": "python", "name": "python3"},
		},
		"cells": []any{
			map[string]any{"cell_type": "markdown", "metadata": map[string]any{}, "source": []any{"# Title\n", "text"}},
			map[string]any{
				"cell_type":       "code",
				"execution_count": 7,
				"metadata":        map[string]any{"execution": map[string]any{"iopub.status.idle": "2024-05-01T10:00:00Z"}},
				"outputs":         outs,
				"source":          "df.plot()",
			},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return data
}

func streamOutput(text string) map[string]any {
	return map[string]any{"output_type": "stream", "name": "stdout", "text": text}
}

func displayOutput(data map[string]any) map[string]any {
	return map[string]any{"output_type": "display_data", "metadata": map[string]any{}, "data": data}
}

func codeCell(t *testing.T, out []byte) notebook.Cell {
	t.Helper()
	nb, err := notebook.Parse(out)
	require.NoError(t, err)
	return nb.Cells[1]
}

func TestConvert_RemovesLargeOutputs(t *testing.T) {
	big := strings.Repeat("x", 2048)
	in := buildNotebook(t,
		streamOutput("small\n"),
		streamOutput(big),
		displayOutput(map[string]any{"text/plain": "<Figure>", "image/png": big}),
	)

	opts := DefaultOptions()
	opts.MaxOutputBytes = 1024
	out, rep, err := Convert(in, opts)
	require.NoError(t, err)

	outs := codeCell(t, out).Outputs()
	require.Len(t, outs, 2)
	assert.Equal(t, "small\n", outs[0].Text())
	assert.Equal(t, "<Figure>", outs[1].MIMEText("text/plain"))
	assert.NotContains(t, outs[1].Data(), "image/png")

	assert.Equal(t, 1, rep.OutputsRemoved)
	assert.Equal(t, 1, rep.EntriesRemoved)
	assert.Greater(t, rep.BytesRemoved, 4096)
}

func TestConvert_DropsChartEntries(t *testing.T) {
	in := buildNotebook(t, displayOutput(map[string]any{
		"application/vnd.plotly.v1+json": map[string]any{"data": []any{}, "layout": map[string]any{}},
	}))

	out, rep, err := Convert(in, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, codeCell(t, out).Outputs(), "output with only a chart entry is removed")
	assert.Equal(t, 1, rep.EntriesRemoved)
	assert.Equal(t, 1, rep.OutputsRemoved)

	opts := DefaultOptions()
	opts.DropCharts = false
	out, _, err = Convert(in, opts)
	require.NoError(t, err)
	assert.Len(t, codeCell(t, out).Outputs(), 1)
}

func TestConvert_ModeAll(t *testing.T) {
	in := buildNotebook(t, streamOutput("hi\n"))
	opts := DefaultOptions()
	opts.Mode = ModeAll

	out, rep, err := Convert(in, opts)
	require.NoError(t, err)

	cell := codeCell(t, out)
	assert.Empty(t, cell.Outputs())
	assert.Nil(t, cell["execution_count"])
	assert.Equal(t, 1, rep.OutputsRemoved)
}

func TestConvert_DropsTimingsAndWidgets(t *testing.T) {
	var doc map[string]any
	require.NoError(t, json.Unmarshal(buildNotebook(t), &doc))
	doc["metadata"].(map[string]any)["widgets"] = map[string]any{"state": map[string]any{"k": "v"}}
	in, err := json.Marshal(doc)
	require.NoError(t, err)

	out, _, err := Convert(in, DefaultOptions())
	require.NoError(t, err)
	s := string(out)
	assert.NotContains(t, s, "widgets")
	assert.NotContains(t, s, "iopub.status.idle")
	assert.Contains(t, s, `"execution_count": 7`, "counts kept unless asked")
}

func TestConvert_Idempotent(t *testing.T) {
	in := buildNotebook(t,
		streamOutput(strings.Repeat("y", 5000)),
		displayOutput(map[string]any{"text/html": "<table></table>", "text/plain": "df"}),
	)
	opts := DefaultOptions()
	opts.MaxOutputBytes = 1000

	first, _, err := Convert(in, opts)
	require.NoError(t, err)
	second, _, err := Convert(in, opts)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second), "same input, same bytes")

	third, rep, err := Convert(first, opts)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(third), "stripping is a fixed point")
	assert.Zero(t, rep.OutputsRemoved)
	assert.Zero(t, rep.BytesRemoved)
}

func TestConvert_NoLargeOutputsPreservesCells(t *testing.T) {
	in := buildNotebook(t, streamOutput("ok\n"))
	opts := DefaultOptions()
	opts.DropCellTimings = false

	out, rep, err := Convert(in, opts)
	require.NoError(t, err)
	assert.Zero(t, rep.OutputsRemoved)

	before, err := notebook.Parse(in)
	require.NoError(t, err)
	after, err := notebook.Parse(out)
	require.NoError(t, err)
	require.Len(t, after.Cells, len(before.Cells))
	for i := range before.Cells {
		assert.Equal(t, before.Cells[i].Type(), after.Cells[i].Type())
		assert.Equal(t, before.Cells[i].Source(), after.Cells[i].Source())
		assert.Equal(t, len(before.Cells[i].Outputs()), len(after.Cells[i].Outputs()))
	}
}

func TestConvert_Malformed(t *testing.T) {
	_, _, err := Convert([]byte(`{"cells": oops}`), DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrMalformed)
}
