// Package testutil provides shared test helpers for setting up notebook
// workspaces, ledgers and fixture notebooks.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/nbfolio/internal/ledger"
	"github.com/starford/nbfolio/internal/storage"
)

// TestLedger creates a temporary SQLite ledger that is automatically cleaned up.
func TestLedger(t *testing.T) *ledger.DB {
	t.Helper()
	db, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Workspace is a temporary source / processed / plots directory triple.
type Workspace struct {
	SourceDir    string
	ProcessedDir string
	PlotsDir     string

	Source    storage.Provider
	Processed storage.Provider
	Plots     storage.Provider
}

// TestWorkspace creates the three directories of a workspace with providers.
func TestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	root := t.TempDir()
	ws := &Workspace{
		SourceDir:    filepath.Join(root, "notebooks"),
		ProcessedDir: filepath.Join(root, "processed"),
		PlotsDir:     filepath.Join(root, "plots"),
	}
	var err error
	if ws.Source, err = storage.Open(ws.SourceDir); err != nil {
		t.Fatal(err)
	}
	if ws.Processed, err = storage.Open(ws.ProcessedDir); err != nil {
		t.Fatal(err)
	}
	if ws.Plots, err = storage.Open(ws.PlotsDir); err != nil {
		t.Fatal(err)
	}
	return ws
}

// WriteNotebook writes data to rel under the source directory.
func (ws *Workspace) WriteNotebook(t *testing.T, rel string, data []byte) string {
	t.Helper()
	p := filepath.Join(ws.SourceDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// Files returns the sorted names of regular files directly under dir.
func Files(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out
}

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Notebook returns an nbformat 4 document with a title cell followed by
// one code cell per chart title, each displaying a plotly figure.
func Notebook(title string, chartTitles ...string) []byte {
	cells := []any{
		map[string]any{
			"cell_type": "markdown",
			"metadata":  map[string]any{},
			"source":    []string{"# " + title + "\n", "Some words."},
		},
	}
	for i, ct := range chartTitles {
		cells = append(cells, map[string]any{
			"cell_type":       "code",
			"execution_count": i + 1,
			"metadata":        map[string]any{},
			"source":          fmt.Sprintf("fig%d.show()", i+1),
			"outputs": []any{
				map[string]any{
					"output_type": "display_data",
					"metadata":    map[string]any{},
					"data": map[string]any{
						"application/vnd.plotly.v1+json": map[string]any{
							"data":   []any{map[string]any{"type": "scatter", "x": []int{1, 2, 3}, "y": []int{i, i + 1, i + 2}}},
							"layout": map[string]any{"title": map[string]any{"text": ct}, "width": 800, "height": 400},
						},
						"text/html": "<div>chart</div>",
					},
				},
			},
		})
	}
	nb := map[string]any{
		"cells":          cells,
		"metadata":       map[string]any{"kernelspec": map[string]any{"language": "python", "name": "python3"}},
		"nbformat":       4,
		"nbformat_minor": 5,
	}
	data, err := json.MarshalIndent(nb, "", " ")
	if err != nil {
		panic(err)
	}
	return data
}

// Malformed is a document that is not a notebook.
var Malformed = []byte(strings.TrimSpace(`{"cells": [ {"source": "x"} `))
