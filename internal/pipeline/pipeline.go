// Package pipeline coordinates notebook sources, conversions, output storage
// and the ledger. It is the service layer shared by the CLI, the watcher, the
// preview server and the MCP server.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/starford/nbfolio/internal/apperr"
	"github.com/starford/nbfolio/internal/charts"
	"github.com/starford/nbfolio/internal/checksum"
	"github.com/starford/nbfolio/internal/ledger"
	"github.com/starford/nbfolio/internal/models"
	"github.com/starford/nbfolio/internal/render"
	"github.com/starford/nbfolio/internal/storage"
	"github.com/starford/nbfolio/internal/strip"
)

// NotebookExt is the file extension of notebook documents.
const NotebookExt = ".ipynb"

// Options groups the per-conversion options.
type Options struct {
	Strip         strip.Options
	Charts        charts.Options
	Render        render.Options
	RenderEnabled bool
}

// DefaultOptions returns the options used when no configuration is given.
func DefaultOptions() Options {
	return Options{
		Strip:  strip.DefaultOptions(),
		Charts: charts.DefaultOptions(),
		Render: render.DefaultOptions(),
	}
}

// Pipeline runs conversions from a source directory into the processed and
// plots directories.
type Pipeline struct {
	source    storage.Provider
	processed storage.Provider
	plots     storage.Provider
	ledger    ledger.Ledger // nil when disabled
	renderer  *render.Renderer
	opts      Options
	logger    *slog.Logger

	// fingerprints holds the options checksum recorded per conversion kind.
	fingerprints map[string]string
}

// New creates a pipeline. lg may be nil, which disables change detection
// and stale output pruning.
func New(source, processed, plots storage.Provider, lg ledger.Ledger, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		source:    source,
		processed: processed,
		plots:     plots,
		ledger:    lg,
		renderer:  render.New(opts.Render),
		opts:      opts,
		logger:    logger,

		fingerprints: fingerprints(opts),
	}
}

// fingerprints checksums the options each conversion kind depends on. A
// recorded conversion with a different fingerprint is out of date. Render
// pages depend on chart names, so the render fingerprint covers them too.
func fingerprints(opts Options) map[string]string {
	sum := func(v any) string {
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return checksum.Sum(data)
	}
	return map[string]string{
		models.KindStrip:  sum(opts.Strip),
		models.KindCharts: sum(opts.Charts),
		models.KindRender: sum(struct {
			Strip  strip.Options
			Charts charts.Options
			Render render.Options
		}{opts.Strip, opts.Charts, opts.Render}),
	}
}

// SourceRoot returns the absolute source directory.
func (p *Pipeline) SourceRoot() string { return p.source.Root() }

// LedgerEnabled reports whether conversions are recorded.
func (p *Pipeline) LedgerEnabled() bool { return p.ledger != nil }

// Source is a notebook loaded for conversion.
type Source struct {
	// Key identifies the notebook in the ledger: its slash path relative to
	// the source directory, or its absolute path when it lives elsewhere.
	Key      string
	Stem     string
	Data     []byte
	Checksum string
}

// Rel returns the path of the notebook's outputs relative to an output
// directory: Key for notebooks under the source directory, else the base name.
func (s *Source) Rel() string {
	if isAbsKey(s.Key) {
		return path.Base(s.Key)
	}
	return s.Key
}

func newSource(key string, data []byte) *Source {
	return &Source{
		Key:      key,
		Stem:     strings.TrimSuffix(path.Base(filepath.ToSlash(key)), NotebookExt),
		Data:     data,
		Checksum: checksum.Sum(data),
	}
}

// Load reads the notebook at a filesystem path. A missing file returns an
// error wrapping apperr.ErrNotFound.
func (p *Pipeline) Load(name string) (*Source, error) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return nil, fmt.Errorf("pipeline: resolve %s: %w", name, err)
	}
	if rel, ok := p.relToSource(abs); ok {
		return p.LoadRel(rel)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, notFound(name, err)
	}
	return newSource(filepath.ToSlash(abs), data), nil
}

// LoadRel reads a notebook by its path relative to the source directory.
func (p *Pipeline) LoadRel(rel string) (*Source, error) {
	data, err := p.source.Read(rel)
	if err != nil {
		return nil, notFound(rel, err)
	}
	return newSource(path.Clean(filepath.ToSlash(rel)), data), nil
}

func (p *Pipeline) relToSource(abs string) (string, bool) {
	rel, err := filepath.Rel(p.source.Root(), abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func notFound(name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("pipeline: %s: %w", name, apperr.ErrNotFound)
	}
	return fmt.Errorf("pipeline: read %s: %w", name, err)
}

// LoadAll reads every notebook under the source directory, in path order.
func (p *Pipeline) LoadAll() ([]*Source, error) {
	metas, err := p.source.List("", NotebookExt)
	if err != nil {
		return nil, fmt.Errorf("pipeline: list sources: %w", err)
	}
	out := make([]*Source, 0, len(metas))
	for _, m := range metas {
		src, err := p.LoadRel(m.Path)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}
