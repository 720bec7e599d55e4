package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/starford/nbfolio/internal/apperr"
	"github.com/starford/nbfolio/internal/charts"
	"github.com/starford/nbfolio/internal/checksum"
	"github.com/starford/nbfolio/internal/ledger"
	"github.com/starford/nbfolio/internal/models"
	"github.com/starford/nbfolio/internal/notebook"
	"github.com/starford/nbfolio/internal/parser"
	"github.com/starford/nbfolio/internal/strip"
)

// StripResult describes one processed copy.
type StripResult struct {
	Source string            `json:"source"`
	Output models.OutputFile `json:"output"`
	Report strip.Report      `json:"report"`
}

// ExportResult describes one chart export run.
type ExportResult struct {
	RunID   string              `json:"run_id"`
	Files   []models.OutputFile `json:"files"`
	Removed []string            `json:"removed,omitempty"`
}

// RenderResult describes one rendered notebook page.
type RenderResult struct {
	Source string            `json:"source"`
	Output models.OutputFile `json:"output"`
}

// Strip writes the processed copy of src to out, relative to the processed
// directory. An empty out uses src.Rel(). Nothing is written when src is
// malformed.
func (p *Pipeline) Strip(src *Source, out string) (*StripResult, error) {
	return p.strip(src, out, uuid.NewString())
}

func (p *Pipeline) strip(src *Source, out, runID string) (*StripResult, error) {
	if out == "" {
		out = src.Rel()
	}
	data, rep, err := strip.Convert(src.Data, p.opts.Strip)
	if err != nil {
		return nil, fmt.Errorf("pipeline: strip %s: %w", src.Key, err)
	}
	if err := p.processed.Write(out, data); err != nil {
		return nil, fmt.Errorf("pipeline: strip %s: %w", src.Key, err)
	}
	res := &StripResult{
		Source: src.Key,
		Output: models.OutputFile{Path: out, Checksum: checksum.Sum(data)},
		Report: rep,
	}
	p.logger.Info("strip: wrote processed copy",
		slog.String("source", src.Key),
		slog.String("output", out),
		slog.Int("outputs_removed", rep.OutputsRemoved),
		slog.String("removed", humanize.Bytes(uint64(rep.BytesRemoved))),
		slog.String("size", humanize.Bytes(uint64(len(data)))))

	if err := p.record(src, models.KindStrip, runID, "", []models.OutputFile{res.Output}); err != nil {
		return nil, err
	}
	return res, nil
}

// chartPlan holds the rendered chart pages of one parsed source.
type chartPlan struct {
	src   *Source
	title string
	pages []*charts.Page
}

// planCharts renders the charts of src without writing them. names maps the
// chart file names planned so far in this run to their source, and claimed
// maps names the ledger credits to other notebooks still on disk. A name
// already in either map for a different source is an apperr.ErrConflict.
func (p *Pipeline) planCharts(src *Source, nb *notebook.Notebook, claimed, names map[string]string) (*chartPlan, error) {
	plan := &chartPlan{src: src, title: parser.Parse(nb).Title}
	for _, c := range charts.Discover(src.Stem, nb, p.logger) {
		page, err := p.opts.Charts.Render(c)
		if err != nil {
			return nil, err
		}
		if prev, dup := names[page.Name]; dup {
			return nil, fmt.Errorf("pipeline: export: %s written by both %s and %s: %w",
				page.Name, prev, src.Key, apperr.ErrConflict)
		}
		if owner, ok := claimed[page.Name]; ok && owner != src.Key {
			return nil, fmt.Errorf("pipeline: export: %s already exported from %s, not overwriting from %s: %w",
				page.Name, owner, src.Key, apperr.ErrConflict)
		}
		names[page.Name] = src.Key
		plan.pages = append(plan.pages, page)
	}
	return plan, nil
}

// claimedCharts returns chart file name → source for every chart the ledger
// credits to a notebook outside skip that still exists.
func (p *Pipeline) claimedCharts(skip map[string]struct{}) (map[string]string, error) {
	out := make(map[string]string)
	if p.ledger == nil {
		return out, nil
	}
	owners, err := p.ledger.Owners(models.KindCharts)
	if err != nil {
		return nil, fmt.Errorf("pipeline: chart owners: %w", err)
	}
	exists := make(map[string]bool)
	for name, src := range owners {
		if _, ok := skip[src]; ok {
			continue
		}
		alive, seen := exists[src]
		if !seen {
			alive = p.sourceExists(src)
			exists[src] = alive
		}
		if alive {
			out[name] = src
		}
	}
	return out, nil
}

func (p *Pipeline) sourceExists(key string) bool {
	name := filepath.FromSlash(key)
	if !isAbsKey(key) {
		name = filepath.Join(p.source.Root(), name)
	}
	_, err := os.Stat(name)
	return err == nil
}

// planExport parses every source and plans its charts. Nothing is written.
func (p *Pipeline) planExport(srcs []*Source) ([]*chartPlan, error) {
	nbs := make([]*notebook.Notebook, len(srcs))
	skip := make(map[string]struct{}, len(srcs))
	for i, src := range srcs {
		nb, err := notebook.Parse(src.Data)
		if err != nil {
			return nil, fmt.Errorf("pipeline: export %s: %w", src.Key, err)
		}
		nbs[i] = nb
		skip[src.Key] = struct{}{}
	}
	claimed, err := p.claimedCharts(skip)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string)
	plans := make([]*chartPlan, 0, len(srcs))
	for i, src := range srcs {
		plan, err := p.planCharts(src, nbs[i], claimed, names)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// Export writes every chart of srcs as a standalone HTML file in the plots
// directory. All sources are parsed and rendered before anything is
// written: a malformed source, two charts claiming the same file name, or a
// name the ledger credits to another existing notebook abort the run with no
// output. Charts a source produced in its previous run but no longer does
// are removed when the ledger is enabled.
func (p *Pipeline) Export(srcs ...*Source) (*ExportResult, error) {
	plans, err := p.planExport(srcs)
	if err != nil {
		return nil, err
	}
	return p.writeCharts(uuid.NewString(), plans)
}

func (p *Pipeline) writeCharts(runID string, plans []*chartPlan) (*ExportResult, error) {
	current := make(map[string]struct{})
	for _, plan := range plans {
		for _, page := range plan.pages {
			current[page.Name] = struct{}{}
		}
	}

	res := &ExportResult{RunID: runID, Files: []models.OutputFile{}}
	for _, plan := range plans {
		files := make([]models.OutputFile, 0, len(plan.pages))
		for _, page := range plan.pages {
			if err := p.plots.Write(page.Name, page.Content); err != nil {
				return res, fmt.Errorf("pipeline: export %s: %w", plan.src.Key, err)
			}
			files = append(files, models.OutputFile{
				Path:     page.Name,
				Checksum: checksum.Sum(page.Content),
				Position: page.Chart.Position,
				Title:    page.Title,
			})
		}

		removed, err := p.pruneCharts(plan.src.Key, current)
		if err != nil {
			return res, err
		}
		if err := p.record(plan.src, models.KindCharts, runID, plan.title, files); err != nil {
			return res, err
		}
		p.logger.Info("charts: exported",
			slog.String("source", plan.src.Key),
			slog.Int("charts", len(files)),
			slog.Int("removed", len(removed)),
			slog.String("run_id", runID))
		res.Files = append(res.Files, files...)
		res.Removed = append(res.Removed, removed...)
	}
	return res, nil
}

// pruneCharts deletes chart files recorded for key that no source of the
// current run produces. The ledger credits each path to one source, so paths
// another notebook has since written are never returned for key.
func (p *Pipeline) pruneCharts(key string, current map[string]struct{}) ([]string, error) {
	if p.ledger == nil {
		return nil, nil
	}
	prev, err := p.ledger.Outputs(key, models.KindCharts)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, o := range prev {
		if _, ok := current[o.Path]; ok {
			continue
		}
		if err := p.plots.Delete(o.Path); err != nil {
			return removed, fmt.Errorf("pipeline: prune %s: %w", o.Path, err)
		}
		p.logger.Debug("charts: removed stale", slog.String("source", key), slog.String("path", o.Path))
		removed = append(removed, o.Path)
	}
	return removed, nil
}

// Render writes the HTML page of src to out, relative to the processed
// directory. An empty out replaces the notebook extension of src.Rel()
// with .html. The page is rendered from the processed copy of src.
func (p *Pipeline) Render(src *Source, out string) (*RenderResult, error) {
	return p.render(src, out, uuid.NewString())
}

func (p *Pipeline) render(src *Source, out, runID string) (*RenderResult, error) {
	nb, err := notebook.Parse(src.Data)
	if err != nil {
		return nil, fmt.Errorf("pipeline: render %s: %w", src.Key, err)
	}
	plan, err := p.planCharts(src, nb, map[string]string{}, map[string]string{})
	if err != nil {
		return nil, err
	}
	return p.renderPlan(plan, out, runID)
}

// renderPlan renders the page of a planned source. Its chart outputs link to
// the planned chart pages.
func (p *Pipeline) renderPlan(plan *chartPlan, out, runID string) (*RenderResult, error) {
	src := plan.src
	if out == "" {
		out = strings.TrimSuffix(src.Rel(), NotebookExt) + ".html"
	}
	nb, err := notebook.Parse(src.Data)
	if err != nil {
		return nil, fmt.Errorf("pipeline: render %s: %w", src.Key, err)
	}
	p.renderer.LinkCharts(nb, plan.pages)
	opts := p.opts.Strip
	opts.DropCharts = false
	strip.Strip(nb, opts)
	page, err := p.renderer.Bytes(nb)
	if err != nil {
		return nil, fmt.Errorf("pipeline: render %s: %w", src.Key, err)
	}
	if err := p.processed.Write(out, page); err != nil {
		return nil, fmt.Errorf("pipeline: render %s: %w", src.Key, err)
	}
	res := &RenderResult{
		Source: src.Key,
		Output: models.OutputFile{Path: out, Checksum: checksum.Sum(page)},
	}
	p.logger.Info("render: wrote page",
		slog.String("source", src.Key),
		slog.String("output", out),
		slog.String("size", humanize.Bytes(uint64(len(page)))))

	if err := p.record(src, models.KindRender, runID, plan.title, []models.OutputFile{res.Output}); err != nil {
		return nil, err
	}
	return res, nil
}

// ProcessResult holds the outcome of every conversion of one notebook.
type ProcessResult struct {
	Source string        `json:"source"`
	Strip  *StripResult  `json:"strip"`
	Charts *ExportResult `json:"charts"`
	Render *RenderResult `json:"render,omitempty"`
}

// Process runs every enabled conversion of src into the configured output
// directories. The notebook is parsed and its charts planned before anything
// is written.
func (p *Pipeline) Process(src *Source) (*ProcessResult, error) {
	nb, err := notebook.Parse(src.Data)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %s: %w", src.Key, err)
	}
	claimed, err := p.claimedCharts(map[string]struct{}{src.Key: {}})
	if err != nil {
		return nil, err
	}
	plan, err := p.planCharts(src, nb, claimed, map[string]string{})
	if err != nil {
		return nil, err
	}
	return p.apply(plan, uuid.NewString())
}

// apply writes every enabled output of a planned source.
func (p *Pipeline) apply(plan *chartPlan, runID string) (*ProcessResult, error) {
	src := plan.src
	res := &ProcessResult{Source: src.Key}
	var err error
	if res.Strip, err = p.strip(src, "", runID); err != nil {
		return nil, err
	}
	if res.Charts, err = p.writeCharts(runID, []*chartPlan{plan}); err != nil {
		return nil, err
	}
	if p.opts.RenderEnabled {
		if res.Render, err = p.renderPlan(plan, "", runID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// kinds returns the conversion kinds Process runs.
func (p *Pipeline) kinds() []string {
	if p.opts.RenderEnabled {
		return []string{models.KindStrip, models.KindCharts, models.KindRender}
	}
	return []string{models.KindStrip, models.KindCharts}
}

func (p *Pipeline) record(src *Source, kind, runID, title string, outputs []models.OutputFile) error {
	if p.ledger == nil {
		return nil
	}
	err := p.ledger.Record(ledger.Conversion{
		Source:          src.Key,
		Kind:            kind,
		SourceChecksum:  src.Checksum,
		OptionsChecksum: p.fingerprints[kind],
		Title:           title,
		RunID:           runID,
		UpdatedAt:       time.Now().UTC(),
	}, outputs)
	if err != nil {
		return fmt.Errorf("pipeline: record %s %s: %w", kind, src.Key, err)
	}
	return nil
}
