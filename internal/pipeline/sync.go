package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/starford/nbfolio/internal/ledger"
	"github.com/starford/nbfolio/internal/models"
	"github.com/starford/nbfolio/internal/notebook"
)

// ErrLedgerDisabled is returned by operations that need the ledger when
// ledger.path is empty.
var ErrLedgerDisabled = errors.New("ledger disabled")

// SyncReport counts the outcome of a sync.
type SyncReport struct {
	RunID     string   `json:"run_id"`
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Removed   int      `json:"removed"`
	Failed    int      `json:"failed"`
	Failures  []string `json:"failures,omitempty"`
	// Changes lists the outputs written or removed, one entry per notebook.
	Changes []Change `json:"-"`
}

func (r *SyncReport) fail(logger *slog.Logger, key string, err error) {
	r.Failed++
	r.Failures = append(r.Failures, key)
	logger.Warn("sync: convert failed", slog.String("path", key), slog.String("error", err.Error()))
}

// Sync walks the source directory and brings the outputs up to date:
//   - new or changed notebooks, notebooks converted with different options,
//     or every notebook when force is set, are processed
//   - notebooks recorded in the ledger but gone from disk lose their outputs
//
// Every notebook to convert is parsed and its charts planned before anything
// is written. Two notebooks claiming the same chart file name, or a notebook
// claiming a name the ledger credits to a skipped notebook, fail the whole
// sync with apperr.ErrConflict. A malformed notebook is logged and counted;
// Sync returns an error after the walk when any notebook failed.
func (p *Pipeline) Sync(ctx context.Context, force bool) (*SyncReport, error) {
	rep := &SyncReport{RunID: uuid.NewString()}

	metas, err := p.source.List("", NotebookExt)
	if err != nil {
		return nil, fmt.Errorf("pipeline: sync: %w", err)
	}

	var recorded map[string]map[string]ledger.Stamp
	if p.ledger != nil && !force {
		if recorded, err = p.checksums(); err != nil {
			return nil, fmt.Errorf("pipeline: sync: %w", err)
		}
	}

	type pending struct {
		src *Source
		nb  *notebook.Notebook
	}
	disk := make(map[string]struct{}, len(metas))
	converting := make(map[string]struct{})
	var todo []pending
	for _, m := range metas {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		disk[m.Path] = struct{}{}

		if recorded != nil && p.upToDate(recorded, m.Path, m.Checksum) {
			rep.Skipped++
			continue
		}
		src, err := p.LoadRel(m.Path)
		if err != nil {
			rep.fail(p.logger, m.Path, err)
			continue
		}
		nb, err := notebook.Parse(src.Data)
		if err != nil {
			rep.fail(p.logger, m.Path, err)
			continue
		}
		converting[src.Key] = struct{}{}
		todo = append(todo, pending{src: src, nb: nb})
	}

	// Names of skipped and failed notebooks stay reserved for them.
	claimed, err := p.claimedCharts(converting)
	if err != nil {
		return rep, fmt.Errorf("pipeline: sync: %w", err)
	}
	names := make(map[string]string)
	plans := make([]*chartPlan, 0, len(todo))
	for _, t := range todo {
		plan, err := p.planCharts(t.src, t.nb, claimed, names)
		if err != nil {
			return rep, fmt.Errorf("pipeline: sync: %w", err)
		}
		plans = append(plans, plan)
	}

	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		res, err := p.apply(plan, rep.RunID)
		if err != nil {
			rep.fail(p.logger, plan.src.Key, err)
			continue
		}
		rep.Processed++
		rep.Changes = append(rep.Changes, res.Change())
		p.logger.Debug("sync: converted", slog.String("path", plan.src.Key))
	}

	// Remove outputs of notebooks deleted from disk.
	if p.ledger != nil {
		sources, err := p.ledger.Sources()
		if err != nil {
			return rep, fmt.Errorf("pipeline: sync: %w", err)
		}
		for s := range sources {
			if _, ok := disk[s]; ok || isAbsKey(s) {
				continue
			}
			ch, err := p.Remove(s)
			if err != nil {
				p.logger.Warn("sync: remove failed", slog.String("path", s), slog.String("error", err.Error()))
				continue
			}
			rep.Removed++
			rep.Changes = append(rep.Changes, *ch)
			p.logger.Debug("sync: removed stale", slog.String("path", s))
		}
	}

	p.logger.Info("sync: done",
		slog.String("run_id", rep.RunID),
		slog.Int("processed", rep.Processed),
		slog.Int("skipped", rep.Skipped),
		slog.Int("removed", rep.Removed),
		slog.Int("failed", rep.Failed))

	if rep.Failed > 0 {
		return rep, fmt.Errorf("pipeline: sync: %d notebook(s) failed", rep.Failed)
	}
	return rep, nil
}

// checksums returns kind → source → recorded stamp.
func (p *Pipeline) checksums() (map[string]map[string]ledger.Stamp, error) {
	out := make(map[string]map[string]ledger.Stamp)
	for _, kind := range p.kinds() {
		cs, err := p.ledger.Checksums(kind)
		if err != nil {
			return nil, err
		}
		out[kind] = cs
	}
	return out, nil
}

// upToDate reports whether every kind of key was recorded from the same
// source checksum and with the current options.
func (p *Pipeline) upToDate(recorded map[string]map[string]ledger.Stamp, key, sum string) bool {
	for _, kind := range p.kinds() {
		st, ok := recorded[kind][key]
		if !ok || st.Source != sum || st.Options != p.fingerprints[kind] {
			return false
		}
	}
	return true
}

// Remove deletes every recorded output of the notebook key and forgets it.
// The ledger credits each output path to the notebook that wrote it last,
// so files another notebook now owns are left alone.
func (p *Pipeline) Remove(key string) (*Change, error) {
	if p.ledger == nil {
		return nil, ErrLedgerDisabled
	}
	ch := &Change{Kind: EventDeleted, Source: key}
	for _, kind := range []string{models.KindStrip, models.KindCharts, models.KindRender} {
		outs, err := p.ledger.Outputs(key, kind)
		if err != nil {
			return nil, err
		}
		store, list := p.processed, &ch.Processed
		if kind == models.KindCharts {
			store, list = p.plots, &ch.Charts
		}
		for _, o := range outs {
			if err := store.Delete(o.Path); err != nil {
				return nil, fmt.Errorf("pipeline: remove %s: %w", key, err)
			}
			*list = append(*list, o.Path)
		}
	}
	if err := p.ledger.Forget(key); err != nil {
		return nil, err
	}
	return ch, nil
}

// Status states of a notebook.
const (
	StateNew      = "new"
	StateStale    = "stale"
	StateCurrent  = "current"
	StateOrphaned = "orphaned"
)

// StatusEntry is the state of one notebook relative to the ledger.
type StatusEntry struct {
	Source    string     `json:"source"`
	State     string     `json:"state"`
	Checksum  string     `json:"checksum,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Status compares the source directory with the ledger. Entries are sorted
// by source path.
func (p *Pipeline) Status() ([]StatusEntry, error) {
	if p.ledger == nil {
		return nil, ErrLedgerDisabled
	}
	metas, err := p.source.List("", NotebookExt)
	if err != nil {
		return nil, fmt.Errorf("pipeline: status: %w", err)
	}
	recorded, err := p.checksums()
	if err != nil {
		return nil, fmt.Errorf("pipeline: status: %w", err)
	}
	convs, err := p.ledger.List()
	if err != nil {
		return nil, fmt.Errorf("pipeline: status: %w", err)
	}
	last := make(map[string]time.Time)
	for _, c := range convs {
		if c.UpdatedAt.After(last[c.Source]) {
			last[c.Source] = c.UpdatedAt
		}
	}

	out := make([]StatusEntry, 0, len(metas))
	disk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		disk[m.Path] = struct{}{}
		e := StatusEntry{Source: m.Path, Checksum: m.Checksum}
		t, seen := last[m.Path]
		switch {
		case !seen:
			e.State = StateNew
		case p.upToDate(recorded, m.Path, m.Checksum):
			e.State = StateCurrent
		default:
			e.State = StateStale
		}
		if seen {
			e.UpdatedAt = &t
		}
		out = append(out, e)
	}
	for s, t := range last {
		if _, ok := disk[s]; ok || isAbsKey(s) {
			continue
		}
		t := t
		out = append(out, StatusEntry{Source: s, State: StateOrphaned, UpdatedAt: &t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

// Entry is a ledger conversion with its output files.
type Entry struct {
	ledger.Conversion
	Outputs []models.OutputFile `json:"outputs"`
}

// Outputs returns every recorded conversion with its output files.
func (p *Pipeline) Outputs() ([]Entry, error) {
	if p.ledger == nil {
		return nil, ErrLedgerDisabled
	}
	convs, err := p.ledger.List()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(convs))
	for _, c := range convs {
		files, err := p.ledger.Outputs(c.Source, c.Kind)
		if err != nil {
			return nil, err
		}
		if files == nil {
			files = []models.OutputFile{}
		}
		out = append(out, Entry{Conversion: c, Outputs: files})
	}
	return out, nil
}

// isAbsKey reports whether a ledger key names a notebook outside the source
// directory. Such notebooks are never pruned by sync.
func isAbsKey(key string) bool {
	return path.IsAbs(key) || filepath.IsAbs(filepath.FromSlash(key))
}
