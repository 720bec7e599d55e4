package pipeline

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher event kinds.
const (
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// DebounceDelay is how long the watcher waits after the last write to a
// notebook before converting it. Editors save in several steps.
const DebounceDelay = 300 * time.Millisecond

// Change lists the output files one conversion or removal of a notebook
// touched. Paths are relative to the processed and plots directories.
type Change struct {
	Kind      string   `json:"kind"` // EventUpdated or EventDeleted
	Source    string   `json:"source"`
	Processed []string `json:"processed,omitempty"`
	Charts    []string `json:"charts,omitempty"`
}

// Change returns the outputs r wrote, plus the chart files it pruned.
func (r *ProcessResult) Change() Change {
	ch := Change{Kind: EventUpdated, Source: r.Source}
	if r.Strip != nil {
		ch.Processed = append(ch.Processed, r.Strip.Output.Path)
	}
	if r.Render != nil {
		ch.Processed = append(ch.Processed, r.Render.Output.Path)
	}
	if r.Charts != nil {
		for _, f := range r.Charts.Files {
			ch.Charts = append(ch.Charts, f.Path)
		}
		ch.Charts = append(ch.Charts, r.Charts.Removed...)
	}
	return ch
}

// EventCallback is called after every watcher-driven conversion or removal.
type EventCallback func(Change)

// Watch starts an fsnotify watcher on the source directory and converts
// notebooks as they change until ctx is cancelled. It calls cb (if non-nil)
// after each successful conversion or removal.
//
// New directories created at runtime are automatically added to the watch
// list. Remove and rename events trigger a reconciling sync that drops the
// outputs of notebooks no longer on disk.
func (p *Pipeline) Watch(ctx context.Context, cb EventCallback) error {
	root := p.source.Root()
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}

	p.logger.Info("watcher: started", slog.String("root", root))

	pending := make(map[string]struct{})
	var debounce *time.Timer
	var debounceCh <-chan time.Time
	schedule := func(rel string) {
		pending[rel] = struct{}{}
		if debounce == nil {
			debounce = time.NewTimer(DebounceDelay)
			debounceCh = debounce.C
		} else {
			debounce.Reset(DebounceDelay)
		}
	}

	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time
	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(DebounceDelay)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(DebounceDelay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			p.logger.Info("watcher: stopped")
			return nil

		case <-debounceCh:
			for rel := range pending {
				p.convertChanged(rel, cb)
			}
			clear(pending)

		case <-reconcileCh:
			p.reconcile(ctx, cb)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						p.logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
						continue
					}
					p.logger.Debug("watcher: watching new dir", slog.String("path", ev.Name))
					// Notebooks copied in with the directory produce no events of their own.
					scheduleReconcile()
					continue
				}
			}

			rel, ok := p.watchedNotebook(root, ev.Name)
			if !ok {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				schedule(rel)
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				// fsnotify fires Rename on the old path only; the new path
				// arrives as a Create.
				delete(pending, rel)
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// watchedNotebook maps an event path to a source-relative notebook path.
func (p *Pipeline) watchedNotebook(root, name string) (string, bool) {
	if !strings.HasSuffix(name, NotebookExt) {
		return "", false
	}
	rel, err := filepath.Rel(root, name)
	if err != nil {
		return "", false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") {
			return "", false
		}
	}
	return filepath.ToSlash(rel), true
}

func (p *Pipeline) convertChanged(rel string, cb EventCallback) {
	src, err := p.LoadRel(rel)
	if err != nil {
		p.logger.Warn("watcher: read failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	res, err := p.Process(src)
	if err != nil {
		p.logger.Warn("watcher: convert failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	p.logger.Debug("watcher: converted", slog.String("path", rel))
	if cb != nil {
		cb(res.Change())
	}
}

// reconcile runs a sync and reports every notebook it converted or removed.
func (p *Pipeline) reconcile(ctx context.Context, cb EventCallback) {
	rep, err := p.Sync(ctx, false)
	if err != nil {
		p.logger.Warn("reconcile: sync failed", slog.String("error", err.Error()))
	}
	if rep == nil || cb == nil {
		return
	}
	for _, ch := range rep.Changes {
		cb(ch)
	}
}

// addDirsRecursive adds root and all its non-hidden subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
