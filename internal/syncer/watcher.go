package syncer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/tokdash/internal/source"
)

// Watcher re-runs the engine for sources whose logs change.
type Watcher struct {
	engine   *Engine
	debounce time.Duration
	interval time.Duration
	upload   bool
	logger   *slog.Logger

	// OnReport, when set, receives the report of every triggered run.
	OnReport func(*Report, error)

	roots   map[string][]watchEntry // watched root -> interested sources
	polled  []string                // sources that could not be watched
	mu      sync.Mutex
	pending map[string]time.Time // source -> last change
}

// watchEntry is one source's interest in a root. With files set, only those
// base names directly inside the root count and the root is not descended.
type watchEntry struct {
	source string
	files  map[string]bool
}

func (e watchEntry) recursive() bool { return len(e.files) == 0 }

func (e watchEntry) matches(root, path string) bool {
	if e.recursive() {
		return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
	}
	return filepath.Dir(path) == root && e.files[filepath.Base(path)]
}

// NewWatcher creates a watcher for defs. Sources whose roots cannot be
// watched are re-synced every interval instead.
func NewWatcher(engine *Engine, defs []source.Definition, debounce, interval time.Duration, upload bool) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if interval <= 0 {
		interval = time.Minute
	}
	w := &Watcher{
		engine:   engine,
		debounce: debounce,
		interval: interval,
		upload:   upload,
		logger:   slog.Default(),
		roots:    make(map[string][]watchEntry),
		pending:  make(map[string]time.Time),
	}
	for _, d := range defs {
		e := watchEntry{source: d.Name}
		if files := source.WatchFiles(d); len(files) > 0 {
			e.files = make(map[string]bool, len(files))
			for _, f := range files {
				e.files[f] = true
			}
		}
		for _, root := range source.WatchPaths(d) {
			root = filepath.Clean(root)
			w.roots[root] = append(w.roots[root], e)
		}
	}
	return w
}

// Run watches until ctx is cancelled. It syncs every source once at start.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("file notifications unavailable, polling instead", "error", err)
		w.polled = w.sourceNames()
	} else {
		defer fw.Close()
		w.polled = w.watchRoots(fw)
	}

	w.trigger(ctx, nil)

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fw != nil {
		events, errs = fw.Events, fw.Errors
	}

	flush := time.NewTicker(100 * time.Millisecond)
	defer flush.Stop()
	poll := time.NewTicker(w.interval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.handleEvent(fw, event)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("watch error", "error", err)

		case <-flush.C:
			if due := w.due(time.Now()); len(due) > 0 {
				w.trigger(ctx, due)
			}

		case <-poll.C:
			if len(w.polled) > 0 {
				w.trigger(ctx, w.polled)
			}
		}
	}
}

// watchRoots adds every existing root, recursively when some source wants
// the whole tree, and returns the sources left to polling.
func (w *Watcher) watchRoots(fw *fsnotify.Watcher) []string {
	failed := make(map[string]bool)
	for root, entries := range w.roots {
		names := entryNames(entries)
		if _, err := os.Stat(root); err != nil {
			w.logger.Debug("source root missing, polling", "sources", names, "path", root)
			for _, n := range names {
				failed[n] = true
			}
			continue
		}
		add := fw.Add
		if anyRecursive(entries) {
			add = func(dir string) error { return addRecursive(fw, dir) }
		}
		if err := add(root); err != nil {
			w.logger.Warn("cannot watch source root, polling", "sources", names, "path", root, "error", err)
			for _, n := range names {
				failed[n] = true
			}
		}
	}
	out := make([]string, 0, len(failed))
	for n := range failed {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func addRecursive(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil && path == dir {
			return err
		}
		return nil
	})
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Has(fsnotify.Create) && w.insideRecursiveRoot(event.Name) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := addRecursive(fw, event.Name); err != nil {
				w.logger.Debug("watching new directory failed", "path", event.Name, "error", err)
			}
		}
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	now := time.Now()
	for _, name := range w.sourcesFor(event.Name) {
		w.mark(name, now)
	}
}

// sourcesFor returns every source with a root covering path, sorted. Nested
// roots match all of their ancestors' sources too, since those walk the same
// files.
func (w *Watcher) sourcesFor(path string) []string {
	path = filepath.Clean(path)
	seen := make(map[string]bool)
	var out []string
	for root, entries := range w.roots {
		for _, e := range entries {
			if !seen[e.source] && e.matches(root, path) {
				seen[e.source] = true
				out = append(out, e.source)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) insideRecursiveRoot(path string) bool {
	path = filepath.Clean(path)
	for root, entries := range w.roots {
		for _, e := range entries {
			if e.recursive() && e.matches(root, path) {
				return true
			}
		}
	}
	return false
}

func anyRecursive(entries []watchEntry) bool {
	for _, e := range entries {
		if e.recursive() {
			return true
		}
	}
	return false
}

func entryNames(entries []watchEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.source
	}
	return out
}

func (w *Watcher) mark(name string, at time.Time) {
	w.mu.Lock()
	w.pending[name] = at
	w.mu.Unlock()
}

// due removes and returns the sources whose last change is older than the
// debounce window.
func (w *Watcher) due(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for name, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			out = append(out, name)
			delete(w.pending, name)
		}
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) sourceNames() []string {
	seen := make(map[string]bool)
	var out []string
	for _, entries := range w.roots {
		for _, e := range entries {
			if !seen[e.source] {
				seen[e.source] = true
				out = append(out, e.source)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) trigger(ctx context.Context, names []string) {
	rep, err := w.engine.Run(ctx, RunOptions{Sources: names, Upload: w.upload})
	if err != nil && ctx.Err() == nil {
		w.logger.Error("watch sync failed", "sources", names, "error", err)
	}
	if w.OnReport != nil {
		w.OnReport(rep, err)
	}
}
