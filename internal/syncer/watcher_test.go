package syncer

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/tokdash/internal/source"
)

func TestWatcher_SourcesForNestedRoots(t *testing.T) {
	w := NewWatcher(nil, []source.Definition{
		{Name: "outer", Kind: source.KindJSONL, Paths: []string{"/logs"}},
		{Name: "inner", Kind: source.KindJSONL, Paths: []string{"/logs/inner"}},
	}, time.Second, time.Minute, false)

	cases := map[string][]string{
		"/logs/a.jsonl":         {"outer"},
		"/logs/inner/b.jsonl":   {"inner", "outer"},
		"/logs/innerish/c.json": {"outer"},
	}
	for path, want := range cases {
		if got := w.sourcesFor(path); !reflect.DeepEqual(got, want) {
			t.Errorf("sourcesFor(%q) = %v, want %v", path, got, want)
		}
	}
	if got := w.sourcesFor("/elsewhere/x.jsonl"); len(got) != 0 {
		t.Errorf("path outside every root matched %v", got)
	}
}

func TestWatcher_SharedRootSchedulesEverySource(t *testing.T) {
	w := NewWatcher(nil, []source.Definition{
		{Name: "claude", Kind: source.KindJSONL, Paths: []string{"/logs"}},
		{Name: "claude-sub", Kind: source.KindJSONL, Paths: []string{"/logs"}},
	}, time.Second, time.Minute, false)

	if got := w.sourceNames(); !reflect.DeepEqual(got, []string{"claude", "claude-sub"}) {
		t.Fatalf("sourceNames = %v", got)
	}
	w.handleEvent(nil, fsnotify.Event{Name: "/logs/s/a.jsonl", Op: fsnotify.Write})
	due := w.due(time.Now().Add(2 * time.Second))
	if !reflect.DeepEqual(due, []string{"claude", "claude-sub"}) {
		t.Errorf("due = %v, want both sources", due)
	}
}

func TestWatcher_SQLiteMatchesOnlyDatabaseFiles(t *testing.T) {
	w := NewWatcher(nil, []source.Definition{
		{Name: "opencode", Kind: source.KindSQLite, Database: "/home/u/usage.db"},
		{Name: "claude", Kind: source.KindJSONL, Paths: []string{"/home/u/.claude/projects"}},
	}, time.Second, time.Minute, false)

	cases := map[string][]string{
		"/home/u/usage.db":                   {"opencode"},
		"/home/u/usage.db-wal":               {"opencode"},
		"/home/u/notes.txt":                  nil,
		"/home/u/sub/usage.db":               nil,
		"/home/u/.claude/projects/p/s.jsonl": {"claude"},
	}
	for path, want := range cases {
		if got := w.sourcesFor(path); !reflect.DeepEqual(got, want) {
			t.Errorf("sourcesFor(%q) = %v, want %v", path, got, want)
		}
	}
	if w.insideRecursiveRoot("/home/u/sub") {
		t.Error("database directory treated as a recursive root")
	}
}

func TestWatcher_SQLiteDirectoryIsNotDescended(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "big", "tree")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	w := NewWatcher(nil, []source.Definition{
		{Name: "opencode", Kind: source.KindSQLite, Database: filepath.Join(dir, "usage.db")},
	}, time.Second, time.Minute, false)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	defer fw.Close()

	if polled := w.watchRoots(fw); len(polled) != 0 {
		t.Fatalf("polled = %v", polled)
	}
	list := fw.WatchList()
	if len(list) != 1 || filepath.Clean(list[0]) != filepath.Clean(dir) {
		t.Errorf("watch list = %v, want only %s", list, dir)
	}
}

func TestWatcher_DebounceWindow(t *testing.T) {
	w := NewWatcher(nil, nil, time.Second, time.Minute, false)
	now := time.Now()
	w.mark("claude", now)
	w.mark("codex", now.Add(-2*time.Second))

	due := w.due(now.Add(500 * time.Millisecond))
	if len(due) != 1 || due[0] != "codex" {
		t.Fatalf("due = %v, want [codex]", due)
	}

	// A new event for claude restarts its window.
	w.mark("claude", now.Add(900*time.Millisecond))
	if due := w.due(now.Add(1500 * time.Millisecond)); len(due) != 0 {
		t.Errorf("due = %v, want none", due)
	}
	if due := w.due(now.Add(2 * time.Second)); len(due) != 1 || due[0] != "claude" {
		t.Errorf("due = %v, want [claude]", due)
	}
}

func TestWatcher_SyncsOnStartAndOnChange(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{name: "claude"}
	e := NewEngine(openTestStore(t), openCheckpoints(t), "m", map[string]source.Source{"claude": src})

	w := NewWatcher(e, []source.Definition{
		{Name: "claude", Kind: source.KindJSONL, Paths: []string{dir}},
	}, 50*time.Millisecond, time.Hour, false)

	reports := make(chan *Report, 8)
	w.OnReport = func(r *Report, _ error) { reports <- r }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitReport := func(what string) *Report {
		t.Helper()
		select {
		case r := <-reports:
			return r
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", what)
			return nil
		}
	}

	first := waitReport("initial sync")
	if first == nil || len(first.Sources) != 1 {
		t.Fatalf("initial report = %+v", first)
	}

	sub := filepath.Join(dir, "project")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	waitReport("directory creation")

	if err := os.WriteFile(filepath.Join(sub, "s.jsonl"), []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := waitReport("write in new directory")
	if len(r.Sources) != 1 || r.Sources[0].Name != "claude" {
		t.Errorf("report sources = %+v", r.Sources)
	}
	if src.scanCount() < 3 {
		t.Errorf("scans = %d, want at least 3", src.scanCount())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_MissingRootFallsBackToPolling(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "not-yet")
	src := &fakeSource{name: "codex"}
	e := NewEngine(openTestStore(t), openCheckpoints(t), "m", map[string]source.Source{"codex": src})

	w := NewWatcher(e, []source.Definition{
		{Name: "codex", Kind: source.KindJSONL, Paths: []string{missing}},
	}, 50*time.Millisecond, 30*time.Millisecond, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	polls := make(chan struct{}, 16)
	w.OnReport = func(*Report, error) { polls <- struct{}{} }
	go w.Run(ctx)

	for i := 0; i < 3; i++ {
		select {
		case <-polls:
		case <-ctx.Done():
			t.Fatalf("only %d syncs before timeout", i)
		}
	}
}
