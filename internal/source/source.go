// Package source reads token usage out of AI coding tool logs.
//
// Tools are described declaratively by a Definition and read by one of three
// generic readers. Each reader resumes from a checkpoint.Record and returns
// the updated record alongside the new usage records.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kalambet/tokdash/internal/checkpoint"
	"github.com/kalambet/tokdash/internal/usage"
)

// Kind selects the reader used for a source.
type Kind string

const (
	KindJSONL  Kind = "jsonl"
	KindSQLite Kind = "sqlite"
	KindTasks  Kind = "tasks"
)

// ScanOptions controls a single scan.
type ScanOptions struct {
	// Limit caps the number of records returned. Zero means unlimited.
	Limit int
	// Full ignores the previous checkpoint.
	Full      bool
	MachineID string
	// Progress, when set, is called after each unit of work.
	Progress func(done, total int)
}

// FileError records a file or row that could not be read.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string { return e.Path + ": " + e.Err.Error() }

func (e FileError) Unwrap() error { return e.Err }

// Result is the outcome of a scan.
type Result struct {
	Records    []usage.Record
	Stats      usage.Stats
	Checkpoint checkpoint.Record
	Errors     []FileError
	// Scanned counts files, rows or tasks that were read.
	Scanned int
	// Skipped counts files or tasks left alone because the checkpoint
	// showed them unchanged.
	Skipped int
	// Dropped counts items that matched but carried no usable usage.
	Dropped   int
	Truncated bool
}

// Source produces usage records for one tool.
type Source interface {
	Name() string
	Kind() Kind
	Scan(ctx context.Context, prev checkpoint.Record, opts ScanOptions) (*Result, error)
}

// Build returns the reader for d.
func Build(d Definition) (Source, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	m, err := newMapper(d)
	if err != nil {
		return nil, err
	}
	switch d.Kind {
	case KindJSONL:
		return &jsonlSource{def: d, mapper: m}, nil
	case KindSQLite:
		return &sqliteSource{def: d, mapper: m}, nil
	case KindTasks:
		return &taskSource{def: d, mapper: m}, nil
	}
	return nil, fmt.Errorf("source %q: unknown kind %q", d.Name, d.Kind)
}

// BuildAll builds every definition, keyed by name.
func BuildAll(defs []Definition) (map[string]Source, error) {
	out := make(map[string]Source, len(defs))
	for _, d := range defs {
		s, err := Build(d)
		if err != nil {
			return nil, err
		}
		out[d.Name] = s
	}
	return out, nil
}

// WatchPaths returns the directories a watcher should observe for d.
func WatchPaths(d Definition) []string {
	var out []string
	switch d.Kind {
	case KindSQLite:
		out = append(out, filepath.Dir(ExpandHome(d.Database)))
	default:
		for _, p := range d.Paths {
			out = append(out, ExpandHome(p))
		}
	}
	return out
}

// WatchFiles returns the base names a watcher should react to inside the
// paths of WatchPaths, or nil when any change below them counts. A SQLite
// source only cares about its database and journal files, so its directory
// is watched without descending into it.
func WatchFiles(d Definition) []string {
	if d.Kind != KindSQLite {
		return nil
	}
	base := filepath.Base(ExpandHome(d.Database))
	return []string{base, base + "-wal", base + "-shm", base + "-journal"}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// listFiles walks roots and returns files whose base name matches include,
// sorted by path. Missing roots are ignored.
func listFiles(ctx context.Context, roots []string, include string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	for _, root := range roots {
		root = ExpandHome(root)
		if _, err := os.Stat(root); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				if path == root {
					return err
				}
				// Unreadable subdirectories are skipped, not fatal.
				return filepath.SkipDir
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				return nil
			}
			ok, err := filepath.Match(include, d.Name())
			if err != nil {
				return err
			}
			if ok {
				if _, dup := seen[path]; !dup {
					seen[path] = struct{}{}
					files = append(files, path)
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}
	sort.Strings(files)
	return files, nil
}
