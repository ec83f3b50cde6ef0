// Package checkpoint persists per-machine, per-source sync progress in a
// single JSON document so unchanged log data is not read twice.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileName is the checkpoint document's name inside the data directory.
const FileName = "checkpoints.json"

const currentVersion = 1

// ErrUnknownSource is returned when resetting a source with no checkpoint.
var ErrUnknownSource = errors.New("no checkpoint for source")

type document struct {
	Version  int                          `json:"version"`
	Machines map[string]map[string]Record `json:"machines"`
}

// Store is the checkpoint document loaded in memory. Changes are written
// back with Save.
type Store struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	doc document
}

// Open loads the checkpoint document at path. A missing file yields an empty
// store. A corrupt file is logged and replaced by an empty store on the next
// Save, since reprocessed usage is deduplicated downstream.
func Open(path string) (*Store, error) {
	s := &Store{
		path:   path,
		logger: slog.Default(),
		doc:    emptyDocument(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		s.logger.Warn("checkpoint file unreadable, starting fresh", "path", path, "error", err)
		return s, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("checkpoint file corrupt, starting fresh", "path", path, "error", err)
		return s, nil
	}
	if doc.Version > currentVersion {
		return nil, fmt.Errorf("checkpoint file %s has version %d, newer than supported %d", path, doc.Version, currentVersion)
	}
	if doc.Machines == nil {
		doc.Machines = make(map[string]map[string]Record)
	}
	doc.Version = currentVersion
	s.doc = doc
	return s, nil
}

func emptyDocument() document {
	return document{Version: currentVersion, Machines: make(map[string]map[string]Record)}
}

// Path returns the file the store reads and writes.
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the checkpoint for source on machine.
func (s *Store) Get(machine, source string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.doc.Machines[machine][source]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Put replaces the checkpoint for source on machine.
func (s *Store) Put(machine, source string, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.doc.Machines[machine]
	if !ok {
		m = make(map[string]Record)
		s.doc.Machines[machine] = m
	}
	m[source] = rec.Clone()
}

// Reset forgets the checkpoint for one source so the next sync rereads it.
func (s *Store) Reset(machine, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.doc.Machines[machine]
	if _, ok := m[source]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	delete(m, source)
	if len(m) == 0 {
		delete(s.doc.Machines, machine)
	}
	return nil
}

// ResetMachine forgets every checkpoint for machine and returns how many
// sources were cleared.
func (s *Store) ResetMachine(machine string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.doc.Machines[machine])
	delete(s.doc.Machines, machine)
	return n
}

// Sources lists the sources with a checkpoint on machine, sorted by name.
func (s *Store) Sources(machine string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.doc.Machines[machine]))
	for name := range s.doc.Machines[machine] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save writes the document atomically with owner-only permissions.
func (s *Store) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encoding checkpoints: %w", err)
	}
	return writeFileAtomic(s.path, data, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoints-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
