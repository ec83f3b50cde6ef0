package prefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the preferences file inside the config directory.
const FileName = "preferences.json"

// FileStore keeps preferences in a JSON file readable only by the owner.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by <dir>/preferences.json.
func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(dir, FileName)}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Load reads the file. Fields absent from the file, or the whole file when
// missing, take their default values.
func (s *FileStore) Load() (Preferences, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Defaults(), nil
	}
	if err != nil {
		return Preferences{}, err
	}
	p := Defaults()
	if err := json.Unmarshal(data, &p); err != nil {
		return Preferences{}, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return p, nil
}

// Save replaces the file contents.
func (s *FileStore) Save(p Preferences) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
