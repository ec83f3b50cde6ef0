package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(defs []Definition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}

func TestLoadDefinitionsMissingFileReturnsBuiltins(t *testing.T) {
	defs, err := LoadDefinitions(filepath.Join(t.TempDir(), "sources.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"claude", "codex"}, names(defs))
}

func TestLoadDefinitionsOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	yml := `
sources:
  - name: codex
    disabled: true
  - name: claude
    kind: jsonl
    paths: [/var/logs/claude]
    fields:
      timestamp: ts
      input: in
  - name: opencode
    kind: sqlite
    database: /tmp/opencode.db
    table: messages
    fields:
      timestamp: created_at
      model: model_id
      input: tokens_in
      output: tokens_out
  - name: kiro
    kind: tasks
    paths: [/tmp/kiro]
    fields:
      timestamp: createdAt
      output: usage.output
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	defs, err := LoadDefinitions(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"claude", "kiro", "opencode"}, names(defs))

	assert.Equal(t, []string{"/var/logs/claude"}, defs[0].Paths)
	assert.Equal(t, "*.jsonl", defs[0].Include)
	assert.Equal(t, "*.json", defs[1].Include)
	assert.Equal(t, KindSQLite, defs[2].Kind)
}

func TestLoadDefinitionsRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	yml := `
sources:
  - name: bad
    kind: sqlite
    database: /tmp/x.db
    table: "messages; DROP TABLE x"
    fields:
      timestamp: ts
      input: in
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	_, err := LoadDefinitions(path)
	assert.ErrorContains(t, err, "not a valid identifier")
}

func TestLoadDefinitionsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sources: [\n"), 0o600))
	_, err := LoadDefinitions(path)
	assert.Error(t, err)
}

func TestDefinitionValidate(t *testing.T) {
	base := Definition{
		Name:   "tool",
		Kind:   KindJSONL,
		Paths:  []string{"/tmp"},
		Fields: FieldMap{Timestamp: "ts", Input: "in"},
	}
	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantErr string
	}{
		{"valid", func(*Definition) {}, ""},
		{"bad name", func(d *Definition) { d.Name = "Tool!" }, "name must match"},
		{"no timestamp", func(d *Definition) { d.Fields.Timestamp = "" }, "timestamp is required"},
		{"no counters", func(d *Definition) { d.Fields.Input = "" }, "input or fields.output"},
		{"no paths", func(d *Definition) { d.Paths = nil }, "paths is required"},
		{"unknown kind", func(d *Definition) { d.Kind = "csv" }, "unknown kind"},
		{"sqlite without database", func(d *Definition) { d.Kind = KindSQLite; d.Table = "t" }, "database is required"},
		{"sqlite bad column", func(d *Definition) {
			d.Kind = KindSQLite
			d.Database = "/tmp/x.db"
			d.Table = "t"
			d.Fields.Model = "a.b"
		}, "column"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base
			tt.mutate(&d)
			err := d.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestBuiltinsValidate(t *testing.T) {
	for _, d := range Builtin() {
		assert.NoError(t, d.Validate(), d.Name)
	}
}

func TestWatchPaths(t *testing.T) {
	assert.Equal(t, []string{"/a", "/b"}, WatchPaths(Definition{Kind: KindJSONL, Paths: []string{"/a", "/b"}}))
	assert.Equal(t, []string{"/data"}, WatchPaths(Definition{Kind: KindSQLite, Database: "/data/app.db"}))
	assert.Nil(t, WatchFiles(Definition{Kind: KindJSONL, Paths: []string{"/a"}}))
	assert.Equal(t, []string{"app.db", "app.db-wal", "app.db-shm", "app.db-journal"},
		WatchFiles(Definition{Kind: KindSQLite, Database: "/data/app.db"}))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".claude"), ExpandHome("~/.claude"))
	assert.Equal(t, "/abs", ExpandHome("/abs"))
	assert.Equal(t, "~user/x", ExpandHome("~user/x"))
}
