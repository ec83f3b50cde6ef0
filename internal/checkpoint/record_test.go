package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	rec := Record{Files: map[string]FileState{
		"known": {MTime: 100, Size: 500, LastLine: 10},
	}}

	tests := []struct {
		name  string
		path  string
		mtime int64
		size  int64
		want  Decision
	}{
		{"new file", "new", 100, 10, Decision{Action: Process}},
		{"unchanged", "known", 100, 500, Decision{Action: Skip, FromLine: 10}},
		{"appended", "known", 200, 800, Decision{Action: Resume, FromLine: 10}},
		{"grown with same mtime", "known", 100, 600, Decision{Action: Resume, FromLine: 10}},
		{"truncated", "known", 200, 100, Decision{Action: Process}},
		{"rewritten same size", "known", 300, 500, Decision{Action: Process}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rec.Decide(tt.path, tt.mtime, tt.size))
		})
	}
}

func TestDecide_EmptyRecord(t *testing.T) {
	var rec Record
	assert.Equal(t, Decision{Action: Process}, rec.Decide("any", 1, 1))
}

func TestPrune(t *testing.T) {
	rec := Record{Files: map[string]FileState{"a": {}, "b": {}, "c": {}}}
	removed := rec.Prune(map[string]bool{"a": true, "c": true})
	assert.Equal(t, 1, removed)
	assert.Len(t, rec.Files, 2)
	assert.NotContains(t, rec.Files, "b")
}

func TestKindAndClone(t *testing.T) {
	assert.Equal(t, KindNone, Record{}.Kind())

	orig := Record{SQLite: &SQLiteCursor{Database: "x", LastRowID: 5}}
	cp := orig.Clone()
	cp.SQLite.LastRowID = 9
	assert.Equal(t, int64(5), orig.SQLite.LastRowID)
	assert.Equal(t, KindSQLite, cp.Kind())
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "process", Process.String())
	assert.Equal(t, "resume", Resume.String())
	assert.Equal(t, "skip", Skip.String())
}
