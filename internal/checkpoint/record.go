package checkpoint

import "time"

// Kind reports which cursor a record carries.
type Kind string

const (
	KindNone   Kind = ""
	KindFiles  Kind = "files"
	KindSQLite Kind = "sqlite"
	KindTask   Kind = "task"
)

// FileState is what was known about a log file after it was last read.
// Size is the file size seen by that read, or the number of bytes consumed
// when the read stopped early at the item limit.
type FileState struct {
	MTime    int64 `json:"mtime"`
	Size     int64 `json:"size"`
	LastLine int   `json:"lastLine"`
}

// SQLiteCursor tracks progress through a tool's SQLite database.
type SQLiteCursor struct {
	Database  string `json:"database"`
	LastRowID int64  `json:"lastRowId"`
}

// TaskCursor tracks the newest task document processed.
type TaskCursor struct {
	LastTimestamp time.Time `json:"lastTimestamp"`
	LastTaskID    string    `json:"lastTaskId"`
}

// Record is the checkpoint for one source on one machine. At most one of
// Files, SQLite and Task is set.
type Record struct {
	LastSynced time.Time            `json:"lastSynced"`
	Files      map[string]FileState `json:"files,omitempty"`
	SQLite     *SQLiteCursor        `json:"sqlite,omitempty"`
	Task       *TaskCursor          `json:"task,omitempty"`
}

// Kind returns the cursor type held by r.
func (r Record) Kind() Kind {
	switch {
	case r.Files != nil:
		return KindFiles
	case r.SQLite != nil:
		return KindSQLite
	case r.Task != nil:
		return KindTask
	default:
		return KindNone
	}
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	cp := Record{LastSynced: r.LastSynced}
	if r.Files != nil {
		cp.Files = make(map[string]FileState, len(r.Files))
		for k, v := range r.Files {
			cp.Files[k] = v
		}
	}
	if r.SQLite != nil {
		c := *r.SQLite
		cp.SQLite = &c
	}
	if r.Task != nil {
		c := *r.Task
		cp.Task = &c
	}
	return cp
}

// Action is what a reader should do with a file.
type Action int

const (
	// Process reads the file from FromLine, which is always 0.
	Process Action = iota
	// Resume reads the file from FromLine, skipping lines already consumed.
	Resume
	// Skip leaves the file alone.
	Skip
)

func (a Action) String() string {
	switch a {
	case Process:
		return "process"
	case Resume:
		return "resume"
	case Skip:
		return "skip"
	default:
		return "unknown"
	}
}

// Decision tells a reader how to treat one file.
type Decision struct {
	Action   Action
	FromLine int
}

// Decide compares a file's current modification time (unix ms) and size
// with its checkpoint entry.
func (r Record) Decide(path string, mtime, size int64) Decision {
	prev, ok := r.Files[path]
	if !ok {
		return Decision{Action: Process}
	}
	switch {
	case prev.MTime == mtime && prev.Size == size:
		return Decision{Action: Skip, FromLine: prev.LastLine}
	case size > prev.Size:
		return Decision{Action: Resume, FromLine: prev.LastLine}
	default:
		// Shrunk, or rewritten in place with the same length.
		return Decision{Action: Process}
	}
}

// Prune drops entries for files not present in the latest listing.
// It returns the number of entries removed.
func (r Record) Prune(present map[string]bool) int {
	removed := 0
	for path := range r.Files {
		if !present[path] {
			delete(r.Files, path)
			removed++
		}
	}
	return removed
}
