package source

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"time"

	"github.com/kalambet/tokdash/internal/checkpoint"
	"github.com/kalambet/tokdash/internal/usage"
)

type taskSource struct {
	def    Definition
	mapper *mapper
}

type taskDoc struct {
	path string
	ts   time.Time
	body []byte
}

func (s *taskSource) Name() string { return s.def.Name }
func (s *taskSource) Kind() Kind   { return KindTasks }

func (s *taskSource) Scan(ctx context.Context, prev checkpoint.Record, opts ScanOptions) (*Result, error) {
	var cursor checkpoint.TaskCursor
	if !opts.Full && prev.Task != nil {
		cursor = *prev.Task
	}

	files, err := listFiles(ctx, s.def.Paths, s.def.Include)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	tasks := make([]taskDoc, 0, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := s.load(path)
		if err != nil {
			res.Errors = append(res.Errors, FileError{Path: path, Err: err})
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].ts.Equal(tasks[j].ts) {
			return tasks[i].ts.Before(tasks[j].ts)
		}
		return tasks[i].path < tasks[j].path
	})

	for i, t := range tasks {
		if !after(t, cursor) {
			res.Skipped++
			continue
		}
		if opts.Limit > 0 && len(res.Records) >= opts.Limit {
			res.Truncated = true
			break
		}
		res.Scanned++
		fr := jsonFields(t.body)
		if s.mapper.matches(fr) {
			rec, err := s.mapper.record(fr, opts.MachineID)
			if err != nil {
				res.Dropped++
			} else {
				if rec.MessageID == "" && s.def.Fields.TaskID != "" {
					rec.MessageID = s.mapper.str(fr, s.def.Fields.TaskID)
				}
				res.Records = append(res.Records, rec)
			}
		}
		cursor = checkpoint.TaskCursor{LastTimestamp: t.ts, LastTaskID: t.path}
		if opts.Progress != nil {
			opts.Progress(i+1, len(tasks))
		}
	}

	res.Checkpoint = checkpoint.Record{LastSynced: prev.LastSynced, Task: &cursor}
	res.Stats = usage.Aggregate(res.Records)
	return res, nil
}

func (s *taskSource) load(path string) (taskDoc, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return taskDoc{}, err
	}
	if !json.Valid(body) {
		return taskDoc{}, errors.New("invalid JSON")
	}
	raw, ok := jsonFields(body).value(s.def.Fields.Timestamp)
	if !ok {
		return taskDoc{}, errors.New("missing timestamp")
	}
	ts, err := parseTimestamp(raw)
	if err != nil {
		return taskDoc{}, err
	}
	return taskDoc{path: path, ts: ts, body: body}, nil
}

// after reports whether t sorts strictly after the cursor.
func after(t taskDoc, c checkpoint.TaskCursor) bool {
	if t.ts.After(c.LastTimestamp) {
		return true
	}
	return t.ts.Equal(c.LastTimestamp) && t.path > c.LastTaskID
}
