package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/kalambet/tokdash/internal/checkpoint"
	"github.com/kalambet/tokdash/internal/usage"
)

type jsonlSource struct {
	def    Definition
	mapper *mapper
}

func (s *jsonlSource) Name() string { return s.def.Name }
func (s *jsonlSource) Kind() Kind   { return KindJSONL }

func (s *jsonlSource) Scan(ctx context.Context, prev checkpoint.Record, opts ScanOptions) (*Result, error) {
	if opts.Full {
		prev = checkpoint.Record{}
	}
	next := prev.Clone()
	if next.Files == nil {
		next.Files = make(map[string]checkpoint.FileState)
	}
	next.SQLite, next.Task = nil, nil

	files, err := listFiles(ctx, s.def.Paths, s.def.Include)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
	}
	next.Prune(present)

	res := &Result{}
	for i, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if opts.Limit > 0 && len(res.Records) >= opts.Limit {
			if s.pending(files[i:], next) {
				res.Truncated = true
			}
			break
		}

		info, err := os.Stat(path)
		if err != nil {
			res.Errors = append(res.Errors, FileError{Path: path, Err: err})
			continue
		}
		mtime, size := info.ModTime().UnixMilli(), info.Size()
		d := next.Decide(path, mtime, size)
		if d.Action == checkpoint.Skip {
			res.Skipped++
			s.progress(opts, i+1, len(files))
			continue
		}

		remaining := 0
		if opts.Limit > 0 {
			remaining = opts.Limit - len(res.Records)
		}
		st, stopped, err := s.readFile(ctx, path, d.FromLine, remaining, opts.MachineID, res)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res.Errors = append(res.Errors, FileError{Path: path, Err: err})
			continue
		}
		st.MTime = mtime
		if !stopped && st.Size < size {
			// An unfinished last line is left for later. Recording the size
			// seen keeps an untouched file on Skip until it grows again.
			st.Size = size
		}
		next.Files[path] = st
		res.Scanned++
		s.progress(opts, i+1, len(files))

		if stopped {
			res.Truncated = true
			break
		}
	}

	res.Checkpoint = next
	res.Stats = usage.Aggregate(res.Records)
	return res, nil
}

// pending reports whether any of files still has unread data.
func (s *jsonlSource) pending(files []string, cp checkpoint.Record) bool {
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if cp.Decide(path, info.ModTime().UnixMilli(), info.Size()).Action != checkpoint.Skip {
			return true
		}
	}
	return false
}

func (s *jsonlSource) progress(opts ScanOptions, done, total int) {
	if opts.Progress != nil {
		opts.Progress(done, total)
	}
}

// readFile appends records from path starting after fromLine complete lines.
// It stops early once limit records were added and more data remains,
// reporting stopped. The returned state covers only the bytes consumed.
func (s *jsonlSource) readFile(ctx context.Context, path string, fromLine, limit int, machineID string, res *Result) (checkpoint.FileState, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return checkpoint.FileState{}, false, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var (
		consumed int64
		line     int
		added    int
	)
	for {
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return checkpoint.FileState{}, false, err
			}
		}
		if limit > 0 && added >= limit {
			if _, err := r.Peek(1); err == nil {
				return checkpoint.FileState{Size: consumed, LastLine: line}, true, nil
			}
		}

		raw, err := r.ReadBytes('\n')
		if len(raw) == 0 && errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return checkpoint.FileState{}, false, err
		}

		terminated := raw[len(raw)-1] == '\n'
		body := bytes.TrimSpace(raw)
		if !terminated && !json.Valid(body) {
			// A writer may still be appending this line.
			break
		}
		consumed += int64(len(raw))
		line++

		if line > fromLine && len(body) > 0 && json.Valid(body) {
			if s.handle(body, machineID, res) {
				added++
			}
		}
		if !terminated {
			break
		}
	}
	return checkpoint.FileState{Size: consumed, LastLine: line}, false, nil
}

func (s *jsonlSource) handle(body []byte, machineID string, res *Result) bool {
	fr := jsonFields(body)
	if !s.mapper.matches(fr) {
		return false
	}
	rec, err := s.mapper.record(fr, machineID)
	if err != nil {
		res.Dropped++
		return false
	}
	res.Records = append(res.Records, rec)
	return true
}
