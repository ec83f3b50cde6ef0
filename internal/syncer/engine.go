// Package syncer moves usage from tool logs into the local ledger and from
// the ledger to the leaderboard.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kalambet/tokdash/internal/checkpoint"
	"github.com/kalambet/tokdash/internal/source"
	"github.com/kalambet/tokdash/internal/storage"
	"github.com/kalambet/tokdash/internal/usage"
)

// ErrUnknownSource is returned by Run for a source name with no definition.
var ErrUnknownSource = errors.New("unknown source")

// Ledger is the part of storage.Store the engine writes to.
type Ledger interface {
	InsertRecords(recs []usage.Record) (int, error)
	SaveSyncRun(run storage.SyncRun) error
	EnqueueJob(job storage.Job) error
	CountJobs(jobType, status string) (int, error)
}

// Checkpoints is the part of checkpoint.Store the engine uses.
type Checkpoints interface {
	Get(machine, source string) (checkpoint.Record, bool)
	Put(machine, source string, rec checkpoint.Record)
	Save() error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RunOptions selects what a sync does.
type RunOptions struct {
	// Sources limits the run to the named sources. Empty means all.
	Sources []string
	Full    bool
	Limit   int
	// Upload queues an upload job when new records were stored.
	Upload bool
	// Progress, when set, receives per-source scan progress.
	Progress func(source string, done, total int)
}

// SourceReport is the outcome for one source.
type SourceReport struct {
	Name       string             `json:"name"`
	Inserted   int                `json:"inserted"`
	Duplicates int                `json:"duplicates"`
	Scanned    int                `json:"scanned"`
	Skipped    int                `json:"skipped"`
	Dropped    int                `json:"dropped"`
	Errors     []source.FileError `json:"-"`
	Truncated  bool               `json:"truncated"`
	Stats      usage.Stats        `json:"stats"`
	Err        error              `json:"-"`
	Duration   time.Duration      `json:"duration"`
}

// Report is the outcome of one Run.
type Report struct {
	Sources      []SourceReport `json:"sources"`
	UploadQueued bool           `json:"upload_queued"`
}

// Inserted returns the number of new records across all sources.
func (r *Report) Inserted() int {
	n := 0
	for _, s := range r.Sources {
		n += s.Inserted
	}
	return n
}

// Failed reports whether any source failed outright.
func (r *Report) Failed() bool {
	for _, s := range r.Sources {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Engine runs sources one after another, storing their records and
// checkpoints.
type Engine struct {
	ledger      Ledger
	checkpoints Checkpoints
	machineID   string
	sources     map[string]source.Source
	clock       Clock
	logger      *slog.Logger

	mu sync.Mutex
}

// NewEngine creates an Engine over the given sources.
func NewEngine(ledger Ledger, checkpoints Checkpoints, machineID string, sources map[string]source.Source) *Engine {
	return &Engine{
		ledger:      ledger,
		checkpoints: checkpoints,
		machineID:   machineID,
		sources:     sources,
		clock:       realClock{},
		logger:      slog.Default(),
	}
}

// MachineID returns the machine the engine records usage for.
func (e *Engine) MachineID() string { return e.machineID }

// Names returns the configured source names in order.
func (e *Engine) Names() []string {
	names := make([]string, 0, len(e.sources))
	for n := range e.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run syncs the selected sources. A failing source is reported and the
// remaining sources still run. Concurrent calls are serialized.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	names := opts.Sources
	if len(names) == 0 {
		names = e.Names()
	}
	for _, n := range names {
		if _, ok := e.sources[n]; !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownSource, n)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	report := &Report{}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sr := e.runSource(ctx, name, opts)
		if errors.Is(sr.Err, context.Canceled) || errors.Is(sr.Err, context.DeadlineExceeded) {
			report.Sources = append(report.Sources, sr)
			return report, sr.Err
		}
		report.Sources = append(report.Sources, sr)
	}

	if opts.Upload && report.Inserted() > 0 {
		queued, err := e.queueUpload(report.Inserted())
		if err != nil {
			e.logger.Error("queueing upload failed", "error", err)
		}
		report.UploadQueued = queued
	}
	return report, nil
}

func (e *Engine) runSource(ctx context.Context, name string, opts RunOptions) SourceReport {
	src := e.sources[name]
	sr := SourceReport{Name: name}
	started := e.clock.Now()
	defer func() {
		sr.Duration = e.clock.Now().Sub(started)
		e.recordRun(sr, started)
	}()

	prev, _ := e.checkpoints.Get(e.machineID, name)
	scanOpts := source.ScanOptions{
		Limit:     opts.Limit,
		Full:      opts.Full,
		MachineID: e.machineID,
	}
	if opts.Progress != nil {
		scanOpts.Progress = func(done, total int) { opts.Progress(name, done, total) }
	}

	res, err := src.Scan(ctx, prev, scanOpts)
	if err != nil {
		sr.Err = fmt.Errorf("scanning %s: %w", name, err)
		e.logger.Error("scan failed", "source", name, "error", err)
		return sr
	}
	sr.Scanned, sr.Skipped, sr.Dropped = res.Scanned, res.Skipped, res.Dropped
	sr.Truncated = res.Truncated
	sr.Errors = res.Errors
	sr.Stats = res.Stats
	for _, fe := range res.Errors {
		e.logger.Warn("skipped unreadable item", "source", name, "file", fe.Path, "error", fe.Err)
	}

	inserted, err := e.ledger.InsertRecords(res.Records)
	if err != nil {
		sr.Err = fmt.Errorf("storing %s records: %w", name, err)
		e.logger.Error("ledger insert failed, checkpoint not advanced", "source", name, "error", err)
		return sr
	}
	sr.Inserted = inserted
	sr.Duplicates = len(res.Records) - inserted

	next := res.Checkpoint
	next.LastSynced = e.clock.Now().UTC()
	e.checkpoints.Put(e.machineID, name, next)
	if err := e.checkpoints.Save(); err != nil {
		sr.Err = fmt.Errorf("saving checkpoint for %s: %w", name, err)
		e.logger.Error("checkpoint save failed", "source", name, "error", err)
		return sr
	}

	e.logger.Debug("source synced", "source", name,
		"inserted", sr.Inserted, "duplicates", sr.Duplicates,
		"scanned", sr.Scanned, "skipped", sr.Skipped, "truncated", sr.Truncated)
	return sr
}

func (e *Engine) recordRun(sr SourceReport, started time.Time) {
	run := storage.SyncRun{
		Source:     sr.Name,
		StartedAt:  started,
		FinishedAt: started.Add(sr.Duration),
		Inserted:   sr.Inserted,
		Duplicates: sr.Duplicates,
		Scanned:    sr.Scanned,
		Skipped:    sr.Skipped,
		Errors:     len(sr.Errors),
		Truncated:  sr.Truncated,
	}
	if sr.Err != nil {
		run.Error = sr.Err.Error()
	}
	if err := e.ledger.SaveSyncRun(run); err != nil {
		e.logger.Warn("recording sync run failed", "source", sr.Name, "error", err)
	}
}

type uploadPayload struct {
	Reason  string `json:"reason"`
	Records int    `json:"records"`
}

// queueUpload enqueues an upload job unless one is already pending.
func (e *Engine) queueUpload(records int) (bool, error) {
	pending, err := e.ledger.CountJobs(JobUpload, "pending")
	if err != nil {
		return false, fmt.Errorf("counting pending uploads: %w", err)
	}
	if pending > 0 {
		return true, nil
	}
	payload, err := json.Marshal(uploadPayload{Reason: "sync", Records: records})
	if err != nil {
		return false, err
	}
	if err := e.ledger.EnqueueJob(storage.Job{Type: JobUpload, PayloadJSON: string(payload)}); err != nil {
		return false, fmt.Errorf("enqueueing upload: %w", err)
	}
	return true, nil
}
