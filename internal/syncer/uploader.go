package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/tokdash/internal/prefs"
	"github.com/kalambet/tokdash/internal/remote"
	"github.com/kalambet/tokdash/internal/storage"
	"github.com/kalambet/tokdash/internal/usage"
)

// JobUpload is the job type that uploads unsynced ledger records.
const JobUpload = "upload_usage"

// BatchSize is the number of records sent per submission.
const BatchSize = 500

// UploadStore abstracts the job queue and ledger operations the uploader needs.
type UploadStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	UnsyncedRecords(limit int) ([]storage.Entry, error)
	MarkSynced(keys []string, at time.Time) (int, error)
}

// Submitter sends usage to the leaderboard.
type Submitter interface {
	Submit(ctx context.Context, sub remote.Submission) (*remote.SubmitResponse, error)
}

// PreferenceSource supplies the user's sharing preferences.
type PreferenceSource interface {
	Get() (prefs.Preferences, error)
}

// Uploader processes upload_usage jobs from the SQLite job queue.
type Uploader struct {
	store     UploadStore
	client    Submitter
	prefs     PreferenceSource
	machineID string
	clientID  string
	poll      time.Duration
	batch     int
	clock     Clock
	logger    *slog.Logger
}

// NewUploader creates an Uploader. If pollInterval is <= 0, it defaults to
// 500ms. prefs may be nil, in which case uploads are anonymous and include
// model names.
func NewUploader(store UploadStore, client Submitter, p PreferenceSource, machineID, version string, pollInterval time.Duration) *Uploader {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Uploader{
		store:     store,
		client:    client,
		prefs:     p,
		machineID: machineID,
		clientID:  "tokdash/" + version,
		poll:      pollInterval,
		batch:     BatchSize,
		clock:     realClock{},
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (u *Uploader) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := u.RunOnce(ctx)
		if err != nil {
			u.logger.Error("uploader iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(u.poll):
		}
	}
}

// Drain processes claimable jobs until none remain and returns how many
// were handled.
func (u *Uploader) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		done, err := u.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !done {
			return n, nil
		}
		n++
	}
}

// RunOnce claims and processes a single upload job.
// Returns true if a job was processed (regardless of success/failure).
func (u *Uploader) RunOnce(ctx context.Context) (bool, error) {
	job, err := u.store.ClaimNextJob([]string{JobUpload})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	sent, err := u.upload(ctx)
	if err != nil {
		u.logger.Warn("upload job failed", "job_id", job.ID, "sent", sent, "error", err)
		if failErr := u.store.FailJob(job.ID, err.Error()); failErr != nil {
			u.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := u.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	u.logger.Info("upload complete", "job_id", job.ID, "records", sent)
	return true, nil
}

// upload sends every unsynced record in batches and returns how many were
// accepted before any error.
func (u *Uploader) upload(ctx context.Context) (int, error) {
	p, profile := u.preferences()

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		entries, err := u.store.UnsyncedRecords(u.batch)
		if err != nil {
			return sent, fmt.Errorf("loading unsynced records: %w", err)
		}
		if len(entries) == 0 {
			return sent, nil
		}

		recs := make([]usage.Record, len(entries))
		keys := make([]string, len(entries))
		for i, e := range entries {
			recs[i] = e.Record
			if !p.ShareModels {
				recs[i].Model = ""
			}
			keys[i] = e.Key
		}

		_, err = u.client.Submit(ctx, remote.Submission{
			MachineID: u.machineID,
			Client:    u.clientID,
			Profile:   profile,
			Records:   recs,
		})
		if err != nil {
			if errors.Is(err, remote.ErrUnauthorized) {
				return sent, fmt.Errorf("submitting batch (check api.token): %w", err)
			}
			return sent, fmt.Errorf("submitting batch: %w", err)
		}
		if _, err := u.store.MarkSynced(keys, u.clock.Now()); err != nil {
			return sent, fmt.Errorf("marking batch synced: %w", err)
		}
		sent += len(entries)
		if len(entries) < u.batch {
			return sent, nil
		}
	}
}

// preferences returns the sharing preferences and the public profile, if
// the user opted into one.
func (u *Uploader) preferences() (prefs.Preferences, *remote.Profile) {
	p := prefs.Defaults()
	if u.prefs != nil {
		got, err := u.prefs.Get()
		if err != nil {
			u.logger.Warn("loading preferences failed, uploading anonymously", "error", err)
		} else {
			p = got
		}
	}
	if p.Visibility != "public" {
		return p, nil
	}
	return p, &remote.Profile{
		DisplayName: p.DisplayName,
		Visibility:  p.Visibility,
		Timezone:    p.Timezone,
	}
}
