package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/tokdash/internal/prefs"
	"github.com/kalambet/tokdash/internal/remote"
	"github.com/kalambet/tokdash/internal/storage"
	"github.com/kalambet/tokdash/internal/usage"
)

type mockSubmitter struct {
	mu       sync.Mutex
	subs     []remote.Submission
	submitFn func(sub remote.Submission) error
}

func (m *mockSubmitter) Submit(_ context.Context, sub remote.Submission) (*remote.SubmitResponse, error) {
	if m.submitFn != nil {
		if err := m.submitFn(sub); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, sub)
	return &remote.SubmitResponse{Accepted: len(sub.Records)}, nil
}

type staticPrefs struct {
	p   prefs.Preferences
	err error
}

func (s staticPrefs) Get() (prefs.Preferences, error) { return s.p, s.err }

func seedLedger(t *testing.T, store *storage.Store, n int) {
	t.Helper()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	recs := make([]usage.Record, n)
	for i := range recs {
		recs[i] = usageRecord("claude", fmt.Sprintf("msg-%03d", i), base.Add(time.Duration(i)*time.Minute))
		recs[i].MachineID = "machine-a"
	}
	if _, err := store.InsertRecords(recs); err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
}

func enqueueUpload(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	if err := store.EnqueueJob(storage.Job{ID: id, Type: JobUpload}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, id string) (string, int) {
	t.Helper()
	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = ?`, id).Scan(&status, &attempts); err != nil {
		t.Fatalf("query job %s: %v", id, err)
	}
	return status, attempts
}

func TestUploader_UploadsInBatches(t *testing.T) {
	store := openTestStore(t)
	seedLedger(t, store, 7)
	enqueueUpload(t, store, "job-1")

	sub := &mockSubmitter{}
	u := NewUploader(store, sub, nil, "machine-a", "1.2.3", 0)
	u.batch = 3

	didWork, err := u.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	if len(sub.subs) != 3 {
		t.Fatalf("submissions = %d, want 3", len(sub.subs))
	}
	sizes := []int{len(sub.subs[0].Records), len(sub.subs[1].Records), len(sub.subs[2].Records)}
	if sizes[0] != 3 || sizes[1] != 3 || sizes[2] != 1 {
		t.Errorf("batch sizes = %v, want [3 3 1]", sizes)
	}
	if sub.subs[0].Client != "tokdash/1.2.3" || sub.subs[0].MachineID != "machine-a" {
		t.Errorf("submission header = %q %q", sub.subs[0].Client, sub.subs[0].MachineID)
	}
	if sub.subs[0].Profile != nil {
		t.Error("private preferences produced a profile")
	}

	n, err := store.CountUnsynced()
	if err != nil {
		t.Fatalf("CountUnsynced: %v", err)
	}
	if n != 0 {
		t.Errorf("unsynced = %d, want 0", n)
	}
	if status, _ := jobStatus(t, store, "job-1"); status != "completed" {
		t.Errorf("job status = %q, want completed", status)
	}
}

func TestUploader_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	seedLedger(t, store, 2)
	enqueueUpload(t, store, "job-r")

	calls := 0
	sub := &mockSubmitter{submitFn: func(remote.Submission) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("server returned 503")
		}
		return nil
	}}
	u := NewUploader(store, sub, nil, "machine-a", "dev", 0)

	if _, err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce 1: %v", err)
	}
	status, attempts := jobStatus(t, store, "job-r")
	if status != "pending" || attempts != 1 {
		t.Errorf("after failure: status=%q attempts=%d, want pending/1", status, attempts)
	}
	if n, _ := store.CountUnsynced(); n != 2 {
		t.Errorf("unsynced after failure = %d, want 2", n)
	}

	resetRunAfter(t, store, "job-r")

	if _, err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce 2: %v", err)
	}
	if status, _ := jobStatus(t, store, "job-r"); status != "completed" {
		t.Errorf("after retry: status=%q, want completed", status)
	}
	if n, _ := store.CountUnsynced(); n != 0 {
		t.Errorf("unsynced after retry = %d, want 0", n)
	}
}

func TestUploader_NoJob(t *testing.T) {
	u := NewUploader(openTestStore(t), &mockSubmitter{}, nil, "m", "dev", 0)
	didWork, err := u.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if didWork {
		t.Error("RunOnce returned true with an empty queue")
	}
}

func TestUploader_HidesModelsWhenNotShared(t *testing.T) {
	store := openTestStore(t)
	seedLedger(t, store, 1)
	enqueueUpload(t, store, "job-1")

	p := prefs.Defaults()
	p.ShareModels = false
	sub := &mockSubmitter{}
	u := NewUploader(store, sub, staticPrefs{p: p}, "m", "dev", 0)

	if _, err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := sub.subs[0].Records[0].Model; got != "" {
		t.Errorf("Model = %q, want empty", got)
	}

	// The ledger keeps the model.
	entries, err := store.ListRecords(storage.Filter{}, 10, 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if entries[0].Model != "claude-sonnet-4" {
		t.Errorf("ledger model = %q", entries[0].Model)
	}
}

func TestUploader_PublicProfile(t *testing.T) {
	store := openTestStore(t)
	seedLedger(t, store, 1)
	enqueueUpload(t, store, "job-1")

	p := prefs.Defaults()
	p.Visibility = "public"
	p.DisplayName = "ada"
	p.Timezone = "Europe/Berlin"
	sub := &mockSubmitter{}
	u := NewUploader(store, sub, staticPrefs{p: p}, "m", "dev", 0)

	if _, err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	prof := sub.subs[0].Profile
	if prof == nil {
		t.Fatal("profile missing for public visibility")
	}
	if prof.DisplayName != "ada" || prof.Timezone != "Europe/Berlin" {
		t.Errorf("profile = %+v", prof)
	}
}

func TestUploader_PrefsErrorFallsBackToAnonymous(t *testing.T) {
	store := openTestStore(t)
	seedLedger(t, store, 1)
	enqueueUpload(t, store, "job-1")

	sub := &mockSubmitter{}
	u := NewUploader(store, sub, staticPrefs{err: fmt.Errorf("corrupt")}, "m", "dev", 0)
	if _, err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sub.subs) != 1 || sub.subs[0].Profile != nil {
		t.Errorf("submissions = %+v", sub.subs)
	}
}

func TestUploader_Drain(t *testing.T) {
	store := openTestStore(t)
	seedLedger(t, store, 2)
	enqueueUpload(t, store, "job-1")
	enqueueUpload(t, store, "job-2")

	sub := &mockSubmitter{}
	u := NewUploader(store, sub, nil, "m", "dev", 0)
	n, err := u.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 2 {
		t.Errorf("Drain handled %d jobs, want 2", n)
	}
	// The second job finds nothing left to send.
	if len(sub.subs) != 1 {
		t.Errorf("submissions = %d, want 1", len(sub.subs))
	}
}

func TestUploader_RunStopsOnCancel(t *testing.T) {
	u := NewUploader(openTestStore(t), &mockSubmitter{}, nil, "m", "dev", 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		u.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
