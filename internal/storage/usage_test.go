package storage

import (
	"testing"
	"time"

	"github.com/kalambet/tokdash/internal/usage"
)

var day = time.Date(2025, 3, 1, 22, 30, 0, 0, time.UTC)

func rec(source, msgID, model string, at time.Time, in, out int64) usage.Record {
	return usage.Record{
		Source:    source,
		MachineID: "abcd1234",
		MessageID: msgID,
		Model:     model,
		Timestamp: at,
		Tokens:    usage.TokenCounts{Input: in, Output: out},
		CostUSD:   0.01,
	}
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	recs := []usage.Record{
		rec("claude", "m1", "claude-sonnet-4", day, 100, 10),
		rec("claude", "m2", "claude-opus-4", day.Add(time.Hour), 200, 20),
		rec("codex", "", "gpt-5", day.Add(-24*time.Hour), 50, 5),
	}
	n, err := s.InsertRecords(recs)
	if err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
	if n != 3 {
		t.Fatalf("inserted = %d, want 3", n)
	}
}

func TestInsertRecords_Idempotent(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)

	n, err := s.InsertRecords([]usage.Record{
		rec("claude", "m1", "claude-sonnet-4", day, 100, 10),
		rec("claude", "m3", "claude-sonnet-4", day, 1, 1),
	})
	if err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
	if n != 1 {
		t.Errorf("inserted = %d, want 1", n)
	}

	n, err = s.InsertRecords(nil)
	if err != nil || n != 0 {
		t.Errorf("InsertRecords(nil) = %d, %v", n, err)
	}
}

func TestQueryStats(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)

	stats, err := s.QueryStats(Filter{})
	if err != nil {
		t.Fatalf("QueryStats: %v", err)
	}
	if stats.Records != 3 {
		t.Errorf("Records = %d, want 3", stats.Records)
	}
	if stats.Tokens.Input != 350 || stats.Tokens.Output != 35 {
		t.Errorf("Tokens = %+v", stats.Tokens)
	}

	stats, err = s.QueryStats(Filter{Source: "claude", Model: "claude-opus-4"})
	if err != nil {
		t.Fatalf("QueryStats filtered: %v", err)
	}
	if stats.Records != 1 || stats.Tokens.Input != 200 {
		t.Errorf("filtered stats = %+v", stats)
	}
}

func TestQueryStats_TimeRange(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)

	stats, err := s.QueryStats(Filter{From: day, To: day.Add(time.Hour)})
	if err != nil {
		t.Fatalf("QueryStats: %v", err)
	}
	if stats.Records != 1 {
		t.Errorf("Records = %d, want 1 (From inclusive, To exclusive)", stats.Records)
	}
}

func TestDailyStats_Location(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)

	days, err := s.DailyStats(Filter{})
	if err != nil {
		t.Fatalf("DailyStats: %v", err)
	}
	if len(days) != 2 || days[0].Key != "2025-02-28" || days[1].Key != "2025-03-01" {
		t.Fatalf("UTC days = %+v", days)
	}

	tokyo := time.FixedZone("JST", 9*3600)
	days, err = s.DailyStats(Filter{Location: tokyo})
	if err != nil {
		t.Fatalf("DailyStats: %v", err)
	}
	// 22:30 and 23:30 UTC both fall on March 2 in JST.
	if len(days) != 2 || days[1].Key != "2025-03-02" || days[1].Records != 2 {
		t.Errorf("JST days = %+v", days)
	}
}

func TestModelStats(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)

	models, err := s.ModelStats(Filter{})
	if err != nil {
		t.Fatalf("ModelStats: %v", err)
	}
	if len(models) != 3 {
		t.Fatalf("models = %+v", models)
	}
	if models[0].Key != "claude-opus-4" {
		t.Errorf("largest model = %q, want claude-opus-4", models[0].Key)
	}
	if models[0].Records != 1 || models[0].Tokens.Total() != 220 {
		t.Errorf("opus bucket = %+v", models[0])
	}
}

func TestListRecords(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)

	entries, err := s.ListRecords(Filter{}, 2, 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].MessageID != "m2" {
		t.Errorf("newest = %q, want m2", entries[0].MessageID)
	}
	if entries[0].Key != "claude:m2:" {
		t.Errorf("Key = %q", entries[0].Key)
	}
	if !entries[0].Timestamp.Equal(day.Add(time.Hour)) {
		t.Errorf("Timestamp = %v", entries[0].Timestamp)
	}

	rest, err := s.ListRecords(Filter{}, 10, 2)
	if err != nil {
		t.Fatalf("ListRecords offset: %v", err)
	}
	if len(rest) != 1 || rest[0].Source != "codex" {
		t.Errorf("rest = %+v", rest)
	}
}

func TestUnsyncedAndMarkSynced(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)

	n, err := s.CountUnsynced()
	if err != nil || n != 3 {
		t.Fatalf("CountUnsynced = %d, %v", n, err)
	}

	batch, err := s.UnsyncedRecords(2)
	if err != nil {
		t.Fatalf("UnsyncedRecords: %v", err)
	}
	if len(batch) != 2 || batch[0].Source != "codex" {
		t.Fatalf("batch = %+v", batch)
	}

	at := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)
	marked, err := s.MarkSynced([]string{batch[0].Key, batch[1].Key, "unknown:key"}, at)
	if err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if marked != 2 {
		t.Errorf("marked = %d, want 2", marked)
	}

	n, _ = s.CountUnsynced()
	if n != 1 {
		t.Errorf("CountUnsynced after mark = %d, want 1", n)
	}

	entries, err := s.ListRecords(Filter{Source: "codex"}, 1, 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if !entries[0].SyncedAt.Equal(at) {
		t.Errorf("SyncedAt = %v, want %v", entries[0].SyncedAt, at)
	}
}

func TestSourcesAndDeleteSource(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)

	totals, err := s.Sources()
	if err != nil {
		t.Fatalf("Sources: %v", err)
	}
	if len(totals) != 2 || totals[0].Source != "claude" || totals[0].Records != 2 || totals[0].Unsynced != 2 {
		t.Fatalf("totals = %+v", totals)
	}
	if !totals[0].LastSeen.Equal(day.Add(time.Hour)) {
		t.Errorf("LastSeen = %v", totals[0].LastSeen)
	}

	n, err := s.DeleteSource("claude")
	if err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	totals, _ = s.Sources()
	if len(totals) != 1 {
		t.Errorf("totals after delete = %+v", totals)
	}
}

func TestSyncRuns(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	runs := []SyncRun{
		{Source: "claude", StartedAt: base, FinishedAt: base.Add(time.Second), Inserted: 4, Scanned: 2},
		{Source: "codex", StartedAt: base.Add(time.Minute), FinishedAt: base.Add(time.Minute + 500*time.Millisecond), Truncated: true, Error: "boom"},
	}
	for _, r := range runs {
		if err := s.SaveSyncRun(r); err != nil {
			t.Fatalf("SaveSyncRun: %v", err)
		}
	}

	got, err := s.ListSyncRuns(10)
	if err != nil {
		t.Fatalf("ListSyncRuns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Source != "codex" || !got[0].Truncated || got[0].Error != "boom" || got[0].ID == "" {
		t.Errorf("newest run = %+v", got[0])
	}
	if !got[0].FinishedAt.Equal(runs[1].FinishedAt) {
		t.Errorf("FinishedAt = %v, want %v", got[0].FinishedAt, runs[1].FinishedAt)
	}
	if got[1].Inserted != 4 || got[1].Scanned != 2 {
		t.Errorf("oldest run = %+v", got[1])
	}
}
