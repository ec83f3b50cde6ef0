package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/tokdash/internal/usage"
)

// runTimeLayout has fixed width so run timestamps sort as text.
const runTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const recordColumns = `dedup_key, source, machine_id, session_id, message_id, request_id, model, ts,
	input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, reasoning_tokens,
	cost_usd, synced_at`

// InsertRecords adds records to the ledger in one transaction. Records whose
// dedup key is already present are ignored. It returns how many were new.
func (s *Store) InsertRecords(recs []usage.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO usage_records (
		dedup_key, source, machine_id, session_id, message_id, request_id, model, ts,
		input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, reasoning_tokens,
		cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	inserted := 0
	for _, r := range recs {
		res, err := stmt.Exec(
			r.DedupKey(), r.Source, r.MachineID, r.SessionID, r.MessageID, r.RequestID, r.Model,
			r.Timestamp.UnixMilli(),
			r.Tokens.Input, r.Tokens.Output, r.Tokens.CacheCreation, r.Tokens.CacheRead, r.Tokens.Reasoning,
			r.CostUSD, now,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting record %s: %w", r.DedupKey(), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing records: %w", err)
	}
	return inserted, nil
}

func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}
	if f.Model != "" {
		conds = append(conds, "model = ?")
		args = append(args, f.Model)
	}
	if !f.From.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		conds = append(conds, "ts < ?")
		args = append(args, f.To.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// QueryStats aggregates every ledger record matching f.
func (s *Store) QueryStats(f Filter) (usage.Stats, error) {
	stats := usage.NewStats(f.Location)
	where, args := f.where()
	rows, err := s.db.Query(`SELECT `+recordColumns+` FROM usage_records`+where, args...)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return stats, err
		}
		stats.Add(e.Record)
	}
	return stats, rows.Err()
}

// DailyStats returns per-day buckets in ascending order, with days taken in
// f.Location.
func (s *Store) DailyStats(f Filter) ([]usage.Bucket, error) {
	stats, err := s.QueryStats(f)
	if err != nil {
		return nil, err
	}
	return stats.Days(), nil
}

// ModelStats returns per-model buckets, largest token total first.
func (s *Store) ModelStats(f Filter) ([]usage.Bucket, error) {
	where, args := f.where()
	rows, err := s.db.Query(`SELECT model, COUNT(*),
		SUM(input_tokens), SUM(output_tokens), SUM(cache_creation_tokens),
		SUM(cache_read_tokens), SUM(reasoning_tokens), SUM(cost_usd)
		FROM usage_records`+where+` GROUP BY model`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := usage.NewStats(nil)
	for rows.Next() {
		var b usage.Bucket
		if err := rows.Scan(&b.Key, &b.Records,
			&b.Tokens.Input, &b.Tokens.Output, &b.Tokens.CacheCreation,
			&b.Tokens.CacheRead, &b.Tokens.Reasoning, &b.CostUSD); err != nil {
			return nil, err
		}
		if b.Key == "" {
			b.Key = "unknown"
		}
		if prev, ok := stats.ByModel[b.Key]; ok {
			b.Records += prev.Records
			b.Tokens = b.Tokens.Add(prev.Tokens)
			b.CostUSD += prev.CostUSD
		}
		stats.ByModel[b.Key] = &b
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats.Models(), nil
}

// ListRecords returns records matching f, newest first.
func (s *Store) ListRecords(f Filter, limit, offset int) ([]Entry, error) {
	where, args := f.where()
	args = append(args, limit, offset)
	rows, err := s.db.Query(`SELECT `+recordColumns+` FROM usage_records`+where+`
		ORDER BY ts DESC, dedup_key ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// UnsyncedRecords returns up to limit records not yet uploaded, oldest first.
func (s *Store) UnsyncedRecords(limit int) ([]Entry, error) {
	rows, err := s.db.Query(`SELECT `+recordColumns+` FROM usage_records
		WHERE synced_at IS NULL ORDER BY ts ASC, dedup_key ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// CountUnsynced returns the number of records not yet uploaded.
func (s *Store) CountUnsynced() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM usage_records WHERE synced_at IS NULL`).Scan(&n)
	return n, err
}

// MarkSynced stamps the records with the given keys as uploaded at at.
func (s *Store) MarkSynced(keys []string, at time.Time) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning mark transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE usage_records SET synced_at = ? WHERE dedup_key = ? AND synced_at IS NULL`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	stamp := at.UTC().Format(time.RFC3339)
	marked := 0
	for _, k := range keys {
		res, err := stmt.Exec(stamp, k)
		if err != nil {
			return 0, fmt.Errorf("marking %s: %w", k, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		marked += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing marks: %w", err)
	}
	return marked, nil
}

// DeleteSource removes every record of source and returns the count.
func (s *Store) DeleteSource(source string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM usage_records WHERE source = ?`, source)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Sources returns per-source ledger totals ordered by name.
func (s *Store) Sources() ([]SourceTotals, error) {
	rows, err := s.db.Query(`SELECT source, COUNT(*),
		SUM(CASE WHEN synced_at IS NULL THEN 1 ELSE 0 END), MAX(ts)
		FROM usage_records GROUP BY source ORDER BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceTotals
	for rows.Next() {
		var (
			t    SourceTotals
			last int64
		)
		if err := rows.Scan(&t.Source, &t.Records, &t.Unsynced, &last); err != nil {
			return nil, err
		}
		t.LastSeen = time.UnixMilli(last).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e        Entry
		ts       int64
		syncedAt sql.NullString
	)
	err := sc.Scan(&e.Key, &e.Source, &e.MachineID, &e.SessionID, &e.MessageID, &e.RequestID, &e.Model, &ts,
		&e.Tokens.Input, &e.Tokens.Output, &e.Tokens.CacheCreation, &e.Tokens.CacheRead, &e.Tokens.Reasoning,
		&e.CostUSD, &syncedAt)
	if err != nil {
		return Entry{}, err
	}
	e.Timestamp = time.UnixMilli(ts).UTC()
	if syncedAt.Valid {
		if e.SyncedAt, err = time.Parse(time.RFC3339, syncedAt.String); err != nil {
			return Entry{}, fmt.Errorf("parsing synced_at for %s: %w", e.Key, err)
		}
	}
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveSyncRun records one source's sync pass. A missing ID is generated.
func (s *Store) SaveSyncRun(run SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`INSERT INTO sync_runs
		(id, source, started_at, finished_at, inserted, duplicates, scanned, skipped, errors, truncated, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Source,
		run.StartedAt.UTC().Format(runTimeLayout), run.FinishedAt.UTC().Format(runTimeLayout),
		run.Inserted, run.Duplicates, run.Scanned, run.Skipped, run.Errors, run.Truncated, run.Error,
	)
	return err
}

// ListSyncRuns returns the most recent runs, newest first.
func (s *Store) ListSyncRuns(limit int) ([]SyncRun, error) {
	rows, err := s.db.Query(`SELECT id, source, started_at, finished_at, inserted, duplicates,
		scanned, skipped, errors, truncated, error
		FROM sync_runs ORDER BY started_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncRun
	for rows.Next() {
		var (
			r                 SyncRun
			started, finished string
		)
		if err := rows.Scan(&r.ID, &r.Source, &started, &finished, &r.Inserted, &r.Duplicates,
			&r.Scanned, &r.Skipped, &r.Errors, &r.Truncated, &r.Error); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(runTimeLayout, started); err != nil {
			return nil, fmt.Errorf("parsing started_at for run %s: %w", r.ID, err)
		}
		if r.FinishedAt, err = time.Parse(runTimeLayout, finished); err != nil {
			return nil, fmt.Errorf("parsing finished_at for run %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
