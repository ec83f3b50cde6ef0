package source

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/kalambet/tokdash/internal/checkpoint"
	"github.com/kalambet/tokdash/internal/usage"
)

type sqliteSource struct {
	def    Definition
	mapper *mapper
}

func (s *sqliteSource) Name() string { return s.def.Name }
func (s *sqliteSource) Kind() Kind   { return KindSQLite }

func (s *sqliteSource) Scan(ctx context.Context, prev checkpoint.Record, opts ScanOptions) (*Result, error) {
	dbPath := ExpandHome(s.def.Database)

	cursor := checkpoint.SQLiteCursor{Database: dbPath}
	if !opts.Full && prev.SQLite != nil && prev.SQLite.Database == dbPath {
		cursor.LastRowID = prev.SQLite.LastRowID
	}
	next := checkpoint.Record{LastSynced: prev.LastSynced}
	res := &Result{}

	if _, err := os.Stat(dbPath); err != nil {
		res.Errors = append(res.Errors, FileError{Path: dbPath, Err: err})
		next.SQLite = prev.SQLite
		if next.SQLite == nil {
			next.SQLite = &checkpoint.SQLiteCursor{Database: dbPath}
		}
		res.Checkpoint = next
		return res, nil
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	where, args := s.where(cursor.LastRowID)

	total := 0
	if opts.Progress != nil {
		q := fmt.Sprintf(`SELECT COUNT(*) FROM %q WHERE %s`, s.def.Table, where)
		if err := db.QueryRowContext(ctx, q, args...).Scan(&total); err != nil {
			return nil, fmt.Errorf("counting rows in %s: %w", s.def.Table, err)
		}
		if opts.Limit > 0 && total > opts.Limit {
			total = opts.Limit
		}
	}

	cols := dedupe(s.def.Fields.columns())
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	q := fmt.Sprintf(`SELECT rowid, %s FROM %q WHERE %s ORDER BY rowid`,
		strings.Join(quoted, ", "), s.def.Table, where)
	if opts.Limit > 0 {
		// One extra row tells whether the limit cut the scan short.
		q += fmt.Sprintf(" LIMIT %d", opts.Limit+1)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.def.Table, err)
	}
	defer rows.Close()

	for rows.Next() {
		if opts.Limit > 0 && res.Scanned >= opts.Limit {
			res.Truncated = true
			break
		}
		var rowid int64
		vals := make([]any, len(cols))
		dest := make([]any, len(cols)+1)
		dest[0] = &rowid
		for i := range vals {
			dest[i+1] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", s.def.Table, err)
		}
		res.Scanned++
		cursor.LastRowID = rowid

		fr := make(rowFields, len(cols))
		for i, c := range cols {
			fr[c] = vals[i]
		}
		rec, err := s.mapper.record(fr, opts.MachineID)
		if err != nil {
			res.Dropped++
		} else {
			res.Records = append(res.Records, rec)
		}
		if opts.Progress != nil {
			opts.Progress(res.Scanned, total)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.def.Table, err)
	}

	next.SQLite = &cursor
	res.Checkpoint = next
	res.Stats = usage.Aggregate(res.Records)
	return res, nil
}

func (s *sqliteSource) where(after int64) (string, []any) {
	clause := "rowid > ?"
	args := []any{after}
	if f := s.def.Filter; f != nil {
		clause += fmt.Sprintf(" AND %q = ?", f.Field)
		args = append(args, f.Equals)
	}
	return clause, args
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
