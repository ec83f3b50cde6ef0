// Package export writes ledger records to files and object storage.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/tokdash/internal/storage"
	"github.com/kalambet/tokdash/internal/usage"
)

// Format is an export encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// ParseFormat accepts "jsonl" or "csv", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSONL, FormatCSV:
		return f, nil
	}
	return "", fmt.Errorf("unknown export format %q (want jsonl or csv)", s)
}

// Ext is the file extension for f.
func (f Format) Ext() string { return string(f) }

// ContentType is the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/x-ndjson"
}

// Write encodes entries to w in format f.
func Write(w io.Writer, f Format, entries []storage.Entry) error {
	switch f {
	case FormatJSONL:
		return WriteJSONL(w, entries)
	case FormatCSV:
		return WriteCSV(w, entries)
	}
	return fmt.Errorf("unknown export format %q", f)
}

type jsonlRow struct {
	Key string `json:"key"`
	usage.Record
	SyncedAt *time.Time `json:"synced_at,omitempty"`
}

// WriteJSONL writes one JSON object per entry.
func WriteJSONL(w io.Writer, entries []storage.Entry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		row := jsonlRow{Key: e.Key, Record: e.Record}
		if !e.SyncedAt.IsZero() {
			t := e.SyncedAt.UTC()
			row.SyncedAt = &t
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("encoding %s: %w", e.Key, err)
		}
	}
	return nil
}

var csvHeader = []string{
	"key", "source", "machine_id", "session_id", "message_id", "request_id", "model", "timestamp",
	"input_tokens", "output_tokens", "cache_creation_tokens", "cache_read_tokens", "reasoning_tokens",
	"total_tokens", "cost_usd", "synced_at",
}

// WriteCSV writes a header row followed by one row per entry.
func WriteCSV(w io.Writer, entries []storage.Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		synced := ""
		if !e.SyncedAt.IsZero() {
			synced = e.SyncedAt.UTC().Format(time.RFC3339)
		}
		row := []string{
			e.Key, e.Source, e.MachineID, e.SessionID, e.MessageID, e.RequestID, e.Model,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			itoa(e.Tokens.Input), itoa(e.Tokens.Output), itoa(e.Tokens.CacheCreation),
			itoa(e.Tokens.CacheRead), itoa(e.Tokens.Reasoning), itoa(e.Tokens.Total()),
			strconv.FormatFloat(e.CostUSD, 'f', 6, 64),
			synced,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing %s: %w", e.Key, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
