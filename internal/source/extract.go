package source

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"

	"github.com/kalambet/tokdash/internal/pricing"
	"github.com/kalambet/tokdash/internal/usage"
)

// fieldReader yields raw values by field name. Values are string, int64,
// float64, []byte or nil.
type fieldReader interface {
	value(field string) (any, bool)
}

// jsonFields reads dot-separated paths out of a JSON document.
type jsonFields []byte

func (j jsonFields) value(field string) (any, bool) {
	raw, typ, _, err := jsonparser.Get(j, strings.Split(field, ".")...)
	if err != nil {
		return nil, false
	}
	switch typ {
	case jsonparser.String:
		s, err := jsonparser.ParseString(raw)
		if err != nil {
			return nil, false
		}
		return s, true
	case jsonparser.Number:
		f, err := jsonparser.ParseFloat(raw)
		if err != nil {
			return nil, false
		}
		return f, true
	case jsonparser.Null, jsonparser.NotExist:
		return nil, false
	default:
		return string(raw), true
	}
}

// rowFields reads column values of a database row.
type rowFields map[string]any

func (r rowFields) value(field string) (any, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

type mapper struct {
	source string
	def    Definition
}

func newMapper(d Definition) (*mapper, error) {
	if d.Fields.Timestamp == "" {
		return nil, fmt.Errorf("source %q: fields.timestamp is required", d.Name)
	}
	return &mapper{source: d.Name, def: d}, nil
}

var errNoUsage = errors.New("no usage")

// matches reports whether fr passes the definition's filter.
func (m *mapper) matches(fr fieldReader) bool {
	f := m.def.Filter
	if f == nil {
		return true
	}
	v, ok := fr.value(f.Field)
	if !ok {
		return false
	}
	return asString(v) == f.Equals
}

// record builds a usage record from fr. It returns errNoUsage when the item
// has no timestamp or carries only zero counters.
func (m *mapper) record(fr fieldReader, machineID string) (usage.Record, error) {
	fm := m.def.Fields
	rec := usage.Record{
		Source:    m.source,
		MachineID: machineID,
		SessionID: m.str(fr, fm.SessionID),
		MessageID: m.str(fr, fm.MessageID),
		RequestID: m.str(fr, fm.RequestID),
		Model:     m.str(fr, fm.Model),
	}
	if rec.Model == "" {
		rec.Model = m.def.ModelDefault
	}
	if rec.Model == "" {
		rec.Model = "unknown"
	}

	tsRaw, ok := fr.value(fm.Timestamp)
	if !ok {
		return rec, errNoUsage
	}
	ts, err := parseTimestamp(tsRaw)
	if err != nil {
		return rec, err
	}
	rec.Timestamp = ts

	rec.Tokens = usage.TokenCounts{
		Input:         m.int(fr, fm.Input),
		Output:        m.int(fr, fm.Output),
		CacheCreation: m.int(fr, fm.CacheCreation),
		CacheRead:     m.int(fr, fm.CacheRead),
		Reasoning:     m.int(fr, fm.Reasoning),
	}
	if rec.Tokens.IsZero() {
		return rec, errNoUsage
	}

	if fm.Cost != "" {
		if v, ok := fr.value(fm.Cost); ok {
			if f, ok := asFloat(v); ok && f > 0 {
				rec.CostUSD = f
			}
		}
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = pricing.Estimate(rec.Model, rec.Tokens)
	}
	return rec, nil
}

func (m *mapper) str(fr fieldReader, field string) string {
	if field == "" {
		return ""
	}
	v, ok := fr.value(field)
	if !ok {
		return ""
	}
	return asString(v)
}

func (m *mapper) int(fr fieldReader, field string) int64 {
	if field == "" {
		return 0
	}
	v, ok := fr.value(field)
	if !ok {
		return 0
	}
	f, ok := asFloat(v)
	if !ok || f < 0 || math.IsNaN(f) {
		return 0
	}
	return int64(f)
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(x)), 64)
		return f, err == nil
	}
	return 0, false
}

// parseTimestamp accepts RFC 3339 strings and unix epochs in seconds or
// milliseconds.
func parseTimestamp(v any) (time.Time, error) {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
	}
	if t, ok := v.(time.Time); ok {
		return t.UTC(), nil
	}
	f, ok := asFloat(v)
	if !ok || f <= 0 {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %v", v)
	}
	if f >= 1e12 {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
