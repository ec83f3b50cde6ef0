package usage

import (
	"sort"
	"time"
)

const dayLayout = "2006-01-02"

// Bucket is the aggregate for one grouping key (a model or a day).
type Bucket struct {
	Key     string      `json:"key"`
	Records int         `json:"records"`
	Tokens  TokenCounts `json:"tokens"`
	CostUSD float64     `json:"cost_usd"`
}

func (b *Bucket) add(r Record) {
	b.Records++
	b.Tokens = b.Tokens.Add(r.Tokens)
	b.CostUSD += r.CostUSD
}

func (b *Bucket) merge(o *Bucket) {
	b.Records += o.Records
	b.Tokens = b.Tokens.Add(o.Tokens)
	b.CostUSD += o.CostUSD
}

// Stats is the fixed-shape aggregate produced from a set of records.
type Stats struct {
	Records   int                `json:"records"`
	Tokens    TokenCounts        `json:"tokens"`
	CostUSD   float64            `json:"cost_usd"`
	FirstSeen time.Time          `json:"first_seen,omitzero"`
	LastSeen  time.Time          `json:"last_seen,omitzero"`
	ByModel   map[string]*Bucket `json:"by_model"`
	ByDay     map[string]*Bucket `json:"by_day"`

	loc *time.Location
}

// NewStats returns empty stats whose days are bucketed in loc.
// A nil loc means UTC.
func NewStats(loc *time.Location) Stats {
	if loc == nil {
		loc = time.UTC
	}
	return Stats{
		ByModel: make(map[string]*Bucket),
		ByDay:   make(map[string]*Bucket),
		loc:     loc,
	}
}

// Aggregate sums records into Stats with days bucketed in UTC.
func Aggregate(records []Record) Stats {
	s := NewStats(time.UTC)
	for _, r := range records {
		s.Add(r)
	}
	return s
}

// Add folds one record into the aggregate.
func (s *Stats) Add(r Record) {
	if s.ByModel == nil {
		*s = NewStats(s.loc)
	}
	if s.loc == nil {
		s.loc = time.UTC
	}

	s.Records++
	s.Tokens = s.Tokens.Add(r.Tokens)
	s.CostUSD += r.CostUSD

	if !r.Timestamp.IsZero() {
		if s.FirstSeen.IsZero() || r.Timestamp.Before(s.FirstSeen) {
			s.FirstSeen = r.Timestamp
		}
		if r.Timestamp.After(s.LastSeen) {
			s.LastSeen = r.Timestamp
		}
	}

	model := r.Model
	if model == "" {
		model = "unknown"
	}
	bucketFor(s.ByModel, model).add(r)

	if !r.Timestamp.IsZero() {
		bucketFor(s.ByDay, r.Timestamp.In(s.loc).Format(dayLayout)).add(r)
	}
}

// Merge folds another aggregate into s.
func (s *Stats) Merge(o Stats) {
	if s.ByModel == nil {
		*s = NewStats(s.loc)
	}
	s.Records += o.Records
	s.Tokens = s.Tokens.Add(o.Tokens)
	s.CostUSD += o.CostUSD
	if !o.FirstSeen.IsZero() && (s.FirstSeen.IsZero() || o.FirstSeen.Before(s.FirstSeen)) {
		s.FirstSeen = o.FirstSeen
	}
	if o.LastSeen.After(s.LastSeen) {
		s.LastSeen = o.LastSeen
	}
	for k, b := range o.ByModel {
		bucketFor(s.ByModel, k).merge(b)
	}
	for k, b := range o.ByDay {
		bucketFor(s.ByDay, k).merge(b)
	}
}

// Models returns the per-model buckets ordered by total tokens, largest
// first, with ties broken by model name.
func (s Stats) Models() []Bucket {
	out := collect(s.ByModel)
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Tokens.Total(), out[j].Tokens.Total()
		if ti != tj {
			return ti > tj
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Days returns the per-day buckets in ascending date order.
func (s Stats) Days() []Bucket {
	out := collect(s.ByDay)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func bucketFor(m map[string]*Bucket, key string) *Bucket {
	b, ok := m[key]
	if !ok {
		b = &Bucket{Key: key}
		m[key] = b
	}
	return b
}

func collect(m map[string]*Bucket) []Bucket {
	out := make([]Bucket, 0, len(m))
	for _, b := range m {
		out = append(out, *b)
	}
	return out
}
