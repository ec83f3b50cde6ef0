package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(model string, ts time.Time, in, out int64) Record {
	return Record{
		Source:    "claude",
		Model:     model,
		Timestamp: ts,
		Tokens:    TokenCounts{Input: in, Output: out},
		CostUSD:   0.01,
	}
}

func TestAggregate_Totals(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)

	s := Aggregate([]Record{
		rec("claude-sonnet-4", day1, 100, 50),
		rec("claude-sonnet-4", day2, 10, 5),
		rec("gpt-5", day2, 1000, 0),
	})

	assert.Equal(t, 3, s.Records)
	assert.Equal(t, int64(1110), s.Tokens.Input)
	assert.Equal(t, int64(55), s.Tokens.Output)
	assert.InDelta(t, 0.03, s.CostUSD, 1e-9)
	assert.Equal(t, day1, s.FirstSeen)
	assert.Equal(t, day2, s.LastSeen)

	models := s.Models()
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-5", models[0].Key)
	assert.Equal(t, "claude-sonnet-4", models[1].Key)
	assert.Equal(t, 2, models[1].Records)

	days := s.Days()
	require.Len(t, days, 2)
	assert.Equal(t, "2026-03-01", days[0].Key)
	assert.Equal(t, "2026-03-02", days[1].Key)
	assert.Equal(t, int64(1015), days[1].Tokens.Total())
}

func TestStats_DaysInLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	s := NewStats(loc)
	s.Add(rec("m", time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC), 1, 1))

	days := s.Days()
	require.Len(t, days, 1)
	assert.Equal(t, "2026-03-02", days[0].Key)
}

func TestStats_Merge(t *testing.T) {
	a := Aggregate([]Record{rec("a", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), 1, 2)})
	b := Aggregate([]Record{
		rec("a", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 3, 4),
		rec("", time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC), 5, 6),
	})

	a.Merge(b)

	assert.Equal(t, 3, a.Records)
	assert.Equal(t, int64(21), a.Tokens.Total())
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), a.FirstSeen)
	assert.Equal(t, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC), a.LastSeen)
	assert.Equal(t, 2, a.ByModel["a"].Records)
	assert.Equal(t, 1, a.ByModel["unknown"].Records)
	assert.Len(t, a.ByDay, 3)
}

func TestStats_ZeroValueAdd(t *testing.T) {
	var s Stats
	s.Add(rec("m", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 1, 0))
	assert.Equal(t, 1, s.Records)
	assert.Contains(t, s.ByDay, "2026-01-01")
}

func TestDedupKey(t *testing.T) {
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	withID := Record{Source: "claude", MessageID: "msg_1", RequestID: "req_1", Timestamp: ts}
	assert.Equal(t, "claude:msg_1:req_1", withID.DedupKey())

	a := Record{Source: "codex", SessionID: "s", Timestamp: ts, Model: "gpt-5", Tokens: TokenCounts{Input: 10}}
	b := a
	assert.Equal(t, a.DedupKey(), b.DedupKey())

	b.Tokens.Input = 11
	assert.NotEqual(t, a.DedupKey(), b.DedupKey())
	assert.Contains(t, a.DedupKey(), "codex:h:")
}

func TestTokenCounts(t *testing.T) {
	c := TokenCounts{Input: 1, Output: 2, CacheCreation: 3, CacheRead: 4, Reasoning: 5}
	assert.Equal(t, int64(15), c.Total())
	assert.False(t, c.IsZero())
	assert.True(t, TokenCounts{}.IsZero())
	assert.Equal(t, int64(30), c.Add(c).Total())
}
