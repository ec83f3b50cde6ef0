package usage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TokenCounts holds the token counters reported for a single model response.
type TokenCounts struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheCreation int64 `json:"cache_creation"`
	CacheRead     int64 `json:"cache_read"`
	Reasoning     int64 `json:"reasoning"`
}

// Total returns the sum of all counters.
func (c TokenCounts) Total() int64 {
	return c.Input + c.Output + c.CacheCreation + c.CacheRead + c.Reasoning
}

// IsZero reports whether every counter is zero.
func (c TokenCounts) IsZero() bool {
	return c == TokenCounts{}
}

// Add returns the element-wise sum of c and o.
func (c TokenCounts) Add(o TokenCounts) TokenCounts {
	return TokenCounts{
		Input:         c.Input + o.Input,
		Output:        c.Output + o.Output,
		CacheCreation: c.CacheCreation + o.CacheCreation,
		CacheRead:     c.CacheRead + o.CacheRead,
		Reasoning:     c.Reasoning + o.Reasoning,
	}
}

// Record is one usage event extracted from a tool's logs.
type Record struct {
	Source    string      `json:"source"`
	MachineID string      `json:"machine_id"`
	SessionID string      `json:"session_id,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Model     string      `json:"model"`
	Timestamp time.Time   `json:"timestamp"`
	Tokens    TokenCounts `json:"tokens"`
	CostUSD   float64     `json:"cost_usd"`
}

// DedupKey identifies a record across repeated scans of the same log data.
// Tools that tag responses with a message id get a readable key; everything
// else is keyed by a hash of the record's content.
func (r Record) DedupKey() string {
	if r.MessageID != "" {
		return r.Source + ":" + r.MessageID + ":" + r.RequestID
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|%d|%d|%d|%d|%d",
		r.Source, r.SessionID, r.Timestamp.UnixNano(), r.Model,
		r.Tokens.Input, r.Tokens.Output, r.Tokens.CacheCreation, r.Tokens.CacheRead, r.Tokens.Reasoning,
	)
	sum := h.Sum(nil)
	return r.Source + ":h:" + hex.EncodeToString(sum[:16])
}
