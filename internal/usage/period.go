package usage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTime reads a point in time relative to now. It accepts "today",
// a day count such as "7d", a Go duration such as "36h", a date
// (2006-01-02, midnight in loc) or an RFC 3339 timestamp. Relative forms
// count back from now. An empty string yields the zero time.
func ParseTime(s string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return time.Time{}, nil
	case s == "today":
		return StartOfDay(now, loc), nil
	case strings.HasSuffix(s, "d"):
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || n < 0 {
			return time.Time{}, fmt.Errorf("invalid day count %q", s)
		}
		return StartOfDay(now, loc).AddDate(0, 0, -n), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.ParseInLocation(dayLayout, s, loc); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (want today, 7d, 36h, 2006-01-02 or RFC 3339)", s)
}

// StartOfDay returns midnight of t's day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
