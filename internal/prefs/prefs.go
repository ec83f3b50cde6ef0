// Package prefs manages the user's display and sharing preferences.
package prefs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrUnknownKey is returned when setting a key that does not exist.
var ErrUnknownKey = errors.New("unknown preference key")

// Preferences is the flat set of user preferences.
type Preferences struct {
	DisplayName string `json:"display_name"`
	Timezone    string `json:"timezone"`
	Visibility  string `json:"visibility"`
	ShareModels bool   `json:"share_models"`
	WeekStart   string `json:"week_start"`
	Currency    string `json:"currency"`
}

// Defaults returns the preferences used before anything is set.
func Defaults() Preferences {
	return Preferences{
		Timezone:    "UTC",
		Visibility:  "private",
		ShareModels: true,
		WeekStart:   "monday",
		Currency:    "USD",
	}
}

// Field is one preference for display.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Keys lists preference keys in display order.
var Keys = []string{"display_name", "timezone", "visibility", "share_models", "week_start", "currency"}

// Fields returns p as ordered key/value pairs.
func (p Preferences) Fields() []Field {
	return []Field{
		{"display_name", p.DisplayName},
		{"timezone", p.Timezone},
		{"visibility", p.Visibility},
		{"share_models", strconv.FormatBool(p.ShareModels)},
		{"week_start", p.WeekStart},
		{"currency", p.Currency},
	}
}

// Location resolves Timezone, falling back to UTC.
func (p Preferences) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// With returns a copy of p with key set to value after validating it.
func (p Preferences) With(key, value string) (Preferences, error) {
	value = strings.TrimSpace(value)
	switch key {
	case "display_name":
		if utf8.RuneCountInString(value) > 64 {
			return p, fmt.Errorf("display_name: at most 64 characters")
		}
		p.DisplayName = value
	case "timezone":
		if _, err := time.LoadLocation(value); err != nil || value == "" {
			return p, fmt.Errorf("timezone: unknown zone %q", value)
		}
		p.Timezone = value
	case "visibility":
		v := strings.ToLower(value)
		if v != "public" && v != "private" {
			return p, fmt.Errorf("visibility: must be public or private")
		}
		p.Visibility = v
	case "share_models":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return p, fmt.Errorf("share_models: %q is not a boolean", value)
		}
		p.ShareModels = b
	case "week_start":
		v := strings.ToLower(value)
		if v != "monday" && v != "sunday" {
			return p, fmt.Errorf("week_start: must be monday or sunday")
		}
		p.WeekStart = v
	case "currency":
		v := strings.ToUpper(value)
		if len(v) != 3 || strings.IndexFunc(v, func(r rune) bool { return r < 'A' || r > 'Z' }) >= 0 {
			return p, fmt.Errorf("currency: must be a three-letter code")
		}
		p.Currency = v
	default:
		return p, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return p, nil
}

// normalize fills empty fields from Defaults.
func (p Preferences) normalize() Preferences {
	d := Defaults()
	if p.Timezone == "" {
		p.Timezone = d.Timezone
	}
	if p.Visibility == "" {
		p.Visibility = d.Visibility
	}
	if p.WeekStart == "" {
		p.WeekStart = d.WeekStart
	}
	if p.Currency == "" {
		p.Currency = d.Currency
	}
	return p
}
