package source

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// FieldMap names where each usage field lives in a tool's data. For JSON
// based sources the values are dot-separated paths; for SQLite sources they
// are column names.
type FieldMap struct {
	Timestamp     string `yaml:"timestamp"`
	Model         string `yaml:"model,omitempty"`
	SessionID     string `yaml:"session_id,omitempty"`
	MessageID     string `yaml:"message_id,omitempty"`
	RequestID     string `yaml:"request_id,omitempty"`
	TaskID        string `yaml:"task_id,omitempty"`
	Input         string `yaml:"input,omitempty"`
	Output        string `yaml:"output,omitempty"`
	CacheCreation string `yaml:"cache_creation,omitempty"`
	CacheRead     string `yaml:"cache_read,omitempty"`
	Reasoning     string `yaml:"reasoning,omitempty"`
	Cost          string `yaml:"cost,omitempty"`
}

// Filter keeps only items whose Field equals Equals.
type Filter struct {
	Field  string `yaml:"field"`
	Equals string `yaml:"equals"`
}

// Definition declares one tool's log location and layout.
type Definition struct {
	Name         string   `yaml:"name"`
	Kind         Kind     `yaml:"kind"`
	Paths        []string `yaml:"paths,omitempty"`
	Include      string   `yaml:"include,omitempty"`
	Database     string   `yaml:"database,omitempty"`
	Table        string   `yaml:"table,omitempty"`
	Filter       *Filter  `yaml:"filter,omitempty"`
	ModelDefault string   `yaml:"model_default,omitempty"`
	Fields       FieldMap `yaml:"fields"`
	Disabled     bool     `yaml:"disabled,omitempty"`
}

type definitionsFile struct {
	Sources []Definition `yaml:"sources"`
}

var (
	namePattern       = regexp.MustCompile(`^[a-z0-9_-]+$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Builtin returns the definitions shipped with tokdash.
func Builtin() []Definition {
	return []Definition{
		{
			Name:    "claude",
			Kind:    KindJSONL,
			Paths:   []string{"~/.claude/projects", "~/.config/claude/projects"},
			Include: "*.jsonl",
			Filter:  &Filter{Field: "type", Equals: "assistant"},
			Fields: FieldMap{
				Timestamp:     "timestamp",
				Model:         "message.model",
				SessionID:     "sessionId",
				MessageID:     "message.id",
				RequestID:     "requestId",
				Input:         "message.usage.input_tokens",
				Output:        "message.usage.output_tokens",
				CacheCreation: "message.usage.cache_creation_input_tokens",
				CacheRead:     "message.usage.cache_read_input_tokens",
				Cost:          "costUSD",
			},
		},
		{
			Name:         "codex",
			Kind:         KindJSONL,
			Paths:        []string{"~/.codex/sessions"},
			Include:      "*.jsonl",
			Filter:       &Filter{Field: "payload.type", Equals: "token_count"},
			ModelDefault: "gpt-5",
			Fields: FieldMap{
				Timestamp: "timestamp",
				Input:     "payload.info.last_token_usage.input_tokens",
				Output:    "payload.info.last_token_usage.output_tokens",
				CacheRead: "payload.info.last_token_usage.cached_input_tokens",
				Reasoning: "payload.info.last_token_usage.reasoning_output_tokens",
			},
		},
	}
}

// LoadDefinitions returns the built-in definitions overlaid with those in
// the YAML file at path. A missing file is not an error. Entries replace
// built-ins with the same name; disabled entries remove them.
func LoadDefinitions(path string) ([]Definition, error) {
	byName := make(map[string]Definition)
	for _, d := range Builtin() {
		byName[d.Name] = d
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var f definitionsFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			for _, d := range f.Sources {
				if d.Disabled {
					delete(byName, d.Name)
					continue
				}
				byName[d.Name] = d
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	defs := make([]Definition, 0, len(byName))
	var errs []error
	for _, d := range byName {
		d.applyDefaults()
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, d)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

func (d *Definition) applyDefaults() {
	if d.Include != "" {
		return
	}
	switch d.Kind {
	case KindJSONL:
		d.Include = "*.jsonl"
	case KindTasks:
		d.Include = "*.json"
	}
}

// Validate reports configuration mistakes in d.
func (d Definition) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("source %q: name must match %s", d.Name, namePattern)
	}
	if d.Fields.Timestamp == "" {
		return fmt.Errorf("source %q: fields.timestamp is required", d.Name)
	}
	if d.Fields.Input == "" && d.Fields.Output == "" {
		return fmt.Errorf("source %q: at least one of fields.input or fields.output is required", d.Name)
	}

	switch d.Kind {
	case KindJSONL, KindTasks:
		if len(d.Paths) == 0 {
			return fmt.Errorf("source %q: paths is required for kind %s", d.Name, d.Kind)
		}
	case KindSQLite:
		if d.Database == "" {
			return fmt.Errorf("source %q: database is required for kind sqlite", d.Name)
		}
		if !identifierPattern.MatchString(d.Table) {
			return fmt.Errorf("source %q: table %q is not a valid identifier", d.Name, d.Table)
		}
		for _, col := range d.Fields.columns() {
			if !identifierPattern.MatchString(col) {
				return fmt.Errorf("source %q: column %q is not a valid identifier", d.Name, col)
			}
		}
		if d.Filter != nil && !identifierPattern.MatchString(d.Filter.Field) {
			return fmt.Errorf("source %q: filter column %q is not a valid identifier", d.Name, d.Filter.Field)
		}
	default:
		return fmt.Errorf("source %q: unknown kind %q", d.Name, d.Kind)
	}
	return nil
}

// columns lists the mapped field names that are set.
func (f FieldMap) columns() []string {
	var cols []string
	for _, c := range []string{
		f.Timestamp, f.Model, f.SessionID, f.MessageID, f.RequestID, f.TaskID,
		f.Input, f.Output, f.CacheCreation, f.CacheRead, f.Reasoning, f.Cost,
	} {
		if c != "" {
			cols = append(cols, c)
		}
	}
	return cols
}
