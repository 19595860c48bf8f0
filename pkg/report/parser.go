// Package report turns the platform's block-formatted report text into rows.
//
// A report looks like:
//
//	=====> web app information
//	       App dir:                       /home/dokku/web
//	       App locked:                    false
//	=====> api app information
//	       App dir:                       /home/dokku/api
//	       App locked:                    true
//
// Each banner starts a block; its first word after the arrow is the scope
// key and every other line is a "label: value" pair split on the first
// colon.
package report

import (
	"fmt"
	"strings"
)

// Banner marks the start of one entity block.
const Banner = "=====>"

// FieldParser coerces a trimmed, non-empty raw value.
type FieldParser func(raw string) (any, error)

// Config controls label normalization and value coercion.
type Config struct {
	// NormalizeKeys lower-cases labels and turns spaces into underscores.
	NormalizeKeys bool

	// Discards lists field names (after renaming) that are dropped.
	Discards map[string]bool

	// Renames maps a (normalized) label to the output field name.
	Renames map[string]string

	// Parsers coerces values of the named output fields. Fields without a
	// parser keep their string value.
	Parsers map[string]FieldParser
}

// Row is one entity block of a report.
type Row struct {
	Scope  string
	Fields map[string]any
}

// StringPtr returns the field as a string pointer, nil when null.
func (r Row) StringPtr(name string) *string {
	s, ok := r.Fields[name].(string)
	if !ok {
		return nil
	}
	return &s
}

// Bool returns the field as a bool, false when null.
func (r Row) Bool(name string) bool {
	b, _ := r.Fields[name].(bool)
	return b
}

// BoolPtr returns the field as a bool pointer, nil when null.
func (r Row) BoolPtr(name string) *bool {
	b, ok := r.Fields[name].(bool)
	if !ok {
		return nil
	}
	return &b
}

// Strings returns the field as a string list, nil when null.
func (r Row) Strings(name string) []string {
	l, _ := r.Fields[name].([]string)
	return l
}

// knownFields returns the output fields every row is seeded with.
func (c Config) knownFields() []string {
	seen := make(map[string]bool)
	var fields []string
	for _, name := range c.Renames {
		if !seen[name] && !c.Discards[name] {
			seen[name] = true
			fields = append(fields, name)
		}
	}
	for name := range c.Parsers {
		if !seen[name] && !c.Discards[name] {
			seen[name] = true
			fields = append(fields, name)
		}
	}
	return fields
}

// NormalizeLabel lower-cases a label and replaces spaces with underscores.
func NormalizeLabel(label string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(label)), " ", "_")
}

// Parse splits text into rows, one per banner block, in input order.
// Text before the first banner is ignored.
func Parse(text string, cfg Config) ([]Row, error) {
	known := cfg.knownFields()

	var (
		rows    []Row
		current *Row
	)

	for n, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, Banner) {
			if current != nil {
				rows = append(rows, *current)
			}
			header := strings.Fields(strings.TrimPrefix(trimmed, Banner))
			if len(header) == 0 {
				return nil, &FormatError{Line: n + 1, Text: line, Reason: "banner without scope name"}
			}
			current = &Row{Scope: header[0], Fields: make(map[string]any, len(known))}
			for _, name := range known {
				current.Fields[name] = nil
			}
			continue
		}

		if current == nil {
			continue
		}

		label, raw, ok := strings.Cut(trimmed, ":")
		if !ok {
			return nil, &FormatError{Line: n + 1, Text: line, Reason: "line is not a 'label: value' pair"}
		}

		name := strings.TrimSpace(label)
		if cfg.NormalizeKeys {
			name = NormalizeLabel(name)
		}
		if renamed, ok := cfg.Renames[name]; ok {
			name = renamed
		}
		if cfg.Discards[name] {
			continue
		}

		value, err := coerce(strings.TrimSpace(raw), cfg.Parsers[name])
		if err != nil {
			return nil, &FormatError{Line: n + 1, Text: line, Reason: fmt.Sprintf("field %s: %v", name, err)}
		}
		current.Fields[name] = value
	}

	if current != nil {
		rows = append(rows, *current)
	}
	return rows, nil
}

func coerce(raw string, parser FieldParser) (any, error) {
	if raw == "" {
		return nil, nil
	}
	if parser == nil {
		return raw, nil
	}
	return parser(raw)
}
