package report

import (
	"fmt"
	"strings"
)

// Bool parses "true" and "false".
func Bool(raw string) (any, error) {
	switch strings.ToLower(raw) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return nil, fmt.Errorf("invalid boolean %q", raw)
	}
}

// List splits a whitespace separated value.
func List(raw string) (any, error) {
	return strings.Fields(raw), nil
}

// String keeps the raw value. It exists so a field can be declared known
// without coercion.
func String(raw string) (any, error) {
	return raw, nil
}
