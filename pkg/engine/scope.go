package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Scope is either the platform-wide scope or one application.
// The zero value is the global scope.
type Scope struct {
	app string
}

// Global returns the platform-wide scope.
func Global() Scope {
	return Scope{}
}

// App returns the scope of one application. An empty name is the global
// scope.
func App(name string) Scope {
	return Scope{app: name}
}

// IsGlobal reports whether s is the platform-wide scope.
func (s Scope) IsGlobal() bool {
	return s.app == ""
}

// AppName returns the application name and whether s is an app scope.
func (s Scope) AppName() (string, bool) {
	return s.app, s.app != ""
}

// Arg returns the scope as a management command argument: the app name,
// or the given global flag.
func (s Scope) Arg(globalFlag string) string {
	if s.IsGlobal() {
		return globalFlag
	}
	return s.app
}

func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return s.app
}

// MarshalJSON encodes the global scope as null and an app scope as its
// name.
func (s Scope) MarshalJSON() ([]byte, error) {
	if s.IsGlobal() {
		return []byte("null"), nil
	}
	return json.Marshal(s.app)
}

// UnmarshalJSON accepts null or an app name.
func (s *Scope) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = Global()
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("scope must be null or an app name: %w", err)
	}
	*s = App(name)
	return nil
}
