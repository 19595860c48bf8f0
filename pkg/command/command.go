// Package command describes external invocations as plain values.
//
// A Command carries everything needed to run a program on the managed
// host: the argument vector, an optional stdin payload, whether a
// non-zero exit is fatal, and whether the command needs privilege
// escalation. Building a Command never touches the host; it only runs
// once handed to a runner through the execution context resolver.
package command

import (
	"encoding/base64"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// EscalationToken is the program prepended to privileged commands.
const EscalationToken = "sudo"

// Command is an immutable description of an external program invocation.
type Command struct {
	argv       []string
	stdin      *string
	check      bool
	privileged bool
}

// Option customizes a Command at construction time.
type Option func(*Command)

// WithStdin attaches a payload written to the process stdin.
func WithStdin(data string) Option {
	return func(c *Command) {
		c.stdin = &data
	}
}

// WithoutCheck makes a non-zero exit code non-fatal.
func WithoutCheck() Option {
	return func(c *Command) {
		c.check = false
	}
}

// Privileged marks the command as requiring privilege escalation.
func Privileged() Option {
	return func(c *Command) {
		c.privileged = true
	}
}

// New creates a Command. Commands are checked by default.
func New(argv []string, opts ...Option) Command {
	c := Command{
		argv:  append([]string(nil), argv...),
		check: true,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Argv returns a copy of the argument vector.
func (c Command) Argv() []string {
	return append([]string(nil), c.argv...)
}

// Program returns argv[0], which identifies the tool family.
func (c Command) Program() string {
	if len(c.argv) == 0 {
		return ""
	}
	return c.argv[0]
}

// Stdin returns the stdin payload and whether one is set.
func (c Command) Stdin() (string, bool) {
	if c.stdin == nil {
		return "", false
	}
	return *c.stdin, true
}

// Check reports whether a non-zero exit code must fail the run.
func (c Command) Check() bool {
	return c.check
}

// IsPrivileged reports whether the command asks for privilege escalation.
func (c Command) IsPrivileged() bool {
	return c.privileged
}

// Render returns a single shell line equivalent to running the command.
// Stdin payloads are base64 encoded and decoded in a pipeline so the line
// can be pasted into a terminal as is.
func (c Command) Render() string {
	return RenderArgv(c.argv, c.stdin, c.privileged)
}

// String implements fmt.Stringer.
func (c Command) String() string {
	return c.Render()
}

// RenderArgv renders an argument vector with an optional stdin payload.
func RenderArgv(argv []string, stdin *string, privileged bool) string {
	words := argv
	if privileged {
		words = append([]string{EscalationToken}, argv...)
	}
	line := shellescape.QuoteCommand(words)
	if stdin == nil {
		return line
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(*stdin))
	var b strings.Builder
	b.WriteString("echo ")
	b.WriteString(shellescape.Quote(encoded))
	b.WriteString(" | base64 -d | ")
	b.WriteString(line)
	return b.String()
}
