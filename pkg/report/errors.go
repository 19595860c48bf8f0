package report

import (
	"fmt"
	"strings"
)

// ErrorMarker prefixes every message line the platform writes to stderr.
const ErrorMarker = "!"

// EmptySentences are the messages the platform prints, on stderr and with
// either exit code, when there is nothing to report yet. Matching on
// wording is fragile by nature: an upstream rewording turns an empty
// result into a CommandError.
var EmptySentences = []string{
	"You haven't deployed any applications yet",
	"There are no apps",
	"No apps found",
	"No public keys found",
}

// FormatError reports output that does not have the expected shape. It
// signals that the platform's output contract changed.
type FormatError struct {
	Line   int
	Text   string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("unexpected report format at line %d (%q): %s", e.Line, e.Text, e.Reason)
	}
	return fmt.Sprintf("unexpected report format (%q): %s", e.Text, e.Reason)
}

// CommandError is a failure reported by the platform itself.
type CommandError struct {
	ExitCode int
	Message  string
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("report command failed with exit code %d", e.ExitCode)
	}
	return fmt.Sprintf("report command failed with exit code %d: %s", e.ExitCode, e.Message)
}

// ExtractMessage strips the marker from every stderr line. Any non-empty
// line without the marker is a FormatError.
func ExtractMessage(stderr string) (string, error) {
	var messages []string
	for n, line := range strings.Split(stderr, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		rest, ok := strings.CutPrefix(trimmed, ErrorMarker)
		if !ok {
			return "", &FormatError{Line: n + 1, Text: line, Reason: "stderr line without error marker"}
		}
		messages = append(messages, strings.TrimSpace(rest))
	}
	return strings.Join(messages, "\n"), nil
}

// IsEmptySentence reports whether stderr carries a known "nothing yet"
// message.
func IsEmptySentence(stderr string) bool {
	for _, sentence := range EmptySentences {
		if strings.Contains(stderr, sentence) {
			return true
		}
	}
	return false
}

// Interpret applies the report command policy to a finished run. It returns
// the stdout to parse, or empty=true when there is nothing to report.
func Interpret(exitCode int, stdout, stderr string) (text string, empty bool, err error) {
	if IsEmptySentence(stderr) {
		return "", true, nil
	}
	if strings.TrimSpace(stderr) != "" {
		msg, perr := ExtractMessage(stderr)
		if perr != nil {
			return "", false, perr
		}
		return "", false, &CommandError{ExitCode: exitCode, Message: msg}
	}
	if exitCode != 0 {
		return "", false, &CommandError{ExitCode: exitCode}
	}
	if strings.TrimSpace(stdout) == "" {
		return "", true, nil
	}
	return stdout, false, nil
}
