// Package runnertest provides a scripted runner for tests.
package runnertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openfroyo/dokkusync/pkg/execctx"
	"github.com/openfroyo/dokkusync/pkg/runner"
)

// Fake is a runner.Runner that answers from a script keyed by the remote
// command line and records every invocation it receives.
type Fake struct {
	mu        sync.Mutex
	responses map[string]runner.Result
	calls     []execctx.Invocation
	fallback  *runner.Result
}

// New creates an empty Fake. Unscripted commands fail the run.
func New() *Fake {
	return &Fake{responses: make(map[string]runner.Result)}
}

// On scripts the result for the invocation whose argument vector, joined by
// single spaces, equals line.
func (f *Fake) On(line string, res runner.Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[line] = res
	return f
}

// OnStdout scripts a successful run printing stdout.
func (f *Fake) OnStdout(line, stdout string) *Fake {
	return f.On(line, runner.Result{Stdout: stdout})
}

// Otherwise sets the result for unscripted commands.
func (f *Fake) Otherwise(res runner.Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = &res
	return f
}

// Run implements runner.Runner.
func (f *Fake) Run(_ context.Context, inv execctx.Invocation) (runner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, inv)
	line := strings.Join(inv.Args, " ")
	if res, ok := f.responses[line]; ok {
		return res, nil
	}
	if f.fallback != nil {
		return *f.fallback, nil
	}
	return runner.Result{}, &runner.ProcessError{
		Argv:     inv.Argv(),
		ExitCode: -1,
		Err:      fmt.Errorf("unscripted command %q", line),
	}
}

// Calls returns the invocations received so far.
func (f *Fake) Calls() []execctx.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execctx.Invocation(nil), f.calls...)
}

// Lines returns the received argument vectors joined by single spaces.
func (f *Fake) Lines() []string {
	calls := f.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = strings.Join(c.Args, " ")
	}
	return lines
}
