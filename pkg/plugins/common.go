// Package plugins implements the managed object families of the platform.
//
// Each family reads its objects from the platform's report verbs and turns
// objects back into the management commands that recreate them. Command
// synthesis only looks at object fields, so a plan never needs the host.
package plugins

import (
	"context"
	"iter"

	"github.com/openfroyo/dokkusync/pkg/command"
	"github.com/openfroyo/dokkusync/pkg/engine"
	"github.com/openfroyo/dokkusync/pkg/host"
	"github.com/openfroyo/dokkusync/pkg/report"
	"github.com/openfroyo/dokkusync/pkg/sshkey"
)

// GlobalFlag selects the platform-wide scope of a management verb.
const GlobalFlag = "--global"

// Default returns the registry of all families in apply order. Keys must
// exist before apps are pushed to, apps before anything attached to them.
func Default(inspector sshkey.Inspector) (*engine.Registry, error) {
	if inspector == nil {
		inspector = sshkey.NativeInspector{}
	}
	return engine.NewRegistry(
		&SSHKeys{Inspector: inspector},
		Apps{},
		Config{},
		Domains{},
		Network{},
		Proxy{},
		Ports{},
		Storage{},
		Ps{},
	)
}

// manage builds a checked management command.
func manage(opts engine.CommandOptions, args ...string) command.Command {
	return command.New(append([]string{opts.Tool}, args...))
}

// appRows runs an all-apps report verb and keeps the rows the filter
// selects.
func appRows(ctx context.Context, s *host.Session, verb string, cfg report.Config, filter engine.Filter) ([]report.Row, error) {
	rows, err := s.Report(ctx, s.Management(verb), cfg)
	if err != nil {
		return nil, err
	}
	kept := rows[:0]
	for _, row := range rows {
		if filter.IncludesApp(row.Scope) {
			kept = append(kept, row)
		}
	}
	return kept, nil
}

// emitter wraps a yield function so command builders can stop early.
type emitter struct {
	yield   func(command.Command) bool
	stopped bool
}

func (e *emitter) emit(cmd command.Command) bool {
	if e.stopped {
		return false
	}
	if !e.yield(cmd) {
		e.stopped = true
	}
	return !e.stopped
}

// commands adapts a builder that emits into an iterator.
func commands(build func(e *emitter)) iter.Seq[command.Command] {
	return func(yield func(command.Command) bool) {
		build(&emitter{yield: yield})
	}
}

// byScope splits objects into scope groups, preserving order.
func byScope(objects []engine.Object) []engine.ScopeGroup {
	return engine.GroupByScope(objects)
}

func boolArg(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func enableVerb(prefix string, enabled bool) string {
	if enabled {
		return prefix + ":enable"
	}
	return prefix + ":disable"
}
