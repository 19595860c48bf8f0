package plugins

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/openfroyo/dokkusync/pkg/command"
	"github.com/openfroyo/dokkusync/pkg/engine"
	"github.com/openfroyo/dokkusync/pkg/host"
	"github.com/openfroyo/dokkusync/pkg/report"
)

// ProcessPolicy is the restart policy of one app.
type ProcessPolicy struct {
	AppName             engine.Scope `json:"app_name"`
	RestartPolicy       *string      `json:"restart_policy"`
	GlobalRestartPolicy *string      `json:"global_restart_policy"`
}

// Scope implements engine.Object.
func (p ProcessPolicy) Scope() engine.Scope { return p.AppName }

// ProcessScale is the container count of one process type.
type ProcessScale struct {
	AppName     engine.Scope `json:"app_name"`
	ProcessType string       `json:"process_type"`
	Quantity    int          `json:"quantity"`
}

// Scope implements engine.Object.
func (p ProcessScale) Scope() engine.Scope { return p.AppName }

// Ps is the process management family.
type Ps struct{}

var psReport = report.Config{
	NormalizeKeys: true,
	Renames: map[string]string{
		"ps_restart_policy":        "restart_policy",
		"ps_global_restart_policy": "global_restart_policy",
	},
	Parsers: map[string]report.FieldParser{
		"restart_policy":        report.String,
		"global_restart_policy": report.String,
	},
}

// Name implements engine.Family.
func (Ps) Name() string { return "ps" }

// Shapes implements engine.Family.
func (Ps) Shapes() []engine.Shape {
	return []engine.Shape{
		engine.ShapeOf[ProcessPolicy](),
		engine.ShapeOf[ProcessScale](),
	}
}

// Export implements engine.Exporter.
func (Ps) Export(ctx context.Context, s *host.Session, filter engine.Filter) ([]engine.Object, error) {
	rows, err := appRows(ctx, s, "ps:report", psReport, filter)
	if err != nil {
		return nil, err
	}
	var objects []engine.Object
	for _, row := range rows {
		objects = append(objects, &ProcessPolicy{
			AppName:             engine.App(row.Scope),
			RestartPolicy:       row.StringPtr("restart_policy"),
			GlobalRestartPolicy: row.StringPtr("global_restart_policy"),
		})

		text, err := s.ReportText(ctx, s.Management("ps:scale", row.Scope))
		if err != nil {
			return nil, err
		}
		scales, err := ParseScale(row.Scope, text)
		if err != nil {
			return nil, err
		}
		for _, scale := range scales {
			objects = append(objects, scale)
		}
	}
	return objects, nil
}

// ParseScale parses the process table printed by ps:scale:
//
//	-----> Scaling for web
//	proctype: qty
//	--------: ---
//	web:  2
//	worker: 1
func ParseScale(app, text string) ([]*ProcessScale, error) {
	var scales []*ProcessScale
	for n, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "----->") ||
			strings.HasPrefix(trimmed, "proctype") || strings.HasPrefix(trimmed, "--------") {
			continue
		}
		name, raw, ok := strings.Cut(trimmed, ":")
		if !ok {
			return nil, &report.FormatError{Line: n + 1, Text: line, Reason: "scale line is not 'type: quantity'"}
		}
		qty, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, &report.FormatError{Line: n + 1, Text: line, Reason: fmt.Sprintf("invalid quantity for %s", name)}
		}
		scales = append(scales, &ProcessScale{
			AppName:     engine.App(app),
			ProcessType: strings.TrimSpace(name),
			Quantity:    qty,
		})
	}
	return scales, nil
}

// Commands implements engine.Reconciler. Scaling skips the deploy so a
// restore does not start containers for apps that have no image yet.
func (Ps) Commands(objects []engine.Object, opts engine.CommandOptions) iter.Seq[command.Command] {
	return commands(func(e *emitter) {
		systemDone := opts.SkipSystem
		for _, group := range byScope(objects) {
			app, isApp := group.Scope.AppName()
			var scale []string
			for _, obj := range group.Objects {
				switch p := obj.(type) {
				case *ProcessPolicy:
					if !systemDone && p.GlobalRestartPolicy != nil {
						systemDone = true
						if !e.emit(manage(opts, "ps:set", GlobalFlag, "restart-policy", *p.GlobalRestartPolicy)) {
							return
						}
					}
					if isApp && p.RestartPolicy != nil {
						if !e.emit(manage(opts, "ps:set", app, "restart-policy", *p.RestartPolicy)) {
							return
						}
					}
				case *ProcessScale:
					scale = append(scale, fmt.Sprintf("%s=%d", p.ProcessType, p.Quantity))
				}
			}
			if isApp && len(scale) > 0 {
				args := append([]string{"ps:scale", "--skip-deploy", app}, scale...)
				if !e.emit(manage(opts, args...)) {
					return
				}
			}
		}
	})
}
