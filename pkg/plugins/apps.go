package plugins

import (
	"context"
	"iter"

	"github.com/openfroyo/dokkusync/pkg/command"
	"github.com/openfroyo/dokkusync/pkg/engine"
	"github.com/openfroyo/dokkusync/pkg/host"
	"github.com/openfroyo/dokkusync/pkg/report"
)

// AppRecord is one application.
type AppRecord struct {
	Name   string `json:"name"`
	Locked bool   `json:"locked"`
}

// Scope implements engine.Object.
func (a AppRecord) Scope() engine.Scope { return engine.App(a.Name) }

// Apps is the application family.
type Apps struct{}

var appsReport = report.Config{
	NormalizeKeys: true,
	Renames:       map[string]string{"app_locked": "locked"},
	Discards: map[string]bool{
		"app_created_at":             true,
		"app_deploy_source":          true,
		"app_deploy_source_metadata": true,
		"app_dir":                    true,
	},
	Parsers: map[string]report.FieldParser{"locked": report.Bool},
}

// Name implements engine.Family.
func (Apps) Name() string { return "apps" }

// Shapes implements engine.Family.
func (Apps) Shapes() []engine.Shape {
	return []engine.Shape{engine.ShapeOf[AppRecord]()}
}

// Export implements engine.Exporter.
func (Apps) Export(ctx context.Context, s *host.Session, filter engine.Filter) ([]engine.Object, error) {
	rows, err := appRows(ctx, s, "apps:report", appsReport, filter)
	if err != nil {
		return nil, err
	}
	objects := make([]engine.Object, 0, len(rows))
	for _, row := range rows {
		objects = append(objects, &AppRecord{Name: row.Scope, Locked: row.Bool("locked")})
	}
	return objects, nil
}

// Commands implements engine.Reconciler.
func (Apps) Commands(objects []engine.Object, opts engine.CommandOptions) iter.Seq[command.Command] {
	return commands(func(e *emitter) {
		for _, obj := range objects {
			app, ok := obj.(*AppRecord)
			if !ok {
				continue
			}
			if !e.emit(manage(opts, "apps:create", app.Name)) {
				return
			}
			if app.Locked && !e.emit(manage(opts, "apps:lock", app.Name)) {
				return
			}
		}
	})
}
