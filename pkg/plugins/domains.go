package plugins

import (
	"context"
	"iter"

	"github.com/openfroyo/dokkusync/pkg/command"
	"github.com/openfroyo/dokkusync/pkg/engine"
	"github.com/openfroyo/dokkusync/pkg/host"
	"github.com/openfroyo/dokkusync/pkg/report"
)

// DomainSettings are the virtual hosts of one app. GlobalVhosts repeats
// the platform-wide setting on every app.
type DomainSettings struct {
	AppName      engine.Scope `json:"app_name"`
	Enabled      *bool        `json:"enabled"`
	Vhosts       []string     `json:"vhosts"`
	GlobalVhosts []string     `json:"global_vhosts"`
}

// Scope implements engine.Object.
func (d DomainSettings) Scope() engine.Scope { return d.AppName }

// Domains is the virtual host family.
type Domains struct{}

var domainsReport = report.Config{
	NormalizeKeys: true,
	Renames: map[string]string{
		"domains_app_enabled":   "enabled",
		"domains_app_vhosts":    "vhosts",
		"domains_global_vhosts": "global_vhosts",
	},
	Discards: map[string]bool{"domains_global_enabled": true},
	Parsers: map[string]report.FieldParser{
		"enabled":       report.Bool,
		"vhosts":        report.List,
		"global_vhosts": report.List,
	},
}

// Name implements engine.Family.
func (Domains) Name() string { return "domains" }

// Shapes implements engine.Family.
func (Domains) Shapes() []engine.Shape {
	return []engine.Shape{engine.ShapeOf[DomainSettings]()}
}

// Export implements engine.Exporter.
func (Domains) Export(ctx context.Context, s *host.Session, filter engine.Filter) ([]engine.Object, error) {
	rows, err := appRows(ctx, s, "domains:report", domainsReport, filter)
	if err != nil {
		return nil, err
	}
	objects := make([]engine.Object, 0, len(rows))
	for _, row := range rows {
		objects = append(objects, &DomainSettings{
			AppName:      engine.App(row.Scope),
			Enabled:      row.BoolPtr("enabled"),
			Vhosts:       row.Strings("vhosts"),
			GlobalVhosts: row.Strings("global_vhosts"),
		})
	}
	return objects, nil
}

// Commands implements engine.Reconciler.
func (Domains) Commands(objects []engine.Object, opts engine.CommandOptions) iter.Seq[command.Command] {
	return commands(func(e *emitter) {
		systemDone := opts.SkipSystem
		for _, obj := range objects {
			d, ok := obj.(*DomainSettings)
			if !ok {
				continue
			}
			if !systemDone && len(d.GlobalVhosts) > 0 {
				systemDone = true
				if !e.emit(manage(opts, append([]string{"domains:set-global"}, d.GlobalVhosts...)...)) {
					return
				}
			}

			app, ok := d.AppName.AppName()
			if !ok {
				continue
			}
			if len(d.Vhosts) > 0 {
				if !e.emit(manage(opts, append([]string{"domains:set", app}, d.Vhosts...)...)) {
					return
				}
			}
			if d.Enabled != nil && !e.emit(manage(opts, enableVerb("domains", *d.Enabled), app)) {
				return
			}
		}
	})
}
