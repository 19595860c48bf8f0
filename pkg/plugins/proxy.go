package plugins

import (
	"context"
	"iter"

	"github.com/openfroyo/dokkusync/pkg/command"
	"github.com/openfroyo/dokkusync/pkg/engine"
	"github.com/openfroyo/dokkusync/pkg/host"
	"github.com/openfroyo/dokkusync/pkg/report"
)

// ProxySettings is the proxy configuration of one app.
type ProxySettings struct {
	AppName    engine.Scope `json:"app_name"`
	Enabled    *bool        `json:"enabled"`
	Type       *string      `json:"type"`
	GlobalType *string      `json:"global_type"`
}

// Scope implements engine.Object.
func (p ProxySettings) Scope() engine.Scope { return p.AppName }

// Proxy is the proxy family.
type Proxy struct{}

var proxyReport = report.Config{
	NormalizeKeys: true,
	Renames: map[string]string{
		"proxy_enabled":     "enabled",
		"proxy_type":        "type",
		"proxy_global_type": "global_type",
	},
	Discards: map[string]bool{"proxy_computed_type": true},
	Parsers:  map[string]report.FieldParser{"enabled": report.Bool},
}

// Name implements engine.Family.
func (Proxy) Name() string { return "proxy" }

// Shapes implements engine.Family.
func (Proxy) Shapes() []engine.Shape {
	return []engine.Shape{engine.ShapeOf[ProxySettings]()}
}

// Export implements engine.Exporter.
func (Proxy) Export(ctx context.Context, s *host.Session, filter engine.Filter) ([]engine.Object, error) {
	rows, err := appRows(ctx, s, "proxy:report", proxyReport, filter)
	if err != nil {
		return nil, err
	}
	objects := make([]engine.Object, 0, len(rows))
	for _, row := range rows {
		objects = append(objects, &ProxySettings{
			AppName:    engine.App(row.Scope),
			Enabled:    row.BoolPtr("enabled"),
			Type:       row.StringPtr("type"),
			GlobalType: row.StringPtr("global_type"),
		})
	}
	return objects, nil
}

// Commands implements engine.Reconciler.
func (Proxy) Commands(objects []engine.Object, opts engine.CommandOptions) iter.Seq[command.Command] {
	return commands(func(e *emitter) {
		systemDone := opts.SkipSystem
		for _, obj := range objects {
			p, ok := obj.(*ProxySettings)
			if !ok {
				continue
			}
			if !systemDone && p.GlobalType != nil {
				systemDone = true
				if !e.emit(manage(opts, "proxy:set", GlobalFlag, *p.GlobalType)) {
					return
				}
			}

			app, ok := p.AppName.AppName()
			if !ok {
				continue
			}
			if p.Type != nil && !e.emit(manage(opts, "proxy:set", app, *p.Type)) {
				return
			}
			if p.Enabled != nil && !e.emit(manage(opts, enableVerb("proxy", *p.Enabled), app)) {
				return
			}
		}
	})
}
