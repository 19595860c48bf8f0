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

// PortMapping routes a host port of the proxy to a container port.
type PortMapping struct {
	AppName       engine.Scope `json:"app_name"`
	Scheme        string       `json:"scheme"`
	HostPort      int          `json:"host_port"`
	ContainerPort int          `json:"container_port"`
}

// Scope implements engine.Object.
func (p PortMapping) Scope() engine.Scope { return p.AppName }

// String renders the mapping as the platform writes it.
func (p PortMapping) String() string {
	return fmt.Sprintf("%s:%d:%d", p.Scheme, p.HostPort, p.ContainerPort)
}

// ParsePortMapping parses "scheme:host:container".
func ParsePortMapping(app, raw string) (*PortMapping, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 || parts[0] == "" {
		return nil, fmt.Errorf("port mapping %q is not scheme:host:container", raw)
	}
	hostPort, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("port mapping %q has a non-numeric host port", raw)
	}
	containerPort, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("port mapping %q has a non-numeric container port", raw)
	}
	return &PortMapping{
		AppName:       engine.App(app),
		Scheme:        parts[0],
		HostPort:      hostPort,
		ContainerPort: containerPort,
	}, nil
}

// Ports is the proxy port mapping family.
type Ports struct{}

var portsReport = report.Config{
	NormalizeKeys: true,
	Renames:       map[string]string{"ports_map": "map"},
	Discards:      map[string]bool{"ports_map_detected": true},
	Parsers:       map[string]report.FieldParser{"map": report.List},
}

// Name implements engine.Family.
func (Ports) Name() string { return "ports" }

// Shapes implements engine.Family.
func (Ports) Shapes() []engine.Shape {
	return []engine.Shape{engine.ShapeOf[PortMapping]()}
}

// Export implements engine.Exporter.
func (Ports) Export(ctx context.Context, s *host.Session, filter engine.Filter) ([]engine.Object, error) {
	rows, err := appRows(ctx, s, "ports:report", portsReport, filter)
	if err != nil {
		return nil, err
	}
	var objects []engine.Object
	for _, row := range rows {
		for _, raw := range row.Strings("map") {
			mapping, err := ParsePortMapping(row.Scope, raw)
			if err != nil {
				return nil, &report.FormatError{Line: 0, Text: raw, Reason: err.Error()}
			}
			objects = append(objects, mapping)
		}
	}
	return objects, nil
}

// Commands implements engine.Reconciler. All mappings of an app are set
// in one command since ports:set replaces the whole map.
func (Ports) Commands(objects []engine.Object, opts engine.CommandOptions) iter.Seq[command.Command] {
	return commands(func(e *emitter) {
		for _, group := range byScope(objects) {
			app, ok := group.Scope.AppName()
			if !ok {
				continue
			}
			args := []string{"ports:set", app}
			for _, obj := range group.Objects {
				if mapping, ok := obj.(*PortMapping); ok {
					args = append(args, mapping.String())
				}
			}
			if len(args) == 2 {
				continue
			}
			if !e.emit(manage(opts, args...)) {
				return
			}
		}
	})
}
