package plugins

import (
	"context"
	"iter"
	"slices"
	"strings"

	"github.com/openfroyo/dokkusync/pkg/command"
	"github.com/openfroyo/dokkusync/pkg/engine"
	"github.com/openfroyo/dokkusync/pkg/host"
	"github.com/openfroyo/dokkusync/pkg/report"
)

// builtinNetworks exist on every container host and are never recreated.
var builtinNetworks = []string{"bridge", "host", "none"}

// NetworkDefinition is a user-defined container network.
type NetworkDefinition struct {
	Name string `json:"name"`
}

// Scope implements engine.Object.
func (NetworkDefinition) Scope() engine.Scope { return engine.Global() }

// NetworkSettings are the network properties of one app. The global_*
// fields repeat the platform-wide defaults on every app.
type NetworkSettings struct {
	AppName                 engine.Scope `json:"app_name"`
	AttachPostCreate        *string      `json:"attach_post_create"`
	AttachPostDeploy        *string      `json:"attach_post_deploy"`
	BindAllInterfaces       *bool        `json:"bind_all_interfaces"`
	InitialNetwork          *string      `json:"initial_network"`
	TLD                     *string      `json:"tld"`
	GlobalAttachPostCreate  *string      `json:"global_attach_post_create"`
	GlobalAttachPostDeploy  *string      `json:"global_attach_post_deploy"`
	GlobalBindAllInterfaces *bool        `json:"global_bind_all_interfaces"`
	GlobalInitialNetwork    *string      `json:"global_initial_network"`
	GlobalTLD               *string      `json:"global_tld"`
}

// Scope implements engine.Object.
func (n NetworkSettings) Scope() engine.Scope { return n.AppName }

// Network is the container network family.
type Network struct{}

var networkReport = report.Config{
	NormalizeKeys: true,
	Renames: map[string]string{
		"network_attach_post_create":         "attach_post_create",
		"network_attach_post_deploy":         "attach_post_deploy",
		"network_bind_all_interfaces":        "bind_all_interfaces",
		"network_initial_network":            "initial_network",
		"network_tld":                        "tld",
		"network_global_attach_post_create":  "global_attach_post_create",
		"network_global_attach_post_deploy":  "global_attach_post_deploy",
		"network_global_bind_all_interfaces": "global_bind_all_interfaces",
		"network_global_initial_network":     "global_initial_network",
		"network_global_tld":                 "global_tld",
	},
	Discards: map[string]bool{
		"network_computed_attach_post_create":  true,
		"network_computed_attach_post_deploy":  true,
		"network_computed_bind_all_interfaces": true,
		"network_computed_initial_network":     true,
		"network_computed_tld":                 true,
		"network_static_web_listener":          true,
		"network_web_listeners":                true,
	},
	Parsers: map[string]report.FieldParser{
		"bind_all_interfaces":        report.Bool,
		"global_bind_all_interfaces": report.Bool,
	},
}

// Name implements engine.Family.
func (Network) Name() string { return "network" }

// Shapes implements engine.Family.
func (Network) Shapes() []engine.Shape {
	return []engine.Shape{
		engine.ShapeOf[NetworkDefinition](),
		engine.ShapeOf[NetworkSettings](),
	}
}

// Export implements engine.Exporter.
func (Network) Export(ctx context.Context, s *host.Session, filter engine.Filter) ([]engine.Object, error) {
	var objects []engine.Object
	if filter.IncludesGlobal() {
		text, err := s.ReportText(ctx, s.Management("network:list"))
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(text, "\n") {
			name := strings.TrimSpace(line)
			if name == "" || strings.HasPrefix(name, report.Banner) || slices.Contains(builtinNetworks, name) {
				continue
			}
			objects = append(objects, &NetworkDefinition{Name: name})
		}
	}

	rows, err := appRows(ctx, s, "network:report", networkReport, filter)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		objects = append(objects, &NetworkSettings{
			AppName:                 engine.App(row.Scope),
			AttachPostCreate:        row.StringPtr("attach_post_create"),
			AttachPostDeploy:        row.StringPtr("attach_post_deploy"),
			BindAllInterfaces:       row.BoolPtr("bind_all_interfaces"),
			InitialNetwork:          row.StringPtr("initial_network"),
			TLD:                     row.StringPtr("tld"),
			GlobalAttachPostCreate:  row.StringPtr("global_attach_post_create"),
			GlobalAttachPostDeploy:  row.StringPtr("global_attach_post_deploy"),
			GlobalBindAllInterfaces: row.BoolPtr("global_bind_all_interfaces"),
			GlobalInitialNetwork:    row.StringPtr("global_initial_network"),
			GlobalTLD:               row.StringPtr("global_tld"),
		})
	}
	return objects, nil
}

// networkProperty is one settable property with its value, nil when unset.
type networkProperty struct {
	key   string
	value *string
}

func boolPtrArg(b *bool) *string {
	if b == nil {
		return nil
	}
	s := boolArg(*b)
	return &s
}

func (n *NetworkSettings) appProperties() []networkProperty {
	return []networkProperty{
		{"attach-post-create", n.AttachPostCreate},
		{"attach-post-deploy", n.AttachPostDeploy},
		{"bind-all-interfaces", boolPtrArg(n.BindAllInterfaces)},
		{"initial-network", n.InitialNetwork},
		{"tld", n.TLD},
	}
}

func (n *NetworkSettings) globalProperties() []networkProperty {
	return []networkProperty{
		{"attach-post-create", n.GlobalAttachPostCreate},
		{"attach-post-deploy", n.GlobalAttachPostDeploy},
		{"bind-all-interfaces", boolPtrArg(n.GlobalBindAllInterfaces)},
		{"initial-network", n.GlobalInitialNetwork},
		{"tld", n.GlobalTLD},
	}
}

// Commands implements engine.Reconciler. Creating a network that already
// exists fails on the platform, so network creation is unchecked.
func (Network) Commands(objects []engine.Object, opts engine.CommandOptions) iter.Seq[command.Command] {
	return commands(func(e *emitter) {
		systemDone := opts.SkipSystem
		for _, obj := range objects {
			switch n := obj.(type) {
			case *NetworkDefinition:
				cmd := command.New([]string{opts.Tool, "network:create", n.Name}, command.WithoutCheck())
				if !e.emit(cmd) {
					return
				}

			case *NetworkSettings:
				if !systemDone {
					systemDone = true
					for _, p := range n.globalProperties() {
						if p.value != nil && !e.emit(manage(opts, "network:set", GlobalFlag, p.key, *p.value)) {
							return
						}
					}
				}
				app, ok := n.AppName.AppName()
				if !ok {
					continue
				}
				for _, p := range n.appProperties() {
					if p.value != nil && !e.emit(manage(opts, "network:set", app, p.key, *p.value)) {
						return
					}
				}
			}
		}
	})
}
