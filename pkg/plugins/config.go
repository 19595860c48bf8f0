package plugins

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"iter"
	"sort"
	"strings"

	"github.com/openfroyo/dokkusync/pkg/command"
	"github.com/openfroyo/dokkusync/pkg/engine"
	"github.com/openfroyo/dokkusync/pkg/host"
	"github.com/openfroyo/dokkusync/pkg/report"
)

// ConfigEntry is one environment variable of an app or of the platform.
type ConfigEntry struct {
	AppName engine.Scope `json:"app_name"`
	Name    string       `json:"name"`
	Value   string       `json:"value"`
}

// Scope implements engine.Object.
func (c ConfigEntry) Scope() engine.Scope { return c.AppName }

// Config is the environment variable family.
type Config struct{}

// Name implements engine.Family.
func (Config) Name() string { return "config" }

// Shapes implements engine.Family.
func (Config) Shapes() []engine.Shape {
	return []engine.Shape{engine.ShapeOf[ConfigEntry]()}
}

// managedConfigKey reports variables the platform maintains itself.
func managedConfigKey(name string) bool {
	return strings.HasPrefix(name, "DOKKU_") || name == "GIT_REV"
}

// Export implements engine.Exporter.
func (Config) Export(ctx context.Context, s *host.Session, filter engine.Filter) ([]engine.Object, error) {
	var scopes []engine.Scope
	if filter.IncludesGlobal() {
		scopes = append(scopes, engine.Global())
	}
	apps, err := s.Apps(ctx)
	if err != nil {
		return nil, err
	}
	for _, app := range apps {
		if filter.IncludesApp(app) {
			scopes = append(scopes, engine.App(app))
		}
	}

	var objects []engine.Object
	for _, scope := range scopes {
		res, err := s.Run(ctx, s.Management("config:export", "--format", "json", scope.Arg(GlobalFlag)))
		if err != nil {
			return nil, err
		}
		vars, err := parseConfigExport(res.Stdout)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(vars))
		for name := range vars {
			if !managedConfigKey(name) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			objects = append(objects, &ConfigEntry{AppName: scope, Name: name, Value: vars[name]})
		}
	}
	return objects, nil
}

func parseConfigExport(out string) (map[string]string, error) {
	vars := map[string]string{}
	if strings.TrimSpace(out) == "" {
		return vars, nil
	}
	if err := json.Unmarshal([]byte(out), &vars); err != nil {
		return nil, &report.FormatError{Line: 1, Text: strings.TrimSpace(out), Reason: "config export is not a JSON object of strings"}
	}
	return vars, nil
}

// Commands implements engine.Reconciler. Values travel base64 encoded so
// any byte survives the remote shell.
func (Config) Commands(objects []engine.Object, opts engine.CommandOptions) iter.Seq[command.Command] {
	return commands(func(e *emitter) {
		for _, group := range byScope(objects) {
			args := []string{"config:set", "--no-restart", "--encoded", group.Scope.Arg(GlobalFlag)}
			n := len(args)
			for _, obj := range group.Objects {
				entry, ok := obj.(*ConfigEntry)
				if !ok {
					continue
				}
				args = append(args, entry.Name+"="+base64.StdEncoding.EncodeToString([]byte(entry.Value)))
			}
			if len(args) == n {
				continue
			}
			if !e.emit(manage(opts, args...)) {
				return
			}
		}
	})
}
