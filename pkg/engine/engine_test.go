package engine

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/dokkusync/pkg/command"
	"github.com/openfroyo/dokkusync/pkg/execctx"
	"github.com/openfroyo/dokkusync/pkg/host"
	"github.com/openfroyo/dokkusync/pkg/runner"
	"github.com/openfroyo/dokkusync/pkg/runner/runnertest"
)

type widget struct {
	App  Scope  `json:"app_name"`
	Name string `json:"name"`
}

func (w widget) Scope() Scope { return w.App }

type palette struct {
	Color *string `json:"global_color"`
}

func (palette) Scope() Scope { return Global() }

// widgets is a family whose system command is "widgets:sync".
type widgets struct{}

func (widgets) Name() string { return "widgets" }

func (widgets) Shapes() []Shape {
	return []Shape{ShapeOf[widget](), ShapeOf[palette]()}
}

func (widgets) Export(ctx context.Context, s *host.Session, filter Filter) ([]Object, error) {
	res, err := s.Run(ctx, s.Management("widgets:list"))
	if err != nil {
		return nil, err
	}
	var out []Object
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		app, name, _ := strings.Cut(line, " ")
		if filter.IncludesApp(app) {
			out = append(out, &widget{App: App(app), Name: name})
		}
	}
	if filter.IncludesGlobal() {
		color := "blue"
		out = append(out, &palette{Color: &color})
	}
	return out, nil
}

func (widgets) Commands(objects []Object, opts CommandOptions) iter.Seq[command.Command] {
	return func(yield func(command.Command) bool) {
		created := false
		for _, obj := range objects {
			switch o := obj.(type) {
			case *widget:
				created = true
				if !yield(command.New([]string{opts.Tool, "widgets:create", o.App.String(), o.Name})) {
					return
				}
			case *palette:
				if o.Color != nil && !yield(command.New([]string{opts.Tool, "widgets:set", "--global", *o.Color})) {
					return
				}
			}
		}
		if created && !opts.SkipSystem {
			yield(command.New([]string{opts.Tool, "widgets:sync"}))
		}
	}
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(widgets{})
	require.NoError(t, err)
	return r
}

func testSession(t *testing.T, fake *runnertest.Fake) *host.Session {
	t.Helper()
	s, err := host.NewSession(host.Options{
		Context: &execctx.Context{
			LocalIdentity:   "root",
			Tool:            "dokku",
			AdminIdentities: []string{"root"},
			ServiceAccount:  "dokku",
		},
		Runner: fake,
	})
	require.NoError(t, err)
	return s
}

func strPtr(s string) *string { return &s }

func TestScopeJSON(t *testing.T) {
	data, err := Global().MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	data, err = App("web").MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"web"`, string(data))

	var s Scope
	require.NoError(t, s.UnmarshalJSON([]byte(`"api"`)))
	assert.Equal(t, App("api"), s)
	require.NoError(t, s.UnmarshalJSON([]byte(`null`)))
	assert.True(t, s.IsGlobal())
	assert.Error(t, s.UnmarshalJSON([]byte(`3`)))

	assert.Equal(t, "--global", Global().Arg("--global"))
	assert.Equal(t, "web", App("web").Arg("--global"))
}

func TestShapeOf(t *testing.T) {
	shape := ShapeOf[widget]()
	assert.Equal(t, "widget", shape.Name)
	assert.Equal(t, []string{"app_name", "name"}, shape.Fields)
	assert.IsType(t, &widget{}, shape.New())
}

func TestRegistry(t *testing.T) {
	r := testRegistry(t)
	assert.Equal(t, []string{"widgets"}, r.Names())

	assert.Error(t, r.Register(widgets{}))

	_, err := r.Select([]string{"gadgets"})
	assert.True(t, IsUsage(err))

	fams, err := r.Select(nil)
	require.NoError(t, err)
	assert.Len(t, fams, 1)
}

func sampleSnapshot() *Snapshot {
	snap := NewSnapshot("0.35.0")
	snap.Add("widgets",
		&widget{App: App("web"), Name: "a"},
		&palette{Color: strPtr("true")},
		&widget{App: App("api"), Name: "b"},
	)
	return snap
}

func TestSnapshotJSON(t *testing.T) {
	data, err := sampleSnapshot().EncodeJSON(0)
	require.NoError(t, err)
	assert.Equal(t,
		`{"tool":{"version":"0.35.0"},"widgets":[{"app_name":"web","name":"a"},{"global_color":"true"},{"app_name":"api","name":"b"}]}`+"\n",
		string(data))

	indented, err := sampleSnapshot().EncodeJSON(2)
	require.NoError(t, err)
	assert.Contains(t, string(indented), "\n  \"tool\": {\n    \"version\": \"0.35.0\"\n  },")

	snap, err := Decode(indented, FormatJSON, testRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, sampleSnapshot(), snap)
}

func TestSnapshotYAML(t *testing.T) {
	data, err := sampleSnapshot().EncodeYAML(2)
	require.NoError(t, err)

	out := string(data)
	assert.True(t, strings.HasPrefix(out, "tool:\n  version: 0.35.0\nwidgets:\n"), out)
	assert.Contains(t, out, `global_color: "true"`)
	assert.NotContains(t, out, "{")

	snap, err := Decode(data, FormatYAML, testRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, sampleSnapshot(), snap)
}

func TestSnapshotEmptyFamily(t *testing.T) {
	snap := NewSnapshot("0.35.0")
	snap.Add("widgets")

	data, err := snap.EncodeJSON(0)
	require.NoError(t, err)
	assert.Equal(t, `{"tool":{"version":"0.35.0"},"widgets":[]}`+"\n", string(data))
}

func TestDecodeErrors(t *testing.T) {
	r := testRegistry(t)

	tests := []struct {
		name  string
		input string
		check func(error) bool
	}{
		{name: "not json", input: `nope`, check: IsFormatDrift},
		{name: "no tool", input: `{"widgets":[]}`, check: IsFormatDrift},
		{name: "extra object field", input: `{"tool":{"version":"1"},"widgets":[{"app_name":"web","name":"a","color":"red"}]}`, check: IsFormatDrift},
		{name: "missing object field", input: `{"tool":{"version":"1"},"widgets":[{"app_name":"web"}]}`, check: IsFormatDrift},
		{name: "wrong type", input: `{"tool":{"version":"1"},"widgets":[{"app_name":"web","name":3}]}`, check: IsFormatDrift},
		{name: "family not a list", input: `{"tool":{"version":"1"},"widgets":{}}`, check: IsFormatDrift},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input), FormatJSON, r)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error class: %v", err)
		})
	}

	_, err := Decode([]byte(`{}`), Format("toml"), r)
	assert.True(t, IsUsage(err))
}

func TestDecodeIgnoresUnknownTopLevelKeys(t *testing.T) {
	snap, err := Decode([]byte(`{"tool":{"version":"1"},"gadgets":[{"x":1}],"zz":true,"widgets":[]}`), FormatJSON, testRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"gadgets", "zz"}, snap.Unknown)
	assert.Empty(t, snap.Families["widgets"])
}

func TestFormats(t *testing.T) {
	f, err := ParseFormat("YML")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)
	_, err = ParseFormat("xml")
	assert.True(t, IsUsage(err))

	assert.Equal(t, FormatYAML, FormatFromPath("state.yaml"))
	assert.Equal(t, FormatJSON, FormatFromPath("state.json"))
	assert.Equal(t, FormatJSON, FormatFromPath("-"))

	var buf bytes.Buffer
	require.NoError(t, sampleSnapshot().Encode(&buf, FormatYAML, 4))
	assert.Contains(t, buf.String(), "tool:\n    version: 0.35.0")
}

func TestGroupByScope(t *testing.T) {
	objects := []Object{
		&widget{App: App("web"), Name: "a"},
		&widget{App: App("api"), Name: "b"},
		&palette{},
		&widget{App: App("web"), Name: "c"},
	}

	groups := GroupByScope(objects)
	require.Len(t, groups, 3)
	assert.Equal(t, Global(), groups[0].Scope)
	assert.Equal(t, App("web"), groups[1].Scope)
	assert.Len(t, groups[1].Objects, 2)
	assert.Equal(t, App("api"), groups[2].Scope)
}

func lines(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Command.Render()
	}
	return out
}

func TestApplyPlanTouchesOnlyVersion(t *testing.T) {
	fake := runnertest.New().OnStdout("dokku version", "dokku version 0.35.0\n")
	d := NewDriver(testRegistry(t), nil)

	steps, err := d.Apply(context.Background(), testSession(t, fake), sampleSnapshot(), ApplyOptions{Mode: ModePlan})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"dokku widgets:set --global true",
		"dokku widgets:create web a",
		"dokku widgets:sync",
		"dokku widgets:create api b",
	}, lines(steps))
	assert.Equal(t, []string{"dokku version"}, fake.Lines())
	assert.Equal(t, []string{"dokku", "widgets:set", "--global", "true"}, steps[0].Invocation.Args)
	for i, s := range steps {
		assert.Equal(t, i, s.Index)
		assert.Nil(t, s.Result)
	}
}

func TestApplyVersionMismatch(t *testing.T) {
	fake := runnertest.New().OnStdout("dokku version", "dokku version 0.36.0\n")
	d := NewDriver(testRegistry(t), nil)
	s := testSession(t, fake)

	_, err := d.Apply(context.Background(), s, sampleSnapshot(), ApplyOptions{Mode: ModeExecute})
	require.Error(t, err)
	assert.True(t, IsVersionSkew(err))
	assert.Equal(t, []string{"dokku version"}, fake.Lines())

	steps, err := d.Apply(context.Background(), s, sampleSnapshot(), ApplyOptions{Mode: ModePlan, Force: true})
	require.NoError(t, err)
	assert.Len(t, steps, 4)
}

func TestApplyExecute(t *testing.T) {
	fake := runnertest.New().
		OnStdout("dokku version", "dokku version 0.35.0\n").
		Otherwise(runner.Result{})
	d := NewDriver(testRegistry(t), nil)

	var hooked []int
	steps, err := d.Apply(context.Background(), testSession(t, fake), sampleSnapshot(), ApplyOptions{
		Mode: ModeExecute,
		Hook: func(_ context.Context, s Step) error {
			hooked = append(hooked, s.Index)
			return nil
		},
	})
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.NotNil(t, steps[0].Result)
	assert.Equal(t, []int{0, 1, 2, 3}, hooked)
	assert.Equal(t, []string{
		"dokku version",
		"dokku widgets:set --global true",
		"dokku widgets:create web a",
		"dokku widgets:sync",
		"dokku widgets:create api b",
	}, fake.Lines())
}

func TestApplyExecuteStopsOnFailure(t *testing.T) {
	fake := runnertest.New().
		OnStdout("dokku version", "dokku version 0.35.0\n").
		On("dokku widgets:create web a", runner.Result{ExitCode: 1, Stderr: " !     boom"}).
		Otherwise(runner.Result{})
	d := NewDriver(testRegistry(t), nil)

	var hooked []Step
	steps, err := d.Apply(context.Background(), testSession(t, fake), sampleSnapshot(), ApplyOptions{
		Mode: ModeExecute,
		Hook: func(_ context.Context, s Step) error {
			hooked = append(hooked, s)
			return nil
		},
	})
	require.Error(t, err)
	assert.True(t, IsProcess(err))
	require.Len(t, hooked, 2)
	assert.Equal(t, 1, hooked[1].Result.ExitCode)

	var pe *runner.ProcessError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, pe.Stderr, "boom")

	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[1].Result.ExitCode)
	assert.NotContains(t, fake.Lines(), "dokku widgets:sync")
}

func TestApplyHookError(t *testing.T) {
	fake := runnertest.New().OnStdout("dokku version", "dokku version 0.35.0\n")
	d := NewDriver(testRegistry(t), nil)
	stop := errors.New("stop")

	steps, err := d.Apply(context.Background(), testSession(t, fake), sampleSnapshot(), ApplyOptions{
		Hook: func(context.Context, Step) error { return stop },
	})
	assert.ErrorIs(t, err, stop)
	assert.Len(t, steps, 1)
}

func TestApplyUnknownFamilyIsSkipped(t *testing.T) {
	fake := runnertest.New().OnStdout("dokku version", "dokku version 1\n")
	d := NewDriver(testRegistry(t), nil)

	snap, err := Decode([]byte(`{"tool":{"version":"1"},"gadgets":[{"x":1}]}`), FormatJSON, d.Registry())
	require.NoError(t, err)

	steps, err := d.Apply(context.Background(), testSession(t, fake), snap, ApplyOptions{})
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestApplyRejectsUnknownMode(t *testing.T) {
	d := NewDriver(testRegistry(t), nil)
	_, err := d.Apply(context.Background(), testSession(t, runnertest.New()), sampleSnapshot(), ApplyOptions{Mode: "yolo"})
	assert.True(t, IsUsage(err))
}

func TestUngroupedApplyIsEquivalent(t *testing.T) {
	// Without grouping every object gets its own call; the system command
	// repeats but the set of commands is the same.
	grouped := map[string]bool{}
	for _, group := range GroupByScope(sampleSnapshot().Families["widgets"]) {
		for cmd := range (widgets{}).Commands(group.Objects, CommandOptions{Tool: "dokku"}) {
			grouped[cmd.Render()] = true
		}
	}
	single := map[string]bool{}
	for _, obj := range sampleSnapshot().Families["widgets"] {
		for cmd := range (widgets{}).Commands([]Object{obj}, CommandOptions{Tool: "dokku"}) {
			single[cmd.Render()] = true
		}
	}
	assert.Equal(t, grouped, single)
}

func TestExport(t *testing.T) {
	fake := runnertest.New().
		OnStdout("dokku version", "dokku version 0.35.0\n").
		OnStdout("dokku widgets:list", "web a\napi b\n")
	d := NewDriver(testRegistry(t), nil)

	snap, err := d.Export(context.Background(), testSession(t, fake), ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, "0.35.0", snap.Version)
	assert.Equal(t, []string{"widgets"}, snap.Order)
	assert.Len(t, snap.Families["widgets"], 3)

	snap, err = d.Export(context.Background(), testSession(t, fake), ExportOptions{Filter: Filter{Apps: []string{"api"}}})
	require.NoError(t, err)
	assert.Equal(t, []Object{&widget{App: App("api"), Name: "b"}}, snap.Families["widgets"])
}

func TestExportClassifiesFailures(t *testing.T) {
	fake := runnertest.New().
		OnStdout("dokku version", "dokku version 0.35.0\n").
		On("dokku widgets:list", runner.Result{ExitCode: 2})
	d := NewDriver(testRegistry(t), nil)

	_, err := d.Export(context.Background(), testSession(t, fake), ExportOptions{})
	require.Error(t, err)
	assert.True(t, IsProcess(err))

	var ee *EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "widgets", ee.Family)
	assert.Equal(t, "export", ee.Operation)
}
