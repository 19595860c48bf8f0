package engine

import (
	"context"
	"fmt"
	"iter"
	"reflect"
	"slices"
	"sort"
	"strings"

	"github.com/openfroyo/dokkusync/pkg/command"
	"github.com/openfroyo/dokkusync/pkg/host"
)

// Object is one managed object: a flat record of one family shape.
type Object interface {
	// Scope returns the scope the object belongs to.
	Scope() Scope
}

// Shape is one concrete record type of a family, identified by its exact
// set of serialized field names.
type Shape struct {
	// Name identifies the shape in errors and listings.
	Name string

	// Fields is the sorted set of JSON field names.
	Fields []string

	newObject func() Object
}

// New returns a zero object of the shape, ready to decode into.
func (s Shape) New() Object {
	return s.newObject()
}

func (s Shape) key() string {
	return strings.Join(s.Fields, ",")
}

// ShapeOf declares the shape of record type T. Objects of the shape are
// *T, and the field set comes from T's json tags.
func ShapeOf[T any, PT interface {
	*T
	Object
}]() Shape {
	t := reflect.TypeFor[T]()
	var fields []string
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			continue
		case "":
			name = f.Name
		}
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return Shape{
		Name:      t.Name(),
		Fields:    fields,
		newObject: func() Object { return PT(new(T)) },
	}
}

// Filter restricts an export.
type Filter struct {
	// Apps limits the export to these applications. Empty means all apps
	// and includes global objects.
	Apps []string
}

// IncludesGlobal reports whether global objects are exported.
func (f Filter) IncludesGlobal() bool {
	return len(f.Apps) == 0
}

// IncludesApp reports whether objects of app are exported.
func (f Filter) IncludesApp(app string) bool {
	return len(f.Apps) == 0 || slices.Contains(f.Apps, app)
}

// Includes reports whether objects of scope s are exported.
func (f Filter) Includes(s Scope) bool {
	if name, ok := s.AppName(); ok {
		return f.IncludesApp(name)
	}
	return f.IncludesGlobal()
}

// CommandOptions tune command synthesis.
type CommandOptions struct {
	// Tool is argv[0] of management commands.
	Tool string

	// SkipSystem suppresses platform-wide commands already issued for an
	// earlier scope group within the same pass.
	SkipSystem bool
}

// Exporter reads a family's objects from the live platform.
type Exporter interface {
	Export(ctx context.Context, session *host.Session, filter Filter) ([]Object, error)
}

// Reconciler synthesizes the commands that recreate objects. It never
// touches the platform; the driver decides whether the commands run.
type Reconciler interface {
	Commands(objects []Object, opts CommandOptions) iter.Seq[command.Command]
}

// Family is one kind of managed object.
type Family interface {
	Exporter
	Reconciler

	// Name is the family's key in the snapshot.
	Name() string

	// Shapes lists the family's record types.
	Shapes() []Shape
}

// MatchShape returns the family shape whose field set equals fields
// exactly.
func MatchShape(f Family, fields []string) (Shape, error) {
	sorted := slices.Clone(fields)
	sort.Strings(sorted)
	key := strings.Join(sorted, ",")
	for _, shape := range f.Shapes() {
		if shape.key() == key {
			return shape, nil
		}
	}
	return Shape{}, NewFormatError(
		fmt.Sprintf("object fields [%s] match no %s record", strings.Join(sorted, ", "), f.Name()), nil,
	).WithFamily(f.Name()).WithCode(ErrCodeUnknownShape)
}

// Registry is an ordered set of families. Order is the apply order.
type Registry struct {
	families []Family
	byName   map[string]Family
}

// NewRegistry creates a registry. Family names must be unique.
func NewRegistry(families ...Family) (*Registry, error) {
	r := &Registry{byName: make(map[string]Family, len(families))}
	for _, f := range families {
		if err := r.Register(f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a family.
func (r *Registry) Register(f Family) error {
	name := f.Name()
	if name == "" || name == ToolKey {
		return NewUsageError(fmt.Sprintf("invalid family name %q", name), nil)
	}
	if _, exists := r.byName[name]; exists {
		return NewUsageError(fmt.Sprintf("family %q already registered", name), nil)
	}
	r.families = append(r.families, f)
	r.byName[name] = f
	return nil
}

// Get returns the named family.
func (r *Registry) Get(name string) (Family, bool) {
	f, ok := r.byName[name]
	return f, ok
}

// Families returns the families in registry order.
func (r *Registry) Families() []Family {
	return slices.Clone(r.families)
}

// Names returns the family names in registry order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.families))
	for i, f := range r.families {
		names[i] = f.Name()
	}
	return names
}

// Select returns the named families in registry order. Unknown names are
// a usage error. No names selects every family.
func (r *Registry) Select(names []string) ([]Family, error) {
	if len(names) == 0 {
		return r.Families(), nil
	}
	for _, name := range names {
		if _, ok := r.byName[name]; !ok {
			return nil, NewUsageError(fmt.Sprintf("unknown family %q", name), nil).WithCode(ErrCodeUnknownFamily)
		}
	}
	var out []Family
	for _, f := range r.families {
		if slices.Contains(names, f.Name()) {
			out = append(out, f)
		}
	}
	return out, nil
}
