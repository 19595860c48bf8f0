package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/dokkusync/pkg/command"
	"github.com/openfroyo/dokkusync/pkg/execctx"
	"github.com/openfroyo/dokkusync/pkg/host"
	"github.com/openfroyo/dokkusync/pkg/runner"
	"github.com/openfroyo/dokkusync/pkg/telemetry"
)

// Mode selects whether apply runs commands or only lists them.
type Mode string

const (
	// ModePlan lists the commands without touching the platform.
	ModePlan Mode = "plan"

	// ModeExecute runs the commands in order and stops at the first
	// failure.
	ModeExecute Mode = "execute"
)

// Step is one synthesized command of an apply pass.
type Step struct {
	// Index is the position of the step in the pass, starting at 0.
	Index int

	Family  string
	Scope   Scope
	Command command.Command

	// Invocation is Command resolved against the session's execution
	// context.
	Invocation execctx.Invocation

	// Result is nil in plan mode.
	Result *runner.Result
}

// StepHook observes steps as they are produced. In execute mode it runs
// after the command finished, including the command that failed and
// stopped the pass. A hook error aborts the pass.
type StepHook func(ctx context.Context, step Step) error

// ExportOptions configure an export pass.
type ExportOptions struct {
	// Families limits the export to the named families.
	Families []string

	Filter Filter
}

// ApplyOptions configure an apply pass.
type ApplyOptions struct {
	Mode Mode

	// Force downgrades a platform version mismatch to a warning.
	Force bool

	// Hook is called for every step.
	Hook StepHook
}

// Driver runs export and apply passes over a registry.
type Driver struct {
	registry *Registry
	logger   *telemetry.Logger
	tracer   *telemetry.Tracer
	metrics  *telemetry.Metrics
}

// NewDriver creates a driver. A nil telemetry bundle records nothing.
func NewDriver(registry *Registry, tel *telemetry.Telemetry) *Driver {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Driver{
		registry: registry,
		logger:   tel.Logger.NewComponentLogger("engine"),
		tracer:   tel.Tracer,
		metrics:  tel.Metrics,
	}
}

// Registry returns the driver's registry.
func (d *Driver) Registry() *Registry {
	return d.registry
}

// Export reads every selected family from the platform into a snapshot
// tagged with the live platform version.
func (d *Driver) Export(ctx context.Context, session *host.Session, opts ExportOptions) (snap *Snapshot, err error) {
	runID := uuid.NewString()
	logger := d.logger.WithRunID(runID)
	start := time.Now()

	ctx, span := d.tracer.StartRunSpan(ctx, runID, "export")
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
		d.metrics.RecordRunCompleted("export", err, time.Since(start))
		if err != nil {
			d.metrics.RecordError(string(Classify(err)))
		}
	}()

	families, err := d.registry.Select(opts.Families)
	if err != nil {
		return nil, err
	}

	version, err := session.PlatformVersion(ctx)
	if err != nil {
		return nil, Wrap("", "export", err)
	}
	logger.Infof("exporting %d families from platform %s", len(families), version)

	snap = NewSnapshot(version)
	for _, family := range families {
		objects, err := d.exportFamily(ctx, session, family, opts.Filter)
		if err != nil {
			return nil, err
		}
		snap.Add(family.Name(), objects...)
		logger.WithFamily(family.Name()).Zerolog().Debug().Int("objects", len(objects)).Msg("exported family")
	}
	return snap, nil
}

func (d *Driver) exportFamily(ctx context.Context, session *host.Session, family Family, filter Filter) ([]Object, error) {
	ctx, span := d.tracer.StartFamilySpan(ctx, family.Name(), "export")
	defer span.End()
	ctx = d.logger.WithFamily(family.Name()).WithContext(ctx)

	objects, err := family.Export(ctx, session, filter)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, Wrap(family.Name(), "export", err)
	}
	d.metrics.SetObjectsExported(family.Name(), len(objects))
	return objects, nil
}

// Apply synthesizes the commands recreating the snapshot and, in execute
// mode, runs them. It returns the steps in order. Every step is resolved
// against the session's execution context before the first one runs, so a
// policy violation fails the pass in both modes without side effects. In
// plan mode only the platform version is read; no synthesized command runs.
func (d *Driver) Apply(ctx context.Context, session *host.Session, snap *Snapshot, opts ApplyOptions) (steps []Step, err error) {
	if opts.Mode == "" {
		opts.Mode = ModePlan
	}
	if opts.Mode != ModePlan && opts.Mode != ModeExecute {
		return nil, NewUsageError(fmt.Sprintf("unknown apply mode %q", opts.Mode), nil)
	}

	runID := uuid.NewString()
	logger := d.logger.WithRunID(runID).WithField("mode", string(opts.Mode))
	start := time.Now()

	ctx, span := d.tracer.StartRunSpan(ctx, runID, "apply")
	span.SetAttributes(telemetry.AttrMode.String(string(opts.Mode)))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
		d.metrics.RecordRunCompleted("apply", err, time.Since(start))
		if err != nil {
			d.metrics.RecordError(string(Classify(err)))
		}
	}()

	if err := d.checkVersion(ctx, session, snap, opts.Force, logger); err != nil {
		return nil, err
	}

	for _, name := range snap.Unknown {
		logger.WithFamily(name).Warn("skipping unknown family in snapshot")
	}

	planned, err := d.plan(ctx, session, snap)
	if err != nil {
		return nil, err
	}

	for _, step := range planned {
		if opts.Mode == ModeExecute {
			if err := d.execute(ctx, session, &step); err != nil {
				steps = append(steps, step)
				if opts.Hook != nil {
					err = errors.Join(err, opts.Hook(ctx, step))
				}
				return steps, err
			}
		}

		d.metrics.RecordStep(step.Family, string(opts.Mode))
		steps = append(steps, step)

		if opts.Hook != nil {
			if err := opts.Hook(ctx, step); err != nil {
				return steps, err
			}
		}
	}

	logger.Infof("apply finished with %d steps", len(steps))
	return steps, nil
}

func (d *Driver) checkVersion(ctx context.Context, session *host.Session, snap *Snapshot, force bool, logger *telemetry.Logger) error {
	live, err := session.PlatformVersion(ctx)
	if err != nil {
		return Wrap("", "apply", err)
	}
	if live == snap.Version {
		return nil
	}
	if force {
		logger.Warnf("snapshot was taken on platform %s, live platform is %s; continuing", snap.Version, live)
		return nil
	}
	return NewVersionError(
		fmt.Sprintf("snapshot was taken on platform %s but the live platform is %s", snap.Version, live), nil,
	).WithCode(ErrCodeVersionMismatch).
		WithDetail("snapshot_version", snap.Version).
		WithDetail("live_version", live)
}

// plan synthesizes the steps of every registered family present in the
// snapshot, in registry order, and resolves each one.
func (d *Driver) plan(ctx context.Context, session *host.Session, snap *Snapshot) ([]Step, error) {
	cmdOpts := CommandOptions{Tool: session.Tool()}

	var steps []Step
	for _, family := range d.registry.Families() {
		objects, ok := snap.Families[family.Name()]
		if !ok || len(objects) == 0 {
			continue
		}

		_, span := d.tracer.StartFamilySpan(ctx, family.Name(), "plan")
		familySteps, err := planFamily(session, family, objects, cmdOpts, len(steps))
		telemetry.RecordError(span, err)
		span.End()
		if err != nil {
			return nil, err
		}
		steps = append(steps, familySteps...)
	}
	return steps, nil
}

func planFamily(session *host.Session, family Family, objects []Object, cmdOpts CommandOptions, offset int) ([]Step, error) {
	var steps []Step
	firstApp := true
	for _, group := range GroupByScope(objects) {
		// Platform-wide settings ride on app objects, so only the first
		// app group issues them.
		groupOpts := cmdOpts
		if !group.Scope.IsGlobal() {
			groupOpts.SkipSystem = !firstApp
			firstApp = false
		}

		for cmd := range family.Commands(group.Objects, groupOpts) {
			inv, err := session.Resolve(cmd)
			if err != nil {
				return nil, Wrap(family.Name(), "plan", err)
			}
			steps = append(steps, Step{
				Index:      offset + len(steps),
				Family:     family.Name(),
				Scope:      group.Scope,
				Command:    cmd,
				Invocation: inv,
			})
		}
	}
	return steps, nil
}

func (d *Driver) execute(ctx context.Context, session *host.Session, step *Step) error {
	ctx, span := d.tracer.StartFamilySpan(ctx, step.Family, "apply")
	defer span.End()

	res, err := session.Run(ctx, step.Command)
	step.Result = &res
	if err != nil {
		telemetry.RecordError(span, err)
		return Wrap(step.Family, "apply", err)
	}
	return nil
}

// ScopeGroup is the objects of one scope.
type ScopeGroup struct {
	Scope   Scope
	Objects []Object
}

// GroupByScope groups objects by scope in order of first appearance, with
// the global group first.
func GroupByScope(objects []Object) []ScopeGroup {
	var groups []ScopeGroup
	index := make(map[Scope]int)
	for _, obj := range objects {
		scope := obj.Scope()
		i, ok := index[scope]
		if !ok {
			i = len(groups)
			index[scope] = i
			groups = append(groups, ScopeGroup{Scope: scope})
		}
		groups[i].Objects = append(groups[i].Objects, obj)
	}

	if i, ok := index[Global()]; ok && i > 0 {
		global := groups[i]
		copy(groups[1:i+1], groups[:i])
		groups[0] = global
	}
	return groups
}
