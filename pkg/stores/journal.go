package stores

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/dokkusync/pkg/engine"
)

// Journal records one apply run into a Store.
type Journal struct {
	store Store
	run   *Run
}

// BeginRun creates the run row from the descriptive fields of run and
// returns the journal for it.
func BeginRun(ctx context.Context, store Store, run Run) (*Journal, error) {
	run.ID = uuid.NewString()
	run.Status = RunStatusRunning
	run.StartedAt = time.Now()
	run.CompletedAt = nil
	run.Error = nil
	if err := store.CreateRun(ctx, &run); err != nil {
		return nil, err
	}
	return &Journal{store: store, run: &run}, nil
}

// RunID returns the journal's run ID.
func (j *Journal) RunID() string {
	return j.run.ID
}

// Record stores one step.
func (j *Journal) Record(ctx context.Context, step engine.Step) error {
	entry := &Step{
		RunID:   j.run.ID,
		Index:   step.Index,
		Family:  step.Family,
		Scope:   step.Scope.String(),
		Command: step.Command.Render(),
	}
	if res := step.Result; res != nil {
		exitCode, stdout, stderr := res.ExitCode, res.Stdout, res.Stderr
		ms := res.Duration.Milliseconds()
		entry.Executed = true
		entry.ExitCode = &exitCode
		entry.Stdout = &stdout
		entry.Stderr = &stderr
		entry.DurationMS = &ms
	}
	return j.store.AppendStep(ctx, entry)
}

// Hook chains Record in front of next, which may be nil.
func (j *Journal) Hook(next engine.StepHook) engine.StepHook {
	return func(ctx context.Context, step engine.Step) error {
		if err := j.Record(ctx, step); err != nil {
			return err
		}
		if next != nil {
			return next(ctx, step)
		}
		return nil
	}
}

// Finish marks the run completed, or failed when runErr is not nil.
func (j *Journal) Finish(ctx context.Context, runErr error) error {
	status := RunStatusCompleted
	var msg *string
	if runErr != nil {
		status = RunStatusFailed
		s := runErr.Error()
		msg = &s
	}
	return j.store.FinishRun(ctx, j.run.ID, status, msg)
}
