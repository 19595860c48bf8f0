package stores

import (
	"context"
	"time"
)

// RunStatus is the state of a journaled apply run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one apply invocation.
type Run struct {
	ID              string     `json:"id"`
	Mode            string     `json:"mode"`
	SnapshotPath    string     `json:"snapshot_path"`
	SnapshotVersion string     `json:"snapshot_version"`
	PlatformVersion string     `json:"platform_version"`
	Host            string     `json:"host"`
	Status          RunStatus  `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           *string    `json:"error,omitempty"`
	StepCount       int        `json:"step_count"`
}

// Step is one synthesized command of a run. The process fields are nil
// for steps that were only planned.
type Step struct {
	RunID      string    `json:"run_id"`
	Index      int       `json:"index"`
	Family     string    `json:"family"`
	Scope      string    `json:"scope"`
	Command    string    `json:"command"`
	Executed   bool      `json:"executed"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Stdout     *string   `json:"stdout,omitempty"`
	Stderr     *string   `json:"stderr,omitempty"`
	DurationMS *int64    `json:"duration_ms,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store is the journal persistence interface.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, errMsg *string) error
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	AppendStep(ctx context.Context, step *Step) error
	ListSteps(ctx context.Context, runID string) ([]*Step, error)
}
