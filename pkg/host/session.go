// Package host talks to the managed platform host.
//
// A Session lives for one export or apply invocation. It resolves commands
// through the execution context, runs them, applies the report command
// policy and memoizes facts about the host that cannot change within a
// run: the platform version and the privilege determination.
package host

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/openfroyo/dokkusync/pkg/command"
	"github.com/openfroyo/dokkusync/pkg/execctx"
	"github.com/openfroyo/dokkusync/pkg/report"
	"github.com/openfroyo/dokkusync/pkg/runner"
	"github.com/openfroyo/dokkusync/pkg/telemetry"
)

// ErrUnavailable reports ancillary data that the execution context cannot
// reach. Callers treat it as absent data, not as a failure.
var ErrUnavailable = errors.New("ancillary data unavailable in this execution context")

// FileAccess reads files on the host without running a process. The
// native SSH transport provides it over SFTP.
type FileAccess interface {
	ReadFile(ctx context.Context, path string) (string, error)
	Owner(ctx context.Context, path string) (uid, gid int, err error)
}

// Options configures a Session.
type Options struct {
	// Context is the execution context. Required.
	Context *execctx.Context

	// Runner executes resolved invocations. Required.
	Runner runner.Runner

	// Files is optional direct file access on the host.
	Files FileAccess

	Logger  *telemetry.Logger
	Tracer  *telemetry.Tracer
	Metrics *telemetry.Metrics
}

// Session runs commands against one host.
type Session struct {
	ectx    *execctx.Context
	runner  runner.Runner
	files   FileAccess
	logger  *telemetry.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics

	versionOnce sync.Once
	version     string
	versionErr  error

	privOnce      sync.Once
	mayRunOthers  bool
	needsEscalate bool
}

// NewSession creates a Session.
func NewSession(opts Options) (*Session, error) {
	if opts.Context == nil {
		return nil, fmt.Errorf("execution context is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}

	s := &Session{
		ectx:    opts.Context,
		runner:  opts.Runner,
		files:   opts.Files,
		logger:  opts.Logger,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
	}
	if s.logger == nil {
		s.logger = telemetry.Nop()
	}
	s.logger = s.logger.NewComponentLogger("host")
	return s, nil
}

// Tool returns argv[0] of management commands.
func (s *Session) Tool() string {
	return s.ectx.Tool
}

// ExecutionContext returns the session's execution context.
func (s *Session) ExecutionContext() *execctx.Context {
	return s.ectx
}

// Management builds a checked management command.
func (s *Session) Management(args ...string) command.Command {
	return command.New(append([]string{s.ectx.Tool}, args...))
}

// Resolve maps a command to the invocation the runner would receive.
func (s *Session) Resolve(cmd command.Command) (execctx.Invocation, error) {
	return s.ectx.Resolve(cmd)
}

// Run resolves and runs cmd. A non-zero exit of a checked command becomes a
// runner.ProcessError.
func (s *Session) Run(ctx context.Context, cmd command.Command) (runner.Result, error) {
	inv, res, err := s.exec(ctx, cmd)
	if err != nil {
		return res, err
	}
	if cmd.Check() {
		if err := runner.CheckResult(inv.Argv(), res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Session) exec(ctx context.Context, cmd command.Command) (execctx.Invocation, runner.Result, error) {
	inv, err := s.ectx.Resolve(cmd)
	if err != nil {
		return inv, runner.Result{}, err
	}

	ctx, span := s.tracer.StartCommandSpan(ctx, cmd.Program())
	defer span.End()

	res, err := s.runner.Run(ctx, inv)

	s.logger.Zerolog().Debug().
		Str("command", inv.Render()).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Err(err).
		Msg("ran command")
	s.metrics.RecordCommand(cmd.Program(), res.ExitCode, res.Duration)
	span.SetAttributes(telemetry.AttrExitCode.Int(res.ExitCode))

	if err != nil {
		telemetry.RecordError(span, err)
		return inv, res, err
	}
	return inv, res, nil
}

// Report runs a report command and parses its output. It returns no rows
// when the platform reports that there is nothing to show.
func (s *Session) Report(ctx context.Context, cmd command.Command, cfg report.Config) ([]report.Row, error) {
	text, err := s.ReportText(ctx, cmd)
	if err != nil || text == "" {
		return nil, err
	}
	return report.Parse(text, cfg)
}

// ReportText runs cmd under the report command policy and returns the
// stdout to parse, "" when empty.
func (s *Session) ReportText(ctx context.Context, cmd command.Command) (string, error) {
	_, res, err := s.exec(ctx, cmd)
	if err != nil {
		return "", err
	}
	text, empty, err := report.Interpret(res.ExitCode, res.Stdout, res.Stderr)
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd.Render(), err)
	}
	if empty {
		return "", nil
	}
	return text, nil
}

// PlatformVersion returns the live platform version, e.g. "0.35.0". The
// first call asks the host; later calls return the memoized answer.
func (s *Session) PlatformVersion(ctx context.Context) (string, error) {
	s.versionOnce.Do(func() {
		res, err := s.Run(ctx, s.Management("version"))
		if err != nil {
			s.versionErr = fmt.Errorf("failed to query platform version: %w", err)
			return
		}
		s.version, s.versionErr = ParseVersion(res.Stdout)
	})
	return s.version, s.versionErr
}

// ParseVersion extracts the version from "dokku version 0.35.0" style
// output.
func ParseVersion(output string) (string, error) {
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return "", &report.FormatError{Line: 1, Text: output, Reason: "empty version output"}
	}
	version := strings.TrimPrefix(fields[len(fields)-1], "v")
	if version == "" || (version[0] < '0' || version[0] > '9') {
		return "", &report.FormatError{Line: 1, Text: strings.TrimSpace(output), Reason: "no version number"}
	}
	return version, nil
}

func (s *Session) determinePrivileges() {
	s.privOnce.Do(func() {
		s.mayRunOthers = s.ectx.MayRunNonManagementCommands()
		s.needsEscalate = s.ectx.RequiresPrivilegeEscalation()
		s.logger.Zerolog().Debug().
			Str("case", s.ectx.Case().String()).
			Bool("may_run_non_management", s.mayRunOthers).
			Bool("requires_escalation", s.needsEscalate).
			Msg("determined privileges")
	})
}

// MayRunNonManagementCommands reports whether ancillary tools may run.
func (s *Session) MayRunNonManagementCommands() bool {
	s.determinePrivileges()
	return s.mayRunOthers
}

// RequiresPrivilegeEscalation reports whether privileged commands are
// escalated.
func (s *Session) RequiresPrivilegeEscalation() bool {
	s.determinePrivileges()
	return s.needsEscalate
}

// useFiles reports whether direct file access can stand in for a
// privileged ancillary command.
func (s *Session) useFiles() bool {
	return s.files != nil && !s.RequiresPrivilegeEscalation()
}

// ReadFile returns the content of a file on the host. It returns
// ErrUnavailable when ancillary commands cannot run.
func (s *Session) ReadFile(ctx context.Context, path string) (string, error) {
	if !s.MayRunNonManagementCommands() {
		return "", ErrUnavailable
	}
	if s.useFiles() {
		return s.files.ReadFile(ctx, path)
	}
	res, err := s.Run(ctx, command.New([]string{"cat", path}, command.Privileged()))
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// FileOwner returns the numeric owner of a path on the host. It returns
// ErrUnavailable when ancillary commands cannot run.
func (s *Session) FileOwner(ctx context.Context, path string) (uid, gid int, err error) {
	if !s.MayRunNonManagementCommands() {
		return 0, 0, ErrUnavailable
	}
	if s.useFiles() {
		return s.files.Owner(ctx, path)
	}
	res, err := s.Run(ctx, command.New([]string{"stat", "-c", "%u:%g", path}, command.Privileged()))
	if err != nil {
		return 0, 0, err
	}
	return parseOwner(res.Stdout)
}

func parseOwner(output string) (uid, gid int, err error) {
	line := strings.TrimSpace(output)
	u, g, ok := strings.Cut(line, ":")
	if !ok {
		return 0, 0, &report.FormatError{Line: 1, Text: line, Reason: "expected uid:gid"}
	}
	if uid, err = strconv.Atoi(u); err != nil {
		return 0, 0, &report.FormatError{Line: 1, Text: line, Reason: "non-numeric uid"}
	}
	if gid, err = strconv.Atoi(g); err != nil {
		return 0, 0, &report.FormatError{Line: 1, Text: line, Reason: "non-numeric gid"}
	}
	return uid, gid, nil
}

// Apps lists application names in platform order.
func (s *Session) Apps(ctx context.Context) ([]string, error) {
	text, err := s.ReportText(ctx, s.Management("apps:list"))
	if err != nil || text == "" {
		return nil, err
	}
	var apps []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, report.Banner) {
			continue
		}
		apps = append(apps, line)
	}
	return apps, nil
}
