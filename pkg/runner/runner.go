// Package runner executes resolved invocations and captures their output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/dokkusync/pkg/execctx"
)

// Result is the outcome of one process run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the process exited with code zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes an invocation synchronously. Implementations return a
// Result for every process that started, whatever its exit code; the error
// is reserved for failures to run the process at all.
type Runner interface {
	Run(ctx context.Context, inv execctx.Invocation) (Result, error)
}

// ProcessError reports a process that could not run or exited non-zero
// while its command was checked. Both captured streams are attached.
type ProcessError struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("running %s: %v", strings.Join(e.Argv, " "), e.Err)
	}
	return fmt.Sprintf("%s exited with code %d\nstdout:\n%s\nstderr:\n%s",
		strings.Join(e.Argv, " "), e.ExitCode, e.Stdout, e.Stderr)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// CheckResult turns a non-zero exit into a ProcessError.
func CheckResult(argv []string, res Result) error {
	if res.Success() {
		return nil
	}
	return &ProcessError{
		Argv:     argv,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
}

// LocalRunner runs invocations as local processes. Remote invocations reach
// the host through their transport prefix.
type LocalRunner struct{}

// NewLocalRunner creates a LocalRunner.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{}
}

// Run executes the invocation, writes its stdin and drains both streams.
func (r *LocalRunner) Run(ctx context.Context, inv execctx.Invocation) (Result, error) {
	argv := inv.Argv()
	return run(ctx, argv, inv.Stdin, false)
}

// pipeGrace bounds how long output copying may continue after a detached
// process group was killed.
const pipeGrace = 100 * time.Millisecond

// RunDetached runs argv in a new session so it cannot take over the
// controlling terminal, and kills its whole process group when timeout
// elapses. It is meant for tools that may block on an interactive prompt,
// including helpers they spawn that inherit the output pipes.
func RunDetached(ctx context.Context, argv []string, stdin *string, timeout time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := run(ctx, argv, stdin, true)
	if ctx.Err() != nil {
		return res, &ProcessError{
			Argv:     argv,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Err:      fmt.Errorf("timed out after %s: %w", timeout, ctx.Err()),
		}
	}
	return res, err
}

func run(ctx context.Context, argv []string, stdin *string, detached bool) (Result, error) {
	if len(argv) == 0 {
		return Result{}, &ProcessError{Err: errors.New("empty argument vector")}
	}

	startTime := time.Now()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if detached {
		// The child leads its own session, so its process group id is its pid.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		cmd.WaitDelay = pipeGrace
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	if stdin != nil {
		cmd.Stdin = strings.NewReader(*stdin)
	}

	err := cmd.Run()
	res := Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(startTime),
	}

	log.Debug().
		Strs("argv", argv).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Err(err).
		Msg("process completed")

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, &ProcessError{
			Argv:     argv,
			ExitCode: -1,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Err:      err,
		}
	}

	return res, nil
}
