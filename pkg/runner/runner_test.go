package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/dokkusync/pkg/execctx"
)

func TestLocalRunnerCapturesStreams(t *testing.T) {
	r := NewLocalRunner()

	tests := []struct {
		name           string
		args           []string
		stdin          *string
		expectedCode   int
		expectedStdout string
		expectedStderr string
	}{
		{
			name:           "stdout",
			args:           []string{"sh", "-c", "echo out"},
			expectedStdout: "out\n",
		},
		{
			name:           "stderr and exit code",
			args:           []string{"sh", "-c", "echo ' !     nope' >&2; exit 3"},
			expectedCode:   3,
			expectedStderr: " !     nope\n",
		},
		{
			name:           "stdin",
			args:           []string{"cat"},
			stdin:          strPtr("payload"),
			expectedStdout: "payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Run(context.Background(), execctx.Invocation{Args: tt.args, Stdin: tt.stdin})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.ExitCode != tt.expectedCode {
				t.Errorf("expected exit code %d, got %d", tt.expectedCode, res.ExitCode)
			}
			if res.Stdout != tt.expectedStdout {
				t.Errorf("expected stdout %q, got %q", tt.expectedStdout, res.Stdout)
			}
			if res.Stderr != tt.expectedStderr {
				t.Errorf("expected stderr %q, got %q", tt.expectedStderr, res.Stderr)
			}
		})
	}
}

func TestLocalRunnerMissingProgram(t *testing.T) {
	_, err := NewLocalRunner().Run(context.Background(), execctx.Invocation{Args: []string{"definitely-not-a-real-program-xyz"}})

	var perr *ProcessError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProcessError, got %v", err)
	}
	if perr.ExitCode != -1 {
		t.Errorf("expected exit code -1, got %d", perr.ExitCode)
	}
}

func TestCheckResultAttachesStreams(t *testing.T) {
	err := CheckResult([]string{"dokku", "apps:create", "web"}, Result{ExitCode: 1, Stdout: "so", Stderr: "se"})
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "so") || !strings.Contains(msg, "se") {
		t.Errorf("expected both streams in error, got %q", msg)
	}

	if CheckResult([]string{"true"}, Result{}) != nil {
		t.Error("expected nil error for exit code 0")
	}
}

func TestRunDetachedTimeout(t *testing.T) {
	_, err := RunDetached(context.Background(), []string{"sleep", "5"}, nil, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestRunDetachedKillsProcessGroup(t *testing.T) {
	// The shell forks sleep, which inherits stdout and stderr.
	start := time.Now()
	res, err := RunDetached(context.Background(), []string{"sh", "-c", "sleep 4; echo done"}, nil, 200*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("bounded wait of 200ms took %s", elapsed)
	}
	if strings.Contains(res.Stdout, "done") {
		t.Errorf("expected the group to be killed before output, got %q", res.Stdout)
	}
}

func TestRunDetachedSuccess(t *testing.T) {
	res, err := RunDetached(context.Background(), []string{"cat"}, strPtr("key"), 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "key" {
		t.Errorf("expected stdout 'key', got %q", res.Stdout)
	}
}

func strPtr(s string) *string {
	return &s
}
