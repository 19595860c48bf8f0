package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/dokkusync/pkg/execctx"
	"github.com/openfroyo/dokkusync/pkg/runner"
)

// Run executes a resolved invocation on the remote host. It implements
// runner.Runner: a non-zero exit is reported in the Result, not as an error.
func (c *SSHClient) Run(ctx context.Context, inv execctx.Invocation) (runner.Result, error) {
	startTime := time.Now()
	line := inv.RemoteLine()

	log.Debug().
		Str("command", line).
		Bool("stdin", inv.Stdin != nil).
		Msg("executing remote command")

	sshClient, err := c.getClient()
	if err != nil {
		return runner.Result{}, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return runner.Result{}, &TransportError{
			Op:  "execute",
			Err: fmt.Errorf("failed to create session: %w", err),
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if inv.Stdin != nil {
		session.Stdin = strings.NewReader(*inv.Stdin)
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(line)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	res := runner.Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(startTime),
	}

	log.Debug().
		Str("command", line).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Err(execErr).
		Msg("remote command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		res.ExitCode = -1
		return res, &runner.ProcessError{
			Argv:     inv.Args,
			ExitCode: -1,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Err:      &TransportError{Op: "execute", Err: execErr},
		}
	}

	return res, nil
}
