// Package ssh provides the native SSH transport to the managed host.
//
// The transport carries resolved invocations to the remote machine over a
// single x/crypto/ssh connection and reads ancillary files over SFTP. It
// is an alternative to an opaque transport prefix such as
// ["ssh", "dokku@host"] handed to the local runner.
package ssh

import (
	"context"

	"github.com/openfroyo/dokkusync/pkg/runner"
)

// Transport defines the operations the session needs from a remote host.
type Transport interface {
	runner.Runner

	// Connect establishes the SSH connection.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and releases all resources.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// ReadFile returns the content of a remote file over SFTP.
	ReadFile(ctx context.Context, remotePath string) (string, error)

	// Owner returns the numeric owner and group of a remote path over SFTP.
	Owner(ctx context.Context, remotePath string) (uid int, gid int, err error)
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the failed step: connect, handshake, session, execute or sftp.
	Op string

	// Err is the underlying error
	Err error

	// IsAuthError marks credential failures.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

var _ Transport = (*SSHClient)(nil)

