package ssh

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// maxReadSize bounds ancillary file reads.
const maxReadSize = 16 << 20

// withSFTP opens an SFTP subsystem on the connection for the duration of fn.
func (c *SSHClient) withSFTP(ctx context.Context, fn func(*sftp.Client) error) error {
	client, err := c.getClient()
	if err != nil {
		return err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return &TransportError{Op: "sftp", Err: fmt.Errorf("failed to start SFTP: %w", err)}
	}
	defer sc.Close()

	if err := fn(sc); err != nil {
		return err
	}
	return ctx.Err()
}

// ReadFile returns the content of a remote file.
func (c *SSHClient) ReadFile(ctx context.Context, remotePath string) (string, error) {
	log.Debug().Str("remote", remotePath).Msg("reading remote file")

	var content string
	err := c.withSFTP(ctx, func(sc *sftp.Client) error {
		f, err := sc.Open(remotePath)
		if err != nil {
			return &TransportError{Op: "sftp", Err: fmt.Errorf("failed to open %s: %w", remotePath, err)}
		}
		defer f.Close()

		data, err := io.ReadAll(io.LimitReader(f, maxReadSize))
		if err != nil {
			return &TransportError{Op: "sftp", Err: fmt.Errorf("failed to read %s: %w", remotePath, err)}
		}
		content = string(data)
		return nil
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

// Owner returns the numeric owner and group of a remote path.
func (c *SSHClient) Owner(ctx context.Context, remotePath string) (uid, gid int, err error) {
	err = c.withSFTP(ctx, func(sc *sftp.Client) error {
		info, err := sc.Stat(remotePath)
		if err != nil {
			return &TransportError{Op: "sftp", Err: fmt.Errorf("failed to stat %s: %w", remotePath, err)}
		}
		stat, ok := info.Sys().(*sftp.FileStat)
		if !ok {
			return &TransportError{Op: "sftp", Err: fmt.Errorf("server returned no ownership for %s", remotePath)}
		}
		uid, gid = int(stat.UID), int(stat.GID)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}
