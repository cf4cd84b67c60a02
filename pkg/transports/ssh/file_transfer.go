package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// DefaultFileMode applies to copies that do not set a mode.
const DefaultFileMode os.FileMode = 0o644

// Copy writes content to remotePath over SFTP. Parent directories are
// created and an existing file is truncated.
func (c *Client) Copy(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	if !path.IsAbs(remotePath) {
		return &TransportError{Op: "copy", Err: fmt.Errorf("remote path must be absolute: %s", remotePath)}
	}
	if mode == 0 {
		mode = DefaultFileMode
	}

	startTime := time.Now()

	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "copy", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "copy", Err: fmt.Errorf("failed to create remote file: %w", err)}
	}

	written, err := copyWithContext(ctx, remoteFile, bytes.NewReader(content))
	if closeErr := remoteFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &TransportError{Op: "copy", Err: fmt.Errorf("failed to write %s: %w", remotePath, err), IsTemporary: true}
	}

	if err := sftpClient.Chmod(remotePath, mode); err != nil {
		return &TransportError{Op: "copy", Err: fmt.Errorf("failed to set permissions: %w", err)}
	}

	log.Debug().
		Str("remote_path", remotePath).
		Int64("bytes", written).
		Str("mode", mode.String()).
		Dur("duration", time.Since(startTime)).
		Msg("file copied")

	return nil
}

// newSFTPClient opens an SFTP subsystem on its own session.
func (c *Client) newSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	return sftpClient, nil
}

// copyWithContext copies in chunks, checking ctx between writes.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, writeErr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
