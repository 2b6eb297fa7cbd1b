package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// CopyTo writes data to remotePath over SFTP as the connecting user. The
// parent directory must already exist; callers stage into a neutral location
// such as /tmp and move the file into place with escalated commands.
func (c *Client) CopyTo(ctx context.Context, data []byte, remotePath string) error {
	startTime := time.Now()

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{
			Op:  "copy-to",
			Err: fmt.Errorf("failed to create remote file %s: %w", remotePath, err),
		}
	}

	written, err := copyWithContext(ctx, remoteFile, bytes.NewReader(data))
	if closeErr := remoteFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &TransportError{
			Op:          "copy-to",
			Err:         fmt.Errorf("failed to write %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}

	log.Debug().
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("file copied to host")

	return nil
}

// CopyFrom reads remotePath over SFTP as the connecting user.
func (c *Client) CopyFrom(ctx context.Context, remotePath string) ([]byte, error) {
	startTime := time.Now()

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:  "copy-from",
			Err: fmt.Errorf("failed to open remote file %s: %w", remotePath, err),
		}
	}
	defer remoteFile.Close()

	var buf bytes.Buffer
	read, err := copyWithContext(ctx, &buf, remoteFile)
	if err != nil {
		return nil, &TransportError{
			Op:          "copy-from",
			Err:         fmt.Errorf("failed to read %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}

	log.Debug().
		Str("remote", remotePath).
		Int64("bytes", read).
		Dur("duration", time.Since(startTime)).
		Msg("file copied from host")

	return buf.Bytes(), nil
}

func (c *Client) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}
