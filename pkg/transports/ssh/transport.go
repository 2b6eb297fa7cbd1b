// Package ssh implements the remote command adapter over SSH, with SFTP for
// file transfer.
package ssh

import (
	"time"

	"github.com/openfroyo/pgprovision/pkg/transports"
)

var _ transports.Adapter = (*Client)(nil)

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time
}

// TransportError represents an error from the transport layer. Commands that
// ran and exited non-zero are reported as *transports.ExitError instead.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "run", "copy-to")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
