// Package ssh provides the SSH transport used to apply operation graphs.
//
// Commands run in a fresh session each, with the script piped to the
// configured interpreter. Files are written over SFTP.
package ssh

import (
	"context"
	"time"

	"github.com/openfroyo/mailstack/pkg/engine"
)

// Dialer connects to engine targets, filling host, port, user and key from
// the engine.Connection and everything else from Defaults.
type Dialer struct {
	Defaults Config
}

// NewDialer returns a Dialer using defaults for settings the connection does
// not carry.
func NewDialer(defaults Config) *Dialer {
	return &Dialer{Defaults: defaults}
}

// Dial implements engine.Dialer.
func (d *Dialer) Dial(ctx context.Context, conn engine.Connection) (engine.Transport, error) {
	cfg := d.Defaults
	cfg.Host = conn.Host
	if conn.Port != 0 {
		cfg.Port = conn.Port
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if conn.User != "" {
		cfg.User = conn.User
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}

	if conn.PrivateKey != nil {
		key, err := conn.PrivateKey.Resolve(ctx)
		if err != nil {
			return nil, engine.NewIOError("failed to resolve private key", err).WithOperation("dial")
		}
		cfg.AuthMethod = AuthMethodKey
		cfg.PrivateKey = key
	}

	client, err := NewClient(&cfg)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

var (
	_ engine.Dialer    = (*Dialer)(nil)
	_ engine.Transport = (*Client)(nil)
)

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

	// ViaProxy reports whether the connection goes through a jump host
	ViaProxy bool
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "run", "copy")
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
