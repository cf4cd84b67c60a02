package engine

import (
	"context"
	"os"
)

// Dialer opens a transport to a connection target.
type Dialer interface {
	// Dial connects to the host. It is called at most once per pass unless a
	// previous dial failed.
	Dial(ctx context.Context, conn Connection) (Transport, error)
}

// Transport performs remote operations. Implementations must tolerate
// concurrent calls.
type Transport interface {
	// Copy writes content to remotePath, creating parent directories and
	// overwriting any existing file.
	Copy(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error

	// Run executes script. A non-zero exit is reported through the result,
	// not the error; the error is reserved for transport failures.
	Run(ctx context.Context, script string) (*CommandResult, error)

	// Close releases the connection.
	Close() error
}

// TriggerRecorder persists a node's committed trigger sequence.
type TriggerRecorder interface {
	// Commit atomically records triggers for nodeID. It is only called after
	// the node's remote operation succeeded.
	Commit(ctx context.Context, nodeID string, triggers []string) error
}

// EventPublisher receives pass events.
type EventPublisher interface {
	// Publish delivers an event. It must not block for long.
	Publish(ctx context.Context, event Event)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, conn Connection) (Transport, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, conn Connection) (Transport, error) {
	return f(ctx, conn)
}

// RecorderFunc adapts a function to the TriggerRecorder interface.
type RecorderFunc func(ctx context.Context, nodeID string, triggers []string) error

// Commit implements TriggerRecorder.
func (f RecorderFunc) Commit(ctx context.Context, nodeID string, triggers []string) error {
	return f(ctx, nodeID, triggers)
}
