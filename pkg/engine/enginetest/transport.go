// Package enginetest provides an in-memory transport for exercising graphs
// without a remote host.
package enginetest

import (
	"context"
	"os"
	"slices"
	"sync"

	"github.com/openfroyo/mailstack/pkg/engine"
)

// Call is one recorded transport operation. Target is the remote path of a
// copy or the script of a command.
type Call struct {
	Op     string
	Target string
	Body   []byte
	Mode   os.FileMode
}

// Transport records every operation and keeps the last content per path.
type Transport struct {
	mu    sync.Mutex
	calls []Call
	files map[string][]byte

	// Failures makes the operation on a target return an error.
	Failures map[string]error

	// Exits sets the exit code of a script.
	Exits map[string]int
}

// NewTransport creates an empty transport.
func NewTransport() *Transport {
	return &Transport{
		files:    make(map[string][]byte),
		Failures: make(map[string]error),
		Exits:    make(map[string]int),
	}
}

// Copy implements engine.Transport.
func (t *Transport) Copy(_ context.Context, content []byte, remotePath string, mode os.FileMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Op: "copy", Target: remotePath, Body: slices.Clone(content), Mode: mode})
	if err := t.Failures[remotePath]; err != nil {
		return err
	}
	t.files[remotePath] = slices.Clone(content)
	return nil
}

// Run implements engine.Transport.
func (t *Transport) Run(_ context.Context, script string) (*engine.CommandResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Op: "run", Target: script, Body: []byte(script)})
	if err := t.Failures[script]; err != nil {
		return nil, err
	}
	code := t.Exits[script]
	res := &engine.CommandResult{ExitCode: code}
	if code != 0 {
		res.Stderr = "command failed"
	}
	return res, nil
}

// Close implements engine.Transport.
func (t *Transport) Close() error { return nil }

// Calls returns the operations recorded so far.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.calls)
}

// Targets returns the target of every recorded operation.
func (t *Transport) Targets() []string {
	calls := t.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Target
	}
	return out
}

// File returns the last content copied to path.
func (t *Transport) File(path string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.files[path]
	return b, ok
}

// Reset forgets recorded calls but keeps copied files.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
}

// Dialer hands out a single Transport.
type Dialer struct {
	Transport *Transport
}

// Dial implements engine.Dialer.
func (d *Dialer) Dial(context.Context, engine.Connection) (engine.Transport, error) {
	return d.Transport, nil
}
