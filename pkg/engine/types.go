package engine

import (
	"os"
	"slices"
	"time"

	"github.com/openfroyo/mailstack/pkg/future"
)

// NodeKind identifies the remote operation a node performs.
type NodeKind string

const (
	// KindCopyFile transfers content to a remote path, overwriting it.
	KindCopyFile NodeKind = "CopyFile"

	// KindRunCommand executes a script on the remote host.
	KindRunCommand NodeKind = "RunCommand"
)

// NodeState is the externally observable state of a node within a pass.
type NodeState string

const (
	// NodePending means the node has not completed. Nodes blocked by a failed
	// dependency stay pending for the rest of the pass.
	NodePending NodeState = "pending"

	// NodeApplied means the node is in effect on the host, either because it
	// was dispatched successfully or because its triggers were unchanged.
	NodeApplied NodeState = "applied"

	// NodeFailed means the node's remote operation failed.
	NodeFailed NodeState = "failed"
)

// Node is a single remote operation in the provisioning graph.
type Node struct {
	// ID is unique within a deployment and stable across passes.
	ID string `json:"id"`

	// Kind selects which payload is used.
	Kind NodeKind `json:"kind"`

	// Copy is the payload of a KindCopyFile node.
	Copy *CopyPayload `json:"copy,omitempty"`

	// Command is the payload of a KindRunCommand node.
	Command *CommandPayload `json:"command,omitempty"`

	// Triggers are compared element-wise against the sequence recorded at the
	// last successful apply.
	Triggers []*future.Future[string] `json:"-"`

	// DependsOn lists node IDs that must be applied before this node starts.
	DependsOn []string `json:"depends_on,omitempty"`
}

// CopyPayload describes a file transfer.
type CopyPayload struct {
	// Content is the bytes to write.
	Content *future.Future[[]byte] `json:"-"`

	// RemotePath is the absolute destination path.
	RemotePath string `json:"remote_path"`

	// Mode is the file mode applied after upload. Zero means 0644.
	Mode os.FileMode `json:"mode,omitempty"`
}

// CommandPayload describes a remote script execution.
type CommandPayload struct {
	// Create runs the first time the node is applied.
	Create *future.Future[string] `json:"-"`

	// Update runs when a previous trigger record exists. Nil falls back to Create.
	Update *future.Future[string] `json:"-"`
}

// CopyFile returns a KindCopyFile node.
func CopyFile(id string, content *future.Future[[]byte], remotePath string) *Node {
	return &Node{
		ID:   id,
		Kind: KindCopyFile,
		Copy: &CopyPayload{Content: content, RemotePath: remotePath},
	}
}

// RunCommand returns a KindRunCommand node.
func RunCommand(id string, create, update *future.Future[string]) *Node {
	return &Node{
		ID:      id,
		Kind:    KindRunCommand,
		Command: &CommandPayload{Create: create, Update: update},
	}
}

// WithTriggers sets the node's trigger sequence.
func (n *Node) WithTriggers(triggers ...*future.Future[string]) *Node {
	n.Triggers = append(n.Triggers, triggers...)
	return n
}

// After adds dependencies. Empty IDs are ignored so optional handles can be
// passed straight through.
func (n *Node) After(ids ...string) *Node {
	for _, id := range ids {
		if id != "" && !slices.Contains(n.DependsOn, id) {
			n.DependsOn = append(n.DependsOn, id)
		}
	}
	return n
}

// WithMode sets the file mode of a copy node.
func (n *Node) WithMode(mode os.FileMode) *Node {
	if n.Copy != nil {
		n.Copy.Mode = mode
	}
	return n
}

// Connection is the remote target of a pass. It is shared read-only by every
// node and never mutated mid-pass.
type Connection struct {
	// Host is the hostname or IP address.
	Host string `json:"host"`

	// Port is the SSH port. Zero means 22.
	Port int `json:"port,omitempty"`

	// User is the remote principal.
	User string `json:"user"`

	// PrivateKey is the PEM-encoded key, resolved on first dial.
	PrivateKey *future.Future[[]byte] `json:"-"`
}

// CommandResult is the outcome of a remote script.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Triggers maps node IDs to resolved trigger sequences.
type Triggers map[string][]string

// Clone returns a deep copy.
func (t Triggers) Clone() Triggers {
	out := make(Triggers, len(t))
	for id, seq := range t {
		out[id] = slices.Clone(seq)
	}
	return out
}

// Unchanged reports whether id has a record equal to current.
func (t Triggers) Unchanged(id string, current []string) bool {
	prev, ok := t[id]
	if !ok {
		return false
	}
	return slices.Equal(prev, current)
}

// EventType is the type of a pass event.
type EventType string

const (
	EventPassStarted   EventType = "pass.started"
	EventPassCompleted EventType = "pass.completed"
	EventNodeStarted   EventType = "node.started"
	EventNodeApplied   EventType = "node.applied"
	EventNodeReused    EventType = "node.reused"
	EventNodeFailed    EventType = "node.failed"
	EventNodeBlocked   EventType = "node.blocked"
)

// Event is a timeline entry emitted during a pass.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the pass this event belongs to.
	RunID string `json:"run_id"`

	// NodeID is the node, if applicable.
	NodeID string `json:"node_id,omitempty"`

	// Kind is the node kind, if applicable.
	Kind NodeKind `json:"kind,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Duration is set on terminal node and pass events.
	Duration time.Duration `json:"duration,omitempty"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}
