package stores

import (
	"context"
	"time"

	"github.com/openfroyo/mailstack/pkg/engine"
)

// RunStatus represents the status of a pass
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run represents one apply pass against a scope
type Run struct {
	ID          string     `json:"id"`
	Scope       string     `json:"scope"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Applied     int        `json:"applied"`
	Dispatched  int        `json:"dispatched"`
	Reused      int        `json:"reused"`
	Blocked     int        `json:"blocked"`
	FailedNode  *string    `json:"failed_node,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// NodeRecord is the last committed trigger sequence of a node
type NodeRecord struct {
	Scope     string    `json:"scope"`
	NodeID    string    `json:"node_id"`
	Triggers  []string  `json:"triggers"`
	RunID     string    `json:"run_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Trigger records
	LoadTriggers(ctx context.Context, scope string) (engine.Triggers, error)
	CommitTriggers(ctx context.Context, scope, runID, nodeID string, triggers []string) error
	ListTriggers(ctx context.Context, scope string) ([]*NodeRecord, error)
	DeleteTriggers(ctx context.Context, scope, nodeID string) error
	Recorder(scope, runID string) engine.TriggerRecorder

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, result *engine.ApplyResult) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, scope string, limit int) ([]*Run, error)

	// Event operations
	RecordEvent(ctx context.Context, event engine.Event) error
	ListEvents(ctx context.Context, runID string) ([]engine.Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
