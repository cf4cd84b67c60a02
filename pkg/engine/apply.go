package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/mailstack/pkg/future"
)

const (
	// DefaultMaxParallel is the number of nodes dispatched concurrently when
	// no limit is configured.
	DefaultMaxParallel = 4

	tracerName = "github.com/openfroyo/mailstack/pkg/engine"
)

// Engine applies scheduled graphs to a remote host.
type Engine struct {
	// dialer opens the transport on first dispatch
	dialer Dialer

	// maxParallel bounds the number of nodes in flight
	maxParallel int

	// recorder persists each node's committed triggers
	recorder TriggerRecorder

	// publisher receives pass events
	publisher EventPublisher

	tracer trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxParallel bounds concurrent dispatch. 1 yields serial execution in
// insertion order.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithRecorder sets the per-node trigger recorder.
func WithRecorder(r TriggerRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithEventPublisher sets the event publisher.
func WithEventPublisher(p EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates an apply engine.
func NewEngine(dialer Dialer, opts ...Option) *Engine {
	e := &Engine{
		dialer:      dialer,
		maxParallel: DefaultMaxParallel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e
}

// ApplyResult reports the outcome of a pass.
type ApplyResult struct {
	// RunID identifies the pass.
	RunID string `json:"run_id"`

	// Applied lists nodes in the order they reached NodeApplied.
	Applied []string `json:"applied"`

	// Dispatched lists applied nodes that made transport calls.
	Dispatched []string `json:"dispatched"`

	// Reused lists applied nodes whose triggers were unchanged.
	Reused []string `json:"reused"`

	// FailedNodeID is the first node that failed, if any.
	FailedNodeID string `json:"failed_node_id,omitempty"`

	// Failures maps every failed node to its error.
	Failures map[string]error `json:"-"`

	// Blocked lists nodes left pending, in insertion order.
	Blocked []string `json:"blocked,omitempty"`

	// States holds the final state of every node.
	States map[string]NodeState `json:"states"`

	// Triggers is the previous record merged with this pass's commits.
	Triggers Triggers `json:"-"`

	// Err is the first failure's error.
	Err error `json:"-"`

	// Duration is the wall time of the pass.
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether every node was applied.
func (r *ApplyResult) Succeeded() bool {
	return r.Err == nil && len(r.Blocked) == 0
}

// Summary renders a short report naming the failing node, its error and the
// nodes applied before the failure.
func (r *ApplyResult) Summary() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("pass %s: %d applied (%d dispatched, %d unchanged), %d failed, %d blocked in %s\n",
		r.RunID, len(r.Applied), len(r.Dispatched), len(r.Reused), len(r.Failures), len(r.Blocked),
		r.Duration.Round(time.Millisecond)))
	if r.FailedNodeID != "" {
		sb.WriteString(fmt.Sprintf("failed node: %s: %v\n", r.FailedNodeID, r.Failures[r.FailedNodeID]))
		for id, err := range r.Failures {
			if id != r.FailedNodeID {
				sb.WriteString(fmt.Sprintf("also failed: %s: %v\n", id, err))
			}
		}
	} else if r.Err != nil {
		sb.WriteString(fmt.Sprintf("error: %v\n", r.Err))
	}
	if len(r.Applied) > 0 {
		sb.WriteString("applied: " + strings.Join(r.Applied, ", ") + "\n")
	}
	if len(r.Blocked) > 0 {
		sb.WriteString("blocked: " + strings.Join(r.Blocked, ", ") + "\n")
	}
	return sb.String()
}

type runIDKey struct{}

// ContextWithRunID attaches a run ID that Apply uses instead of generating one.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run ID attached to ctx, if any.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// nodeOutcome is sent from a worker back to the scheduling loop.
type nodeOutcome struct {
	id       string
	reused   bool
	triggers []string
	err      error
	duration time.Duration
}

// pass holds the mutable state of a single Apply call.
type pass struct {
	engine   *Engine
	graph    *ScheduledGraph
	conn     Connection
	previous Triggers
	runID    string

	// transportMu guards the lazily dialled transport
	transportMu sync.Mutex
	transport   Transport
}

// Apply executes graph against conn. previous holds the trigger sequences
// recorded at the end of the prior pass and is not modified.
//
// A node starts only once every dependency is applied. Nodes whose triggers
// equal their previous record are applied without contacting the host.
// Remote failures block the failed node's dependents while independent
// branches continue; local failures stop the pass from starting new nodes.
func (e *Engine) Apply(ctx context.Context, graph *ScheduledGraph, conn Connection, previous Triggers) *ApplyResult {
	start := time.Now()
	runID := RunIDFromContext(ctx)
	if runID == "" {
		runID = uuid.New().String()
	}
	if previous == nil {
		previous = Triggers{}
	}

	result := &ApplyResult{
		RunID:      runID,
		Applied:    make([]string, 0, graph.Len()),
		Dispatched: make([]string, 0),
		Reused:     make([]string, 0),
		Failures:   make(map[string]error),
		States:     make(map[string]NodeState, graph.Len()),
		Triggers:   previous.Clone(),
	}
	for _, n := range graph.Nodes() {
		result.States[n.ID] = NodePending
	}

	ctx, span := e.tracer.Start(ctx, "apply",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("host", conn.Host),
			attribute.Int("nodes", graph.Len()),
		))
	defer span.End()

	p := &pass{engine: e, graph: graph, conn: conn, previous: previous, runID: runID}
	defer p.closeTransport()

	e.publish(ctx, Event{
		Type:    EventPassStarted,
		RunID:   runID,
		Message: fmt.Sprintf("Pass started with %d nodes", graph.Len()),
		Level:   "info",
	})

	completed := make(map[string]bool, graph.Len())
	started := make(map[string]bool, graph.Len())
	outcomes := make(chan nodeOutcome)
	running := 0
	var aborted error

	for {
		if aborted == nil && ctx.Err() == nil {
			for _, id := range graph.ReadyNodes(completed) {
				if running >= e.maxParallel {
					break
				}
				if started[id] {
					continue
				}
				started[id] = true
				running++
				node, _ := graph.Node(id)
				go func() {
					outcomes <- p.applyNode(ctx, node)
				}()
			}
		}

		if running == 0 {
			break
		}

		out := <-outcomes
		running--

		if out.err != nil {
			result.States[out.id] = NodeFailed
			result.Failures[out.id] = out.err
			if result.FailedNodeID == "" {
				result.FailedNodeID = out.id
				result.Err = out.err
			}
			if IsLocal(out.err) && aborted == nil {
				aborted = out.err
				log.Error().Err(out.err).Str("node_id", out.id).Msg("Local failure, aborting pass")
			}
			continue
		}

		completed[out.id] = true
		result.States[out.id] = NodeApplied
		result.Applied = append(result.Applied, out.id)
		result.Triggers[out.id] = out.triggers
		if out.reused {
			result.Reused = append(result.Reused, out.id)
		} else {
			result.Dispatched = append(result.Dispatched, out.id)
		}
	}

	for _, n := range graph.Nodes() {
		if !started[n.ID] {
			result.Blocked = append(result.Blocked, n.ID)
			e.publish(ctx, Event{
				Type:    EventNodeBlocked,
				RunID:   runID,
				NodeID:  n.ID,
				Kind:    n.Kind,
				Message: "Node not started",
				Level:   "warning",
			})
		}
	}

	if result.Err == nil && ctx.Err() != nil {
		result.Err = ctx.Err()
	}
	result.Duration = time.Since(start)

	level := "info"
	if result.Err != nil {
		level = "error"
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}
	e.publish(ctx, Event{
		Type:     EventPassCompleted,
		RunID:    runID,
		Message:  fmt.Sprintf("Pass completed: %d applied, %d failed, %d blocked", len(result.Applied), len(result.Failures), len(result.Blocked)),
		Duration: result.Duration,
		Details: map[string]interface{}{
			"applied":    len(result.Applied),
			"dispatched": len(result.Dispatched),
			"reused":     len(result.Reused),
			"failed":     len(result.Failures),
			"blocked":    len(result.Blocked),
		},
		Level: level,
	})

	return result
}

// applyNode resolves, compares, dispatches and commits a single node.
func (p *pass) applyNode(ctx context.Context, node *Node) (out nodeOutcome) {
	start := time.Now()
	out.id = node.ID

	ctx, span := p.engine.tracer.Start(ctx, "node "+node.ID,
		trace.WithAttributes(
			attribute.String("node_id", node.ID),
			attribute.String("kind", string(node.Kind)),
		))
	defer func() {
		out.duration = time.Since(start)
		if out.err != nil {
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
		}
		span.SetAttributes(attribute.Bool("reused", out.reused))
		span.End()
		p.finish(ctx, node, out)
	}()

	p.engine.publish(ctx, Event{
		Type:    EventNodeStarted,
		RunID:   p.runID,
		NodeID:  node.ID,
		Kind:    node.Kind,
		Message: "Node started",
		Level:   "info",
	})

	triggers, err := future.All(ctx, node.Triggers...)
	if err != nil {
		out.err = classify(err, node.ID, "resolve triggers")
		return out
	}
	if triggers == nil {
		triggers = []string{}
	}
	out.triggers = triggers

	if p.previous.Unchanged(node.ID, triggers) {
		log.Debug().Str("node_id", node.ID).Msg("Triggers unchanged, reusing")
		out.reused = true
		return out
	}

	if err := p.dispatch(ctx, node); err != nil {
		out.err = err
		return out
	}

	if p.engine.recorder != nil {
		if err := p.engine.recorder.Commit(ctx, node.ID, triggers); err != nil {
			out.err = NewIOError("failed to commit trigger record", err).WithNode(node.ID)
			return out
		}
	}

	return out
}

// dispatch performs the node's remote operation.
func (p *pass) dispatch(ctx context.Context, node *Node) error {
	switch node.Kind {
	case KindCopyFile:
		content, err := node.Copy.Content.Resolve(ctx)
		if err != nil {
			return classify(err, node.ID, "resolve content")
		}
		t, err := p.getTransport(ctx, node.ID)
		if err != nil {
			return err
		}
		mode := node.Copy.Mode
		if mode == 0 {
			mode = 0o644
		}
		log.Debug().
			Str("node_id", node.ID).
			Str("remote_path", node.Copy.RemotePath).
			Int("bytes", len(content)).
			Msg("Copying file")
		if err := t.Copy(ctx, content, node.Copy.RemotePath, mode); err != nil {
			return classify(err, node.ID, "copy")
		}
		return nil

	case KindRunCommand:
		script := node.Command.Create
		operation := "create"
		if _, existed := p.previous[node.ID]; existed && node.Command.Update != nil {
			script = node.Command.Update
			operation = "update"
		}
		body, err := script.Resolve(ctx)
		if err != nil {
			return classify(err, node.ID, "resolve "+operation+" script")
		}
		t, err := p.getTransport(ctx, node.ID)
		if err != nil {
			return err
		}
		log.Debug().Str("node_id", node.ID).Str("operation", operation).Msg("Running command")
		res, err := t.Run(ctx, body)
		if err != nil {
			return classify(err, node.ID, operation)
		}
		if res.ExitCode != 0 {
			return NewRemoteCommandError(res.ExitCode, res.Stderr).WithNode(node.ID).WithOperation(operation)
		}
		return nil
	}

	return NewConstructionError(ErrCodeValidation, fmt.Sprintf("unknown node kind: %q", node.Kind)).WithNode(node.ID)
}

// finish publishes the node's terminal event.
func (p *pass) finish(ctx context.Context, node *Node, out nodeOutcome) {
	ev := Event{
		RunID:    p.runID,
		NodeID:   node.ID,
		Kind:     node.Kind,
		Duration: out.duration,
	}
	switch {
	case out.err != nil:
		ev.Type = EventNodeFailed
		ev.Message = out.err.Error()
		ev.Level = "error"
		var ee *EngineError
		if errors.As(out.err, &ee) {
			ev.Details = map[string]interface{}{"class": string(ee.Class), "code": ee.Code}
		}
		log.Error().Err(out.err).Str("node_id", node.ID).Msg("Node failed")
	case out.reused:
		ev.Type = EventNodeReused
		ev.Message = "Triggers unchanged"
		ev.Level = "info"
	default:
		ev.Type = EventNodeApplied
		ev.Message = "Node applied"
		ev.Level = "info"
		log.Info().Str("node_id", node.ID).Dur("duration", out.duration).Msg("Node applied")
	}
	p.engine.publish(ctx, ev)
}

// getTransport dials once per pass. A failed dial is retried by the next
// node that needs the transport.
func (p *pass) getTransport(ctx context.Context, nodeID string) (Transport, error) {
	p.transportMu.Lock()
	defer p.transportMu.Unlock()

	if p.transport != nil {
		return p.transport, nil
	}

	log.Debug().Str("host", p.conn.Host).Str("user", p.conn.User).Msg("Connecting to host")
	t, err := p.engine.dialer.Dial(ctx, p.conn)
	if err != nil {
		var ee *EngineError
		if errors.As(err, &ee) {
			return nil, err
		}
		return nil, NewTransportError("failed to connect", err).WithNode(nodeID).WithOperation("dial")
	}
	p.transport = t
	return t, nil
}

func (p *pass) closeTransport() {
	p.transportMu.Lock()
	defer p.transportMu.Unlock()

	if p.transport != nil {
		if err := p.transport.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close transport")
		}
		p.transport = nil
	}
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if e.publisher == nil {
		return
	}
	ev.ID = uuid.New().String()
	ev.Timestamp = time.Now()
	e.publisher.Publish(ctx, ev)
}

// classify assigns a class to errors not already raised as EngineError. Errors raised while dispatching are remote; anything else that
// surfaces from deferred resolution is local.
func classify(err error, nodeID, operation string) error {
	var ee *EngineError
	if errors.As(err, &ee) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch operation {
	case "copy", "create", "update":
		return NewTransportError(operation+" failed", err).WithNode(nodeID).WithOperation(operation)
	default:
		return NewIOError("failed to "+operation, err).WithNode(nodeID).WithOperation(operation)
	}
}
