package telemetry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/mailstack/pkg/engine"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventStore persists pass events. stores.SQLiteStore satisfies it.
type EventStore interface {
	RecordEvent(ctx context.Context, event engine.Event) error
}

// EventSubscriber is a function that handles events.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// EventSink implements engine.EventPublisher. Each event is logged, counted
// in metrics, persisted when a store is attached and handed to subscribers,
// in that order and on the publishing goroutine.
type EventSink struct {
	logger  *Logger
	metrics *Metrics
	store   EventStore

	mu          sync.RWMutex
	subscribers []subscriberEntry
}

// NewEventSink creates a sink. Any of the collaborators may be nil.
func NewEventSink(logger *Logger, metrics *Metrics, store EventStore) *EventSink {
	if logger == nil {
		logger = FromContext(context.Background())
	}
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &EventSink{
		logger:  logger.NewComponentLogger("events"),
		metrics: metrics,
		store:   store,
	}
}

// Publish implements engine.EventPublisher.
func (s *EventSink) Publish(ctx context.Context, event engine.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.log(event)
	s.record(event)

	if s.store != nil {
		if err := s.store.RecordEvent(ctx, event); err != nil {
			s.logger.WithError(err).WithRunID(event.RunID).Warn("Failed to persist event")
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

func (s *EventSink) log(event engine.Event) {
	var ev *zerolog.Event
	zl := s.logger.Zerolog()
	switch event.Level {
	case EventLevelError:
		ev = zl.Error()
	case EventLevelWarning:
		ev = zl.Warn()
	default:
		ev = zl.Debug()
	}

	ev = ev.Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Str("run_id", event.RunID)
	if event.NodeID != "" {
		ev = ev.Str("node_id", event.NodeID).Str("kind", string(event.Kind))
	}
	if event.Duration > 0 {
		ev = ev.Dur("duration", event.Duration)
	}
	ev.Msg(event.Message)
}

func (s *EventSink) record(event engine.Event) {
	switch event.Type {
	case engine.EventPassStarted:
		s.metrics.RecordPassStarted()
	case engine.EventPassCompleted:
		outcome := "succeeded"
		if event.Level == EventLevelError {
			outcome = "failed"
		}
		s.metrics.RecordPass(outcome, event.Duration)
	case engine.EventNodeApplied, engine.EventNodeReused, engine.EventNodeFailed, engine.EventNodeBlocked:
		outcome := strings.TrimPrefix(string(event.Type), "node.")
		s.metrics.RecordNode(string(event.Kind), outcome, event.Duration)
		if event.Type == engine.EventNodeFailed {
			class, _ := event.Details["class"].(string)
			code, _ := event.Details["code"].(string)
			s.metrics.RecordError(class, code)
		}
	}
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (s *EventSink) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = append(s.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

var _ engine.EventPublisher = (*EventSink)(nil)

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}
