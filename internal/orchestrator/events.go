package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisdr/aegis/internal/models"
)

// EventKind identifies a lifecycle event.
type EventKind string

const (
	// EventOperationStarted fires when an operation is registered.
	EventOperationStarted EventKind = "operation_started"
	// EventCheckpoint fires on every checkpoint append.
	EventCheckpoint EventKind = "checkpoint"
	// EventOperationCompleted fires on successful termination.
	EventOperationCompleted EventKind = "operation_completed"
	// EventOperationFailed fires on failed termination.
	EventOperationFailed EventKind = "operation_failed"
)

// Event is one lifecycle notification from the engine.
type Event struct {
	Kind        EventKind
	OperationID uuid.UUID
	Type        models.OperationType
	Checkpoint  string
	Err         error
	At          time.Time
}

// Events is a typed outbound event stream. Publishing never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber, so a
// slow consumer cannot stall an operation.
type Events struct {
	mu      sync.Mutex
	subs    []chan Event
	bufSize int
}

// NewEvents creates an event stream whose subscriber channels hold bufSize
// pending events (minimum 16).
func NewEvents(bufSize int) *Events {
	if bufSize < 16 {
		bufSize = 16
	}
	return &Events{bufSize: bufSize}
}

// Subscribe registers a new consumer and returns its channel.
func (e *Events) Subscribe() <-chan Event {
	ch := make(chan Event, e.bufSize)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

func (e *Events) publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
