package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/stopgate/pkg/models"
)

// EventType represents the type of engine event.
type EventType string

const (
	// EventCriterionStarted indicates a criterion began executing.
	EventCriterionStarted EventType = "criterion_started"
	// EventCriterionFinished indicates a criterion produced a result.
	EventCriterionFinished EventType = "criterion_finished"
	// EventWaveStarted indicates a parallel wave began.
	EventWaveStarted EventType = "wave_started"
	// EventWaveFinished indicates every member of a wave resolved.
	EventWaveFinished EventType = "wave_finished"
	// EventSessionReady indicates every required step passed.
	EventSessionReady EventType = "session_ready"
	// EventTerminationIssued indicates a termination flag was written.
	EventTerminationIssued EventType = "termination_issued"
)

// Event is emitted while the engine validates. Used for progress output.
type Event struct {
	Type      EventType
	AgentID   string
	Criterion string
	// Wave is the index of the wave, for wave events and parallel runs.
	Wave      int
	Result    *models.Result
	Message   string
	Timestamp time.Time
}

// EventEmitter delivers events to one subscriber without ever blocking the
// engine for long. Events that cannot be delivered in time are dropped.
type EventEmitter struct {
	mu           sync.RWMutex
	events       chan Event
	closed       bool
	droppedCount atomic.Uint64
}

// NewEventEmitter creates an emitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{events: make(chan Event, bufferSize)}
}

// Emit sends an event, waiting up to 100ms for room before dropping it.
func (e *EventEmitter) Emit(event Event) {
	if e == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		e.droppedCount.Add(1)
	}
}

// DroppedCount returns the total number of events dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the subscriber channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the channel. Emit after Close is a no-op.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
