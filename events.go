package ray5agent

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType discriminates session events.
type EventType string

const (
	EventConnectionState EventType = "connection_state"
	EventCatalogUpdated  EventType = "catalog_updated"
	EventHeartbeat       EventType = "heartbeat"
	EventOperationError  EventType = "operation_error"
	EventBatchCompleted  EventType = "batch_completed"
)

// Event is what presentation layers consume from SessionManager.Events().
// All events are emitted by the coordinating goroutine, so a consumer sees
// them in the order the session state actually changed.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides the common event fields.
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// ConnectionStateEvent reports a lifecycle transition.
type ConnectionStateEvent struct {
	BaseEvent
	State ConnectionState
	// Address and HardwareAddr are set once known; Failed transitions carry
	// the handshake address so the consumer can label the failure.
	Address      string
	HardwareAddr string
	// Reason is non-empty for Failed transitions.
	Reason string
}

// CatalogUpdatedEvent carries a full catalog snapshot plus the names whose
// change markers are currently lit.
type CatalogUpdatedEvent struct {
	BaseEvent
	Files        []RemoteFile
	ChangedNames []string
}

// HeartbeatEvent signals one successful liveness probe.
type HeartbeatEvent struct {
	BaseEvent
	Address string
}

// OperationErrorEvent reports a failed operation without a state change, for
// example a refresh that could not reach the device.
type OperationErrorEvent struct {
	BaseEvent
	// Op names the operation that failed ("refresh", "connect", "upload"...).
	Op      string
	Message string
}

// BatchCompletedEvent reports the per-item outcome of an upload or delete
// batch. Results preserve the request order.
type BatchCompletedEvent struct {
	BaseEvent
	Kind    BatchKind
	BatchID string
	Results []ItemResult
}

// eventSink owns the outward event channel. Emission never blocks the
// coordinating goroutine: when the consumer lags behind the buffer, events
// are dropped and counted.
type eventSink struct {
	ch        chan Event
	closeOnce sync.Once
	dropped   atomic.Int64
}

func newEventSink(buffer int) *eventSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &eventSink{ch: make(chan Event, buffer)}
}

func (s *eventSink) emit(event Event) {
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
	}
}

func (s *eventSink) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Dropped returns how many events were discarded because the consumer could
// not keep up.
func (s *eventSink) Dropped() int64 {
	return s.dropped.Load()
}
