package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalEmitted         EventType = "SIGNAL_EMITTED"
	EventSignalBlocked         EventType = "SIGNAL_BLOCKED"
	EventPositionOpened        EventType = "POSITION_OPENED"
	EventPositionUpdated       EventType = "POSITION_UPDATED"
	EventPositionClosed        EventType = "POSITION_CLOSED"
	EventTrailingMoved         EventType = "TRAILING_MOVED"
	EventRegimeChanged         EventType = "REGIME_CHANGED"
	EventSnapshotPublished     EventType = "SNAPSHOT_PUBLISHED"
	EventCorrelationBlocked    EventType = "CORRELATION_BLOCKED"
	EventDeadLetter            EventType = "DEAD_LETTER"
	EventNotificationDelivered EventType = "NOTIFICATION_DELIVERED"
	EventTickCompleted         EventType = "TICK_COMPLETED"
	EventEngineStarted         EventType = "ENGINE_STARTED"
	EventEngineStopped         EventType = "ENGINE_STOPPED"
	EventError                 EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions. Delivery is
// asynchronous: each subscriber runs in its own goroutine, so slow consumers
// never block publishers. Components that need deterministic delivery (the
// outcome recorder) are invoked directly, not through the bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishSignalEmitted publishes a signal emitted event
func (eb *EventBus) PublishSignalEmitted(userID, signalID, symbol, side string, entry, sizeUSDT float64) {
	eb.Publish(Event{
		Type:   EventSignalEmitted,
		UserID: userID,
		Data: map[string]interface{}{
			"signal_id": signalID,
			"symbol":    symbol,
			"side":      side,
			"entry":     entry,
			"size_usdt": sizeUSDT,
		},
	})
}

// PublishSignalBlocked publishes a gate block event
func (eb *EventBus) PublishSignalBlocked(userID, symbol, stage, reason string) {
	eb.Publish(Event{
		Type:   EventSignalBlocked,
		UserID: userID,
		Data: map[string]interface{}{
			"symbol": symbol,
			"stage":  stage,
			"reason": reason,
		},
	})
}

// PublishPositionClosed publishes a terminal position transition
func (eb *EventBus) PublishPositionClosed(userID, signalID, symbol, status string, exitPrice, pnlPct float64) {
	eb.Publish(Event{
		Type:   EventPositionClosed,
		UserID: userID,
		Data: map[string]interface{}{
			"signal_id":  signalID,
			"symbol":     symbol,
			"status":     status,
			"exit_price": exitPrice,
			"pnl_pct":    pnlPct,
		},
	})
}

// PublishTrailingMoved publishes a stop-loss advance
func (eb *EventBus) PublishTrailingMoved(userID, signalID, symbol string, oldSL, newSL float64) {
	eb.Publish(Event{
		Type:   EventTrailingMoved,
		UserID: userID,
		Data: map[string]interface{}{
			"signal_id": signalID,
			"symbol":    symbol,
			"old_sl":    oldSL,
			"new_sl":    newSL,
		},
	})
}

// PublishRegimeChanged publishes a market regime transition
func (eb *EventBus) PublishRegimeChanged(prev, next string, confidence float64) {
	eb.Publish(Event{
		Type: EventRegimeChanged,
		Data: map[string]interface{}{
			"previous":   prev,
			"current":    next,
			"confidence": confidence,
		},
	})
}

// PublishSnapshotPublished publishes a new parameter snapshot version
func (eb *EventBus) PublishSnapshotPublished(version int) {
	eb.Publish(Event{
		Type: EventSnapshotPublished,
		Data: map[string]interface{}{
			"version": version,
		},
	})
}

// PublishNotificationDelivered publishes a successful dispatch with its
// queue-to-delivery latency
func (eb *EventBus) PublishNotificationDelivered(userID, kind string, attempts int, latencyMS int64) {
	eb.Publish(Event{
		Type:   EventNotificationDelivered,
		UserID: userID,
		Data: map[string]interface{}{
			"kind":       kind,
			"attempts":   attempts,
			"latency_ms": latencyMS,
		},
	})
}

// PublishTickCompleted publishes per-tick scheduler statistics
func (eb *EventBus) PublishTickCompleted(tickID string, evaluated, emitted, timeouts int, durationMS int64) {
	eb.Publish(Event{
		Type: EventTickCompleted,
		Data: map[string]interface{}{
			"tick_id":     tickID,
			"evaluated":   evaluated,
			"emitted":     emitted,
			"timeouts":    timeouts,
			"duration_ms": durationMS,
		},
	})
}

// PublishDeadLetter publishes a dead-lettered dispatch
func (eb *EventBus) PublishDeadLetter(userID, kind, reason string, attempts int) {
	eb.Publish(Event{
		Type:   EventDeadLetter,
		UserID: userID,
		Data: map[string]interface{}{
			"kind":     kind,
			"reason":   reason,
			"attempts": attempts,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
