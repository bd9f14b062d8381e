package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable occurrence that alerting consumers may act on.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies the component that emitted the event.
	Source string `json:"source"`

	ConnectionID string `json:"connection_id,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRefreshCompleted    = "refresh.completed"
	EventTypeRefreshFailed       = "refresh.failed"
	EventTypePowerIssued         = "power.issued"
	EventTypePowerFailed         = "power.failed"
	EventTypeCredentialsVerified = "credentials.verified"
	EventTypeCredentialsRejected = "credentials.rejected"
	EventTypeConnectionImported  = "connection.imported"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. In async mode events are
// buffered and delivered in batches from one goroutine; otherwise they are
// delivered on the publishing goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRefreshCompleted publishes a successful refresh with its change summary.
func (ep *EventPublisher) PublishRefreshCompleted(connectionID string, created, updated, deleted int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:         EventTypeRefreshCompleted,
		Source:       "refresh",
		ConnectionID: connectionID,
		Message:      fmt.Sprintf("Refresh of connection %s completed", connectionID),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"created":  created,
			"updated":  updated,
			"deleted":  deleted,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRefreshFailed publishes a failed refresh.
func (ep *EventPublisher) PublishRefreshFailed(connectionID, phase, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypeRefreshFailed,
		Source:       "refresh",
		ConnectionID: connectionID,
		Message:      fmt.Sprintf("Refresh of connection %s failed while %s: %s", connectionID, phase, reason),
		Level:        EventLevelError,
		Data: map[string]interface{}{
			"phase":  phase,
			"reason": reason,
		},
	})
}

// PublishPowerIssued publishes an accepted power call.
func (ep *EventPublisher) PublishPowerIssued(connectionID, resourceID, action, state string) error {
	return ep.Publish(Event{
		Type:         EventTypePowerIssued,
		Source:       "power",
		ConnectionID: connectionID,
		ResourceID:   resourceID,
		Message:      fmt.Sprintf("%s issued for resource %s", action, resourceID),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"action": action,
			"state":  state,
		},
	})
}

// PublishPowerFailed publishes a power call that could not be issued.
func (ep *EventPublisher) PublishPowerFailed(connectionID, resourceID, action, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypePowerFailed,
		Source:       "power",
		ConnectionID: connectionID,
		ResourceID:   resourceID,
		Message:      fmt.Sprintf("%s failed for resource %s: %s", action, resourceID, reason),
		Level:        EventLevelWarning,
		Data: map[string]interface{}{
			"action": action,
			"reason": reason,
		},
	})
}

// PublishCredentialsVerified publishes a successful credential verification.
func (ep *EventPublisher) PublishCredentialsVerified(connectionID string) error {
	return ep.Publish(Event{
		Type:         EventTypeCredentialsVerified,
		Source:       "manager",
		ConnectionID: connectionID,
		Message:      fmt.Sprintf("Credentials verified for connection %s", connectionID),
		Level:        EventLevelInfo,
	})
}

// PublishCredentialsRejected publishes a failed verification with its error kind.
func (ep *EventPublisher) PublishCredentialsRejected(connectionID, kind, message string) error {
	return ep.Publish(Event{
		Type:         EventTypeCredentialsRejected,
		Source:       "manager",
		ConnectionID: connectionID,
		Message:      message,
		Level:        EventLevelError,
		Data: map[string]interface{}{
			"kind": kind,
		},
	})
}

// PublishConnectionImported publishes a connection created or updated by import.
func (ep *EventPublisher) PublishConnectionImported(connectionID, name string, created bool) error {
	return ep.Publish(Event{
		Type:         EventTypeConnectionImported,
		Source:       "manager",
		ConnectionID: connectionID,
		Message:      fmt.Sprintf("Connection %s imported", name),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"created": created,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer, delivering full batches immediately
// and partial batches on every flush tick.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByConnection creates a filter that only allows events for one connection.
func FilterByConnection(connectionID string) EventFilter {
	return func(event Event) bool {
		return event.ConnectionID == connectionID
	}
}
