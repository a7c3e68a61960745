package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	// EventStageProgress is published for every per-item stage completion.
	// Payload: models.StageEvent
	EventStageProgress EventType = "stage_progress"

	// EventBatchCompleted is published when a stage batch has been aggregated.
	// Payload: models.BatchEvent
	EventBatchCompleted EventType = "batch_completed"

	// EventSessionCompleted is published when a session reaches a terminal status.
	// Payload: models.SessionEvent
	EventSessionCompleted EventType = "session_completed"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers asynchronously
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
