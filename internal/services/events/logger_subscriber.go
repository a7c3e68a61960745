package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/models"
)

// NewLoggerSubscriber creates an event handler that logs pipeline events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		switch payload := event.Payload.(type) {
		case models.StageEvent:
			logger.Trace().
				Str("event_type", string(event.Type)).
				Str("session_id", payload.SessionID).
				Int("item_index", payload.ItemIndex).
				Str("stage", string(payload.Stage)).
				Str("status", string(payload.Status)).
				Bool("fallback", payload.Fallback).
				Msg("Stage progress")
		case models.BatchEvent:
			logger.Debug().
				Str("event_type", string(event.Type)).
				Str("session_id", payload.SessionID).
				Str("stage", string(payload.Stage)).
				Str("outcome", payload.Outcome).
				Int("units", payload.Units).
				Int("failures", payload.Failures).
				Int64("duration_ms", payload.DurationMS).
				Msg("Batch completed")
		case models.SessionEvent:
			logEvent := logger.Info().
				Str("event_type", string(event.Type)).
				Str("session_id", payload.SessionID).
				Str("status", string(payload.Status))
			if payload.Error != "" {
				logEvent = logEvent.Str("error", payload.Error)
			}
			logEvent.Msg("Session finished")
		default:
			logger.Debug().
				Str("event_type", string(event.Type)).
				Msg("Event published")
		}
		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	eventTypes := []interfaces.EventType{
		interfaces.EventStageProgress,
		interfaces.EventBatchCompleted,
		interfaces.EventSessionCompleted,
	}

	for _, eventType := range eventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Debug().
		Int("event_type_count", len(eventTypes)).
		Msg("Logger subscribed to all event types")

	return nil
}
