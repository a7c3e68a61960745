package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/models"
	"golang.org/x/time/rate"
)

// EventSubscriber forwards pipeline events to WebSocket clients with config-driven
// filtering and per-session throttling of stage progress
type EventSubscriber struct {
	handler       *WebSocketHandler
	eventService  interfaces.EventService
	logger        arbor.ILogger
	allowedEvents map[string]bool // Whitelist of events to broadcast (empty = allow all)
	throttle      time.Duration   // Zero disables throttling

	mu         sync.Mutex
	throttlers map[string]*rate.Limiter // Per session
}

// NewEventSubscriber creates the subscriber and registers it for every pipeline event
func NewEventSubscriber(handler *WebSocketHandler, eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *EventSubscriber {
	s := &EventSubscriber{
		handler:       handler,
		eventService:  eventService,
		logger:        logger,
		allowedEvents: make(map[string]bool),
		throttlers:    make(map[string]*rate.Limiter),
	}

	if config != nil {
		for _, eventType := range config.AllowedEvents {
			s.allowedEvents[eventType] = true
		}
		s.throttle = common.ParseDuration(config.ProgressThrottle, 0)
	}

	s.subscribe(interfaces.EventStageProgress, s.handleStageProgress)
	s.subscribe(interfaces.EventBatchCompleted, s.handleBatchCompleted)
	s.subscribe(interfaces.EventSessionCompleted, s.handleSessionCompleted)

	logger.Debug().
		Int("allowed_events", len(s.allowedEvents)).
		Dur("progress_throttle", s.throttle).
		Msg("WebSocket event subscriber initialized")

	return s
}

func (s *EventSubscriber) subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) {
	if len(s.allowedEvents) > 0 && !s.allowedEvents[string(eventType)] {
		return
	}
	if err := s.eventService.Subscribe(eventType, handler); err != nil {
		s.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("Failed to subscribe WebSocket to event")
	}
}

// handleStageProgress forwards per-item progress. Events over the session's rate are dropped;
// the last item of a stage is always forwarded so clients see the stage finish.
func (s *EventSubscriber) handleStageProgress(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(models.StageEvent)
	if !ok {
		s.logger.Warn().Str("event_type", string(event.Type)).Msg("Unexpected stage progress payload")
		return nil
	}

	if !s.stageFinished(payload) && !s.allow(payload.SessionID) {
		return nil
	}

	s.handler.Broadcast(payload.SessionID, WSMessage{Type: string(event.Type), Payload: payload})
	return nil
}

func (s *EventSubscriber) handleBatchCompleted(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(models.BatchEvent)
	if !ok {
		s.logger.Warn().Str("event_type", string(event.Type)).Msg("Unexpected batch payload")
		return nil
	}
	s.handler.Broadcast(payload.SessionID, WSMessage{Type: string(event.Type), Payload: payload})
	return nil
}

func (s *EventSubscriber) handleSessionCompleted(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(models.SessionEvent)
	if !ok {
		s.logger.Warn().Str("event_type", string(event.Type)).Msg("Unexpected session payload")
		return nil
	}

	s.mu.Lock()
	delete(s.throttlers, payload.SessionID)
	s.mu.Unlock()

	s.handler.Broadcast(payload.SessionID, WSMessage{Type: string(event.Type), Payload: payload})
	return nil
}

// allow reports whether a throttled event for the session may be sent now
func (s *EventSubscriber) allow(sessionID string) bool {
	if s.throttle <= 0 {
		return true
	}

	s.mu.Lock()
	limiter, ok := s.throttlers[sessionID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(s.throttle), 1)
		s.throttlers[sessionID] = limiter
	}
	s.mu.Unlock()

	return limiter.Allow()
}

func (s *EventSubscriber) stageFinished(event models.StageEvent) bool {
	p := event.Progress
	if p == nil || p.TotalItems <= 0 {
		return false
	}
	switch event.Stage {
	case models.StageTranslation:
		return p.TranslationCompleted >= p.TotalItems
	case models.StageDescription:
		return p.DescriptionCompleted >= p.TotalItems
	case models.StageImage:
		return p.ImageCompleted >= p.TotalItems
	}
	return false
}
