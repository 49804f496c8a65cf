package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"negotiation-chat/internal/models"
	"negotiation-chat/internal/observability"
	"negotiation-chat/internal/repositories"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// ChatEventEmitter appends chat events to the event log and publishes them
// on the bus with routing key chat.<event>.
type ChatEventEmitter struct {
	store       repositories.EventRepository
	publisher   Publisher
	service     string
	environment string
	log         *zap.Logger
}

type ChatEventEnvelope struct {
	SchemaVersion int                 `json:"schema_version"`
	EventType     string              `json:"event_type"`
	OccurredAt    string              `json:"occurred_at"`
	Service       string              `json:"service"`
	Environment   string              `json:"environment"`
	RequestID     string              `json:"request_id,omitempty"`
	ChatID        string              `json:"chat_id"`
	ActorID       string              `json:"actor_id"`
	Event         string              `json:"event"`
	Payload       models.EventPayload `json:"payload,omitempty"`
}

func NewChatEventEmitter(store repositories.EventRepository, publisher Publisher, service, environment string, log *zap.Logger) *ChatEventEmitter {
	return &ChatEventEmitter{
		store:       store,
		publisher:   publisher,
		service:     service,
		environment: environment,
		log:         log.With(zap.String("component", "chat_events")),
	}
}

func RoutingKey(event string) string {
	return "chat." + event
}

// Record stores evt and publishes it. A publish failure is only logged; the
// event log row is what callers depend on.
func (e *ChatEventEmitter) Record(ctx context.Context, evt models.ChatEvent) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	storeErr := e.store.InsertEvent(ctx, evt)
	if storeErr != nil {
		e.log.Warn("chat event insert failed", zap.String("chat_id", evt.ChatID), zap.String("event", evt.Event), zap.Error(storeErr))
	}

	if e.publisher == nil {
		return storeErr
	}
	envelope := ChatEventEnvelope{
		SchemaVersion: 1,
		EventType:     "chat_event",
		OccurredAt:    evt.CreatedAt.UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     observability.RequestIDFromContext(ctx),
		ChatID:        evt.ChatID,
		ActorID:       evt.ActorID,
		Event:         evt.Event,
		Payload:       evt.Payload,
	}
	if err := e.publisher.Publish(ctx, RoutingKey(evt.Event), envelope); err != nil {
		e.log.Warn("chat event publish failed", zap.String("chat_id", evt.ChatID), zap.String("event", evt.Event), zap.Error(err))
	}
	return storeErr
}
