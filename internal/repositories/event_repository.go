package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"negotiation-chat/internal/models"
)

// EventRepository appends to the chat event log.
type EventRepository interface {
	InsertEvent(ctx context.Context, evt models.ChatEvent) error
}

type EventRepo struct {
	db *sqlx.DB
}

func NewEventRepo(db *sqlx.DB) *EventRepo {
	return &EventRepo{db: db}
}

func (r *EventRepo) InsertEvent(ctx context.Context, evt models.ChatEvent) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO chat_events (chat_id, actor_id, event, payload, created_at)
        VALUES (:chat_id, :actor_id, :event, :payload, :created_at)`, evt)
	return err
}
