package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Chat event names recorded in the event log and published on the bus.
const (
	EventChatRequested = "requested"
	EventChatAccepted  = "accepted"
	EventChatDeclined  = "declined"
	EventChatExtended  = "extended"
	EventChatEnded     = "ended"
	EventChatExpired   = "expired"
	EventChatRetried   = "retried"
	EventChatDeleted   = "deleted"
	EventChatRestored  = "restored"
	EventMessageSent   = "message_sent"
	EventMessageEdited = "message_edited"
	EventHireConfirmed = "hire_confirmed"
)

// EventPayload is free-form event detail stored as jsonb.
type EventPayload map[string]any

func (p EventPayload) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

func (p *EventPayload) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = EventPayload{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("payload: unsupported column type")
	}
	out := EventPayload{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*p = out
	return nil
}

// ChatEvent is one entry of the chat event log.
type ChatEvent struct {
	ID        int64        `db:"id" json:"id"`
	ChatID    string       `db:"chat_id" json:"chat_id"`
	ActorID   string       `db:"actor_id" json:"actor_id"`
	Event     string       `db:"event" json:"event"`
	Payload   EventPayload `db:"payload" json:"payload,omitempty"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}

// Hire outcomes accepted by the confirmation endpoint.
const (
	HireOutcomeHired    = "hired"
	HireOutcomeNotHired = "not-hired"
)

// HireRequest records the post-conversation hire outcome of a chat.
type HireRequest struct {
	ChatID         string    `db:"chat_id" json:"chat_id"`
	Outcome        string    `db:"outcome" json:"outcome"`
	ConfirmedEmail string    `db:"confirmed_email" json:"confirmed_email"`
	ConfirmedAt    time.Time `db:"confirmed_at" json:"confirmed_at"`
}

// User is the subset of the directory record the chat service reads.
type User struct {
	ID     string `db:"id" json:"id"`
	Email  string `db:"email" json:"email"`
	Role   string `db:"role" json:"role"`
	Active bool   `db:"active" json:"active"`
}
