package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Attachment describes a file referenced by a message.
type Attachment struct {
	Name     string `json:"name" validate:"required,max=255"`
	URL      string `json:"url" validate:"required,url"`
	Category string `json:"category" validate:"required,oneof=image video document audio other"`
	MimeType string `json:"mime_type" validate:"required"`
	Size     int64  `json:"size" validate:"gte=0"`
}

// Attachments is stored as a jsonb array.
type Attachments []Attachment

func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a)
}

func (a *Attachments) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("attachments: unsupported column type")
	}
	var out Attachments
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*a = out
	return nil
}

// Message represents a chat message. ID is minted at send time, before the
// row is written.
type Message struct {
	ID          string      `db:"id" json:"id"`
	ChatID      string      `db:"chat_id" json:"chat_id"`
	SenderID    string      `db:"sender_id" json:"sender_id"`
	Content     string      `db:"content" json:"content,omitempty"`
	Attachments Attachments `db:"attachments" json:"attachments,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   *time.Time  `db:"updated_at" json:"updated_at,omitempty"`
	DeliveredAt *time.Time  `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt      *time.Time  `db:"read_at" json:"read_at,omitempty"`
}
