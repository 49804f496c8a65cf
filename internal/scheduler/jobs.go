package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"negotiation-chat/internal/models"
)

const (
	JobPersistMessage = "persist-message"
	JobExpireChat     = "expire-chat"
	JobMarkRead       = "mark-read"
	JobMarkDelivered  = "mark-delivered"

	// MarkReadDelay lets the batched insert land before receipts are written.
	MarkReadDelay = 3 * time.Second
)

type PersistMessagePayload struct {
	Message models.Message `json:"message"`
}

type ExpireChatPayload struct {
	ChatID string `json:"chat_id"`
}

type MarkReadPayload struct {
	ChatID   string    `json:"chat_id"`
	ReaderID string    `json:"reader_id"`
	UpTo     time.Time `json:"up_to"`
}

type MarkDeliveredPayload struct {
	MessageID string    `json:"message_id"`
	At        time.Time `json:"at"`
}

// ExpiryJobID is the single live expiry timer id for a chat.
func ExpiryJobID(chatID string) string {
	return "expiry-" + chatID
}

// PersistJobID keys a message's persistence job by the message id.
func PersistJobID(messageID string) string {
	return "persist-" + messageID
}

// MarkReadJobID collapses repeated opens by the same reader into one job.
func MarkReadJobID(chatID, readerID string) string {
	return "read-" + chatID + "-" + readerID
}

func MarkDeliveredJobID(messageID string) string {
	return "delivered-" + messageID
}

// DecodePayload unmarshals a job's payload into dst.
func DecodePayload(job Job, dst any) error {
	if err := json.Unmarshal(job.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", job.Type, err)
	}
	return nil
}
