package chat

import (
	"time"

	"negotiation-chat/internal/models"
)

// Server-pushed event names.
const (
	EventChatCreated    = "chat:created"
	EventChatAccepted   = "chat:accepted"
	EventChatDeclined   = "chat:declined"
	EventChatExtended   = "chat:extended"
	EventChatEnded      = "chat:ended"
	EventChatExpired    = "chat:expired"
	EventChatRetried    = "chat:retried"
	EventChatRestored   = "chat:restored"
	EventUnattended     = "chat:unattended-count"
	EventMessageReceive = "message:receive"
	EventMessageUpdate  = "message:update"
	EventMessageRead    = "message:read"
	EventMessageDeliver = "message:delivered"
	EventIDResolved     = "message:id-resolved"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventUserPresence   = "user:presence"
)

type ChatPayload struct {
	Chat models.ChatView `json:"chat"`
}

type MessagePayload struct {
	ChatID  string         `json:"chat_id"`
	Message models.Message `json:"message"`
}

// ReceiptPayload tells a sender one of their messages was delivered or read.
// TempID is the sender's optimistic id when it is still mapped.
type ReceiptPayload struct {
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id"`
	TempID    string    `json:"temp_id,omitempty"`
	ReaderID  string    `json:"reader_id"`
	At        time.Time `json:"at"`
}

type IDResolvedPayload struct {
	ChatID    string `json:"chat_id"`
	TempID    string `json:"temp_id"`
	MessageID string `json:"message_id"`
}

type UnattendedPayload struct {
	Count int `json:"count"`
}

type TypingPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

type PresencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}
