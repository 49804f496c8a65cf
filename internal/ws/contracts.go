package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"negotiation-chat/internal/apperr"
	"negotiation-chat/internal/models"
)

// Inbound event names.
const (
	EventChatRequest      = "chat:request"
	EventChatOpen         = "chat:open"
	EventChatLeave        = "chat:leave"
	EventChatAccept       = "chat:accept"
	EventChatDecline      = "chat:decline"
	EventChatExtend       = "chat:extend"
	EventChatEnd          = "chat:end"
	EventChatDelete       = "chat:delete"
	EventChatResend       = "chat:resend"
	EventChatRetry        = "chat:retry"
	EventChatRetryEnded   = "chat:retry-ended"
	EventChatRetryExpired = "chat:retry-expired"
	EventMessageSend      = "message:send"
	EventMessageUpdate    = "message:update"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
	EventPresenceRequest  = "presence:request"
	EventHeartbeat        = "heartbeat"
)

// Server-only event names.
const (
	EventAck                   = "ack"
	EventConnectionEstablished = "connection:established"
	EventConnectionRecovered   = "connection:recovered"
)

// Inbound is the envelope of every client frame.
type Inbound struct {
	Event     string          `json:"event"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

// Frame is the envelope of every server frame.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type Ack struct {
	RequestID string     `json:"request_id"`
	OK        bool       `json:"ok"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Kind    apperr.Kind `json:"kind"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// FailureEvent is pushed as <domain>:error after a failed mutation so an
// optimistic client can roll back.
type FailureEvent struct {
	RequestID string `json:"request_id"`
	Event     string `json:"event"`
	TempID    string `json:"temp_id,omitempty"`
	ErrorBody
}

type ConnectionPayload struct {
	ConnID     string `json:"conn_id"`
	UserID     string `json:"user_id"`
	RecoveryID string `json:"recovery_id"`
}

type chatRef struct {
	ChatID string `json:"chat_id" validate:"required,uuid"`
}

type requestChatRequest struct {
	RecipientID string              `json:"recipient_id" validate:"required,uuid"`
	TempID      string              `json:"temp_id" validate:"omitempty,max=64"`
	Content     string              `json:"content" validate:"max=1000"`
	Attachments []models.Attachment `json:"attachments" validate:"max=10,dive"`
}

type sendMessageRequest struct {
	ChatID      string              `json:"chat_id" validate:"required,uuid"`
	TempID      string              `json:"temp_id" validate:"omitempty,max=64"`
	Content     string              `json:"content" validate:"max=1000"`
	Attachments []models.Attachment `json:"attachments" validate:"max=10,dive"`
}

type updateMessageRequest struct {
	ChatID      string              `json:"chat_id" validate:"required,uuid"`
	MessageID   string              `json:"message_id" validate:"required,max=64"`
	Content     string              `json:"content" validate:"max=1000"`
	Attachments []models.Attachment `json:"attachments" validate:"max=10,dive"`
}

type messageRef struct {
	ChatID    string `json:"chat_id" validate:"required,uuid"`
	MessageID string `json:"message_id" validate:"required,max=64"`
}

type presenceRequest struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,max=100,dive,required"`
}

type SendMessageResponse struct {
	TempID  string         `json:"temp_id,omitempty"`
	Message models.Message `json:"message"`
}

type RequestChatResponse struct {
	Chat    models.ChatView `json:"chat"`
	Message models.Message  `json:"message"`
}

type HeartbeatResponse struct {
	ServerTime int64 `json:"server_time"`
}

var contractValidator = validator.New()

// decode unmarshals data into dst and validates its contract.
func decode(data json.RawMessage, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return apperr.Validation("invalid_payload", "malformed event data")
	}
	if err := contractValidator.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return apperr.Validation("invalid_payload", fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
		return apperr.Validation("invalid_payload", "invalid event data")
	}
	return nil
}

// tempIDOf extracts the optional temp id of an inbound payload.
func tempIDOf(data json.RawMessage) string {
	var probe struct {
		TempID string `json:"temp_id"`
	}
	_ = json.Unmarshal(data, &probe)
	return probe.TempID
}

func encodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(Frame{Event: event, Data: data})
}

func errorBody(err error) *ErrorBody {
	appErr := apperr.From(err)
	return &ErrorBody{Kind: appErr.Kind, Code: appErr.Code, Message: appErr.Message}
}
