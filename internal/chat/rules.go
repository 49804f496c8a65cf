package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"negotiation-chat/internal/apperr"
	"negotiation-chat/internal/models"
)

const (
	Lifetime         = 21 * 24 * time.Hour
	MaxExtensions    = 3
	ResendCooldown   = 24 * time.Hour
	MaxContentLength = 1000
	MaxAttachments   = 10
	HistoryLimit     = 50
)

// extensionSteps is how far the n-th extension pushes expiresAt.
var extensionSteps = [MaxExtensions]time.Duration{
	14 * 24 * time.Hour,
	7 * 24 * time.Hour,
	3 * 24 * time.Hour,
}

// Error codes carried by apperr.Error.
const (
	CodeChatNotFound      = "chat_not_found"
	CodeMessageNotFound   = "message_not_found"
	CodeUserNotFound      = "user_not_found"
	CodeNotParticipant    = "not_participant"
	CodeWrongActor        = "wrong_actor"
	CodeNotSender         = "not_sender"
	CodeInvalidTransition = "invalid_transition"
	CodeChatExists        = "chat_exists"
	CodeCooldown          = "cooldown"
	CodeExtensionLimit    = "extension_limit"
	CodeExtensionsLeft    = "extensions_remaining"
	CodeChatExpired       = "chat_expired"
	CodeChatClosed        = "chat_closed"
	CodePendingLimit      = "pending_message_limit"
	CodeRecipientInactive = "recipient_inactive"
	CodeRoleMismatch      = "role_mismatch"
	CodeSelfChat          = "self_chat"
	CodeInvalidContent    = "invalid_content"
	CodeSendRateLimited   = "send_rate_limited"
	CodeChatNotClosed     = "chat_not_closed"
	CodeEmailMismatch     = "email_mismatch"
	CodeAlreadyConfirmed  = "already_confirmed"
)

// ExtensionDuration returns the extension granted when count extensions
// have already been used. ok is false once the limit is reached.
func ExtensionDuration(count int) (time.Duration, bool) {
	if count < 0 || count >= MaxExtensions {
		return 0, false
	}
	return extensionSteps[count], true
}

var attachmentValidator = validator.New()

// validateContent enforces the message body invariants.
func validateContent(content string, attachments []models.Attachment) error {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return apperr.Validation(CodeInvalidContent, "message needs content or attachments")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return apperr.Validation(CodeInvalidContent, "message content is too long")
	}
	if len(attachments) > MaxAttachments {
		return apperr.Validation(CodeInvalidContent, "too many attachments")
	}
	for i := range attachments {
		if err := attachmentValidator.Struct(attachments[i]); err != nil {
			return apperr.Validation(CodeInvalidContent, "invalid attachment")
		}
	}
	return nil
}

func invalidTransition(from models.ChatStatus, action string) error {
	return apperr.InvalidState(CodeInvalidTransition, "cannot "+action+" a "+strings.ToLower(string(from))+" chat")
}

// isExpired reports whether an accepted chat has run past expiresAt.
func isExpired(chat models.Chat, now time.Time) bool {
	return chat.Status == models.StatusAccepted && chat.ExpiresAt != nil && !now.Before(*chat.ExpiresAt)
}

// reopen moves a closed chat back to PENDING.
func reopen(chat *models.Chat, initiatorID string) {
	chat.Status = models.StatusPending
	chat.InitiatorID = initiatorID
	chat.ClosedBy = nil
	chat.DeclinedAt = nil
	chat.AcceptedAt = nil
	chat.ExpiresAt = nil
	chat.ExtensionCount = 0
	chat.RequestMessageCount = 0
}

// ViewFor renders chat from viewerID's perspective.
func ViewFor(chat models.Chat, viewerID string, now time.Time) models.ChatView {
	view := models.ChatView{
		Chat:         chat.Clone(),
		ViewerID:     viewerID,
		OtherPartyID: chat.OtherParticipant(viewerID),
		IsInitiator:  chat.InitiatorID == viewerID,
	}
	view.Chat.DeletedBy = nil
	if at, ok := chat.DeletedBy[viewerID]; ok {
		at := at
		view.DeletedAt = &at
	}
	switch chat.Status {
	case models.StatusPending:
		view.CanSend = view.IsInitiator && chat.RequestMessageCount == 0
	case models.StatusAccepted:
		open := !isExpired(chat, now)
		view.CanSend = open
		view.CanExtend = open && view.IsInitiator && chat.ExtensionCount < MaxExtensions
		view.ExtensionsLeft = MaxExtensions - chat.ExtensionCount
	}
	return view
}
