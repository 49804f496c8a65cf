package chat

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"negotiation-chat/internal/apperr"
	"negotiation-chat/internal/idresolver"
	"negotiation-chat/internal/models"
	"negotiation-chat/internal/repositories"
	"negotiation-chat/internal/scheduler"
)

type SendInput struct {
	ChatID      string
	TempID      string
	Content     string
	Attachments []models.Attachment
}

type UpdateInput struct {
	ChatID      string
	MessageID   string
	Content     string
	Attachments []models.Attachment
}

func (s *Service) newMessage(chatID, senderID, content string, attachments []models.Attachment, now time.Time) models.Message {
	return models.Message{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		SenderID:    senderID,
		Content:     content,
		Attachments: attachments,
		CreatedAt:   now,
	}
}

// SendMessage validates the chat state, mints the durable id and hands the
// message to the persistence queue and the recipient.
func (s *Service) SendMessage(ctx context.Context, actorID string, in SendInput) (models.Message, error) {
	if err := validateContent(in.Content, in.Attachments); err != nil {
		return models.Message{}, err
	}
	allowed, err := s.cache.Allow(ctx, "send", actorID, s.sendLimit, s.sendWindow)
	if err != nil {
		s.log.Warn("send rate limit unavailable", zap.String("user_id", actorID), zap.Error(err))
	} else if !allowed {
		return models.Message{}, apperr.RateLimited(CodeSendRateLimited, "sending too fast")
	}

	chat, err := s.participantChat(ctx, in.ChatID, actorID, false)
	if err != nil {
		return models.Message{}, err
	}
	dirty := false
	switch chat.Status {
	case models.StatusPending:
		if chat.InitiatorID != actorID || chat.RequestMessageCount > 0 {
			return models.Message{}, apperr.InvalidState(CodePendingLimit, "wait for the request to be accepted")
		}
		chat.RequestMessageCount++
		dirty = true
	case models.StatusAccepted:
		if isExpired(chat, s.clock()) {
			if err := s.expire(ctx, &chat); err != nil {
				return models.Message{}, err
			}
			return models.Message{}, apperr.InvalidState(CodeChatExpired, "the chat has expired")
		}
	default:
		return models.Message{}, apperr.InvalidState(CodeChatClosed, "the chat is closed")
	}

	now := s.clock()
	recipient := chat.OtherParticipant(actorID)
	restored := false
	if _, deleted := chat.DeletedBy[recipient]; deleted {
		existed, err := s.cache.ClearTombstone(ctx, recipient, chat.ID)
		if err != nil {
			s.log.Warn("clear tombstone failed", zap.String("chat_id", chat.ID), zap.Error(err))
		}
		restored = existed
		if restored {
			chat.LastMessageAt = &now
			dirty = true
		}
	}
	if dirty {
		if err := s.saveChat(ctx, &chat); err != nil {
			return models.Message{}, err
		}
	}

	msg := s.newMessage(chat.ID, actorID, in.Content, in.Attachments, now)
	if err := s.deliver(ctx, chat, msg, in.TempID); err != nil {
		return models.Message{}, err
	}
	if restored {
		s.notify(ctx, recipient, EventChatRestored, ChatPayload{Chat: s.view(ctx, chat, recipient)})
		s.record(ctx, chat.ID, actorID, models.EventChatRestored, models.EventPayload{"user_id": recipient})
	}
	s.record(ctx, chat.ID, actorID, models.EventMessageSent, models.EventPayload{"message_id": msg.ID})
	return msg, nil
}

// deliver runs the shared send path: temp id mapping, persistence job,
// message window and the recipient side.
func (s *Service) deliver(ctx context.Context, chat models.Chat, msg models.Message, tempID string) error {
	log := s.log.With(zap.String("chat_id", chat.ID), zap.String("message_id", msg.ID))
	if tempID != "" {
		if err := s.ids.Register(ctx, tempID); err != nil {
			log.Warn("register temp id failed", zap.Error(err))
		}
		if err := s.ids.Bind(ctx, tempID, msg.ID); err != nil {
			log.Warn("bind temp id failed", zap.Error(err))
		}
	}
	if err := s.enqueuePersist(ctx, msg); err != nil {
		return apperr.Internal(err)
	}
	if err := s.cache.PushMessage(ctx, msg); err != nil {
		log.Warn("message window write failed", zap.Error(err))
	}
	if tempID != "" {
		s.notify(ctx, msg.SenderID, EventIDResolved, IDResolvedPayload{ChatID: chat.ID, TempID: tempID, MessageID: msg.ID})
	}

	recipient := chat.OtherParticipant(msg.SenderID)
	_, online, err := s.cache.GetPresence(ctx, recipient)
	if err != nil {
		log.Warn("presence lookup failed", zap.Error(err))
	}
	if !online {
		s.bumpUnread(ctx, recipient, chat.ID)
		return nil
	}

	s.notify(ctx, recipient, EventMessageReceive, MessagePayload{ChatID: chat.ID, Message: msg})
	viewing, err := s.cache.Viewing(ctx, recipient)
	if err != nil {
		log.Warn("viewing lookup failed", zap.Error(err))
	}
	if viewing != chat.ID {
		s.bumpUnread(ctx, recipient, chat.ID)
		return nil
	}

	at := msg.CreatedAt
	msg.DeliveredAt = &at
	msg.ReadAt = &at
	if err := s.cache.ReplaceWindowMessage(ctx, msg); err != nil {
		log.Warn("message window update failed", zap.Error(err))
	}
	s.notifyReceipt(ctx, EventMessageRead, msg, recipient, at)
	s.scheduleMarkRead(ctx, chat.ID, recipient, at)
	return nil
}

func (s *Service) bumpUnread(ctx context.Context, userID, chatID string) {
	if _, err := s.cache.IncrUnread(ctx, userID, chatID); err != nil {
		s.log.Warn("increment unread failed", zap.String("user_id", userID), zap.String("chat_id", chatID), zap.Error(err))
	}
}

func (s *Service) enqueuePersist(ctx context.Context, msg models.Message) error {
	job, err := scheduler.NewJob(scheduler.PersistJobID(msg.ID), scheduler.JobPersistMessage,
		scheduler.PersistMessagePayload{Message: msg})
	if err != nil {
		return err
	}
	return s.jobs.Schedule(ctx, job, 0)
}

func (s *Service) scheduleMarkRead(ctx context.Context, chatID, readerID string, upTo time.Time) {
	job, err := scheduler.NewJob(scheduler.MarkReadJobID(chatID, readerID), scheduler.JobMarkRead,
		scheduler.MarkReadPayload{ChatID: chatID, ReaderID: readerID, UpTo: upTo})
	if err == nil {
		err = s.jobs.Schedule(ctx, job, scheduler.MarkReadDelay)
	}
	if err != nil {
		s.log.Warn("schedule mark read failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// notifyReceipt tells the sender about a receipt, translating the message id
// back to the sender's temp id while the mapping lives.
func (s *Service) notifyReceipt(ctx context.Context, event string, msg models.Message, readerID string, at time.Time) {
	payload := ReceiptPayload{ChatID: msg.ChatID, MessageID: msg.ID, ReaderID: readerID, At: at}
	if tempID, err := s.ids.TempFor(ctx, msg.ID); err == nil {
		payload.TempID = tempID
	}
	s.notify(ctx, msg.SenderID, event, payload)
}

// UpdateMessage edits a message the actor sent. MessageID may still be a temp id.
func (s *Service) UpdateMessage(ctx context.Context, actorID string, in UpdateInput) (models.Message, error) {
	if err := validateContent(in.Content, in.Attachments); err != nil {
		return models.Message{}, err
	}
	chat, err := s.participantChat(ctx, in.ChatID, actorID, false)
	if err != nil {
		return models.Message{}, err
	}
	switch chat.Status {
	case models.StatusPending:
	case models.StatusAccepted:
		if isExpired(chat, s.clock()) {
			if err := s.expire(ctx, &chat); err != nil {
				return models.Message{}, err
			}
			return models.Message{}, apperr.InvalidState(CodeChatExpired, "the chat has expired")
		}
	default:
		return models.Message{}, apperr.InvalidState(CodeChatClosed, "the chat is closed")
	}

	msg, err := s.findMessage(ctx, chat.ID, in.MessageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != actorID {
		return models.Message{}, apperr.Forbidden(CodeNotSender, "only the sender can edit a message")
	}

	now := s.clock()
	msg.Content = in.Content
	msg.Attachments = in.Attachments
	msg.UpdatedAt = &now
	if err := s.enqueuePersist(ctx, msg); err != nil {
		return models.Message{}, apperr.Internal(err)
	}
	if err := s.cache.ReplaceWindowMessage(ctx, msg); err != nil {
		s.log.Warn("message window update failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	s.notify(ctx, chat.OtherParticipant(actorID), EventMessageUpdate, MessagePayload{ChatID: chat.ID, Message: msg})
	s.record(ctx, chat.ID, actorID, models.EventMessageEdited, models.EventPayload{"message_id": msg.ID})
	return msg, nil
}

// findMessage resolves id and reads the message from the window, falling
// back to the durable store.
func (s *Service) findMessage(ctx context.Context, chatID, id string) (models.Message, error) {
	realID, err := s.ids.Resolve(ctx, id)
	if errors.Is(err, idresolver.ErrNotFound) {
		return models.Message{}, apperr.NotFound(CodeMessageNotFound, "message not found")
	}
	if err != nil {
		return models.Message{}, apperr.Internal(err)
	}
	msg, ok, err := s.cache.WindowMessage(ctx, chatID, realID)
	if err != nil {
		s.log.Warn("message window read failed", zap.String("message_id", realID), zap.Error(err))
	}
	if !ok {
		msg, err = s.messages.GetMessage(ctx, realID)
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return models.Message{}, apperr.NotFound(CodeMessageNotFound, "message not found")
		}
		if err != nil {
			return models.Message{}, apperr.Internal(err)
		}
	}
	if msg.ChatID != chatID {
		return models.Message{}, apperr.NotFound(CodeMessageNotFound, "message not found")
	}
	return msg, nil
}

// OpenChat marks chatID as the one the user is looking at, clears their
// unread counter and queues the read receipts.
func (s *Service) OpenChat(ctx context.Context, userID, chatID string) (models.ChatView, error) {
	ok, err := s.CanAccess(ctx, userID, chatID)
	if err != nil {
		return models.ChatView{}, err
	}
	if !ok {
		return models.ChatView{}, apperr.Forbidden(CodeNotParticipant, "not a participant of this chat")
	}
	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return models.ChatView{}, err
	}
	if err := s.cache.SetViewing(ctx, userID, chatID); err != nil {
		s.log.Warn("set viewing failed", zap.String("chat_id", chatID), zap.Error(err))
	}
	if err := s.MarkRead(ctx, userID, chatID); err != nil {
		return models.ChatView{}, err
	}
	return s.view(ctx, chat, userID), nil
}

// LeaveChat clears the viewing marker if it still points at chatID.
func (s *Service) LeaveChat(ctx context.Context, userID, chatID string) error {
	if err := s.cache.ClearViewing(ctx, userID, chatID); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// MarkRead resets the reader's unread counter, stamps the cached window and
// schedules the durable update.
func (s *Service) MarkRead(ctx context.Context, readerID, chatID string) error {
	ok, err := s.CanAccess(ctx, readerID, chatID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Forbidden(CodeNotParticipant, "not a participant of this chat")
	}
	now := s.clock()
	if err := s.cache.ResetUnread(ctx, readerID, chatID); err != nil {
		s.log.Warn("reset unread failed", zap.String("chat_id", chatID), zap.Error(err))
	}
	changed, err := s.cache.MarkWindowRead(ctx, chatID, readerID, now)
	if err != nil {
		s.log.Warn("mark window read failed", zap.String("chat_id", chatID), zap.Error(err))
	}
	for _, msg := range changed {
		s.notifyReceipt(ctx, EventMessageRead, msg, readerID, now)
	}
	s.scheduleMarkRead(ctx, chatID, readerID, now)
	return nil
}

// MarkDelivered acknowledges receipt of one message by its recipient.
func (s *Service) MarkDelivered(ctx context.Context, recipientID, chatID, messageID string) error {
	ok, err := s.CanAccess(ctx, recipientID, chatID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Forbidden(CodeNotParticipant, "not a participant of this chat")
	}
	msg, err := s.findMessage(ctx, chatID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID == recipientID || msg.DeliveredAt != nil {
		return nil
	}
	now := s.clock()
	msg.DeliveredAt = &now
	if err := s.cache.ReplaceWindowMessage(ctx, msg); err != nil {
		s.log.Warn("message window update failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	s.notifyReceipt(ctx, EventMessageDeliver, msg, recipientID, now)

	job, err := scheduler.NewJob(scheduler.MarkDeliveredJobID(msg.ID), scheduler.JobMarkDelivered,
		scheduler.MarkDeliveredPayload{MessageID: msg.ID, At: now})
	if err == nil {
		err = s.jobs.Schedule(ctx, job, scheduler.MarkReadDelay)
	}
	if err != nil {
		s.log.Warn("schedule mark delivered failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return nil
}

// errReceiptNotPersisted makes the scheduler retry a receipt whose message
// is still waiting in the batcher.
var errReceiptNotPersisted = errors.New("receipt target not persisted yet")

func (s *Service) handleMarkReadJob(ctx context.Context, job scheduler.Job) error {
	var p scheduler.MarkReadPayload
	if err := scheduler.DecodePayload(job, &p); err != nil {
		return err
	}
	if _, err := s.messages.MarkChatRead(ctx, p.ChatID, p.ReaderID, p.UpTo); err != nil {
		return err
	}
	if s.pending.PendingInChat(p.ChatID, p.UpTo) {
		return errReceiptNotPersisted
	}
	return nil
}

func (s *Service) handleMarkDeliveredJob(ctx context.Context, job scheduler.Job) error {
	var p scheduler.MarkDeliveredPayload
	if err := scheduler.DecodePayload(job, &p); err != nil {
		return err
	}
	if err := s.messages.MarkDelivered(ctx, p.MessageID, p.At); err != nil {
		return err
	}
	if s.pending.PendingMessage(p.MessageID) {
		return errReceiptNotPersisted
	}
	return nil
}

// GetMessages returns up to limit recent messages visible to userID, merging
// the cached window over the durable history.
func (s *Service) GetMessages(ctx context.Context, userID, chatID string, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = HistoryLimit
	}
	chat, err := s.participantChat(ctx, chatID, userID, false)
	if err != nil {
		return nil, err
	}
	var since *time.Time
	if at, ok := chat.DeletedBy[userID]; ok {
		since = &at
	}

	stored, err := s.messages.ListChatMessages(ctx, chatID, since, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	window, err := s.cache.RecentMessages(ctx, chatID, limit)
	if err != nil {
		s.log.Warn("message window read failed", zap.String("chat_id", chatID), zap.Error(err))
	}

	byID := make(map[string]models.Message, len(stored)+len(window))
	for _, m := range stored {
		byID[m.ID] = m
	}
	for _, m := range window {
		if since != nil && !m.CreatedAt.After(*since) {
			continue
		}
		byID[m.ID] = m
	}
	out := make([]models.Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
