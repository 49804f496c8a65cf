package chat

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"negotiation-chat/internal/apperr"
	"negotiation-chat/internal/models"
	"negotiation-chat/internal/observability"
	"negotiation-chat/internal/repositories"
	"negotiation-chat/internal/scheduler"
)

// RequestInput opens a chat with its first message.
type RequestInput struct {
	RecipientID string
	TempID      string
	Content     string
	Attachments []models.Attachment
}

// RequestChat creates a PENDING chat from actorID to the recipient, seeded
// with the opening message.
func (s *Service) RequestChat(ctx context.Context, actorID string, in RequestInput) (models.ChatView, models.Message, error) {
	if err := validateContent(in.Content, in.Attachments); err != nil {
		return models.ChatView{}, models.Message{}, err
	}
	if actorID == in.RecipientID {
		return models.ChatView{}, models.Message{}, apperr.Validation(CodeSelfChat, "cannot open a chat with yourself")
	}
	actor, err := s.getUser(ctx, actorID)
	if err != nil {
		return models.ChatView{}, models.Message{}, err
	}
	recipient, err := s.getUser(ctx, in.RecipientID)
	if err != nil {
		return models.ChatView{}, models.Message{}, err
	}
	if !recipient.Active {
		return models.ChatView{}, models.Message{}, apperr.InvalidState(CodeRecipientInactive, "recipient is not available")
	}

	var companyID, playerID string
	switch {
	case actor.Role == models.RoleCompany && recipient.Role == models.RolePlayer:
		companyID, playerID = actor.ID, recipient.ID
	case actor.Role == models.RolePlayer && recipient.Role == models.RoleCompany:
		companyID, playerID = recipient.ID, actor.ID
	default:
		return models.ChatView{}, models.Message{}, apperr.Forbidden(CodeRoleMismatch, "chats connect a company with a player")
	}

	if _, err := s.chats.FindOpenChat(ctx, companyID, playerID); err == nil {
		return models.ChatView{}, models.Message{}, apperr.InvalidState(CodeChatExists, "an open chat already exists")
	} else if !errors.Is(err, repositories.ErrChatNotFound) {
		return models.ChatView{}, models.Message{}, apperr.Internal(err)
	}

	now := s.clock()
	latest, err := s.chats.LatestChat(ctx, companyID, playerID)
	switch {
	case err == nil:
		if latest.Status == models.StatusDeclined && latest.ClosedBy != nil && *latest.ClosedBy == actorID &&
			latest.DeclinedAt != nil && now.Sub(*latest.DeclinedAt) < ResendCooldown {
			return models.ChatView{}, models.Message{}, apperr.InvalidState(CodeCooldown, "you declined this chat recently")
		}
	case !errors.Is(err, repositories.ErrChatNotFound):
		return models.ChatView{}, models.Message{}, apperr.Internal(err)
	}

	chat := models.Chat{
		ID:                  uuid.NewString(),
		Status:              models.StatusPending,
		InitiatorID:         actorID,
		CompanyID:           companyID,
		PlayerID:            playerID,
		RequestMessageCount: 1,
		LastMessageAt:       &now,
		DeletedBy:           models.DeletedBy{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.chats.CreateChat(ctx, chat); err != nil {
		if errors.Is(err, repositories.ErrChatExists) {
			return models.ChatView{}, models.Message{}, apperr.InvalidState(CodeChatExists, "an open chat already exists")
		}
		return models.ChatView{}, models.Message{}, apperr.Internal(err)
	}
	s.cacheChat(ctx, chat)
	observability.IncChatTransition("", string(chat.Status))

	msg := s.newMessage(chat.ID, actorID, in.Content, in.Attachments, now)
	if err := s.deliver(ctx, chat, msg, in.TempID); err != nil {
		return models.ChatView{}, models.Message{}, err
	}

	s.notify(ctx, recipient.ID, EventChatCreated, ChatPayload{Chat: s.view(ctx, chat, recipient.ID)})
	s.pushUnattended(ctx, recipient.ID)
	s.record(ctx, chat.ID, actorID, models.EventChatRequested, models.EventPayload{"message_id": msg.ID})
	s.background(ctx, "mail_chat_requested", func(ctx context.Context) error {
		return s.mail.ChatRequested(ctx, recipient, chat)
	})
	return s.view(ctx, chat, actorID), msg, nil
}

// Accept moves a PENDING chat to ACCEPTED and arms its expiry timer.
func (s *Service) Accept(ctx context.Context, actorID, chatID string) (models.ChatView, error) {
	chat, err := s.participantChat(ctx, chatID, actorID, true)
	if err != nil {
		return models.ChatView{}, err
	}
	if chat.Status != models.StatusPending {
		return models.ChatView{}, invalidTransition(chat.Status, "accept")
	}
	if chat.InitiatorID == actorID {
		return models.ChatView{}, apperr.Forbidden(CodeWrongActor, "the initiator cannot accept their own request")
	}

	before := chat.Clone()
	now := s.clock()
	expires := now.Add(Lifetime)
	chat.Status = models.StatusAccepted
	chat.AcceptedAt = &now
	chat.ExpiresAt = &expires
	chat.ClosedBy = nil
	if err := s.saveChat(ctx, &chat); err != nil {
		return models.ChatView{}, err
	}
	if err := s.scheduleExpiry(ctx, chat); err != nil {
		s.log.Error("schedule expiry failed", zap.String("chat_id", chat.ID), zap.Error(err))
	}

	s.transitioned(ctx, before, chat, actorID, EventChatAccepted, models.EventChatAccepted, nil)
	initiatorID := chat.InitiatorID
	s.background(ctx, "mail_chat_accepted", func(ctx context.Context) error {
		initiator, err := s.users.GetUser(ctx, initiatorID)
		if err != nil {
			return err
		}
		return s.mail.ChatAccepted(ctx, initiator, chat)
	})
	return s.view(ctx, chat, actorID), nil
}

// Decline closes a PENDING chat on behalf of its recipient.
func (s *Service) Decline(ctx context.Context, actorID, chatID string) (models.ChatView, error) {
	chat, err := s.participantChat(ctx, chatID, actorID, true)
	if err != nil {
		return models.ChatView{}, err
	}
	if chat.Status != models.StatusPending {
		return models.ChatView{}, invalidTransition(chat.Status, "decline")
	}
	if chat.InitiatorID == actorID {
		return models.ChatView{}, apperr.Forbidden(CodeWrongActor, "the initiator cannot decline their own request")
	}

	before := chat.Clone()
	now := s.clock()
	closer := actorID
	chat.Status = models.StatusDeclined
	chat.ClosedBy = &closer
	chat.DeclinedAt = &now
	if err := s.saveChat(ctx, &chat); err != nil {
		return models.ChatView{}, err
	}
	s.transitioned(ctx, before, chat, actorID, EventChatDeclined, models.EventChatDeclined, nil)
	return s.view(ctx, chat, actorID), nil
}

// Extend pushes expiresAt by the next step of the extension schedule.
// Only the initiator may extend.
func (s *Service) Extend(ctx context.Context, actorID, chatID string) (models.ChatView, error) {
	chat, err := s.participantChat(ctx, chatID, actorID, true)
	if err != nil {
		return models.ChatView{}, err
	}
	if err := s.requireLive(ctx, &chat, "extend"); err != nil {
		return models.ChatView{}, err
	}
	if chat.InitiatorID != actorID {
		return models.ChatView{}, apperr.Forbidden(CodeWrongActor, "only the initiator can extend the chat")
	}
	step, ok := ExtensionDuration(chat.ExtensionCount)
	if !ok {
		return models.ChatView{}, apperr.InvalidState(CodeExtensionLimit, "no extensions left")
	}

	before := chat.Clone()
	expires := chat.ExpiresAt.Add(step)
	chat.ExpiresAt = &expires
	chat.ExtensionCount++
	if err := s.saveChat(ctx, &chat); err != nil {
		return models.ChatView{}, err
	}
	if err := s.scheduleExpiry(ctx, chat); err != nil {
		s.log.Error("reschedule expiry failed", zap.String("chat_id", chat.ID), zap.Error(err))
	}
	s.transitioned(ctx, before, chat, actorID, EventChatExtended, models.EventChatExtended,
		models.EventPayload{"extension_count": chat.ExtensionCount, "expires_at": expires})
	return s.view(ctx, chat, actorID), nil
}

// End closes an ACCEPTED chat. Either participant may end it.
func (s *Service) End(ctx context.Context, actorID, chatID string) (models.ChatView, error) {
	chat, err := s.participantChat(ctx, chatID, actorID, true)
	if err != nil {
		return models.ChatView{}, err
	}
	if err := s.requireLive(ctx, &chat, "end"); err != nil {
		return models.ChatView{}, err
	}

	before := chat.Clone()
	closer := actorID
	chat.Status = models.StatusEnded
	chat.ClosedBy = &closer
	chat.ExpiresAt = nil
	if err := s.saveChat(ctx, &chat); err != nil {
		return models.ChatView{}, err
	}
	if err := s.jobs.Cancel(ctx, scheduler.ExpiryJobID(chat.ID)); err != nil {
		s.log.Warn("cancel expiry failed", zap.String("chat_id", chat.ID), zap.Error(err))
	}
	s.transitioned(ctx, before, chat, actorID, EventChatEnded, models.EventChatEnded, nil)
	s.mailClosed(ctx, chat)
	return s.view(ctx, chat, actorID), nil
}

// Resend reopens a DECLINED chat for its original initiator once the
// cooldown since the decline has passed.
func (s *Service) Resend(ctx context.Context, actorID, chatID string) (models.ChatView, error) {
	chat, err := s.participantChat(ctx, chatID, actorID, true)
	if err != nil {
		return models.ChatView{}, err
	}
	if chat.Status != models.StatusDeclined {
		return models.ChatView{}, invalidTransition(chat.Status, "resend")
	}
	if chat.ClosedBy != nil && *chat.ClosedBy == actorID {
		return models.ChatView{}, apperr.Forbidden(CodeWrongActor, "the decliner cannot resend the request")
	}
	if chat.DeclinedAt != nil && s.clock().Sub(*chat.DeclinedAt) < ResendCooldown {
		return models.ChatView{}, apperr.InvalidState(CodeCooldown, "the request was declined less than 24h ago")
	}
	return s.reopenChat(ctx, chat, actorID, chat.InitiatorID, "resend")
}

// RetryEnded reopens an ENDED chat. The participant who ended it cannot.
func (s *Service) RetryEnded(ctx context.Context, actorID, chatID string) (models.ChatView, error) {
	chat, err := s.participantChat(ctx, chatID, actorID, true)
	if err != nil {
		return models.ChatView{}, err
	}
	if chat.Status != models.StatusEnded {
		return models.ChatView{}, invalidTransition(chat.Status, "retry")
	}
	if chat.ClosedBy != nil && *chat.ClosedBy == actorID {
		return models.ChatView{}, apperr.Forbidden(CodeWrongActor, "the participant who ended the chat cannot retry it")
	}
	return s.reopenChat(ctx, chat, actorID, actorID, "retry-ended")
}

// RetryExpired reopens an EXPIRED chat whose extensions were all used.
func (s *Service) RetryExpired(ctx context.Context, actorID, chatID string) (models.ChatView, error) {
	chat, err := s.participantChat(ctx, chatID, actorID, true)
	if err != nil {
		return models.ChatView{}, err
	}
	if isExpired(chat, s.clock()) {
		if err := s.expire(ctx, &chat); err != nil {
			return models.ChatView{}, err
		}
	}
	if chat.Status != models.StatusExpired {
		return models.ChatView{}, invalidTransition(chat.Status, "retry")
	}
	if chat.ExtensionCount < MaxExtensions {
		return models.ChatView{}, apperr.InvalidState(CodeExtensionsLeft, "extend the chat instead of retrying")
	}
	return s.reopenChat(ctx, chat, actorID, actorID, "retry-expired")
}

// Retry dispatches to the retry variant matching the chat's state.
func (s *Service) Retry(ctx context.Context, actorID, chatID string) (models.ChatView, error) {
	chat, err := s.participantChat(ctx, chatID, actorID, true)
	if err != nil {
		return models.ChatView{}, err
	}
	switch chat.Status {
	case models.StatusDeclined:
		return s.Resend(ctx, actorID, chatID)
	case models.StatusEnded:
		return s.RetryEnded(ctx, actorID, chatID)
	case models.StatusExpired, models.StatusAccepted:
		return s.RetryExpired(ctx, actorID, chatID)
	default:
		return models.ChatView{}, invalidTransition(chat.Status, "retry")
	}
}

func (s *Service) reopenChat(ctx context.Context, chat models.Chat, actorID, initiatorID, variant string) (models.ChatView, error) {
	if open, err := s.chats.FindOpenChat(ctx, chat.CompanyID, chat.PlayerID); err == nil && open.ID != chat.ID {
		return models.ChatView{}, apperr.InvalidState(CodeChatExists, "an open chat already exists")
	} else if err != nil && !errors.Is(err, repositories.ErrChatNotFound) {
		return models.ChatView{}, apperr.Internal(err)
	}

	before := chat.Clone()
	reopen(&chat, initiatorID)
	if err := s.saveChat(ctx, &chat); err != nil {
		return models.ChatView{}, err
	}
	s.transitioned(ctx, before, chat, actorID, EventChatRetried, models.EventChatRetried,
		models.EventPayload{"variant": variant})
	recipient := chat.OtherParticipant(chat.InitiatorID)
	s.background(ctx, "mail_chat_requested", func(ctx context.Context) error {
		user, err := s.users.GetUser(ctx, recipient)
		if err != nil {
			return err
		}
		return s.mail.ChatRequested(ctx, user, chat)
	})
	return s.view(ctx, chat, actorID), nil
}

// Delete hides the chat and its history for actorID only.
func (s *Service) Delete(ctx context.Context, actorID, chatID string) error {
	chat, err := s.participantChat(ctx, chatID, actorID, true)
	if err != nil {
		return err
	}
	now := s.clock()
	if chat.DeletedBy == nil {
		chat.DeletedBy = models.DeletedBy{}
	}
	chat.DeletedBy[actorID] = now
	if err := s.saveChat(ctx, &chat); err != nil {
		return err
	}
	if err := s.cache.SetTombstone(ctx, actorID, chat.ID, now); err != nil {
		s.log.Warn("write tombstone failed", zap.String("chat_id", chat.ID), zap.Error(err))
	}
	if err := s.cache.ResetUnread(ctx, actorID, chat.ID); err != nil {
		s.log.Warn("reset unread failed", zap.String("chat_id", chat.ID), zap.Error(err))
	}
	if err := s.cache.ClearViewing(ctx, actorID, chat.ID); err != nil {
		s.log.Warn("clear viewing failed", zap.String("chat_id", chat.ID), zap.Error(err))
	}
	s.record(ctx, chat.ID, actorID, models.EventChatDeleted, nil)
	return nil
}

// requireLive checks the chat is ACCEPTED and not past expiresAt, expiring
// it on the spot when it is.
func (s *Service) requireLive(ctx context.Context, chat *models.Chat, action string) error {
	if chat.Status != models.StatusAccepted {
		return invalidTransition(chat.Status, action)
	}
	if isExpired(*chat, s.clock()) {
		if err := s.expire(ctx, chat); err != nil {
			return err
		}
		return apperr.InvalidState(CodeChatExpired, "the chat has expired")
	}
	return nil
}

// ExpireChat runs the expiry for a chat. It is a no-op unless the chat is
// still ACCEPTED and past expiresAt.
func (s *Service) ExpireChat(ctx context.Context, chatID string) error {
	chat, err := s.freshChat(ctx, chatID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil
		}
		return err
	}
	if chat.Status != models.StatusAccepted {
		return nil
	}
	if !isExpired(chat, s.clock()) {
		// A stale timer fired after an extension; re-arm for the current deadline.
		return s.scheduleExpiry(ctx, chat)
	}
	return s.expire(ctx, &chat)
}

func (s *Service) handleExpireJob(ctx context.Context, job scheduler.Job) error {
	var p scheduler.ExpireChatPayload
	if err := scheduler.DecodePayload(job, &p); err != nil {
		return err
	}
	return s.ExpireChat(ctx, p.ChatID)
}

func (s *Service) expire(ctx context.Context, chat *models.Chat) error {
	before := chat.Clone()
	chat.Status = models.StatusExpired
	chat.ExpiresAt = nil
	if err := s.saveChat(ctx, chat); err != nil {
		return err
	}
	if err := s.jobs.Cancel(ctx, scheduler.ExpiryJobID(chat.ID)); err != nil {
		s.log.Warn("cancel expiry failed", zap.String("chat_id", chat.ID), zap.Error(err))
	}
	for _, userID := range chat.ParticipantIDs() {
		s.notify(ctx, userID, EventChatExpired, ChatPayload{Chat: s.view(ctx, *chat, userID)})
	}
	observability.IncChatTransition(string(before.Status), string(chat.Status))
	s.record(ctx, chat.ID, systemActor, models.EventChatExpired, nil)
	s.mailClosed(ctx, *chat)
	return nil
}

func (s *Service) scheduleExpiry(ctx context.Context, chat models.Chat) error {
	if chat.ExpiresAt == nil {
		return nil
	}
	job, err := scheduler.NewJob(scheduler.ExpiryJobID(chat.ID), scheduler.JobExpireChat,
		scheduler.ExpireChatPayload{ChatID: chat.ID})
	if err != nil {
		return err
	}
	return s.jobs.ScheduleAt(ctx, job, *chat.ExpiresAt)
}

// transitioned fans a lifecycle change out: the peer gets its own view and
// any side whose pending inbox changed gets a fresh unattended count.
func (s *Service) transitioned(ctx context.Context, before, after models.Chat, actorID, event, logEvent string, payload models.EventPayload) {
	observability.IncChatTransition(string(before.Status), string(after.Status))
	peer := after.OtherParticipant(actorID)
	s.notify(ctx, peer, event, ChatPayload{Chat: s.view(ctx, after, peer)})

	pushed := map[string]bool{}
	for _, c := range []models.Chat{before, after} {
		if c.Status != models.StatusPending {
			continue
		}
		recipient := c.OtherParticipant(c.InitiatorID)
		if !pushed[recipient] {
			pushed[recipient] = true
			s.pushUnattended(ctx, recipient)
		}
	}
	if payload == nil {
		payload = models.EventPayload{}
	}
	payload["from"] = string(before.Status)
	payload["to"] = string(after.Status)
	s.record(ctx, after.ID, actorID, logEvent, payload)
}

func (s *Service) mailClosed(ctx context.Context, chat models.Chat) {
	for _, userID := range chat.ParticipantIDs() {
		userID := userID
		s.background(ctx, "mail_chat_closed", func(ctx context.Context) error {
			user, err := s.users.GetUser(ctx, userID)
			if err != nil {
				return err
			}
			return s.mail.ChatClosed(ctx, user, chat)
		})
	}
}

// view renders chat for userID including their unread counter.
func (s *Service) view(ctx context.Context, chat models.Chat, userID string) models.ChatView {
	v := ViewFor(chat, userID, s.clock())
	n, err := s.cache.Unread(ctx, userID, chat.ID)
	if err != nil {
		s.log.Debug("read unread counter failed", zap.String("chat_id", chat.ID), zap.Error(err))
	}
	v.Unread = n
	return v
}
