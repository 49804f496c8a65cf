package chat

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"negotiation-chat/internal/apperr"
	"negotiation-chat/internal/models"
	"negotiation-chat/internal/repositories"
)

// CanAccess answers whether userID participates in chatID, using the
// participant cache before the durable store.
func (s *Service) CanAccess(ctx context.Context, userID, chatID string) (bool, error) {
	member, found, err := s.cache.GetParticipant(ctx, chatID, userID)
	if err != nil {
		s.log.Warn("participant cache read failed", zap.String("chat_id", chatID), zap.Error(err))
	}
	if found {
		return member, nil
	}
	chat, err := s.freshChat(ctx, chatID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return false, nil
		}
		return false, err
	}
	member = chat.IsParticipant(userID)
	if !member {
		if err := s.cache.SetParticipant(ctx, chatID, userID, false); err != nil {
			s.log.Warn("participant cache write failed", zap.String("chat_id", chatID), zap.Error(err))
		}
	}
	return member, nil
}

// ListChats returns the user's chats, hiding the ones they deleted until the
// other party writes again.
func (s *Service) ListChats(ctx context.Context, userID string) ([]models.ChatView, error) {
	chats, err := s.chats.ListChats(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	views := make([]models.ChatView, 0, len(chats))
	for _, chat := range chats {
		if s.hiddenFor(ctx, chat, userID) {
			continue
		}
		views = append(views, s.view(ctx, chat, userID))
	}
	return views, nil
}

func (s *Service) hiddenFor(ctx context.Context, chat models.Chat, userID string) bool {
	deletedAt, deleted := chat.DeletedBy[userID]
	if !deleted {
		return false
	}
	_, tombstoned, err := s.cache.Tombstone(ctx, userID, chat.ID)
	if err == nil {
		return tombstoned
	}
	s.log.Warn("tombstone lookup failed", zap.String("chat_id", chat.ID), zap.Error(err))
	return chat.LastMessageAt == nil || !chat.LastMessageAt.After(deletedAt)
}

// UnattendedCount counts PENDING chats waiting on userID.
func (s *Service) UnattendedCount(ctx context.Context, userID string) (int, error) {
	n, err := s.chats.CountUnattended(ctx, userID)
	if err != nil {
		return 0, apperr.Internal(err)
	}
	return n, nil
}

func (s *Service) pushUnattended(ctx context.Context, userID string) {
	n, err := s.UnattendedCount(ctx, userID)
	if err != nil {
		s.log.Warn("unattended count failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	s.notify(ctx, userID, EventUnattended, UnattendedPayload{Count: n})
}

// ConfirmHire records the hire outcome of a closed chat. email must belong
// to one of its participants.
func (s *Service) ConfirmHire(ctx context.Context, chatID, email, outcome string) (models.HireRequest, error) {
	if outcome != models.HireOutcomeHired && outcome != models.HireOutcomeNotHired {
		return models.HireRequest{}, apperr.Validation("invalid_outcome", "unknown hire outcome")
	}
	chat, err := s.freshChat(ctx, chatID)
	if err != nil {
		return models.HireRequest{}, err
	}
	if chat.Status != models.StatusEnded && chat.Status != models.StatusExpired {
		return models.HireRequest{}, apperr.InvalidState(CodeChatNotClosed, "the conversation is still open")
	}

	var confirmer string
	for _, userID := range chat.ParticipantIDs() {
		user, err := s.getUser(ctx, userID)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindNotFound {
				continue
			}
			return models.HireRequest{}, err
		}
		if strings.EqualFold(strings.TrimSpace(user.Email), strings.TrimSpace(email)) {
			confirmer = user.ID
			break
		}
	}
	if confirmer == "" {
		return models.HireRequest{}, apperr.Forbidden(CodeEmailMismatch, "this link does not belong to the conversation")
	}

	req := models.HireRequest{ChatID: chat.ID, Outcome: outcome, ConfirmedEmail: email, ConfirmedAt: s.clock()}
	if err := s.hires.ConfirmHire(ctx, req); err != nil {
		if errors.Is(err, repositories.ErrHireAlreadyConfirmed) {
			return models.HireRequest{}, apperr.InvalidState(CodeAlreadyConfirmed, "the outcome was already confirmed")
		}
		return models.HireRequest{}, apperr.Internal(err)
	}
	s.record(ctx, chat.ID, confirmer, models.EventHireConfirmed, models.EventPayload{"outcome": outcome})
	return req, nil
}

// Typing relays a typing indicator to the peer when they have the chat open.
func (s *Service) Typing(ctx context.Context, userID, chatID string, typing bool) error {
	chat, err := s.participantChat(ctx, chatID, userID, false)
	if err != nil {
		return err
	}
	peer := chat.OtherParticipant(userID)
	viewing, err := s.cache.Viewing(ctx, peer)
	if err != nil {
		return apperr.Internal(err)
	}
	if viewing != chatID {
		return nil
	}
	event := EventTypingStop
	if typing {
		event = EventTypingStart
	}
	s.notify(ctx, peer, event, TypingPayload{ChatID: chatID, UserID: userID})
	return nil
}

// PresenceChanged fans a connect or disconnect out to the counterpart of
// every chat cached for the user.
func (s *Service) PresenceChanged(ctx context.Context, userID string, online bool) {
	chatIDs, err := s.cache.UserChatIDs(ctx, userID)
	if err != nil {
		s.log.Warn("user chats lookup failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	seen := map[string]bool{}
	for _, chatID := range chatIDs {
		chat, ok, err := s.cache.GetChat(ctx, chatID)
		if err != nil || !ok || !chat.IsParticipant(userID) {
			continue
		}
		peer := chat.OtherParticipant(userID)
		if seen[peer] {
			continue
		}
		seen[peer] = true
		s.notify(ctx, peer, EventUserPresence, PresencePayload{UserID: userID, Online: online})
	}
}

// PresenceOf reports which of userIDs are online.
func (s *Service) PresenceOf(ctx context.Context, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		_, online, err := s.cache.GetPresence(ctx, id)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		out[id] = online
	}
	return out, nil
}
