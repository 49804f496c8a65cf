package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"negotiation-chat/internal/models"
)

// GetChat returns the cached chat. The bool is false on a miss.
func (s *Store) GetChat(ctx context.Context, chatID string) (models.Chat, bool, error) {
	raw, err := s.rdb.Get(ctx, chatKey(chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Chat{}, false, nil
	}
	if err != nil {
		return models.Chat{}, false, err
	}
	var chat models.Chat
	if err := json.Unmarshal(raw, &chat); err != nil {
		return models.Chat{}, false, err
	}
	return chat, true, nil
}

// SetChat writes the chat through to the cache and refreshes the derived
// participant entries and per-user chat sets.
func (s *Store) SetChat(ctx context.Context, chat models.Chat) error {
	raw, err := json.Marshal(chat)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, chatKey(chat.ID), raw, ChatTTL)
		for _, userID := range chat.ParticipantIDs() {
			p.SAdd(ctx, userChatsKey(userID), chat.ID)
			p.Expire(ctx, userChatsKey(userID), ChatTTL)
			p.Set(ctx, participantKey(chat.ID, userID), "1", ParticipantTTL)
		}
		return nil
	})
	return err
}

// DeleteChat evicts the chat metadata entry.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	return s.rdb.Del(ctx, chatKey(chatID)).Err()
}

// UserChatIDs lists the chats currently cached for the user.
func (s *Store) UserChatIDs(ctx context.Context, userID string) ([]string, error) {
	return s.rdb.SMembers(ctx, userChatsKey(userID)).Result()
}

// GetParticipant looks up the membership shortcut. found is false on a miss.
func (s *Store) GetParticipant(ctx context.Context, chatID, userID string) (member bool, found bool, err error) {
	val, err := s.rdb.Get(ctx, participantKey(chatID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return val == "1", true, nil
}

// SetParticipant records membership, including negative answers.
func (s *Store) SetParticipant(ctx context.Context, chatID, userID string, member bool) error {
	val := "0"
	if member {
		val = "1"
	}
	return s.rdb.Set(ctx, participantKey(chatID, userID), val, ParticipantTTL).Err()
}
