package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"negotiation-chat/internal/models"
)

// pushScript adds a message to the window and trims it to the newest ARGV[4]
// entries. KEYS share a hash tag so the script is cluster safe. KEYS[3] is
// the sequence counter and only gets its TTL refreshed here.
var pushScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
local excess = redis.call('ZCARD', KEYS[1]) - tonumber(ARGV[4])
if excess > 0 then
  local old = redis.call('ZRANGE', KEYS[1], 0, excess - 1)
  redis.call('ZREMRANGEBYRANK', KEYS[1], 0, excess - 1)
  for _, id in ipairs(old) do
    redis.call('HDEL', KEYS[2], id)
  end
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('PEXPIRE', KEYS[2], ARGV[5])
redis.call('PEXPIRE', KEYS[3], ARGV[5])
return 1
`)

// PushMessage appends a message to the chat's recent-history window.
func (s *Store) PushMessage(ctx context.Context, msg models.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	seq, err := s.rdb.Incr(ctx, windowSeqKey(msg.ChatID)).Result()
	if err != nil {
		return err
	}
	keys := []string{windowIndexKey(msg.ChatID), windowDataKey(msg.ChatID), windowSeqKey(msg.ChatID)}
	return pushScript.Run(ctx, s.rdb, keys,
		windowScore(msg.CreatedAt, seq), msg.ID, raw, MessageWindowSize, MessageWindowTTL.Milliseconds()).Err()
}

// windowScore orders by millisecond, then by insertion within the same
// millisecond. The result stays below 2^53 so it survives the float score.
func windowScore(at time.Time, seq int64) int64 {
	return at.UnixMilli()*1000 + seq%1000
}

// WindowMessage returns a message from the window. found is false on a miss.
func (s *Store) WindowMessage(ctx context.Context, chatID, messageID string) (models.Message, bool, error) {
	raw, err := s.rdb.HGet(ctx, windowDataKey(chatID), messageID).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Message{}, false, nil
	}
	if err != nil {
		return models.Message{}, false, err
	}
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.Message{}, false, err
	}
	return msg, true, nil
}

// ReplaceWindowMessage overwrites a message that is still in the window.
func (s *Store) ReplaceWindowMessage(ctx context.Context, msg models.Message) error {
	exists, err := s.rdb.HExists(ctx, windowDataKey(msg.ChatID), msg.ID).Result()
	if err != nil || !exists {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, windowDataKey(msg.ChatID), msg.ID, raw).Err()
}

// RecentMessages returns up to limit window entries ordered by creation time.
func (s *Store) RecentMessages(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > MessageWindowSize {
		limit = MessageWindowSize
	}
	ids, err := s.rdb.ZRange(ctx, windowIndexKey(chatID), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.HMGet(ctx, windowDataKey(chatID), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(str), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkWindowRead stamps delivered/read on window messages the reader received
// and returns the ones that changed.
func (s *Store) MarkWindowRead(ctx context.Context, chatID, readerID string, at time.Time) ([]models.Message, error) {
	msgs, err := s.RecentMessages(ctx, chatID, MessageWindowSize)
	if err != nil {
		return nil, err
	}
	var changed []models.Message
	fields := make([]any, 0)
	for _, m := range msgs {
		if m.SenderID == readerID || m.ReadAt != nil || m.CreatedAt.After(at) {
			continue
		}
		stamp := at
		if m.DeliveredAt == nil {
			m.DeliveredAt = &stamp
		}
		m.ReadAt = &stamp
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		fields = append(fields, m.ID, raw)
		changed = append(changed, m)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	if err := s.rdb.HSet(ctx, windowDataKey(chatID), fields...).Err(); err != nil {
		return nil, err
	}
	return changed, nil
}
