package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDelete removes KEYS[1] only while it still holds ARGV[1], so a
// stale disconnect never clears a newer connection's entry.
var compareAndDelete = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// SetPresence marks the user online on the given connection handle.
func (s *Store) SetPresence(ctx context.Context, userID, handle string) error {
	return s.rdb.Set(ctx, presenceKey(userID), handle, PresenceTTL).Err()
}

// RefreshPresence extends the presence TTL on heartbeat or activity.
func (s *Store) RefreshPresence(ctx context.Context, userID string) error {
	return s.rdb.Expire(ctx, presenceKey(userID), PresenceTTL).Err()
}

// GetPresence returns the user's connection handle. online is false when the key is absent.
func (s *Store) GetPresence(ctx context.Context, userID string) (handle string, online bool, err error) {
	handle, err = s.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return handle, true, nil
}

// ClearPresence marks the user offline if handle is still the current one.
// It reports whether the entry was removed.
func (s *Store) ClearPresence(ctx context.Context, userID, handle string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.rdb, []string{presenceKey(userID)}, handle).Int()
	return n == 1, err
}

// SetViewing records which chat the user currently has open.
func (s *Store) SetViewing(ctx context.Context, userID, chatID string) error {
	return s.rdb.Set(ctx, viewingKey(userID), chatID, ViewingTTL).Err()
}

// RefreshViewing extends the viewing marker along with presence.
func (s *Store) RefreshViewing(ctx context.Context, userID string) error {
	return s.rdb.Expire(ctx, viewingKey(userID), ViewingTTL).Err()
}

// Viewing returns the chat the user has open, or "" when none.
func (s *Store) Viewing(ctx context.Context, userID string) (string, error) {
	chatID, err := s.rdb.Get(ctx, viewingKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return chatID, err
}

// ClearViewing removes the marker if it still points at chatID.
func (s *Store) ClearViewing(ctx context.Context, userID, chatID string) error {
	return compareAndDelete.Run(ctx, s.rdb, []string{viewingKey(userID)}, chatID).Err()
}

// SaveRecovery keeps a disconnected session's identity for later recovery.
func (s *Store) SaveRecovery(ctx context.Context, recoveryID string, identity []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, recoveryKey(recoveryID), identity, ttl).Err()
}

// TakeRecovery consumes a recovery entry. ok is false when it is missing or expired.
func (s *Store) TakeRecovery(ctx context.Context, recoveryID string) ([]byte, bool, error) {
	raw, err := s.rdb.GetDel(ctx, recoveryKey(recoveryID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// Publish sends a payload on a pub/sub channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a pub/sub subscription.
func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channel)
}
