package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// IncrUnread bumps the user's unread counter for a chat.
func (s *Store) IncrUnread(ctx context.Context, userID, chatID string) (int64, error) {
	return s.rdb.Incr(ctx, unreadKey(userID, chatID)).Result()
}

// ResetUnread clears the counter.
func (s *Store) ResetUnread(ctx context.Context, userID, chatID string) error {
	return s.rdb.Del(ctx, unreadKey(userID, chatID)).Err()
}

// Unread returns the counter, 0 when absent.
func (s *Store) Unread(ctx context.Context, userID, chatID string) (int64, error) {
	n, err := s.rdb.Get(ctx, unreadKey(userID, chatID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// SetTombstone hides the chat for userID from at onwards.
func (s *Store) SetTombstone(ctx context.Context, userID, chatID string, at time.Time) error {
	return s.rdb.Set(ctx, tombstoneKey(userID, chatID), at.UnixMilli(), 0).Err()
}

// Tombstone returns the deletion instant. ok is false when none is set.
func (s *Store) Tombstone(ctx context.Context, userID, chatID string) (time.Time, bool, error) {
	raw, err := s.rdb.Get(ctx, tombstoneKey(userID, chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// ClearTombstone removes the marker and reports whether one existed.
func (s *Store) ClearTombstone(ctx context.Context, userID, chatID string) (bool, error) {
	n, err := s.rdb.Del(ctx, tombstoneKey(userID, chatID)).Result()
	return n > 0, err
}

// Allow counts one hit in a fixed window. The first hit sets the window's
// expiry so the counter clears itself.
func (s *Store) Allow(ctx context.Context, scope, key string, limit int, window time.Duration) (bool, error) {
	k := rateKey(scope, key)
	count, err := s.rdb.Incr(ctx, k).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := s.rdb.Expire(ctx, k, window).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(limit), nil
}

// ResetLimit clears a rate-limit window.
func (s *Store) ResetLimit(ctx context.Context, scope, key string) error {
	return s.rdb.Del(ctx, rateKey(scope, key)).Err()
}
