package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ChatTTL           = 24 * time.Hour
	MessageWindowTTL  = 2 * time.Hour
	MessageWindowSize = 100
	PresenceTTL       = 5 * time.Minute
	ParticipantTTL    = 5 * time.Minute
	ViewingTTL        = 5 * time.Minute
)

// Store is the shared presence and cache layer. Every process instance points
// at the same Redis so presence resolves across nodes.
type Store struct {
	rdb redis.UniversalClient
}

// New wraps a Redis client.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Connect dials Redis and verifies it responds.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Client exposes the underlying client for packages built on the store.
func (s *Store) Client() redis.UniversalClient {
	return s.rdb
}

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func chatKey(chatID string) string { return "chat:" + chatID }
func userChatsKey(userID string) string { return "user:" + userID + ":chats" }
func participantKey(chatID, userID string) string { return "participant:" + chatID + ":" + userID }
func windowIndexKey(chatID string) string { return "chat:{" + chatID + "}:msgidx" }
func windowDataKey(chatID string) string { return "chat:{" + chatID + "}:msgs" }
func windowSeqKey(chatID string) string { return "chat:{" + chatID + "}:msgseq" }
func presenceKey(userID string) string { return "presence:" + userID }
func viewingKey(userID string) string { return "viewing:" + userID }
func unreadKey(userID, chatID string) string { return "unread:" + userID + ":" + chatID }
func tombstoneKey(userID, chatID string) string { return "tombstone:" + userID + ":" + chatID }
func recoveryKey(recoveryID string) string { return "recovery:" + recoveryID }
func rateKey(scope, key string) string { return "ratelimit:" + scope + ":" + key }
