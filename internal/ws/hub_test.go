package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"negotiation-chat/internal/auth"
	"negotiation-chat/internal/cache"
)

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.New(rdb)
}

func detachedClient(nodeID, connID, userID string) *Client {
	return newClient(nil, ConnInfo{ConnID: connID, UserID: userID}, auth.Identity{UserID: userID}, "rec-"+connID, nodeID)
}

func decodeFrame(t *testing.T, raw []byte) (string, map[string]any) {
	t.Helper()
	var f struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &f))
	return f.Event, f.Data
}

func TestPresenceHandleRoundTrip(t *testing.T) {
	node, conn, ok := parseHandle(presenceHandle("node-a", "c1"))
	require.True(t, ok)
	assert.Equal(t, "node-a", node)
	assert.Equal(t, "c1", conn)

	for _, bad := range []string{"", "node-a", "|c1", "node-a|"} {
		_, _, ok := parseHandle(bad)
		assert.False(t, ok, bad)
	}
}

func TestHubRegisterAndUnregister(t *testing.T) {
	hub := NewHub("node-a", newTestStore(t), zap.NewNop())
	c := detachedClient("node-a", "c1", "u1")

	hub.Register(c)
	assert.Equal(t, 1, hub.Len())

	// A stale client with the same id does not evict the live one.
	hub.Unregister(detachedClient("node-a", "c1", "u1"))
	assert.Equal(t, 1, hub.Len())

	hub.Unregister(c)
	assert.Equal(t, 0, hub.Len())
}

func TestNotifyUserOffline(t *testing.T) {
	hub := NewHub("node-a", newTestStore(t), zap.NewNop())
	err := hub.NotifyUser(context.Background(), "ghost", "chat:accepted", nil)
	assert.ErrorIs(t, err, ErrUserOffline)
}

func TestNotifyUserDeliversLocally(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	hub := NewHub("node-a", store, zap.NewNop())
	c := detachedClient("node-a", "c1", "u1")
	hub.Register(c)
	require.NoError(t, store.SetPresence(ctx, "u1", c.handle))

	require.NoError(t, hub.NotifyUser(ctx, "u1", "chat:accepted", map[string]string{"chat_id": "chat-1"}))

	select {
	case raw := <-c.send:
		event, data := decodeFrame(t, raw)
		assert.Equal(t, "chat:accepted", event)
		assert.Equal(t, "chat-1", data["chat_id"])
	default:
		t.Fatal("expected a queued frame")
	}
}

func TestNotifyUserUnknownLocalConnection(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	hub := NewHub("node-a", store, zap.NewNop())
	require.NoError(t, store.SetPresence(ctx, "u1", presenceHandle("node-a", "gone")))

	assert.ErrorIs(t, hub.NotifyUser(ctx, "u1", "chat:accepted", nil), ErrUserOffline)
}

func TestNotifyUserRelaysToOtherNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newTestStore(t)
	hubA := NewHub("node-a", store, zap.NewNop())
	hubB := NewHub("node-b", store, zap.NewNop())
	require.NoError(t, hubB.StartRelay(ctx))

	c := detachedClient("node-b", "c9", "u9")
	hubB.Register(c)
	require.NoError(t, store.SetPresence(ctx, "u9", c.handle))

	require.NoError(t, hubA.NotifyUser(ctx, "u9", "message:receive", map[string]string{"chat_id": "chat-9"}))

	require.Eventually(t, func() bool { return len(c.send) == 1 }, 2*time.Second, 10*time.Millisecond)
	event, data := decodeFrame(t, <-c.send)
	assert.Equal(t, "message:receive", event)
	assert.Equal(t, "chat-9", data["chat_id"])
}

func TestEnqueueDropsWhenClosedOrFull(t *testing.T) {
	c := detachedClient("node-a", "c1", "u1")
	for i := 0; i < sendBuffer; i++ {
		require.NoError(t, c.enqueue([]byte("x")))
	}
	assert.ErrorIs(t, c.enqueue([]byte("x")), errClientSlow)

	c.close()
	assert.ErrorIs(t, c.enqueue([]byte("x")), errClientClosed)
}
