package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"negotiation-chat/internal/cache"
)

// ErrUserOffline is returned when no live connection holds the user's presence.
var ErrUserOffline = errors.New("user offline")

// Hub tracks the connections served by this node and routes directed
// emits to them, relaying through Redis when the target lives on another node.
type Hub struct {
	nodeID  string
	store   *cache.Store
	clients map[string]*Client
	mu      sync.RWMutex
	log     *zap.Logger
}

type relayMessage struct {
	ConnID string          `json:"conn_id"`
	Frame  json.RawMessage `json:"frame"`
}

func NewHub(nodeID string, store *cache.Store, log *zap.Logger) *Hub {
	return &Hub{
		nodeID:  nodeID,
		store:   store,
		clients: make(map[string]*Client),
		log:     log.With(zap.String("component", "ws_hub"), zap.String("node_id", nodeID)),
	}
}

func (h *Hub) NodeID() string {
	return h.nodeID
}

func relayChannel(nodeID string) string {
	return "ws:node:" + nodeID
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.info.ConnID] = c
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[c.info.ConnID]; ok && current == c {
		delete(h.clients, c.info.ConnID)
	}
}

func (h *Hub) client(connID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	return c, ok
}

// Len reports the number of local connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NotifyUser sends event to the connection holding userID's presence.
func (h *Hub) NotifyUser(ctx context.Context, userID, event string, payload any) error {
	handle, online, err := h.store.GetPresence(ctx, userID)
	if err != nil {
		return err
	}
	if !online {
		return ErrUserOffline
	}
	nodeID, connID, ok := parseHandle(handle)
	if !ok {
		return ErrUserOffline
	}
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	if nodeID == h.nodeID {
		return h.deliverLocal(connID, frame)
	}
	body, err := json.Marshal(relayMessage{ConnID: connID, Frame: frame})
	if err != nil {
		return err
	}
	return h.store.Publish(ctx, relayChannel(nodeID), body)
}

func (h *Hub) deliverLocal(connID string, frame []byte) error {
	c, ok := h.client(connID)
	if !ok {
		return ErrUserOffline
	}
	return c.enqueue(frame)
}

// StartRelay subscribes to this node's relay channel and returns once the
// subscription is live. Frames are delivered until ctx is done.
func (h *Hub) StartRelay(ctx context.Context) error {
	sub := h.store.Subscribe(ctx, relayChannel(h.nodeID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var relay relayMessage
				if err := json.Unmarshal([]byte(msg.Payload), &relay); err != nil {
					h.log.Warn("bad relay message", zap.Error(err))
					continue
				}
				if err := h.deliverLocal(relay.ConnID, relay.Frame); err != nil {
					h.log.Debug("relay target gone", zap.String("conn_id", relay.ConnID), zap.Error(err))
				}
			}
		}
	}()
	return nil
}
