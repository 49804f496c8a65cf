package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"negotiation-chat/internal/apperr"
	"negotiation-chat/internal/auth"
	"negotiation-chat/internal/cache"
	"negotiation-chat/internal/chat"
	"negotiation-chat/internal/models"
	"negotiation-chat/internal/observability"
)

// RecoveryTTL is how long a dropped connection can be resumed without a token.
const RecoveryTTL = 2 * time.Minute

const wsRoutingKey = "ws_events.chats"

var tracer = otel.Tracer("negotiation-chat/ws")

// Engine is the chat engine surface the gateway drives.
type Engine interface {
	RequestChat(ctx context.Context, actorID string, in chat.RequestInput) (models.ChatView, models.Message, error)
	Accept(ctx context.Context, actorID, chatID string) (models.ChatView, error)
	Decline(ctx context.Context, actorID, chatID string) (models.ChatView, error)
	Extend(ctx context.Context, actorID, chatID string) (models.ChatView, error)
	End(ctx context.Context, actorID, chatID string) (models.ChatView, error)
	Resend(ctx context.Context, actorID, chatID string) (models.ChatView, error)
	Retry(ctx context.Context, actorID, chatID string) (models.ChatView, error)
	RetryEnded(ctx context.Context, actorID, chatID string) (models.ChatView, error)
	RetryExpired(ctx context.Context, actorID, chatID string) (models.ChatView, error)
	Delete(ctx context.Context, actorID, chatID string) error
	OpenChat(ctx context.Context, userID, chatID string) (models.ChatView, error)
	LeaveChat(ctx context.Context, userID, chatID string) error
	SendMessage(ctx context.Context, actorID string, in chat.SendInput) (models.Message, error)
	UpdateMessage(ctx context.Context, actorID string, in chat.UpdateInput) (models.Message, error)
	MarkDelivered(ctx context.Context, recipientID, chatID, messageID string) error
	MarkRead(ctx context.Context, readerID, chatID string) error
	Typing(ctx context.Context, userID, chatID string, typing bool) error
	PresenceChanged(ctx context.Context, userID string, online bool)
	PresenceOf(ctx context.Context, userIDs []string) (map[string]bool, error)
}

// Authenticator verifies connection credentials and watches them afterwards.
type Authenticator interface {
	AuthenticateConnection(ctx context.Context, remoteAddr, token string) (auth.Identity, error)
	Watch(ctx context.Context, id auth.Identity, onRevoked func())
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Gateway upgrades websocket connections and routes their events.
type Gateway struct {
	hub       *Hub
	engine    Engine
	auth      Authenticator
	store     *cache.Store
	publisher Publisher
	routes    map[string]route
	log       *zap.Logger
}

func NewGateway(hub *Hub, engine Engine, authn Authenticator, store *cache.Store, publisher Publisher, log *zap.Logger) *Gateway {
	g := &Gateway{
		hub:       hub,
		engine:    engine,
		auth:      authn,
		store:     store,
		publisher: publisher,
		log:       log.With(zap.String("component", "ws_gateway")),
	}
	g.routes = g.buildRoutes()
	return g
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates the request, upgrades it and serves the connection.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	ip := c.ClientIP()
	identity, recovered, err := g.authenticate(ctx, c.Request, ip)
	if err != nil {
		appErr := apperr.From(err)
		if appErr.Kind == apperr.KindInternal {
			g.log.Error("handshake failed", zap.Error(err))
		}
		c.JSON(apperr.HTTPStatus(appErr.Kind), gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      identity.UserID,
		SessionID:   identity.SessionID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          ip,
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := newClient(conn, info, identity, uuid.NewString(), g.hub.NodeID())
	go g.serve(context.WithoutCancel(ctx), client, recovered)
}

// authenticate resumes a recovered session or validates the bearer token.
// ip is the client address as resolved against the trusted proxy list.
func (g *Gateway) authenticate(ctx context.Context, r *http.Request, ip string) (auth.Identity, bool, error) {
	if recoveryID := r.URL.Query().Get("recovery_id"); recoveryID != "" {
		raw, ok, err := g.store.TakeRecovery(ctx, recoveryID)
		if err != nil {
			return auth.Identity{}, false, apperr.Internal(err)
		}
		if ok {
			var id auth.Identity
			if err := json.Unmarshal(raw, &id); err == nil && id.UserID != "" {
				return id, true, nil
			}
		}
	}

	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		var err error
		if token, err = auth.ParseBearer(header); err != nil {
			return auth.Identity{}, false, err
		}
	}
	if token == "" {
		return auth.Identity{}, false, apperr.Unauthorized("unauthorized", "authentication failed")
	}
	id, err := g.auth.AuthenticateConnection(ctx, ip, token)
	return id, false, err
}

func (g *Gateway) serve(ctx context.Context, c *Client, recovered bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	userID := c.identity.UserID
	log := g.log.With(zap.String("conn_id", c.info.ConnID), zap.String("user_id", userID))

	g.hub.Register(c)
	if err := g.store.SetPresence(ctx, userID, c.handle); err != nil {
		log.Warn("set presence failed", zap.Error(err))
	}
	observability.IncWSActive()
	g.publishLifecycle(ctx, c, "ws_connect", "")
	go c.writePump()

	event := EventConnectionEstablished
	if recovered {
		event = EventConnectionRecovered
	}
	g.emit(c, event, ConnectionPayload{ConnID: c.info.ConnID, UserID: userID, RecoveryID: c.recoveryID})
	g.engine.PresenceChanged(ctx, userID, true)

	go g.auth.Watch(ctx, c.identity, func() {
		log.Info("session revoked, closing connection")
		c.closeWith(websocket.ClosePolicyViolation, "session revoked")
	})

	reason := c.readPump(func(data []byte) { g.dispatch(ctx, c, data) })
	g.disconnect(ctx, c, reason, log)
}

func (g *Gateway) disconnect(ctx context.Context, c *Client, reason string, log *zap.Logger) {
	userID := c.identity.UserID
	g.hub.Unregister(c)
	observability.DecWSActive()

	cleared, err := g.store.ClearPresence(ctx, userID, c.handle)
	if err != nil {
		log.Warn("clear presence failed", zap.Error(err))
	}
	if chatID := c.openChat(); chatID != "" {
		if err := g.engine.LeaveChat(ctx, userID, chatID); err != nil {
			log.Warn("leave chat on disconnect failed", zap.Error(err))
		}
	}
	if raw, err := json.Marshal(c.identity); err == nil {
		if err := g.store.SaveRecovery(ctx, c.recoveryID, raw, RecoveryTTL); err != nil {
			log.Warn("save recovery failed", zap.Error(err))
		}
	}
	g.publishLifecycle(ctx, c, "ws_disconnect", reason)
	if cleared {
		g.engine.PresenceChanged(ctx, userID, false)
	}
	log.Debug("connection closed", zap.String("reason", reason))
}

func (g *Gateway) emit(c *Client, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		g.log.Error("encode frame failed", zap.String("event", event), zap.Error(err))
		return
	}
	if err := c.enqueue(frame); err != nil {
		g.log.Debug("frame dropped", zap.String("conn_id", c.info.ConnID), zap.String("event", event), zap.Error(err))
	}
}

func (g *Gateway) publishLifecycle(ctx context.Context, c *Client, name, reason string) {
	if g.publisher == nil {
		return
	}
	ctx = observability.WithRequestID(ctx, c.info.RequestID)
	err := g.publisher.Publish(ctx, wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"event":       name,
				"node_id":     g.hub.NodeID(),
				"conn_id":     c.info.ConnID,
				"duration_ms": time.Since(c.info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   c.info.UserID,
				"device_id": c.info.DeviceID,
				"ip":        c.info.IP,
			},
		},
	})
	if err != nil {
		g.log.Debug("ws lifecycle publish failed", zap.String("event", name), zap.Error(err))
	}
}
