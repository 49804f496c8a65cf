package ws

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"negotiation-chat/internal/apperr"
	"negotiation-chat/internal/chat"
	"negotiation-chat/internal/models"
	"negotiation-chat/internal/observability"
)

type handlerFunc func(ctx context.Context, c *Client, data json.RawMessage) (any, error)

// route binds an inbound event to its handler. Mutating routes push a
// <domain>:error event on failure in addition to the ack.
type route struct {
	handle   handlerFunc
	mutating bool
}

func (g *Gateway) buildRoutes() map[string]route {
	lifecycle := func(action func(ctx context.Context, actorID, chatID string) (models.ChatView, error)) route {
		return route{mutating: true, handle: func(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
			var req chatRef
			if err := decode(data, &req); err != nil {
				return nil, err
			}
			view, err := action(ctx, c.identity.UserID, req.ChatID)
			if err != nil {
				return nil, err
			}
			return chat.ChatPayload{Chat: view}, nil
		}}
	}

	return map[string]route{
		EventChatRequest:      {mutating: true, handle: g.requestChat},
		EventChatAccept:       lifecycle(g.engine.Accept),
		EventChatDecline:      lifecycle(g.engine.Decline),
		EventChatExtend:       lifecycle(g.engine.Extend),
		EventChatEnd:          lifecycle(g.engine.End),
		EventChatResend:       lifecycle(g.engine.Resend),
		EventChatRetry:        lifecycle(g.engine.Retry),
		EventChatRetryEnded:   lifecycle(g.engine.RetryEnded),
		EventChatRetryExpired: lifecycle(g.engine.RetryExpired),
		EventChatDelete:       {mutating: true, handle: g.deleteChat},
		EventChatOpen:         {handle: g.openChat},
		EventChatLeave:        {handle: g.leaveChat},
		EventMessageSend:      {mutating: true, handle: g.sendMessage},
		EventMessageUpdate:    {mutating: true, handle: g.updateMessage},
		EventMessageDelivered: {handle: g.markDelivered},
		EventMessageRead:      {handle: g.markRead},
		EventTypingStart:      {handle: g.typing(true)},
		EventTypingStop:       {handle: g.typing(false)},
		EventPresenceRequest:  {handle: g.presence},
		EventHeartbeat:        {handle: g.heartbeat},
	}
}

// dispatch handles one inbound frame and always answers with an ack.
func (g *Gateway) dispatch(ctx context.Context, c *Client, raw []byte) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
		g.ack(c, Ack{Error: errorBody(apperr.Validation("invalid_envelope", "frame must be a JSON object with an event"))})
		return
	}

	ctx, span := tracer.Start(ctx, "ws."+in.Event)
	defer span.End()
	span.SetAttributes(
		attribute.String("ws.conn_id", c.info.ConnID),
		attribute.String("ws.request_id", in.RequestID),
	)
	ctx = observability.WithRequestID(ctx, in.RequestID)

	if c.identity.UserID == "" {
		c.closeWith(websocket.ClosePolicyViolation, "unauthenticated")
		return
	}
	if !c.limiter.Allow() {
		observability.IncWSEvent(in.Event, false)
		g.ack(c, Ack{RequestID: in.RequestID, Error: errorBody(apperr.RateLimited("event_rate_limited", "too many events"))})
		return
	}
	r, ok := g.routes[in.Event]
	if !ok {
		observability.IncWSEvent("unknown", false)
		g.ack(c, Ack{RequestID: in.RequestID, Error: errorBody(apperr.Validation("unknown_event", "unknown event "+in.Event))})
		return
	}

	data, err := r.handle(ctx, c, in.Data)
	observability.IncWSEvent(in.Event, err == nil)
	if err != nil {
		body := errorBody(err)
		if body.Kind == apperr.KindInternal {
			g.log.Error("ws event failed",
				zap.String("event", in.Event),
				zap.String("conn_id", c.info.ConnID),
				zap.String("user_id", c.identity.UserID),
				zap.String("trace_id", observability.TraceIDFromContext(ctx)),
				zap.Error(err),
			)
		}
		span.SetAttributes(attribute.String("error.kind", string(body.Kind)))
		g.ack(c, Ack{RequestID: in.RequestID, Error: body})
		if r.mutating {
			g.emit(c, failureEvent(in.Event), FailureEvent{
				RequestID: in.RequestID,
				Event:     in.Event,
				TempID:    tempIDOf(in.Data),
				ErrorBody: *body,
			})
		}
		return
	}
	g.ack(c, Ack{RequestID: in.RequestID, OK: true, Data: data})
	if in.Event != EventHeartbeat {
		if err := g.touchPresence(ctx, c); err != nil {
			g.log.Warn("presence refresh failed", zap.String("conn_id", c.info.ConnID), zap.Error(err))
		}
	}
}

func (g *Gateway) ack(c *Client, a Ack) {
	g.emit(c, EventAck, a)
}

// failureEvent maps "message:send" to "message:error".
func failureEvent(event string) string {
	domain, _, _ := strings.Cut(event, ":")
	return domain + ":error"
}

func (g *Gateway) requestChat(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req requestChatRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	view, msg, err := g.engine.RequestChat(ctx, c.identity.UserID, chat.RequestInput{
		RecipientID: req.RecipientID,
		TempID:      req.TempID,
		Content:     req.Content,
		Attachments: req.Attachments,
	})
	if err != nil {
		return nil, err
	}
	return RequestChatResponse{Chat: view, Message: msg}, nil
}

func (g *Gateway) deleteChat(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req chatRef
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := g.engine.Delete(ctx, c.identity.UserID, req.ChatID); err != nil {
		return nil, err
	}
	c.leaveChat(req.ChatID)
	return chatRef{ChatID: req.ChatID}, nil
}

func (g *Gateway) openChat(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req chatRef
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	view, err := g.engine.OpenChat(ctx, c.identity.UserID, req.ChatID)
	if err != nil {
		return nil, err
	}
	if prev := c.setOpenChat(req.ChatID); prev != "" && prev != req.ChatID {
		if err := g.engine.LeaveChat(ctx, c.identity.UserID, prev); err != nil {
			g.log.Warn("leave previous chat failed", zap.String("chat_id", prev), zap.Error(err))
		}
	}
	return chat.ChatPayload{Chat: view}, nil
}

func (g *Gateway) leaveChat(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req chatRef
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := g.engine.LeaveChat(ctx, c.identity.UserID, req.ChatID); err != nil {
		return nil, err
	}
	c.leaveChat(req.ChatID)
	return chatRef{ChatID: req.ChatID}, nil
}

func (g *Gateway) sendMessage(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req sendMessageRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	msg, err := g.engine.SendMessage(ctx, c.identity.UserID, chat.SendInput{
		ChatID:      req.ChatID,
		TempID:      req.TempID,
		Content:     req.Content,
		Attachments: req.Attachments,
	})
	if err != nil {
		return nil, err
	}
	return SendMessageResponse{TempID: req.TempID, Message: msg}, nil
}

func (g *Gateway) updateMessage(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req updateMessageRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	msg, err := g.engine.UpdateMessage(ctx, c.identity.UserID, chat.UpdateInput{
		ChatID:      req.ChatID,
		MessageID:   req.MessageID,
		Content:     req.Content,
		Attachments: req.Attachments,
	})
	if err != nil {
		return nil, err
	}
	return chat.MessagePayload{ChatID: req.ChatID, Message: msg}, nil
}

func (g *Gateway) markDelivered(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req messageRef
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return nil, g.engine.MarkDelivered(ctx, c.identity.UserID, req.ChatID, req.MessageID)
}

func (g *Gateway) markRead(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req chatRef
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return nil, g.engine.MarkRead(ctx, c.identity.UserID, req.ChatID)
}

func (g *Gateway) typing(typing bool) handlerFunc {
	return func(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
		var req chatRef
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return nil, g.engine.Typing(ctx, c.identity.UserID, req.ChatID, typing)
	}
}

func (g *Gateway) presence(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req presenceRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return g.engine.PresenceOf(ctx, req.UserIDs)
}

// heartbeat keeps presence and the viewing marker alive. A presence key that
// already expired is re-claimed by this connection.
func (g *Gateway) heartbeat(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	if err := g.touchPresence(ctx, c); err != nil {
		return nil, apperr.Internal(err)
	}
	return HeartbeatResponse{ServerTime: time.Now().UnixMilli()}, nil
}

// touchPresence extends the user's presence and viewing keys. Presence held
// by another connection is left alone; a lapsed one is reclaimed.
func (g *Gateway) touchPresence(ctx context.Context, c *Client) error {
	userID := c.identity.UserID
	handle, online, err := g.store.GetPresence(ctx, userID)
	if err != nil {
		return err
	}
	switch {
	case !online:
		err = g.store.SetPresence(ctx, userID, c.handle)
	case handle == c.handle:
		err = g.store.RefreshPresence(ctx, userID)
	}
	if err != nil {
		return err
	}
	if c.openChat() != "" {
		return g.store.RefreshViewing(ctx, userID)
	}
	return nil
}
