package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"negotiation-chat/internal/apperr"
	"negotiation-chat/internal/models"
	"negotiation-chat/internal/observability"
)

// ChatQueries is the read side of the chat engine exposed over HTTP.
type ChatQueries interface {
	ListChats(ctx context.Context, userID string) ([]models.ChatView, error)
	GetMessages(ctx context.Context, userID, chatID string, limit int) ([]models.Message, error)
	UnattendedCount(ctx context.Context, userID string) (int, error)
}

// ChatHandler serves chat history endpoints.
type ChatHandler struct {
	chats ChatQueries
	log   *zap.Logger
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(chats ChatQueries, log *zap.Logger) *ChatHandler {
	return &ChatHandler{chats: chats, log: log}
}

// ListChats returns the chats visible to the authenticated user.
func (h *ChatHandler) ListChats(c *gin.Context) {
	chats, err := h.chats.ListChats(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// GetChatMessages returns the recent messages of a chat for a participant.
func (h *ChatHandler) GetChatMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit", "code": "invalid_limit"})
			return
		}
		limit = n
	}

	msgs, err := h.chats.GetMessages(c.Request.Context(), c.GetString("userID"), c.Param("chat_id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// UnattendedCount returns how many pending requests wait on the user.
func (h *ChatHandler) UnattendedCount(c *gin.Context) {
	n, err := h.chats.UnattendedCount(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *ChatHandler) fail(c *gin.Context, err error) {
	writeError(c, h.log, err)
}

// writeError renders err through the error taxonomy. Internal causes are
// logged and never returned.
func writeError(c *gin.Context, log *zap.Logger, err error) {
	appErr := apperr.From(err)
	if appErr.Kind == apperr.KindInternal {
		log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("trace_id", observability.TraceIDFromContext(c.Request.Context())),
			zap.Error(err),
		)
	}
	c.JSON(apperr.HTTPStatus(appErr.Kind), gin.H{"error": appErr.Message, "code": appErr.Code})
}
