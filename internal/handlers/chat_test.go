package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"negotiation-chat/internal/apperr"
	"negotiation-chat/internal/auth"
	"negotiation-chat/internal/mocks"
	"negotiation-chat/internal/models"
)

func setupChatRouter(handler *ChatHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", "pat")
		c.Next()
	})
	r.GET("/chats", handler.ListChats)
	r.GET("/chats/unattended-count", handler.UnattendedCount)
	r.GET("/chats/:chat_id/messages", handler.GetChatMessages)
	return r
}

func serve(r http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestListChatsSuccess(t *testing.T) {
	chats := new(mocks.ChatQueriesMock)
	router := setupChatRouter(NewChatHandler(chats, zap.NewNop()))

	chats.On("ListChats", mock.Anything, "pat").
		Return([]models.ChatView{{Chat: models.Chat{ID: "chat-1", Status: models.StatusAccepted}, ViewerID: "pat"}}, nil).Once()

	rec := serve(router, http.MethodGet, "/chats")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Chats []models.ChatView `json:"chats"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Chats, 1)
	assert.Equal(t, "chat-1", resp.Chats[0].ID)
	chats.AssertExpectations(t)
}

func TestListChatsInternalErrorIsHidden(t *testing.T) {
	chats := new(mocks.ChatQueriesMock)
	router := setupChatRouter(NewChatHandler(chats, zap.NewNop()))

	chats.On("ListChats", mock.Anything, "pat").Return(nil, apperr.Internal(assert.AnError)).Once()

	rec := serve(router, http.MethodGet, "/chats")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
	chats.AssertExpectations(t)
}

func TestGetChatMessages(t *testing.T) {
	chats := new(mocks.ChatQueriesMock)
	router := setupChatRouter(NewChatHandler(chats, zap.NewNop()))

	chats.On("GetMessages", mock.Anything, "pat", "chat-1", 20).
		Return([]models.Message{{ID: "m1", ChatID: "chat-1", Content: "hi", CreatedAt: time.Now()}}, nil).Once()
	chats.On("GetMessages", mock.Anything, "pat", "chat-2", 0).
		Return(nil, apperr.Forbidden("not_participant", "not a participant")).Once()

	rec := serve(router, http.MethodGet, "/chats/chat-1/messages?limit=20")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"m1"`)

	rec = serve(router, http.MethodGet, "/chats/chat-2/messages")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_participant")

	rec = serve(router, http.MethodGet, "/chats/chat-1/messages?limit=abc")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	chats.AssertExpectations(t)
}

func TestUnattendedCount(t *testing.T) {
	chats := new(mocks.ChatQueriesMock)
	router := setupChatRouter(NewChatHandler(chats, zap.NewNop()))

	chats.On("UnattendedCount", mock.Anything, "pat").Return(3, nil).Once()

	rec := serve(router, http.MethodGet, "/chats/unattended-count")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":3}`, rec.Body.String())
	chats.AssertExpectations(t)
}

func TestHireConfirm(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := auth.NewHireTokens("hire-secret")
	chats := new(mocks.ChatQueriesMock)
	r := gin.New()
	handler := NewHireHandler(tokens, chats, zap.NewNop())
	r.GET("/hire/confirm", handler.Show)
	r.POST("/hire/confirm", handler.Confirm)

	token, err := tokens.Issue("chat-1", "hr@acme.test", models.HireOutcomeHired, time.Hour)
	require.NoError(t, err)

	rec := serve(r, http.MethodGet, "/hire/confirm?token="+token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `method="post"`)
	assert.Contains(t, rec.Body.String(), "hr@acme.test")
	chats.AssertNotCalled(t, "ConfirmHire", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	chats.On("ConfirmHire", mock.Anything, "chat-1", "hr@acme.test", models.HireOutcomeHired).
		Return(models.HireRequest{ChatID: "chat-1", Outcome: models.HireOutcomeHired}, nil).Once()
	chats.On("ConfirmHire", mock.Anything, "chat-1", "hr@acme.test", models.HireOutcomeHired).
		Return(nil, apperr.InvalidState("already_confirmed", "the outcome was already confirmed")).Once()

	form := httptest.NewRequest(http.MethodPost, "/hire/confirm", strings.NewReader(url.Values{"token": {token}}.Encode()))
	form.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, form)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), models.HireOutcomeHired)

	rec = serve(r, http.MethodPost, "/hire/confirm?token="+token)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(r, http.MethodGet, "/hire/confirm?token=forged")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(r, http.MethodPost, "/hire/confirm")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	chats.AssertExpectations(t)
}
