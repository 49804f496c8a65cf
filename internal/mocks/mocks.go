package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"negotiation-chat/internal/models"
)

type UserDirectoryMock struct {
	mock.Mock
}

func (m *UserDirectoryMock) GetUser(ctx context.Context, userID string) (models.User, error) {
	args := m.Called(ctx, userID)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserDirectoryMock) IsSessionActive(ctx context.Context, userID, sessionID string) (bool, error) {
	args := m.Called(ctx, userID, sessionID)
	return args.Bool(0), args.Error(1)
}

type EventRecorderMock struct {
	mock.Mock
}

func (m *EventRecorderMock) Record(ctx context.Context, evt models.ChatEvent) error {
	args := m.Called(ctx, evt)
	return args.Error(0)
}

type MailerMock struct {
	mock.Mock
}

func (m *MailerMock) ChatRequested(ctx context.Context, to models.User, chat models.Chat) error {
	args := m.Called(ctx, to, chat)
	return args.Error(0)
}

func (m *MailerMock) ChatAccepted(ctx context.Context, to models.User, chat models.Chat) error {
	args := m.Called(ctx, to, chat)
	return args.Error(0)
}

func (m *MailerMock) ChatClosed(ctx context.Context, to models.User, chat models.Chat) error {
	args := m.Called(ctx, to, chat)
	return args.Error(0)
}

type EventRepositoryMock struct {
	mock.Mock
}

func (m *EventRepositoryMock) InsertEvent(ctx context.Context, evt models.ChatEvent) error {
	args := m.Called(ctx, evt)
	return args.Error(0)
}

type ChatQueriesMock struct {
	mock.Mock
}

func (m *ChatQueriesMock) ListChats(ctx context.Context, userID string) ([]models.ChatView, error) {
	args := m.Called(ctx, userID)
	var chats []models.ChatView
	if val := args.Get(0); val != nil {
		chats = val.([]models.ChatView)
	}
	return chats, args.Error(1)
}

func (m *ChatQueriesMock) GetMessages(ctx context.Context, userID, chatID string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, userID, chatID, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *ChatQueriesMock) UnattendedCount(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *ChatQueriesMock) ConfirmHire(ctx context.Context, chatID, email, outcome string) (models.HireRequest, error) {
	args := m.Called(ctx, chatID, email, outcome)
	var req models.HireRequest
	if val := args.Get(0); val != nil {
		req = val.(models.HireRequest)
	}
	return req, args.Error(1)
}
