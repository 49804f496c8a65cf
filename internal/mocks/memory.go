package mocks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"negotiation-chat/internal/models"
	"negotiation-chat/internal/repositories"
)

// ChatStore is an in-memory repositories.ChatRepository.
type ChatStore struct {
	mu    sync.Mutex
	chats map[string]models.Chat
}

func NewChatStore() *ChatStore {
	return &ChatStore{chats: map[string]models.Chat{}}
}

func (s *ChatStore) CreateChat(_ context.Context, chat models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openConflict(chat) {
		return repositories.ErrChatExists
	}
	s.chats[chat.ID] = chat.Clone()
	return nil
}

// openConflict mirrors the unique index on open chats per pair.
func (s *ChatStore) openConflict(chat models.Chat) bool {
	if chat.Status != models.StatusPending && chat.Status != models.StatusAccepted {
		return false
	}
	for _, c := range s.pairChats(chat.CompanyID, chat.PlayerID) {
		if c.ID != chat.ID && (c.Status == models.StatusPending || c.Status == models.StatusAccepted) {
			return true
		}
	}
	return false
}

func (s *ChatStore) GetChat(_ context.Context, chatID string) (models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return models.Chat{}, repositories.ErrChatNotFound
	}
	return chat.Clone(), nil
}

func (s *ChatStore) UpdateChat(_ context.Context, chat models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.chats[chat.ID]
	if !ok {
		return repositories.ErrChatNotFound
	}
	if s.openConflict(chat) {
		return repositories.ErrChatExists
	}
	if cur.LastMessageAt != nil && (chat.LastMessageAt == nil || cur.LastMessageAt.After(*chat.LastMessageAt)) {
		chat.LastMessageAt = cur.LastMessageAt
	}
	s.chats[chat.ID] = chat.Clone()
	return nil
}

func (s *ChatStore) pairChats(companyID, playerID string) []models.Chat {
	var out []models.Chat
	for _, c := range s.chats {
		if c.CompanyID == companyID && c.PlayerID == playerID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *ChatStore) FindOpenChat(_ context.Context, companyID, playerID string) (models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.pairChats(companyID, playerID) {
		if c.Status == models.StatusPending || c.Status == models.StatusAccepted {
			return c, nil
		}
	}
	return models.Chat{}, repositories.ErrChatNotFound
}

func (s *ChatStore) LatestChat(_ context.Context, companyID, playerID string) (models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chats := s.pairChats(companyID, playerID)
	if len(chats) == 0 {
		return models.Chat{}, repositories.ErrChatNotFound
	}
	return chats[0], nil
}

func (s *ChatStore) ListChats(_ context.Context, userID string) ([]models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Chat
	for _, c := range s.chats {
		if c.IsParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *ChatStore) CountUnattended(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.chats {
		if c.Status == models.StatusPending && c.IsParticipant(userID) && c.InitiatorID != userID {
			n++
		}
	}
	return n, nil
}

func (s *ChatStore) TouchLastMessage(_ context.Context, lastByChat map[string]time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range lastByChat {
		c, ok := s.chats[id]
		if !ok {
			continue
		}
		if c.LastMessageAt == nil || c.LastMessageAt.Before(at) {
			at := at
			c.LastMessageAt = &at
			s.chats[id] = c
		}
	}
	return nil
}

// MessageStore is an in-memory repositories.MessageRepository.
type MessageStore struct {
	mu   sync.Mutex
	msgs map[string]models.Message
}

func NewMessageStore() *MessageStore {
	return &MessageStore{msgs: map[string]models.Message{}}
}

func (s *MessageStore) InsertMessages(_ context.Context, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if cur, ok := s.msgs[m.ID]; ok {
			if m.DeliveredAt == nil {
				m.DeliveredAt = cur.DeliveredAt
			}
			if m.ReadAt == nil {
				m.ReadAt = cur.ReadAt
			}
		}
		s.msgs[m.ID] = m
	}
	return nil
}

func (s *MessageStore) GetMessage(_ context.Context, messageID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return m, nil
}

func (s *MessageStore) ListChatMessages(_ context.Context, chatID string, since *time.Time, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.msgs {
		if m.ChatID != chatID || (since != nil && !m.CreatedAt.After(*since)) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MessageStore) MarkDelivered(_ context.Context, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[messageID]
	if ok && m.DeliveredAt == nil {
		m.DeliveredAt = &at
		s.msgs[messageID] = m
	}
	return nil
}

func (s *MessageStore) MarkChatRead(_ context.Context, chatID, readerID string, upTo time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.msgs {
		if m.ChatID != chatID || m.SenderID == readerID || m.ReadAt != nil || m.CreatedAt.After(upTo) {
			continue
		}
		at := upTo
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
		}
		m.ReadAt = &at
		s.msgs[id] = m
		n++
	}
	return n, nil
}

// HireStore is an in-memory repositories.HireRepository.
type HireStore struct {
	mu    sync.Mutex
	hires map[string]models.HireRequest
}

func NewHireStore() *HireStore {
	return &HireStore{hires: map[string]models.HireRequest{}}
}

func (s *HireStore) ConfirmHire(_ context.Context, req models.HireRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hires[req.ChatID]; ok {
		return repositories.ErrHireAlreadyConfirmed
	}
	s.hires[req.ChatID] = req
	return nil
}

func (s *HireStore) GetHire(_ context.Context, chatID string) (models.HireRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.hires[chatID]
	if !ok {
		return models.HireRequest{}, repositories.ErrHireNotFound
	}
	return req, nil
}

// UserStore is an in-memory repositories.UserDirectory.
type UserStore struct {
	mu       sync.Mutex
	users    map[string]models.User
	sessions map[string]string
}

func NewUserStore(users ...models.User) *UserStore {
	s := &UserStore{users: map[string]models.User{}, sessions: map[string]string{}}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *UserStore) Put(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// AddSession registers an active session for the user.
func (s *UserStore) AddSession(userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = userID
}

func (s *UserStore) RevokeSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *UserStore) GetUser(_ context.Context, userID string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.User{}, repositories.ErrUserNotFound
	}
	return u, nil
}

func (s *UserStore) IsSessionActive(_ context.Context, userID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.sessions[sessionID]
	if !ok || owner != userID {
		return false, nil
	}
	return s.users[userID].Active, nil
}

var ErrOffline = errors.New("user offline")

// Notification is one call captured by Notifier.
type Notification struct {
	UserID  string
	Event   string
	Payload any
}

// Notifier records every notification. Users in Offline fail delivery.
type Notifier struct {
	mu      sync.Mutex
	sent    []Notification
	Offline map[string]bool
}

func NewNotifier() *Notifier {
	return &Notifier{Offline: map[string]bool{}}
}

func (n *Notifier) NotifyUser(_ context.Context, userID, event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Offline[userID] {
		return ErrOffline
	}
	n.sent = append(n.sent, Notification{UserID: userID, Event: event, Payload: payload})
	return nil
}

// For returns the notifications sent to userID with the given event.
func (n *Notifier) For(userID, event string) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, s := range n.sent {
		if s.UserID == userID && s.Event == event {
			out = append(out, s)
		}
	}
	return out
}

func (n *Notifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = nil
}
