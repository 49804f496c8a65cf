// Package chat is the negotiation chat lifecycle engine.
package chat

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"negotiation-chat/internal/apperr"
	"negotiation-chat/internal/cache"
	"negotiation-chat/internal/idresolver"
	"negotiation-chat/internal/models"
	"negotiation-chat/internal/repositories"
	"negotiation-chat/internal/scheduler"
)

// Notifier pushes a server event to whichever connection the user holds.
// It returns an error when the user could not be reached.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, event string, payload any) error
}

// EventRecorder appends to the chat event log.
type EventRecorder interface {
	Record(ctx context.Context, evt models.ChatEvent) error
}

// Mailer sends the lifecycle emails.
type Mailer interface {
	ChatRequested(ctx context.Context, to models.User, chat models.Chat) error
	ChatAccepted(ctx context.Context, to models.User, chat models.Chat) error
	ChatClosed(ctx context.Context, to models.User, chat models.Chat) error
}

// JobScheduler is the part of the delayed job scheduler the engine uses.
type JobScheduler interface {
	Schedule(ctx context.Context, job scheduler.Job, delay time.Duration) error
	ScheduleAt(ctx context.Context, job scheduler.Job, runAt time.Time) error
	Cancel(ctx context.Context, id string) error
}

// PendingWrites reports messages accepted but not yet in the durable store.
type PendingWrites interface {
	PendingMessage(messageID string) bool
	PendingInChat(chatID string, upTo time.Time) bool
}

// JobRegistry binds job handlers.
type JobRegistry interface {
	Register(jobType string, h scheduler.Handler)
}

type Deps struct {
	Chats    repositories.ChatRepository
	Messages repositories.MessageRepository
	Users    repositories.UserDirectory
	Hires    repositories.HireRepository
	Cache    *cache.Store
	IDs      *idresolver.Resolver
	Jobs     JobScheduler
	Events   EventRecorder
	Mailer   Mailer
	Pending  PendingWrites
	Logger   *zap.Logger
}

type Service struct {
	chats    repositories.ChatRepository
	messages repositories.MessageRepository
	users    repositories.UserDirectory
	hires    repositories.HireRepository
	cache    *cache.Store
	ids      *idresolver.Resolver
	jobs     JobScheduler
	events   EventRecorder
	mail     Mailer
	pending  PendingWrites
	notifier Notifier
	log      *zap.Logger

	now        func() time.Time
	spawn      func(func())
	sendLimit  int
	sendWindow time.Duration
}

type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSideEffectRunner replaces how fire-and-forget work is started.
func WithSideEffectRunner(run func(func())) Option {
	return func(s *Service) { s.spawn = run }
}

// WithSendLimit sets the per-user message rate limit.
func WithSendLimit(limit int, window time.Duration) Option {
	return func(s *Service) {
		s.sendLimit = limit
		s.sendWindow = window
	}
}

func NewService(d Deps, opts ...Option) *Service {
	s := &Service{
		chats:      d.Chats,
		messages:   d.Messages,
		users:      d.Users,
		hires:      d.Hires,
		cache:      d.Cache,
		ids:        d.IDs,
		jobs:       d.Jobs,
		events:     d.Events,
		mail:       d.Mailer,
		pending:    d.Pending,
		notifier:   noopNotifier{},
		log:        d.Logger.With(zap.String("component", "chat_engine")),
		now:        time.Now,
		spawn:      func(f func()) { go f() },
		sendLimit:  30,
		sendWindow: time.Minute,
	}
	if s.pending == nil {
		s.pending = noopPending{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotifier attaches the gateway once it exists.
func (s *Service) SetNotifier(n Notifier) {
	if n == nil {
		n = noopNotifier{}
	}
	s.notifier = n
}

// RegisterJobs binds the engine's job handlers.
func (s *Service) RegisterJobs(reg JobRegistry) {
	reg.Register(scheduler.JobExpireChat, s.handleExpireJob)
	reg.Register(scheduler.JobMarkRead, s.handleMarkReadJob)
	reg.Register(scheduler.JobMarkDelivered, s.handleMarkDeliveredJob)
}

// systemActor is the event log actor for transitions nobody triggered.
const systemActor = "system"

type noopPending struct{}

func (noopPending) PendingMessage(string) bool           { return false }
func (noopPending) PendingInChat(string, time.Time) bool { return false }

type noopNotifier struct{}

func (noopNotifier) NotifyUser(context.Context, string, string, any) error { return nil }

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// background runs f detached from the caller. Failures are only logged.
func (s *Service) background(ctx context.Context, what string, f func(ctx context.Context) error) {
	bg := context.WithoutCancel(ctx)
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(bg, 10*time.Second)
		defer cancel()
		if err := f(ctx); err != nil {
			s.log.Warn("background task failed", zap.String("task", what), zap.Error(err))
		}
	})
}

func (s *Service) record(ctx context.Context, chatID, actorID, event string, payload models.EventPayload) {
	evt := models.ChatEvent{ChatID: chatID, ActorID: actorID, Event: event, Payload: payload, CreatedAt: s.clock()}
	s.background(ctx, "record_event", func(ctx context.Context) error {
		return s.events.Record(ctx, evt)
	})
}

func (s *Service) notify(ctx context.Context, userID, event string, payload any) bool {
	if err := s.notifier.NotifyUser(ctx, userID, event, payload); err != nil {
		s.log.Debug("notify skipped", zap.String("user_id", userID), zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

// loadChat reads through the cache.
func (s *Service) loadChat(ctx context.Context, chatID string) (models.Chat, error) {
	chat, ok, err := s.cache.GetChat(ctx, chatID)
	if err != nil {
		s.log.Warn("chat cache read failed", zap.String("chat_id", chatID), zap.Error(err))
	}
	if ok {
		return chat, nil
	}
	return s.freshChat(ctx, chatID)
}

// freshChat reads the durable record and repopulates the cache. Lifecycle
// guards always run against it.
func (s *Service) freshChat(ctx context.Context, chatID string) (models.Chat, error) {
	if !idresolver.IsDurable(chatID) {
		return models.Chat{}, apperr.NotFound(CodeChatNotFound, "chat not found")
	}
	chat, err := s.chats.GetChat(ctx, chatID)
	if errors.Is(err, repositories.ErrChatNotFound) {
		return models.Chat{}, apperr.NotFound(CodeChatNotFound, "chat not found")
	}
	if err != nil {
		return models.Chat{}, apperr.Internal(err)
	}
	s.cacheChat(ctx, chat)
	return chat, nil
}

// cacheChat writes the chat through to the cache. A failed write evicts the
// entry so readers fall back to the durable record.
func (s *Service) cacheChat(ctx context.Context, chat models.Chat) {
	err := s.cache.SetChat(ctx, chat)
	if err == nil {
		return
	}
	s.log.Warn("chat cache write failed", zap.String("chat_id", chat.ID), zap.Error(err))
	if err := s.cache.DeleteChat(ctx, chat.ID); err != nil {
		s.log.Error("chat cache eviction failed", zap.String("chat_id", chat.ID), zap.Error(err))
	}
}

func (s *Service) saveChat(ctx context.Context, chat *models.Chat) error {
	chat.UpdatedAt = s.clock()
	if err := s.chats.UpdateChat(ctx, *chat); err != nil {
		if errors.Is(err, repositories.ErrChatNotFound) {
			return apperr.NotFound(CodeChatNotFound, "chat not found")
		}
		if errors.Is(err, repositories.ErrChatExists) {
			return apperr.InvalidState(CodeChatExists, "an open chat already exists")
		}
		return apperr.Internal(err)
	}
	s.cacheChat(ctx, *chat)
	return nil
}

// participantChat loads a chat for a guard check and rejects non-participants.
func (s *Service) participantChat(ctx context.Context, chatID, actorID string, fresh bool) (models.Chat, error) {
	var (
		chat models.Chat
		err  error
	)
	if fresh {
		chat, err = s.freshChat(ctx, chatID)
	} else {
		chat, err = s.loadChat(ctx, chatID)
	}
	if err != nil {
		return models.Chat{}, err
	}
	if !chat.IsParticipant(actorID) {
		return models.Chat{}, apperr.Forbidden(CodeNotParticipant, "not a participant of this chat")
	}
	return chat, nil
}

func (s *Service) getUser(ctx context.Context, userID string) (models.User, error) {
	user, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, repositories.ErrUserNotFound) {
		return models.User{}, apperr.NotFound(CodeUserNotFound, "user not found")
	}
	if err != nil {
		return models.User{}, apperr.Internal(err)
	}
	return user, nil
}
