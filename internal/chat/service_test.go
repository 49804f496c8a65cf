package chat

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"negotiation-chat/internal/apperr"
	"negotiation-chat/internal/cache"
	"negotiation-chat/internal/idresolver"
	"negotiation-chat/internal/mocks"
	"negotiation-chat/internal/models"
	"negotiation-chat/internal/repositories"
	"negotiation-chat/internal/scheduler"
)

const (
	company = "acme"
	player  = "pat"
	player2 = "sam"
)

type harness struct {
	svc      *Service
	mr       *miniredis.Miniredis
	chats    *mocks.ChatStore
	messages *mocks.MessageStore
	users    *mocks.UserStore
	hires    *mocks.HireStore
	store    *cache.Store
	queue    *scheduler.Queue
	notifier *mocks.Notifier
	events   *mocks.EventRecorderMock
	mailer   *mocks.MailerMock
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		mr:       mr,
		chats:    mocks.NewChatStore(),
		messages: mocks.NewMessageStore(),
		users: mocks.NewUserStore(
			models.User{ID: company, Email: "hr@acme.test", Role: models.RoleCompany, Active: true},
			models.User{ID: player, Email: "pat@mail.test", Role: models.RolePlayer, Active: true},
			models.User{ID: player2, Email: "sam@mail.test", Role: models.RolePlayer, Active: true},
		),
		hires:    mocks.NewHireStore(),
		store:    cache.New(rdb),
		queue:    scheduler.NewQueue(rdb),
		notifier: mocks.NewNotifier(),
		events:   &mocks.EventRecorderMock{},
		mailer:   &mocks.MailerMock{},
		now:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	h.events.On("Record", mock.Anything, mock.Anything).Return(nil)
	h.mailer.On("ChatRequested", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.mailer.On("ChatAccepted", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.mailer.On("ChatClosed", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	clock := func() time.Time { return h.now }
	jobs := scheduler.New(h.queue, zap.NewNop(), scheduler.WithClock(clock))
	h.svc = NewService(Deps{
		Chats:    h.chats,
		Messages: h.messages,
		Users:    h.users,
		Hires:    h.hires,
		Cache:    h.store,
		IDs:      idresolver.New(rdb, idresolver.WithPolling(5*time.Millisecond, 50*time.Millisecond)),
		Jobs:     jobs,
		Events:   h.events,
		Mailer:   h.mailer,
		Logger:   zap.NewNop(),
	}, WithClock(clock), WithSideEffectRunner(func(f func()) { f() }))
	h.svc.SetNotifier(h.notifier)
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) chat(t *testing.T, id string) models.Chat {
	t.Helper()
	chat, err := h.chats.GetChat(context.Background(), id)
	require.NoError(t, err)
	return chat
}

func (h *harness) request(t *testing.T, from, to string) models.ChatView {
	t.Helper()
	view, _, err := h.svc.RequestChat(context.Background(), from, RequestInput{RecipientID: to, Content: "Hi"})
	require.NoError(t, err)
	return view
}

func (h *harness) accepted(t *testing.T) models.ChatView {
	t.Helper()
	view := h.request(t, company, player)
	_, err := h.svc.Accept(context.Background(), player, view.ID)
	require.NoError(t, err)
	return view
}

func (h *harness) online(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, h.store.SetPresence(context.Background(), userID, "node-a|"+userID))
}

func assertCode(t *testing.T, err error, kind apperr.Kind, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperr.KindOf(err))
	assert.Equal(t, code, apperr.From(err).Code)
}

func TestRequestChatCreatesPendingChat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	view, msg, err := h.svc.RequestChat(ctx, company, RequestInput{RecipientID: player, Content: "Hi", TempID: "tmp-1"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, view.Status)
	assert.Equal(t, company, view.InitiatorID)
	assert.True(t, view.IsInitiator)
	assert.False(t, view.CanSend, "the opening message is already used")
	assert.True(t, idresolver.IsDurable(msg.ID))

	unread, err := h.store.Unread(ctx, player, view.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, unread)

	created := h.notifier.For(player, EventChatCreated)
	require.Len(t, created, 1)
	assert.Equal(t, player, created[0].Payload.(ChatPayload).Chat.ViewerID)
	counts := h.notifier.For(player, EventUnattended)
	require.NotEmpty(t, counts)
	assert.Equal(t, 1, counts[len(counts)-1].Payload.(UnattendedPayload).Count)

	resolved := h.notifier.For(company, EventIDResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, IDResolvedPayload{ChatID: view.ID, TempID: "tmp-1", MessageID: msg.ID}, resolved[0].Payload)

	_, queued, err := h.queue.DueAt(ctx, scheduler.PersistJobID(msg.ID))
	require.NoError(t, err)
	assert.True(t, queued)
	h.mailer.AssertCalled(t, "ChatRequested", mock.Anything, mock.MatchedBy(func(u models.User) bool { return u.ID == player }), mock.Anything)
}

func TestRequestChatGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.users.Put(models.User{ID: "gone", Role: models.RolePlayer, Active: false})

	_, _, err := h.svc.RequestChat(ctx, company, RequestInput{RecipientID: company, Content: "Hi"})
	assertCode(t, err, apperr.KindValidation, CodeSelfChat)

	_, _, err = h.svc.RequestChat(ctx, player, RequestInput{RecipientID: player2, Content: "Hi"})
	assertCode(t, err, apperr.KindForbidden, CodeRoleMismatch)

	_, _, err = h.svc.RequestChat(ctx, company, RequestInput{RecipientID: "gone", Content: "Hi"})
	assertCode(t, err, apperr.KindInvalidState, CodeRecipientInactive)

	_, _, err = h.svc.RequestChat(ctx, company, RequestInput{RecipientID: "nobody", Content: "Hi"})
	assertCode(t, err, apperr.KindNotFound, CodeUserNotFound)

	_, _, err = h.svc.RequestChat(ctx, company, RequestInput{RecipientID: player, Content: "   "})
	assertCode(t, err, apperr.KindValidation, CodeInvalidContent)

	h.request(t, company, player)
	_, _, err = h.svc.RequestChat(ctx, player, RequestInput{RecipientID: company, Content: "Hi again"})
	assertCode(t, err, apperr.KindInvalidState, CodeChatExists)
}

// staleLookups hides open chats from the pre-insert check, as a concurrent
// request that has not committed yet would.
type staleLookups struct{ *mocks.ChatStore }

func (staleLookups) FindOpenChat(context.Context, string, string) (models.Chat, error) {
	return models.Chat{}, repositories.ErrChatNotFound
}

func TestConcurrentRequestHitsOpenChatIndex(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.request(t, company, player)
	h.svc.chats = staleLookups{h.chats}

	_, _, err := h.svc.RequestChat(ctx, player, RequestInput{RecipientID: company, Content: "Hi again"})
	assertCode(t, err, apperr.KindInvalidState, CodeChatExists)
	chats, err := h.chats.ListChats(ctx, company)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func TestMalformedChatIDIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Accept(ctx, player, "x")
	assertCode(t, err, apperr.KindNotFound, CodeChatNotFound)
	_, err = h.svc.GetMessages(ctx, player, "x", 20)
	assertCode(t, err, apperr.KindNotFound, CodeChatNotFound)
	_, err = h.svc.SendMessage(ctx, player, SendInput{ChatID: "not-a-uuid", Content: "hi"})
	assertCode(t, err, apperr.KindNotFound, CodeChatNotFound)
}

func TestDeclineThenResendHonoursCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.request(t, company, player)

	declined, err := h.svc.Decline(ctx, player, view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeclined, declined.Status)
	require.NotNil(t, declined.ClosedBy)
	assert.Equal(t, player, *declined.ClosedBy)

	h.advance(time.Hour)
	_, err = h.svc.Resend(ctx, company, view.ID)
	assertCode(t, err, apperr.KindInvalidState, CodeCooldown)
	assert.Equal(t, models.StatusDeclined, h.chat(t, view.ID).Status)

	_, err = h.svc.Resend(ctx, player, view.ID)
	assertCode(t, err, apperr.KindForbidden, CodeWrongActor)

	h.advance(23*time.Hour + time.Minute)
	resent, err := h.svc.Resend(ctx, company, view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, resent.Status)
	assert.Nil(t, resent.DeclinedAt)
	assert.Nil(t, resent.ClosedBy)
	assert.Equal(t, company, resent.InitiatorID)
	assert.True(t, resent.CanSend, "a reopened request gets a fresh opening message")
}

func TestDeclinerCannotRequestDuringCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.request(t, company, player)
	_, err := h.svc.Decline(ctx, player, view.ID)
	require.NoError(t, err)

	h.advance(2 * time.Hour)
	_, _, err = h.svc.RequestChat(ctx, player, RequestInput{RecipientID: company, Content: "Changed my mind"})
	assertCode(t, err, apperr.KindInvalidState, CodeCooldown)

	h.advance(ResendCooldown)
	again, _, err := h.svc.RequestChat(ctx, player, RequestInput{RecipientID: company, Content: "Changed my mind"})
	require.NoError(t, err)
	assert.NotEqual(t, view.ID, again.ID)
	assert.Equal(t, player, again.InitiatorID)
}

func TestAcceptSchedulesExpiryAndExtendFollowsSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.request(t, company, player)
	acceptedAt := h.now

	accepted, err := h.svc.Accept(ctx, player, view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.ExpiresAt)
	assert.Equal(t, acceptedAt.Add(21*24*time.Hour), *accepted.ExpiresAt)

	due, ok, err := h.queue.DueAt(ctx, scheduler.ExpiryJobID(view.ID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, acceptedAt.Add(21*24*time.Hour), due, 0)
	assert.NotEmpty(t, h.notifier.For(company, EventChatAccepted))

	_, err = h.svc.Extend(ctx, player, view.ID)
	assertCode(t, err, apperr.KindForbidden, CodeWrongActor)

	expected := acceptedAt.Add(21 * 24 * time.Hour)
	for i, days := range []int{14, 7, 3} {
		extended, err := h.svc.Extend(ctx, company, view.ID)
		require.NoError(t, err)
		expected = expected.Add(time.Duration(days) * 24 * time.Hour)
		assert.Equal(t, expected, *extended.ExpiresAt)
		assert.Equal(t, i+1, extended.ExtensionCount)

		due, ok, err := h.queue.DueAt(ctx, scheduler.ExpiryJobID(view.ID))
		require.NoError(t, err)
		require.True(t, ok)
		assert.WithinDuration(t, expected, due, 0, "exactly one live expiry timer at the new deadline")
	}

	_, err = h.svc.Extend(ctx, company, view.ID)
	assertCode(t, err, apperr.KindInvalidState, CodeExtensionLimit)
	assert.Equal(t, 3, h.chat(t, view.ID).ExtensionCount)
}

func TestDisallowedTransitionsLeaveStateUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pending := h.request(t, company, player)

	_, err := h.svc.Accept(ctx, company, pending.ID)
	assertCode(t, err, apperr.KindForbidden, CodeWrongActor)
	_, err = h.svc.Extend(ctx, company, pending.ID)
	assertCode(t, err, apperr.KindInvalidState, CodeInvalidTransition)
	_, err = h.svc.End(ctx, player, pending.ID)
	assertCode(t, err, apperr.KindInvalidState, CodeInvalidTransition)
	_, err = h.svc.Retry(ctx, company, pending.ID)
	assertCode(t, err, apperr.KindInvalidState, CodeInvalidTransition)
	_, err = h.svc.RetryEnded(ctx, player, pending.ID)
	assertCode(t, err, apperr.KindInvalidState, CodeInvalidTransition)
	_, err = h.svc.Accept(ctx, player2, pending.ID)
	assertCode(t, err, apperr.KindForbidden, CodeNotParticipant)
	assert.Equal(t, models.StatusPending, h.chat(t, pending.ID).Status)

	_, err = h.svc.Accept(ctx, player, pending.ID)
	require.NoError(t, err)
	_, err = h.svc.Accept(ctx, player, pending.ID)
	assertCode(t, err, apperr.KindInvalidState, CodeInvalidTransition)
	_, err = h.svc.Decline(ctx, player, pending.ID)
	assertCode(t, err, apperr.KindInvalidState, CodeInvalidTransition)
	_, err = h.svc.Resend(ctx, company, pending.ID)
	assertCode(t, err, apperr.KindInvalidState, CodeInvalidTransition)
	assert.Equal(t, models.StatusAccepted, h.chat(t, pending.ID).Status)

	_, err = h.svc.End(ctx, player, pending.ID)
	require.NoError(t, err)
	_, err = h.svc.Extend(ctx, company, pending.ID)
	assertCode(t, err, apperr.KindInvalidState, CodeInvalidTransition)
	_, err = h.svc.Decline(ctx, player, pending.ID)
	assertCode(t, err, apperr.KindInvalidState, CodeInvalidTransition)
	assert.Equal(t, models.StatusEnded, h.chat(t, pending.ID).Status)

	_, ok, err := h.queue.DueAt(ctx, scheduler.ExpiryJobID(pending.ID))
	require.NoError(t, err)
	assert.False(t, ok, "ending a chat cancels its expiry")
}

func TestPendingChatAcceptsOneMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.request(t, company, player)

	_, err := h.svc.SendMessage(ctx, company, SendInput{ChatID: view.ID, Content: "again?"})
	assertCode(t, err, apperr.KindInvalidState, CodePendingLimit)
	_, err = h.svc.SendMessage(ctx, player, SendInput{ChatID: view.ID, Content: "hello"})
	assertCode(t, err, apperr.KindInvalidState, CodePendingLimit)
	_, err = h.svc.SendMessage(ctx, player2, SendInput{ChatID: view.ID, Content: "hello"})
	assertCode(t, err, apperr.KindForbidden, CodeNotParticipant)
}

func TestSendToOfflineRecipientQueuesUnread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.accepted(t)
	require.NoError(t, h.store.ResetUnread(ctx, player, view.ID))
	h.notifier.Reset()
	h.advance(time.Second)

	msg, err := h.svc.SendMessage(ctx, company, SendInput{ChatID: view.ID, Content: "Offer attached"})
	require.NoError(t, err)

	unread, err := h.store.Unread(ctx, player, view.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, unread)
	assert.Empty(t, h.notifier.For(player, EventMessageReceive))

	_, queued, err := h.queue.DueAt(ctx, scheduler.PersistJobID(msg.ID))
	require.NoError(t, err)
	assert.True(t, queued)

	window, err := h.store.RecentMessages(ctx, view.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, window[len(window)-1].ID)
}

func TestSendToViewingRecipientMarksReadForSender(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.accepted(t)
	h.online(t, player)
	_, err := h.svc.OpenChat(ctx, player, view.ID)
	require.NoError(t, err)
	h.notifier.Reset()

	msg, err := h.svc.SendMessage(ctx, company, SendInput{ChatID: view.ID, TempID: "tmp-42", Content: "Welcome"})
	require.NoError(t, err)

	received := h.notifier.For(player, EventMessageReceive)
	require.Len(t, received, 1)
	assert.Equal(t, msg.ID, received[0].Payload.(MessagePayload).Message.ID)

	reads := h.notifier.For(company, EventMessageRead)
	require.Len(t, reads, 1)
	receipt := reads[0].Payload.(ReceiptPayload)
	assert.Equal(t, "tmp-42", receipt.TempID)
	assert.Equal(t, msg.ID, receipt.MessageID)

	unread, err := h.store.Unread(ctx, player, view.ID)
	require.NoError(t, err)
	assert.Zero(t, unread)
	_, queued, err := h.queue.DueAt(ctx, scheduler.MarkReadJobID(view.ID, player))
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestSendToOnlineRecipientElsewhereCountsUnread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.accepted(t)
	h.online(t, player)
	require.NoError(t, h.store.ResetUnread(ctx, player, view.ID))

	_, err := h.svc.SendMessage(ctx, company, SendInput{ChatID: view.ID, Content: "ping"})
	require.NoError(t, err)

	assert.Len(t, h.notifier.For(player, EventMessageReceive), 1)
	assert.Empty(t, h.notifier.For(company, EventMessageRead))
	unread, err := h.store.Unread(ctx, player, view.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, unread)
}

func TestSendPastExpiryExpiresLazily(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.accepted(t)

	h.advance(Lifetime + time.Second)
	_, err := h.svc.SendMessage(ctx, player, SendInput{ChatID: view.ID, Content: "still there?"})
	assertCode(t, err, apperr.KindInvalidState, CodeChatExpired)

	assert.Equal(t, models.StatusExpired, h.chat(t, view.ID).Status)
	assert.Nil(t, h.chat(t, view.ID).ExpiresAt)
	assert.Len(t, h.notifier.For(company, EventChatExpired), 1)
	assert.Len(t, h.notifier.For(player, EventChatExpired), 1)
	h.mailer.AssertNumberOfCalls(t, "ChatClosed", 2)

	_, err = h.svc.SendMessage(ctx, player, SendInput{ChatID: view.ID, Content: "hello?"})
	assertCode(t, err, apperr.KindInvalidState, CodeChatClosed)
}

func TestExpireChatJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.accepted(t)
	_, err := h.svc.Extend(ctx, company, view.ID)
	require.NoError(t, err)

	h.advance(Lifetime + time.Second)
	require.NoError(t, h.svc.ExpireChat(ctx, view.ID))
	assert.Equal(t, models.StatusAccepted, h.chat(t, view.ID).Status, "an extended chat outlives a stale timer")
	due, ok, err := h.queue.DueAt(ctx, scheduler.ExpiryJobID(view.ID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, *h.chat(t, view.ID).ExpiresAt, due, 0)

	h.advance(14 * 24 * time.Hour)
	require.NoError(t, h.svc.ExpireChat(ctx, view.ID))
	assert.Equal(t, models.StatusExpired, h.chat(t, view.ID).Status)

	require.NoError(t, h.svc.ExpireChat(ctx, view.ID), "expiring twice is a no-op")
	assert.Len(t, h.notifier.For(player, EventChatExpired), 1)
	require.NoError(t, h.svc.ExpireChat(ctx, "missing"))
}

func TestRetryVariants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ended := h.accepted(t)
	_, err := h.svc.End(ctx, player, ended.ID)
	require.NoError(t, err)
	_, err = h.svc.RetryEnded(ctx, player, ended.ID)
	assertCode(t, err, apperr.KindForbidden, CodeWrongActor)
	retried, err := h.svc.Retry(ctx, company, ended.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, retried.Status)
	assert.Equal(t, company, retried.InitiatorID)
	assert.Nil(t, retried.ClosedBy)
	assert.Len(t, h.notifier.For(player, EventChatRetried), 1)

	_, err = h.svc.Accept(ctx, player, ended.ID)
	require.NoError(t, err)
	_, err = h.svc.Extend(ctx, company, ended.ID)
	require.NoError(t, err)
	h.advance(40 * 24 * time.Hour)
	require.NoError(t, h.svc.ExpireChat(ctx, ended.ID))
	_, err = h.svc.RetryExpired(ctx, player, ended.ID)
	assertCode(t, err, apperr.KindInvalidState, CodeExtensionsLeft)

	chat := h.chat(t, ended.ID)
	chat.ExtensionCount = MaxExtensions
	require.NoError(t, h.chats.UpdateChat(ctx, chat))
	require.NoError(t, h.store.SetChat(ctx, chat))

	again, err := h.svc.RetryExpired(ctx, player, ended.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, again.Status)
	assert.Equal(t, player, again.InitiatorID)
	assert.Zero(t, again.ExtensionCount)
	assert.Nil(t, again.ExpiresAt)
}

func TestDeleteHidesUntilPeerWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.accepted(t)
	_, err := h.svc.SendMessage(ctx, company, SendInput{ChatID: view.ID, Content: "before delete"})
	require.NoError(t, err)

	h.advance(time.Minute)
	require.NoError(t, h.svc.Delete(ctx, player, view.ID))
	list, err := h.svc.ListChats(ctx, player)
	require.NoError(t, err)
	assert.Empty(t, list)
	list, err = h.svc.ListChats(ctx, company)
	require.NoError(t, err)
	assert.Len(t, list, 1, "deletion is per user")

	h.advance(time.Minute)
	after, err := h.svc.SendMessage(ctx, company, SendInput{ChatID: view.ID, Content: "after delete"})
	require.NoError(t, err)
	assert.Len(t, h.notifier.For(player, EventChatRestored), 1)

	list, err = h.svc.ListChats(ctx, player)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].DeletedAt)
	assert.Nil(t, list[0].Chat.DeletedBy)

	history, err := h.svc.GetMessages(ctx, player, view.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, after.ID, history[0].ID)

	history, err = h.svc.GetMessages(ctx, company, view.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestUpdateMessageResolvesTempID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.accepted(t)
	h.online(t, player)

	msg, err := h.svc.SendMessage(ctx, company, SendInput{ChatID: view.ID, TempID: "tmp-7", Content: "draft"})
	require.NoError(t, err)

	updated, err := h.svc.UpdateMessage(ctx, company, UpdateInput{ChatID: view.ID, MessageID: "tmp-7", Content: "final"})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, updated.ID)
	assert.Equal(t, "final", updated.Content)
	require.NotNil(t, updated.UpdatedAt)
	assert.Len(t, h.notifier.For(player, EventMessageUpdate), 1)

	cached, ok, err := h.store.WindowMessage(ctx, view.ID, msg.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "final", cached.Content)

	_, err = h.svc.UpdateMessage(ctx, player, UpdateInput{ChatID: view.ID, MessageID: msg.ID, Content: "hijack"})
	assertCode(t, err, apperr.KindForbidden, CodeNotSender)

	_, err = h.svc.UpdateMessage(ctx, company, UpdateInput{ChatID: view.ID, MessageID: "tmp-unknown", Content: "x"})
	assertCode(t, err, apperr.KindNotFound, CodeMessageNotFound)
}

func TestMarkReadAndDeliveredNotifySender(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.accepted(t)

	msg, err := h.svc.SendMessage(ctx, company, SendInput{ChatID: view.ID, TempID: "tmp-9", Content: "see this"})
	require.NoError(t, err)

	require.NoError(t, h.svc.MarkDelivered(ctx, player, view.ID, msg.ID))
	delivered := h.notifier.For(company, EventMessageDeliver)
	require.Len(t, delivered, 1)
	assert.Equal(t, "tmp-9", delivered[0].Payload.(ReceiptPayload).TempID)

	require.NoError(t, h.svc.MarkRead(ctx, player, view.ID))
	var readIDs []string
	for _, n := range h.notifier.For(company, EventMessageRead) {
		readIDs = append(readIDs, n.Payload.(ReceiptPayload).MessageID)
	}
	assert.Contains(t, readIDs, msg.ID)

	err = h.svc.MarkRead(ctx, player2, view.ID)
	assertCode(t, err, apperr.KindForbidden, CodeNotParticipant)
}

func TestMarkReadJobWritesDurableStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.accepted(t)
	msg, err := h.svc.SendMessage(ctx, company, SendInput{ChatID: view.ID, Content: "persist me"})
	require.NoError(t, err)
	require.NoError(t, h.messages.InsertMessages(ctx, []models.Message{msg}))

	job, err := scheduler.NewJob("read", scheduler.JobMarkRead, scheduler.MarkReadPayload{ChatID: view.ID, ReaderID: player, UpTo: h.now})
	require.NoError(t, err)
	require.NoError(t, h.svc.handleMarkReadJob(ctx, job))

	stored, err := h.messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ReadAt)
	assert.NotNil(t, stored.DeliveredAt)
}

type bufferedWrites struct{ ids map[string]bool }

func (b bufferedWrites) PendingMessage(id string) bool { return b.ids[id] }

func (b bufferedWrites) PendingInChat(string, time.Time) bool { return len(b.ids) > 0 }

func TestReceiptJobsRetryWhileMessageIsBuffered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.accepted(t)
	msg, err := h.svc.SendMessage(ctx, company, SendInput{ChatID: view.ID, Content: "not flushed"})
	require.NoError(t, err)
	buffered := bufferedWrites{ids: map[string]bool{msg.ID: true}}
	h.svc.pending = buffered

	read, err := scheduler.NewJob("read", scheduler.JobMarkRead, scheduler.MarkReadPayload{ChatID: view.ID, ReaderID: player, UpTo: h.now})
	require.NoError(t, err)
	assert.ErrorIs(t, h.svc.handleMarkReadJob(ctx, read), errReceiptNotPersisted)

	delivered, err := scheduler.NewJob("delivered", scheduler.JobMarkDelivered, scheduler.MarkDeliveredPayload{MessageID: msg.ID, At: h.now})
	require.NoError(t, err)
	assert.ErrorIs(t, h.svc.handleMarkDeliveredJob(ctx, delivered), errReceiptNotPersisted)

	require.NoError(t, h.messages.InsertMessages(ctx, []models.Message{msg}))
	delete(buffered.ids, msg.ID)
	require.NoError(t, h.svc.handleMarkReadJob(ctx, read))
	require.NoError(t, h.svc.handleMarkDeliveredJob(ctx, delivered))
	stored, err := h.messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ReadAt)
}

func TestFailedCacheWriteEvictsChat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.request(t, company, player)
	_, cached, err := h.store.GetChat(ctx, view.ID)
	require.NoError(t, err)
	require.True(t, cached)

	// A wrong-typed key makes the write-through transaction fail.
	h.mr.Del("user:" + player + ":chats")
	require.NoError(t, h.mr.Set("user:"+player+":chats", "broken"))

	_, err = h.svc.Accept(ctx, player, view.ID)
	require.NoError(t, err)

	_, cached, err = h.store.GetChat(ctx, view.ID)
	require.NoError(t, err)
	assert.False(t, cached)
	chat, err := h.svc.loadChat(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, chat.Status)
}

func TestCanAccessCachesAnswers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.request(t, company, player)

	ok, err := h.svc.CanAccess(ctx, player, view.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.svc.CanAccess(ctx, player2, view.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	member, found, err := h.store.GetParticipant(ctx, view.ID, player2)
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, member)

	ok, err = h.svc.CanAccess(ctx, player, "no-such-chat")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfirmHire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.accepted(t)

	_, err := h.svc.ConfirmHire(ctx, view.ID, "hr@acme.test", models.HireOutcomeHired)
	assertCode(t, err, apperr.KindInvalidState, CodeChatNotClosed)

	_, err = h.svc.End(ctx, company, view.ID)
	require.NoError(t, err)

	_, err = h.svc.ConfirmHire(ctx, view.ID, "someone@else.test", models.HireOutcomeHired)
	assertCode(t, err, apperr.KindForbidden, CodeEmailMismatch)

	req, err := h.svc.ConfirmHire(ctx, view.ID, "HR@acme.test", models.HireOutcomeHired)
	require.NoError(t, err)
	assert.Equal(t, models.HireOutcomeHired, req.Outcome)

	_, err = h.svc.ConfirmHire(ctx, view.ID, "pat@mail.test", models.HireOutcomeNotHired)
	assertCode(t, err, apperr.KindInvalidState, CodeAlreadyConfirmed)
}

func TestTypingReachesViewingPeerOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.accepted(t)

	require.NoError(t, h.svc.Typing(ctx, company, view.ID, true))
	assert.Empty(t, h.notifier.For(player, EventTypingStart))

	require.NoError(t, h.store.SetViewing(ctx, player, view.ID))
	require.NoError(t, h.svc.Typing(ctx, company, view.ID, true))
	require.NoError(t, h.svc.Typing(ctx, company, view.ID, false))
	assert.Len(t, h.notifier.For(player, EventTypingStart), 1)
	assert.Len(t, h.notifier.For(player, EventTypingStop), 1)
	assert.Empty(t, h.notifier.For(company, EventTypingStart))
}

func TestPresenceFansOutToCachedChats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.request(t, company, player)
	h.request(t, company, player2)
	h.notifier.Reset()

	h.svc.PresenceChanged(ctx, company, true)
	assert.Len(t, h.notifier.For(player, EventUserPresence), 1)
	assert.Len(t, h.notifier.For(player2, EventUserPresence), 1)

	h.online(t, player)
	got, err := h.svc.PresenceOf(ctx, []string{player, player2})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{player: true, player2: false}, got)
}
