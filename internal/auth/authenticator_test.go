package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"negotiation-chat/internal/apperr"
	"negotiation-chat/internal/cache"
	"negotiation-chat/internal/mocks"
	"negotiation-chat/internal/models"
)

const testSecret = "test-secret"

func sign(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims(userID, sessionID string) Claims {
	return Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func newTestAuthenticator(t *testing.T) (*Authenticator, *mocks.UserStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	users := mocks.NewUserStore(
		models.User{ID: "u1", Email: "u1@test", Role: models.RolePlayer, Active: true},
		models.User{ID: "u2", Email: "u2@test", Role: models.RoleCompany, Active: false},
	)
	users.AddSession("u1", "s1")
	users.AddSession("u2", "s2")
	return NewAuthenticator(testSecret, users, cache.New(rdb), 3, time.Minute, zap.NewNop()), users
}

func TestParseBearer(t *testing.T) {
	token, err := ParseBearer("Bearer abc.def")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", token)

	token, err = ParseBearer("bearer xyz")
	require.NoError(t, err)
	assert.Equal(t, "xyz", token)

	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer "} {
		_, err := ParseBearer(header)
		assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err), header)
	}
}

func TestAuthenticate(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()

	id, err := a.Authenticate(ctx, sign(t, testSecret, validClaims("u1", "s1")))
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u1", SessionID: "s1", Role: models.RolePlayer, Email: "u1@test"}, id)

	expired := validClaims("u1", "s1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	cases := map[string]string{
		"wrong secret":     sign(t, "other", validClaims("u1", "s1")),
		"expired":          sign(t, testSecret, expired),
		"unknown session":  sign(t, testSecret, validClaims("u1", "nope")),
		"foreign session":  sign(t, testSecret, validClaims("u1", "s2")),
		"inactive account": sign(t, testSecret, validClaims("u2", "s2")),
		"unknown user":     sign(t, testSecret, validClaims("ghost", "")),
		"missing subject":  sign(t, testSecret, validClaims("", "s1")),
		"garbage":          "not-a-token",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(ctx, token)
			require.Error(t, err)
			assert.ErrorIs(t, err, errAuthFailed)
		})
	}
}

func TestAuthenticateConnectionRateLimit(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()
	bad := sign(t, "other", validClaims("u1", "s1"))

	for i := 0; i < 3; i++ {
		_, err := a.AuthenticateConnection(ctx, "10.0.0.1", bad)
		assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	}
	_, err := a.AuthenticateConnection(ctx, "10.0.0.1", sign(t, testSecret, validClaims("u1", "s1")))
	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))

	_, err = a.AuthenticateConnection(ctx, "10.0.0.2", sign(t, testSecret, validClaims("u1", "s1")))
	require.NoError(t, err, "limits are per address")
}

func TestAuthenticateConnectionResetsOnSuccess(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()
	good := sign(t, testSecret, validClaims("u1", "s1"))
	bad := sign(t, "other", validClaims("u1", "s1"))

	_, _ = a.AuthenticateConnection(ctx, "10.0.0.1", bad)
	_, _ = a.AuthenticateConnection(ctx, "10.0.0.1", bad)
	_, err := a.AuthenticateConnection(ctx, "10.0.0.1", good)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := a.AuthenticateConnection(ctx, "10.0.0.1", good)
		require.NoError(t, err)
	}
}

func TestWatchDisconnectsRevokedSession(t *testing.T) {
	a, users := newTestAuthenticator(t)
	a.revalidate = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := a.Authenticate(ctx, sign(t, testSecret, validClaims("u1", "s1")))
	require.NoError(t, err)

	revoked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Watch(ctx, id, func() { close(revoked) })
	}()

	users.RevokeSession("s1")
	select {
	case <-revoked:
	case <-ctx.Done():
		t.Fatal("revocation was not detected")
	}
	<-done
}

func TestWatchStopsWithContext(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	a.revalidate = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Watch(ctx, Identity{UserID: "u1", SessionID: "s1"}, func() { t.Error("active session revoked") })
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}
