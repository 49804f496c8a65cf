// Package auth validates connection credentials and hire confirmation tokens.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"negotiation-chat/internal/apperr"
	"negotiation-chat/internal/config"
	"negotiation-chat/internal/models"
	"negotiation-chat/internal/repositories"
)

const connectScope = "connect"

// errAuthFailed is the only failure callers ever see, whatever the cause.
var errAuthFailed = apperr.Unauthorized("unauthorized", "authentication failed")

// Claims are the bearer token claims issued by the platform's auth service.
// Subject carries the user id.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Identity is what a verified connection knows about its user.
type Identity struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Email     string `json:"email"`
}

// ConnectLimiter is the fixed-window counter used for connection attempts.
type ConnectLimiter interface {
	Allow(ctx context.Context, scope, key string, limit int, window time.Duration) (bool, error)
	ResetLimit(ctx context.Context, scope, key string) error
}

type Authenticator struct {
	secret        []byte
	users         repositories.UserDirectory
	limiter       ConnectLimiter
	connectLimit  int
	connectWindow time.Duration
	revalidate    time.Duration
	log           *zap.Logger
}

func NewAuthenticator(secret string, users repositories.UserDirectory, limiter ConnectLimiter, connectLimit int, connectWindow time.Duration, log *zap.Logger) *Authenticator {
	return &Authenticator{
		secret:        []byte(secret),
		users:         users,
		limiter:       limiter,
		connectLimit:  connectLimit,
		connectWindow: connectWindow,
		revalidate:    config.RevalidateInterval,
		log:           log.With(zap.String("component", "auth")),
	}
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", errAuthFailed
	}
	return parts[1], nil
}

func (a *Authenticator) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// Authenticate verifies token and the account behind it.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	claims, err := a.parse(token)
	if err != nil {
		a.log.Debug("token rejected", zap.Error(err))
		return Identity{}, errAuthFailed
	}
	id := Identity{UserID: claims.Subject, SessionID: claims.SessionID}
	user, err := a.check(ctx, id)
	if err != nil {
		return Identity{}, err
	}
	id.Role = user.Role
	id.Email = user.Email
	return id, nil
}

// AuthenticateConnection applies the per-address connection limit before
// verifying token. A successful attempt clears the address's counter.
func (a *Authenticator) AuthenticateConnection(ctx context.Context, remoteAddr, token string) (Identity, error) {
	allowed, err := a.limiter.Allow(ctx, connectScope, remoteAddr, a.connectLimit, a.connectWindow)
	if err != nil {
		a.log.Warn("connection rate limit unavailable", zap.Error(err))
	} else if !allowed {
		return Identity{}, apperr.RateLimited("too_many_connections", "too many connection attempts")
	}

	id, err := a.Authenticate(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	if err := a.limiter.ResetLimit(ctx, connectScope, remoteAddr); err != nil {
		a.log.Warn("reset connection limit failed", zap.Error(err))
	}
	return id, nil
}

// Revalidate checks that the identity's session and account are still active.
func (a *Authenticator) Revalidate(ctx context.Context, id Identity) error {
	_, err := a.check(ctx, id)
	return err
}

func (a *Authenticator) check(ctx context.Context, id Identity) (models.User, error) {
	if id.SessionID != "" {
		active, err := a.users.IsSessionActive(ctx, id.UserID, id.SessionID)
		if err != nil {
			return models.User{}, apperr.Internal(err)
		}
		if !active {
			return models.User{}, errAuthFailed
		}
	}
	user, err := a.users.GetUser(ctx, id.UserID)
	if errors.Is(err, repositories.ErrUserNotFound) {
		return models.User{}, errAuthFailed
	}
	if err != nil {
		return models.User{}, apperr.Internal(err)
	}
	if !user.Active {
		return models.User{}, errAuthFailed
	}
	return user, nil
}

// Watch re-validates id on a fixed interval until ctx is done. onRevoked is
// called once when the credential or account is no longer valid. Transient
// lookup failures keep the connection.
func (a *Authenticator) Watch(ctx context.Context, id Identity, onRevoked func()) {
	ticker := time.NewTicker(a.revalidate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.Revalidate(ctx, id)
			if err == nil {
				continue
			}
			if apperr.KindOf(err) == apperr.KindInternal {
				a.log.Warn("revalidation lookup failed", zap.String("user_id", id.UserID), zap.Error(err))
				continue
			}
			a.log.Info("credential revoked, disconnecting", zap.String("user_id", id.UserID))
			onRevoked()
			return
		}
	}
}
