package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"negotiation-chat/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// UserDirectory reads the user records owned by the wider platform.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (models.User, error)
	IsSessionActive(ctx context.Context, userID, sessionID string) (bool, error)
}

type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// GetUser fetches a directory record.
func (r *UserRepo) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT id, email, role, active FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// IsSessionActive reports whether the session is unrevoked and its account enabled.
func (r *UserRepo) IsSessionActive(ctx context.Context, userID, sessionID string) (bool, error) {
	var ok bool
	err := r.db.GetContext(ctx, &ok, `SELECT EXISTS(
        SELECT 1 FROM auth_sessions s JOIN users u ON u.id = s.user_id
        WHERE s.id=$1 AND s.user_id=$2 AND s.revoked_at IS NULL AND u.active)`, sessionID, userID)
	return ok, err
}
