package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"negotiation-chat/internal/models"
)

var (
	ErrHireAlreadyConfirmed = errors.New("hire outcome already confirmed")
	ErrHireNotFound         = errors.New("hire outcome not found")
)

// HireRepository stores post-conversation hire outcomes.
type HireRepository interface {
	ConfirmHire(ctx context.Context, req models.HireRequest) error
	GetHire(ctx context.Context, chatID string) (models.HireRequest, error)
}

type HireRepo struct {
	db *sqlx.DB
}

func NewHireRepo(db *sqlx.DB) *HireRepo {
	return &HireRepo{db: db}
}

// ConfirmHire records the outcome once. A second confirmation returns
// ErrHireAlreadyConfirmed.
func (r *HireRepo) ConfirmHire(ctx context.Context, req models.HireRequest) error {
	res, err := r.db.NamedExecContext(ctx, `INSERT INTO hire_requests (chat_id, outcome, confirmed_email, confirmed_at)
        VALUES (:chat_id, :outcome, :confirmed_email, :confirmed_at)
        ON CONFLICT (chat_id) DO NOTHING`, req)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrHireAlreadyConfirmed
	}
	return nil
}

func (r *HireRepo) GetHire(ctx context.Context, chatID string) (models.HireRequest, error) {
	var req models.HireRequest
	err := r.db.GetContext(ctx, &req, `SELECT chat_id, outcome, confirmed_email, confirmed_at FROM hire_requests WHERE chat_id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.HireRequest{}, ErrHireNotFound
	}
	return req, err
}
