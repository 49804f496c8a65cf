package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"negotiation-chat/internal/models"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	// ErrChatExists reports a second PENDING or ACCEPTED chat for a pair.
	ErrChatExists = errors.New("open chat already exists")
)

// uniqueViolation is the postgres SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

const chatColumns = `id, status, initiator_id, company_id, player_id, closed_by, declined_at, accepted_at,
        expires_at, extension_count, request_message_count, last_message_at, deleted_by, created_at, updated_at`

// ChatRepository abstracts chat persistence.
type ChatRepository interface {
	CreateChat(ctx context.Context, chat models.Chat) error
	GetChat(ctx context.Context, chatID string) (models.Chat, error)
	UpdateChat(ctx context.Context, chat models.Chat) error
	FindOpenChat(ctx context.Context, companyID, playerID string) (models.Chat, error)
	LatestChat(ctx context.Context, companyID, playerID string) (models.Chat, error)
	ListChats(ctx context.Context, userID string) ([]models.Chat, error)
	CountUnattended(ctx context.Context, userID string) (int, error)
	TouchLastMessage(ctx context.Context, lastByChat map[string]time.Time) error
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

// CreateChat inserts a new chat row.
func (r *ChatRepo) CreateChat(ctx context.Context, chat models.Chat) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO chats (`+chatColumns+`) VALUES (
        :id, :status, :initiator_id, :company_id, :player_id, :closed_by, :declined_at, :accepted_at,
        :expires_at, :extension_count, :request_message_count, :last_message_at, :deleted_by, :created_at, :updated_at)`, chat)
	if isUniqueViolation(err) {
		return ErrChatExists
	}
	return err
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats WHERE id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

// UpdateChat writes every mutable column. Concurrent writers are last-write-wins.
func (r *ChatRepo) UpdateChat(ctx context.Context, chat models.Chat) error {
	res, err := r.db.NamedExecContext(ctx, `UPDATE chats SET
        status=:status, initiator_id=:initiator_id, closed_by=:closed_by, declined_at=:declined_at,
        accepted_at=:accepted_at, expires_at=:expires_at, extension_count=:extension_count,
        request_message_count=:request_message_count, last_message_at=GREATEST(last_message_at, :last_message_at),
        deleted_by=:deleted_by, updated_at=:updated_at
        WHERE id=:id`, chat)
	if isUniqueViolation(err) {
		return ErrChatExists
	}
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrChatNotFound
	}
	return nil
}

// FindOpenChat returns the PENDING or ACCEPTED chat of the pair, if any.
func (r *ChatRepo) FindOpenChat(ctx context.Context, companyID, playerID string) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats
        WHERE company_id=$1 AND player_id=$2 AND status = ANY($3)
        ORDER BY created_at DESC LIMIT 1`,
		companyID, playerID, pq.Array([]string{string(models.StatusPending), string(models.StatusAccepted)}))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

// LatestChat returns the most recently created chat of the pair.
func (r *ChatRepo) LatestChat(ctx context.Context, companyID, playerID string) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats
        WHERE company_id=$1 AND player_id=$2
        ORDER BY created_at DESC LIMIT 1`, companyID, playerID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

// ListChats returns every chat the user participates in, most recent activity first.
func (r *ChatRepo) ListChats(ctx context.Context, userID string) ([]models.Chat, error) {
	var chats []models.Chat
	err := r.db.SelectContext(ctx, &chats, `SELECT `+chatColumns+` FROM chats
        WHERE company_id=$1 OR player_id=$1
        ORDER BY COALESCE(last_message_at, created_at) DESC`, userID)
	return chats, err
}

// CountUnattended counts PENDING chats where the user is the recipient.
func (r *ChatRepo) CountUnattended(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM chats
        WHERE status=$1 AND (company_id=$2 OR player_id=$2) AND initiator_id<>$2`,
		string(models.StatusPending), userID)
	return count, err
}

// TouchLastMessage advances last_message_at for many chats in one statement.
func (r *ChatRepo) TouchLastMessage(ctx context.Context, lastByChat map[string]time.Time) error {
	if len(lastByChat) == 0 {
		return nil
	}
	ids := make([]string, 0, len(lastByChat))
	stamps := make([]string, 0, len(lastByChat))
	for id, ts := range lastByChat {
		ids = append(ids, id)
		stamps = append(stamps, ts.UTC().Format(time.RFC3339Nano))
	}
	_, err := r.db.ExecContext(ctx, `UPDATE chats AS c
        SET last_message_at = v.ts, updated_at = NOW()
        FROM (SELECT UNNEST($1::uuid[]) AS id, UNNEST($2::timestamptz[]) AS ts) AS v
        WHERE c.id = v.id AND (c.last_message_at IS NULL OR c.last_message_at < v.ts)`,
		pq.Array(ids), pq.Array(stamps))
	return err
}
