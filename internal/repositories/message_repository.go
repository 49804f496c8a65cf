package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"negotiation-chat/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `id, chat_id, sender_id, content, attachments, created_at, updated_at, delivered_at, read_at`

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	InsertMessages(ctx context.Context, msgs []models.Message) error
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	ListChatMessages(ctx context.Context, chatID string, since *time.Time, limit int) ([]models.Message, error)
	MarkDelivered(ctx context.Context, messageID string, at time.Time) error
	MarkChatRead(ctx context.Context, chatID, readerID string, upTo time.Time) (int64, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// InsertMessages upserts a batch in one transaction. An edit that arrives
// after the first insert overwrites content and attachments.
func (r *MessageRepo) InsertMessages(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareNamedContext(ctx, `INSERT INTO messages (`+messageColumns+`)
        VALUES (:id, :chat_id, :sender_id, :content, :attachments, :created_at, :updated_at, :delivered_at, :read_at)
        ON CONFLICT (id) DO UPDATE SET
            content = EXCLUDED.content,
            attachments = EXCLUDED.attachments,
            updated_at = EXCLUDED.updated_at,
            delivered_at = COALESCE(messages.delivered_at, EXCLUDED.delivered_at),
            read_at = COALESCE(messages.read_at, EXCLUDED.read_at)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// ListChatMessages returns the newest limit messages created after since, oldest first.
func (r *MessageRepo) ListChatMessages(ctx context.Context, chatID string, since *time.Time, limit int) ([]models.Message, error) {
	var msgs []models.Message
	var err error
	if since != nil {
		err = r.db.SelectContext(ctx, &msgs, `SELECT * FROM (
            SELECT `+messageColumns+` FROM messages WHERE chat_id=$1 AND created_at > $2
            ORDER BY created_at DESC LIMIT $3) m ORDER BY created_at ASC`, chatID, *since, limit)
	} else {
		err = r.db.SelectContext(ctx, &msgs, `SELECT * FROM (
            SELECT `+messageColumns+` FROM messages WHERE chat_id=$1
            ORDER BY created_at DESC LIMIT $2) m ORDER BY created_at ASC`, chatID, limit)
	}
	return msgs, err
}

// MarkDelivered stamps delivered_at on a single message if unset.
func (r *MessageRepo) MarkDelivered(ctx context.Context, messageID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE messages SET delivered_at = $2
        WHERE id=$1 AND delivered_at IS NULL`, messageID, at)
	return err
}

// MarkChatRead stamps delivered_at and read_at on every message the reader
// received in the chat up to upTo.
func (r *MessageRepo) MarkChatRead(ctx context.Context, chatID, readerID string, upTo time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages
        SET delivered_at = COALESCE(delivered_at, $3), read_at = $3
        WHERE chat_id=$1 AND sender_id<>$2 AND read_at IS NULL AND created_at <= $3`,
		chatID, readerID, upTo)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// BatchWriter is the durable side of the message batcher: the insert plus the
// chats' last-message bump.
type BatchWriter struct {
	Messages *MessageRepo
	Chats    *ChatRepo
}

func (w BatchWriter) InsertMessages(ctx context.Context, msgs []models.Message) error {
	return w.Messages.InsertMessages(ctx, msgs)
}

func (w BatchWriter) TouchLastMessage(ctx context.Context, lastByChat map[string]time.Time) error {
	return w.Chats.TouchLastMessage(ctx, lastByChat)
}
