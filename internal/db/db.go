package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Connect opens the Postgres pool and applies migrations.
func Connect(ctx context.Context, dsn string, log *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database migrations applied", zap.Int("count", len(migrations)))
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id UUID PRIMARY KEY,
            email TEXT NOT NULL,
            role TEXT NOT NULL,
            active BOOLEAN NOT NULL DEFAULT TRUE
        );`,
	`CREATE TABLE IF NOT EXISTS auth_sessions (
            id UUID PRIMARY KEY,
            user_id UUID NOT NULL,
            revoked_at TIMESTAMPTZ
        );`,
	`CREATE TABLE IF NOT EXISTS chats (
            id UUID PRIMARY KEY,
            status TEXT NOT NULL,
            initiator_id UUID NOT NULL,
            company_id UUID NOT NULL,
            player_id UUID NOT NULL,
            closed_by UUID,
            declined_at TIMESTAMPTZ,
            accepted_at TIMESTAMPTZ,
            expires_at TIMESTAMPTZ,
            extension_count INT NOT NULL DEFAULT 0 CHECK (extension_count BETWEEN 0 AND 3),
            request_message_count INT NOT NULL DEFAULT 0,
            last_message_at TIMESTAMPTZ,
            deleted_by JSONB NOT NULL DEFAULT '{}'::jsonb,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE INDEX IF NOT EXISTS chats_pair_idx ON chats (company_id, player_id, created_at DESC);`,
	`CREATE INDEX IF NOT EXISTS chats_pending_idx ON chats (status, initiator_id);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS chats_open_pair_idx ON chats (company_id, player_id)
        WHERE status IN ('PENDING', 'ACCEPTED');`,
	`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            chat_id UUID NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
            sender_id UUID NOT NULL,
            content TEXT NOT NULL DEFAULT '',
            attachments JSONB NOT NULL DEFAULT '[]'::jsonb,
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ,
            delivered_at TIMESTAMPTZ,
            read_at TIMESTAMPTZ
        );`,
	`CREATE INDEX IF NOT EXISTS messages_chat_created_idx ON messages (chat_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS chat_events (
            id BIGSERIAL PRIMARY KEY,
            chat_id UUID NOT NULL,
            actor_id TEXT NOT NULL,
            event TEXT NOT NULL,
            payload JSONB NOT NULL DEFAULT '{}'::jsonb,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS hire_requests (
            chat_id UUID PRIMARY KEY REFERENCES chats(id) ON DELETE CASCADE,
            outcome TEXT NOT NULL,
            confirmed_email TEXT NOT NULL,
            confirmed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
