package repositories

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id            SERIAL PRIMARY KEY,
	telegram_id   BIGINT NOT NULL UNIQUE,
	username      TEXT NOT NULL DEFAULT '',
	first_name    TEXT NOT NULL DEFAULT '',
	last_name     TEXT NOT NULL DEFAULT '',
	language_code TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS login_attempts (
	token       TEXT PRIMARY KEY,
	state       TEXT NOT NULL DEFAULT 'pending' CHECK (state IN ('pending', 'claimed')),
	telegram_id BIGINT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	claimed_at  TIMESTAMPTZ NULL,
	CHECK ((state = 'claimed') = (telegram_id IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_login_attempts_expires_at ON login_attempts (expires_at);
`

// EnsureSchema создаёт таблицы, если их ещё нет.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "ensure schema")
	}
	return nil
}
