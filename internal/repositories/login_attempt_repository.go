package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
	"github.com/lib/pq"

	"ozbot/internal/models"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrTokenExists = errors.New("token already exists")
)

// LoginAttemptRepository — хранилище попыток входа.
// TryClaim обязан быть атомарным: из параллельных вызовов на один токен
// ClaimOK получает ровно один.
type LoginAttemptRepository interface {
	Create(ctx context.Context, a *models.LoginAttempt) error
	Get(ctx context.Context, token string) (*models.LoginAttempt, error)
	TryClaim(ctx context.Context, token string, telegramID int64, now time.Time) (models.ClaimResult, error)
	// Retire удаляет claimed-запись; true только у того, кто удалил.
	Retire(ctx context.Context, token string) (bool, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type loginAttemptRepository struct{ db *sql.DB }

func NewLoginAttemptRepository(db *sql.DB) LoginAttemptRepository {
	return &loginAttemptRepository{db: db}
}

func (r *loginAttemptRepository) Create(ctx context.Context, a *models.LoginAttempt) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO login_attempts (token, state, created_at, expires_at)
		VALUES ($1, 'pending', $2, $3)
	`, a.Token, a.CreatedAt, a.ExpiresAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrTokenExists
		}
		return errors.Wrap(err, "login attempt create")
	}
	a.State = models.LoginPending
	return nil
}

func (r *loginAttemptRepository) Get(ctx context.Context, token string) (*models.LoginAttempt, error) {
	var (
		a         models.LoginAttempt
		state     string
		tgID      sql.NullInt64
		claimedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT token, state, telegram_id, created_at, expires_at, claimed_at
		FROM login_attempts
		WHERE token = $1
	`, token).Scan(&a.Token, &state, &tgID, &a.CreatedAt, &a.ExpiresAt, &claimedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "login attempt get")
	}
	a.State = models.LoginState(state)
	if tgID.Valid {
		id := tgID.Int64
		a.TelegramID = &id
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		a.ClaimedAt = &t
	}
	return &a, nil
}

func (r *loginAttemptRepository) TryClaim(ctx context.Context, token string, telegramID int64, now time.Time) (models.ClaimResult, error) {
	// условный UPDATE — сам по себе compare-and-swap по state
	res, err := r.db.ExecContext(ctx, `
		UPDATE login_attempts
		SET state = 'claimed', telegram_id = $2, claimed_at = $3
		WHERE token = $1 AND state = 'pending' AND expires_at > $3
	`, token, telegramID, now)
	if err != nil {
		return "", errors.Wrap(err, "login attempt claim")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", errors.Wrap(err, "login attempt claim rows")
	}
	if n == 1 {
		return models.ClaimOK, nil
	}

	var state string
	err = r.db.QueryRowContext(ctx, `SELECT state FROM login_attempts WHERE token = $1`, token).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return models.ClaimNotFound, nil
	case err != nil:
		return "", errors.Wrap(err, "login attempt classify")
	case models.LoginState(state) == models.LoginClaimed:
		return models.ClaimAlreadyClaimed, nil
	default:
		return models.ClaimExpired, nil
	}
}

func (r *loginAttemptRepository) Retire(ctx context.Context, token string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM login_attempts WHERE token = $1 AND state = 'claimed'`, token)
	if err != nil {
		return false, errors.Wrap(err, "login attempt retire")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "login attempt retire rows")
	}
	return n == 1, nil
}

func (r *loginAttemptRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM login_attempts WHERE expires_at < $1`, before)
	if err != nil {
		return 0, errors.Wrap(err, "login attempt sweep")
	}
	return res.RowsAffected()
}
