package repositories

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"ozbot/internal/models"
)

// UserRepository — внешний по отношению к логину справочник пользователей.
// Логину нужны только поиск по Telegram ID и create-if-absent.
type UserRepository interface {
	// FindOrCreateByTelegram идемпотентен; created=true только у вставившего.
	FindOrCreateByTelegram(ctx context.Context, id models.TelegramIdentity) (u *models.User, created bool, err error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	GetByID(ctx context.Context, id int) (*models.User, error)
}

type userRepository struct {
	DB *sql.DB
}

func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{DB: db}
}

const userColumns = `id, telegram_id, username, first_name, last_name, language_code, created_at`

func (r *userRepository) FindOrCreateByTelegram(ctx context.Context, id models.TelegramIdentity) (*models.User, bool, error) {
	// xmax = 0 только у только что вставленной строки
	const q = `
		INSERT INTO users (telegram_id, username, first_name, last_name, language_code)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (telegram_id) DO UPDATE SET
			username      = EXCLUDED.username,
			first_name    = EXCLUDED.first_name,
			last_name     = EXCLUDED.last_name,
			language_code = EXCLUDED.language_code
		RETURNING ` + userColumns + `, (xmax = 0) AS created
	`
	u := &models.User{}
	var created bool
	err := r.DB.QueryRowContext(ctx, q, id.ID, id.Username, id.FirstName, id.LastName, id.LanguageCode).Scan(
		&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &u.LanguageCode, &u.CreatedAt, &created,
	)
	if err != nil {
		return nil, false, errors.Wrap(err, "user upsert by telegram")
	}
	return u, created, nil
}

func (r *userRepository) GetByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = $1`, telegramID)
}

func (r *userRepository) GetByID(ctx context.Context, id int) (*models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *userRepository) getOne(ctx context.Context, q string, arg any) (*models.User, error) {
	u := &models.User{}
	err := r.DB.QueryRowContext(ctx, q, arg).Scan(
		&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &u.LanguageCode, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "user get")
	}
	return u, nil
}

type memoryUserRepository struct {
	mu     sync.Mutex
	nextID int
	byTG   map[int64]*models.User
}

func NewMemoryUserRepository() UserRepository {
	return &memoryUserRepository{nextID: 1, byTG: make(map[int64]*models.User)}
}

func (r *memoryUserRepository) FindOrCreateByTelegram(_ context.Context, id models.TelegramIdentity) (*models.User, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byTG[id.ID]; ok {
		u.Username, u.FirstName, u.LastName, u.LanguageCode = id.Username, id.FirstName, id.LastName, id.LanguageCode
		cp := *u
		return &cp, false, nil
	}
	u := &models.User{
		ID:           r.nextID,
		TelegramID:   id.ID,
		Username:     id.Username,
		FirstName:    id.FirstName,
		LastName:     id.LastName,
		LanguageCode: id.LanguageCode,
		CreatedAt:    time.Now(),
	}
	r.nextID++
	r.byTG[id.ID] = u
	cp := *u
	return &cp, true, nil
}

func (r *memoryUserRepository) GetByTelegramID(_ context.Context, telegramID int64) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byTG[telegramID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memoryUserRepository) GetByID(_ context.Context, id int) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byTG {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}
