package repositories

import (
	"context"
	"sync"
	"time"

	"ozbot/internal/models"
)

// memoryLoginAttemptRepository годится только если бот и HTTP живут
// в одном процессе: другой процесс этих записей не увидит.
type memoryLoginAttemptRepository struct {
	mu       sync.Mutex
	attempts map[string]models.LoginAttempt
}

func NewMemoryLoginAttemptRepository() LoginAttemptRepository {
	return &memoryLoginAttemptRepository{attempts: make(map[string]models.LoginAttempt)}
}

func (r *memoryLoginAttemptRepository) Create(_ context.Context, a *models.LoginAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attempts[a.Token]; ok {
		return ErrTokenExists
	}
	a.State = models.LoginPending
	a.TelegramID = nil
	a.ClaimedAt = nil
	r.attempts[a.Token] = *a
	return nil
}

func (r *memoryLoginAttemptRepository) Get(_ context.Context, token string) (*models.LoginAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[token]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (r *memoryLoginAttemptRepository) TryClaim(_ context.Context, token string, telegramID int64, now time.Time) (models.ClaimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[token]
	if !ok {
		return models.ClaimNotFound, nil
	}
	switch a.StateAt(now) {
	case models.LoginClaimed:
		return models.ClaimAlreadyClaimed, nil
	case models.LoginExpired:
		return models.ClaimExpired, nil
	}
	id := telegramID
	at := now
	a.State = models.LoginClaimed
	a.TelegramID = &id
	a.ClaimedAt = &at
	r.attempts[token] = a
	return models.ClaimOK, nil
}

func (r *memoryLoginAttemptRepository) Retire(_ context.Context, token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[token]
	if !ok || a.State != models.LoginClaimed {
		return false, nil
	}
	delete(r.attempts, token)
	return true, nil
}

func (r *memoryLoginAttemptRepository) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for tok, a := range r.attempts {
		if a.ExpiresAt.Before(before) {
			delete(r.attempts, tok)
			n++
		}
	}
	return n, nil
}
