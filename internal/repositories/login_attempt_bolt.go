package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"

	"ozbot/internal/models"
)

var loginAttemptsBucket = []byte("login_attempts")

// boltLoginAttemptRepository — персистентный вариант для одного узла.
// bbolt сериализует write-транзакции, поэтому claim атомарен.
type boltLoginAttemptRepository struct {
	db *bbolt.DB
}

func NewBoltLoginAttemptRepository(db *bbolt.DB) (LoginAttemptRepository, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(loginAttemptsBucket)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "bolt create bucket")
	}
	return &boltLoginAttemptRepository{db: db}, nil
}

func (r *boltLoginAttemptRepository) Create(_ context.Context, a *models.LoginAttempt) error {
	a.State = models.LoginPending
	a.TelegramID = nil
	a.ClaimedAt = nil
	raw, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "bolt login encode")
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(loginAttemptsBucket)
		if b.Get([]byte(a.Token)) != nil {
			return ErrTokenExists
		}
		return b.Put([]byte(a.Token), raw)
	})
	if errors.Is(err, ErrTokenExists) {
		return err
	}
	if err != nil {
		return errors.Wrap(err, "bolt login create")
	}
	return nil
}

func (r *boltLoginAttemptRepository) Get(_ context.Context, token string) (*models.LoginAttempt, error) {
	var a *models.LoginAttempt
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		a, err = decodeBoltAttempt(token, tx.Bucket(loginAttemptsBucket).Get([]byte(token)))
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "bolt login get")
	}
	if a == nil {
		return nil, ErrNotFound
	}
	return a, nil
}

func (r *boltLoginAttemptRepository) TryClaim(_ context.Context, token string, telegramID int64, now time.Time) (models.ClaimResult, error) {
	var res models.ClaimResult
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(loginAttemptsBucket)
		a, err := decodeBoltAttempt(token, b.Get([]byte(token)))
		if err != nil {
			return err
		}
		if a == nil {
			res = models.ClaimNotFound
			return nil
		}
		switch a.StateAt(now) {
		case models.LoginClaimed:
			res = models.ClaimAlreadyClaimed
			return nil
		case models.LoginExpired:
			res = models.ClaimExpired
			return nil
		}
		id := telegramID
		at := now
		a.State = models.LoginClaimed
		a.TelegramID = &id
		a.ClaimedAt = &at
		raw, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(token), raw); err != nil {
			return err
		}
		res = models.ClaimOK
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "bolt login claim")
	}
	return res, nil
}

func (r *boltLoginAttemptRepository) Retire(_ context.Context, token string) (bool, error) {
	retired := false
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(loginAttemptsBucket)
		a, err := decodeBoltAttempt(token, b.Get([]byte(token)))
		if err != nil || a == nil || a.State != models.LoginClaimed {
			return err
		}
		retired = true
		return b.Delete([]byte(token))
	})
	if err != nil {
		return false, errors.Wrap(err, "bolt login retire")
	}
	return retired, nil
}

func (r *boltLoginAttemptRepository) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	var n int64
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(loginAttemptsBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			a, err := decodeBoltAttempt(string(k), v)
			if err != nil {
				return err
			}
			if a.ExpiresAt.Before(before) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		// удалять внутри ForEach нельзя
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "bolt login sweep")
	}
	return n, nil
}

func decodeBoltAttempt(token string, raw []byte) (*models.LoginAttempt, error) {
	if raw == nil {
		return nil, nil
	}
	var a models.LoginAttempt
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	a.Token = token
	return &a, nil
}
