package repositories

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"ozbot/internal/models"
)

var redisLoginCreateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "state", "pending", "created_at", ARGV[1], "expires_at", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

var redisLoginClaimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return "not_found"
end
if redis.call("HGET", KEYS[1], "state") == "claimed" then
  return "already_claimed"
end
local expires_at = tonumber(redis.call("HGET", KEYS[1], "expires_at"))
if tonumber(ARGV[2]) >= expires_at then
  return "expired"
end
redis.call("HSET", KEYS[1], "state", "claimed", "telegram_id", ARGV[1], "claimed_at", ARGV[2])
return "claimed"
`)

var redisLoginRetireScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "state") == "claimed" then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

// redisLoginAttemptRepository — общий для нескольких процессов вариант.
// Мусор убирает сам Redis через TTL ключа (время жизни токена + retention).
type redisLoginAttemptRepository struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewRedisLoginAttemptRepository(client redis.UniversalClient, prefix string, retention time.Duration) LoginAttemptRepository {
	if prefix == "" {
		prefix = "login"
	}
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &redisLoginAttemptRepository{client: client, prefix: prefix, retention: retention}
}

func (r *redisLoginAttemptRepository) key(token string) string {
	return fmt.Sprintf("%s:%s", r.prefix, token)
}

func (r *redisLoginAttemptRepository) Create(ctx context.Context, a *models.LoginAttempt) error {
	ttl := a.ExpiresAt.Sub(a.CreatedAt) + r.retention
	created, err := redisLoginCreateScript.Run(ctx, r.client,
		[]string{r.key(a.Token)},
		a.CreatedAt.UnixMilli(),
		a.ExpiresAt.UnixMilli(),
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return errors.Wrap(err, "redis login create")
	}
	if created == 0 {
		return ErrTokenExists
	}
	a.State = models.LoginPending
	return nil
}

func (r *redisLoginAttemptRepository) Get(ctx context.Context, token string) (*models.LoginAttempt, error) {
	fields, err := r.client.HGetAll(ctx, r.key(token)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis login get")
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	a := &models.LoginAttempt{
		Token:     token,
		State:     models.LoginState(fields["state"]),
		CreatedAt: msToTime(fields["created_at"]),
		ExpiresAt: msToTime(fields["expires_at"]),
	}
	if v, ok := fields["telegram_id"]; ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "redis login telegram_id")
		}
		a.TelegramID = &id
	}
	if v, ok := fields["claimed_at"]; ok {
		t := msToTime(v)
		a.ClaimedAt = &t
	}
	return a, nil
}

func (r *redisLoginAttemptRepository) TryClaim(ctx context.Context, token string, telegramID int64, now time.Time) (models.ClaimResult, error) {
	res, err := redisLoginClaimScript.Run(ctx, r.client,
		[]string{r.key(token)},
		telegramID,
		now.UnixMilli(),
	).Text()
	if err != nil {
		return "", errors.Wrap(err, "redis login claim")
	}
	switch models.ClaimResult(res) {
	case models.ClaimOK, models.ClaimAlreadyClaimed, models.ClaimExpired, models.ClaimNotFound:
		return models.ClaimResult(res), nil
	default:
		return "", errors.Errorf("unexpected redis claim result %q", res)
	}
}

func (r *redisLoginAttemptRepository) Retire(ctx context.Context, token string) (bool, error) {
	n, err := redisLoginRetireScript.Run(ctx, r.client, []string{r.key(token)}).Int64()
	if err != nil {
		return false, errors.Wrap(err, "redis login retire")
	}
	return n == 1, nil
}

// DeleteExpired ничего не делает: ключи истекают сами.
func (r *redisLoginAttemptRepository) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func msToTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
