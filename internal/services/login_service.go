package services

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"ozbot/internal/logger"
	"ozbot/internal/models"
	"ozbot/internal/realtime"
	"ozbot/internal/repositories"
	"ozbot/internal/utils"
)

var (
	ErrStorageUnavailable = errors.New("login storage unavailable")
	ErrIdentityResolution = errors.New("identity resolution failed")
)

const maxIssueAttempts = 3

type LoginConfig struct {
	BotURL       string // https://t.me/<bot_username>
	TTL          time.Duration
	TokenBytes   int
	PollInterval time.Duration
	// SweepGrace: сколько держать истёкшие записи до удаления.
	SweepGrace time.Duration
}

type LoginTicket struct {
	Token        string
	DeepLinkURL  string
	ExpiresAt    time.Time
	PollInterval time.Duration
}

type ClaimOutcome struct {
	Result      models.ClaimResult
	User        *models.User
	UserCreated bool
}

// LoginStatus отдаётся поллеру. State: pending, expired, not_found, authenticated.
type LoginStatus struct {
	Authenticated   bool
	State           string
	User            *models.User
	AccessToken     string
	AccessExpiresAt time.Time
	// ExpiresAt: срок попытки, пока она pending.
	ExpiresAt       time.Time
}

const (
	StatusPending       = "pending"
	StatusExpired       = "expired"
	StatusNotFound      = "not_found"
	StatusAuthenticated = "authenticated"
)

type LoginService interface {
	StartLogin(ctx context.Context) (*LoginTicket, error)
	ClaimFromBot(ctx context.Context, token string, from models.TelegramIdentity) (*ClaimOutcome, error)
	CheckStatus(ctx context.Context, token string) (*LoginStatus, error)
	Sweep(ctx context.Context) (int64, error)
	RunSweeper(ctx context.Context, interval time.Duration)
	PollInterval() time.Duration
	TTL() time.Duration
}

type loginService struct {
	attempts repositories.LoginAttemptRepository
	users    repositories.UserRepository
	auth     AuthService
	hub      *realtime.LoginHub
	cfg      LoginConfig
	now      func() time.Time
}

func NewLoginService(
	attempts repositories.LoginAttemptRepository,
	users repositories.UserRepository,
	auth AuthService,
	hub *realtime.LoginHub,
	cfg LoginConfig,
) LoginService {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.TokenBytes <= 0 {
		cfg.TokenBytes = utils.DefaultTokenBytes
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SweepGrace <= 0 {
		cfg.SweepGrace = 10 * time.Minute
	}
	return &loginService{attempts: attempts, users: users, auth: auth, hub: hub, cfg: cfg, now: time.Now}
}

// classifiedError держит в цепочке и класс ошибки (для errors.Is), и исходную причину.
type classifiedError struct {
	kind  error
	cause error
}

func (e *classifiedError) Error() string { return e.kind.Error() + ": " + e.cause.Error() }
func (e *classifiedError) Unwrap() []error { return []error{e.kind, e.cause} }

func storageErr(op string, err error) error {
	return errors.Wrap(&classifiedError{kind: ErrStorageUnavailable, cause: err}, op)
}

func identityErr(op string, err error) error {
	return errors.Wrap(&classifiedError{kind: ErrIdentityResolution, cause: err}, op)
}

func (s *loginService) PollInterval() time.Duration { return s.cfg.PollInterval }
func (s *loginService) TTL() time.Duration          { return s.cfg.TTL }

func (s *loginService) StartLogin(ctx context.Context) (*LoginTicket, error) {
	for i := 0; i < maxIssueAttempts; i++ {
		token, err := utils.NewLoginToken(s.cfg.TokenBytes)
		if err != nil {
			return nil, errors.Wrap(err, "generate login token")
		}
		now := s.now()
		a := &models.LoginAttempt{Token: token, CreatedAt: now, ExpiresAt: now.Add(s.cfg.TTL)}
		err = s.attempts.Create(ctx, a)
		if errors.Is(err, repositories.ErrTokenExists) {
			logger.Warn("[login][start] token collision, regenerating", zap.Int("attempt", i+1))
			continue
		}
		if err != nil {
			return nil, storageErr("start login", err)
		}
		logger.Info("[login][start] issued",
			zap.String("token", utils.ShortToken(token)),
			zap.Time("expires_at", a.ExpiresAt))
		return &LoginTicket{
			Token:        token,
			DeepLinkURL:  DeepLink(s.cfg.BotURL, token),
			ExpiresAt:    a.ExpiresAt,
			PollInterval: s.cfg.PollInterval,
		}, nil
	}
	return nil, errors.New("could not mint a unique login token")
}

// DeepLink строит <bot-url>?start=<token>, сохраняя существующие параметры.
func DeepLink(botURL, token string) string {
	u, err := url.Parse(strings.TrimSpace(botURL))
	if err != nil || u.Host == "" {
		return strings.TrimRight(botURL, "?&") + "?start=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("start", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// ClaimFromBot сначала смотрит на запись и создаёт пользователя, и только потом
// забирает токен: claimed-токен никогда не остаётся без пользователя.
func (s *loginService) ClaimFromBot(ctx context.Context, token string, from models.TelegramIdentity) (*ClaimOutcome, error) {
	short := utils.ShortToken(token)
	if !utils.ValidLoginToken(token) {
		logger.Info("[login][claim] malformed token", zap.Int64("telegram_id", from.ID))
		return &ClaimOutcome{Result: models.ClaimNotFound}, nil
	}
	now := s.now()

	a, err := s.attempts.Get(ctx, token)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		logger.Info("[login][claim] unknown token", zap.String("token", short), zap.Int64("telegram_id", from.ID))
		return &ClaimOutcome{Result: models.ClaimNotFound}, nil
	case err != nil:
		return nil, storageErr("claim lookup", err)
	}
	switch a.StateAt(now) {
	case models.LoginClaimed:
		return &ClaimOutcome{Result: models.ClaimAlreadyClaimed}, nil
	case models.LoginExpired:
		return &ClaimOutcome{Result: models.ClaimExpired}, nil
	}

	user, created, err := s.users.FindOrCreateByTelegram(ctx, from)
	if err != nil {
		logger.Error("[login][claim] user upsert failed",
			zap.String("token", short), zap.Int64("telegram_id", from.ID), zap.Error(err))
		return nil, identityErr("user upsert", err)
	}

	res, err := s.attempts.TryClaim(ctx, token, from.ID, now)
	if err != nil {
		return nil, storageErr("claim", err)
	}
	out := &ClaimOutcome{Result: res}
	if res == models.ClaimOK {
		out.User = user
		out.UserCreated = created
		s.hub.Publish(token)
	}
	logger.Info("[login][claim] resolved",
		zap.String("token", short),
		zap.Int64("telegram_id", from.ID),
		zap.String("result", string(res)),
		zap.Bool("user_created", out.UserCreated))
	return out, nil
}

func (s *loginService) CheckStatus(ctx context.Context, token string) (*LoginStatus, error) {
	if !utils.ValidLoginToken(token) {
		return &LoginStatus{State: StatusNotFound}, nil
	}
	a, err := s.attempts.Get(ctx, token)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return &LoginStatus{State: StatusNotFound}, nil
	case err != nil:
		return nil, storageErr("status lookup", err)
	}

	switch a.StateAt(s.now()) {
	case models.LoginPending:
		return &LoginStatus{State: StatusPending, ExpiresAt: a.ExpiresAt}, nil
	case models.LoginExpired:
		return &LoginStatus{State: StatusExpired}, nil
	}

	if a.TelegramID == nil {
		return nil, s.abandon(ctx, token, identityErr("status", errors.New("claimed attempt without identity")))
	}
	user, err := s.users.GetByTelegramID(ctx, *a.TelegramID)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return nil, s.abandon(ctx, token, identityErr("status user lookup", err))
	case err != nil:
		return nil, storageErr("status user lookup", err)
	}

	retired, err := s.attempts.Retire(ctx, token)
	if err != nil {
		return nil, storageErr("retire", err)
	}
	if !retired {
		// параллельный опрос уже забрал результат
		return &LoginStatus{State: StatusNotFound}, nil
	}

	st := &LoginStatus{Authenticated: true, State: StatusAuthenticated, User: user}
	if s.auth != nil {
		access, exp, err := s.auth.IssueAccessToken(user)
		if err != nil {
			return nil, err
		}
		st.AccessToken = access
		st.AccessExpiresAt = exp
	}
	logger.Info("[login][status] consumed",
		zap.String("token", utils.ShortToken(token)),
		zap.Int("user_id", user.ID))
	return st, nil
}

// abandon снимает claimed-токен, чей пользователь не нашёлся: ошибка уходит
// один раз, следующие опросы получают not_found, а не 500 до конца TTL.
func (s *loginService) abandon(ctx context.Context, token string, cause error) error {
	logger.Error("[login][status] identity not resolvable, retiring token",
		zap.String("token", utils.ShortToken(token)), zap.Error(cause))
	if _, err := s.attempts.Retire(ctx, token); err != nil {
		return storageErr("retire", err)
	}
	return cause
}

func (s *loginService) Sweep(ctx context.Context) (int64, error) {
	n, err := s.attempts.DeleteExpired(ctx, s.now().Add(-s.cfg.SweepGrace))
	if err != nil {
		return 0, storageErr("sweep", err)
	}
	return n, nil
}

// RunSweeper: фоновая уборка, корректность от неё не зависит.
func (s *loginService) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				logger.Warn("[login][sweep] failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("[login][sweep] removed", zap.Int64("count", n))
			}
		}
	}
}
