package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ozbot/internal/models"
	"ozbot/internal/realtime"
	"ozbot/internal/repositories"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type loginFixture struct {
	svc      LoginService
	attempts repositories.LoginAttemptRepository
	users    repositories.UserRepository
	hub      *realtime.LoginHub
	clock    *testClock
}

func newLoginFixture(t *testing.T, ttl time.Duration) *loginFixture {
	t.Helper()
	f := &loginFixture{
		attempts: repositories.NewMemoryLoginAttemptRepository(),
		users:    repositories.NewMemoryUserRepository(),
		hub:      realtime.NewLoginHub(),
		clock:    &testClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	f.svc = NewLoginService(f.attempts, f.users, NewAuthService("test-secret", time.Minute), f.hub, LoginConfig{
		BotURL: "https://t.me/ozbot_test_bot",
		TTL:    ttl,
	})
	f.svc.(*loginService).now = f.clock.Now
	return f
}

var u42 = models.TelegramIdentity{ID: 42, ChatID: 42, FirstName: "Aziz", Username: "aziz", LanguageCode: "uz"}

func TestStartLoginIssuesPendingTokenAndDeepLink(t *testing.T) {
	f := newLoginFixture(t, 5*time.Minute)
	ticket, err := f.svc.StartLogin(context.Background())
	if err != nil {
		t.Fatalf("start login: %v", err)
	}
	if ticket.DeepLinkURL != "https://t.me/ozbot_test_bot?start="+ticket.Token {
		t.Fatalf("unexpected deep link %q", ticket.DeepLinkURL)
	}
	if !ticket.ExpiresAt.Equal(f.clock.Now().Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", ticket.ExpiresAt)
	}
	a, err := f.attempts.Get(context.Background(), ticket.Token)
	if err != nil {
		t.Fatalf("stored attempt: %v", err)
	}
	if a.State != models.LoginPending {
		t.Fatalf("expected pending, got %s", a.State)
	}

	other, err := f.svc.StartLogin(context.Background())
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if other.Token == ticket.Token {
		t.Fatal("tokens must never repeat across attempts")
	}
}

func TestDeepLinkKeepsExistingQuery(t *testing.T) {
	got := DeepLink("https://t.me/ozbot?foo=bar", "abc")
	if got != "https://t.me/ozbot?foo=bar&start=abc" {
		t.Fatalf("unexpected deep link %q", got)
	}
	if got := DeepLink("tg://resolve?domain=ozbot", "abc"); !strings.HasSuffix(got, "start=abc") {
		t.Fatalf("unexpected tg deep link %q", got)
	}
}

func TestHappyPathClaimThenConsumeOnce(t *testing.T) {
	f := newLoginFixture(t, 5*time.Minute)
	ctx := context.Background()
	ticket, err := f.svc.StartLogin(ctx)
	if err != nil {
		t.Fatalf("start login: %v", err)
	}

	st, err := f.svc.CheckStatus(ctx, ticket.Token)
	if err != nil {
		t.Fatalf("status before claim: %v", err)
	}
	if st.Authenticated || st.State != StatusPending {
		t.Fatalf("expected pending, got %+v", st)
	}

	f.clock.Advance(30 * time.Second)
	out, err := f.svc.ClaimFromBot(ctx, ticket.Token, u42)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if out.Result != models.ClaimOK || out.User == nil || out.User.TelegramID != 42 || !out.UserCreated {
		t.Fatalf("unexpected claim outcome %+v", out)
	}

	st, err = f.svc.CheckStatus(ctx, ticket.Token)
	if err != nil {
		t.Fatalf("status after claim: %v", err)
	}
	if !st.Authenticated || st.User == nil || st.User.TelegramID != 42 || st.AccessToken == "" {
		t.Fatalf("expected authenticated user 42, got %+v", st)
	}

	st, err = f.svc.CheckStatus(ctx, ticket.Token)
	if err != nil {
		t.Fatalf("repeat status: %v", err)
	}
	if st.Authenticated || st.State != StatusNotFound {
		t.Fatalf("expected token retired after first success, got %+v", st)
	}
}

func TestDuplicateDeliveryClaimsOnceAndCreatesOneUser(t *testing.T) {
	f := newLoginFixture(t, 5*time.Minute)
	ctx := context.Background()
	ticket, err := f.svc.StartLogin(ctx)
	if err != nil {
		t.Fatalf("start login: %v", err)
	}

	const deliveries = 8
	outs := make([]*ClaimOutcome, deliveries)
	errs := make([]error, deliveries)
	var wg sync.WaitGroup
	wg.Add(deliveries)
	for i := 0; i < deliveries; i++ {
		idx := i
		go func() {
			defer wg.Done()
			outs[idx], errs[idx] = f.svc.ClaimFromBot(ctx, ticket.Token, u42)
		}()
	}
	wg.Wait()

	claimed, created := 0, 0
	for i, out := range outs {
		if errs[i] != nil {
			t.Fatalf("delivery %d: %v", i, errs[i])
		}
		switch out.Result {
		case models.ClaimOK:
			claimed++
			if out.UserCreated {
				created++
			}
		case models.ClaimAlreadyClaimed:
		default:
			t.Fatalf("unexpected result %s", out.Result)
		}
	}
	if claimed != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", claimed)
	}
	if created > 1 {
		t.Fatalf("expected at most one user creation, got %d", created)
	}
	u, err := f.users.GetByTelegramID(ctx, 42)
	if err != nil || u.ID != 1 {
		t.Fatalf("expected single user with id 1, got %+v err=%v", u, err)
	}
}

func TestExpiredTokenRefusesClaimAndStatus(t *testing.T) {
	f := newLoginFixture(t, time.Second)
	ctx := context.Background()
	ticket, err := f.svc.StartLogin(ctx)
	if err != nil {
		t.Fatalf("start login: %v", err)
	}
	f.clock.Advance(2 * time.Second)

	out, err := f.svc.ClaimFromBot(ctx, ticket.Token, models.TelegramIdentity{ID: 7})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if out.Result != models.ClaimExpired {
		t.Fatalf("expected expired, got %s", out.Result)
	}
	if _, err := f.users.GetByTelegramID(ctx, 7); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expired claim must not touch users, got %v", err)
	}

	st, err := f.svc.CheckStatus(ctx, ticket.Token)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Authenticated || st.State != StatusExpired {
		t.Fatalf("expected expired status, got %+v", st)
	}

	// монотонность: дальше тоже только expired
	f.clock.Advance(time.Minute)
	out, err = f.svc.ClaimFromBot(ctx, ticket.Token, u42)
	if err != nil || out.Result != models.ClaimExpired {
		t.Fatalf("expected expired again, got %+v err=%v", out, err)
	}
}

func TestUnknownTokenIsInert(t *testing.T) {
	f := newLoginFixture(t, 5*time.Minute)
	ctx := context.Background()
	token := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

	st, err := f.svc.CheckStatus(ctx, token)
	if err != nil || st.Authenticated || st.State != StatusNotFound {
		t.Fatalf("unexpected status %+v err=%v", st, err)
	}
	out, err := f.svc.ClaimFromBot(ctx, token, u42)
	if err != nil || out.Result != models.ClaimNotFound {
		t.Fatalf("unexpected claim %+v err=%v", out, err)
	}
	out, err = f.svc.ClaimFromBot(ctx, "../etc/passwd", u42)
	if err != nil || out.Result != models.ClaimNotFound {
		t.Fatalf("malformed token: %+v err=%v", out, err)
	}
	if _, err := f.attempts.Get(ctx, token); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("unknown token must not create state, got %v", err)
	}
	if _, err := f.users.GetByTelegramID(ctx, 42); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("unknown token must not touch users, got %v", err)
	}
}

func TestClaimPublishesToHub(t *testing.T) {
	f := newLoginFixture(t, 5*time.Minute)
	ctx := context.Background()
	ticket, err := f.svc.StartLogin(ctx)
	if err != nil {
		t.Fatalf("start login: %v", err)
	}
	woken, cancel := f.hub.Subscribe(ticket.Token)
	defer cancel()

	if _, err := f.svc.ClaimFromBot(ctx, ticket.Token, u42); err != nil {
		t.Fatalf("claim: %v", err)
	}
	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("expected hub notification after claim")
	}
}

type failingAttempts struct {
	repositories.LoginAttemptRepository
}

func (failingAttempts) Create(context.Context, *models.LoginAttempt) error {
	return errors.New("dial tcp: connection refused")
}

func (failingAttempts) Get(context.Context, string) (*models.LoginAttempt, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestStorageFailuresSurfaceAsUnavailable(t *testing.T) {
	f := newLoginFixture(t, time.Minute)
	svc := NewLoginService(failingAttempts{}, f.users, nil, nil, LoginConfig{BotURL: "https://t.me/x"})
	ctx := context.Background()

	if _, err := svc.StartLogin(ctx); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("start: expected ErrStorageUnavailable, got %v", err)
	}
	token := "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	if _, err := svc.CheckStatus(ctx, token); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("status: expected ErrStorageUnavailable, got %v", err)
	}
	if _, err := svc.ClaimFromBot(ctx, token, u42); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("claim: expected ErrStorageUnavailable, got %v", err)
	}
}

type failingUsers struct {
	repositories.UserRepository
}

func (failingUsers) FindOrCreateByTelegram(context.Context, models.TelegramIdentity) (*models.User, bool, error) {
	return nil, false, errors.New("users table locked")
}

func TestIdentityFailureLeavesTokenPending(t *testing.T) {
	f := newLoginFixture(t, 5*time.Minute)
	svc := NewLoginService(f.attempts, failingUsers{}, nil, nil, LoginConfig{BotURL: "https://t.me/x", TTL: 5 * time.Minute})
	ctx := context.Background()
	ticket, err := svc.StartLogin(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.ClaimFromBot(ctx, ticket.Token, u42); !errors.Is(err, ErrIdentityResolution) {
		t.Fatalf("expected ErrIdentityResolution, got %v", err)
	}
	a, err := f.attempts.Get(ctx, ticket.Token)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.State != models.LoginPending {
		t.Fatalf("token must stay pending when user creation fails, got %s", a.State)
	}
}

type collidingAttempts struct {
	repositories.LoginAttemptRepository
	calls int
}

func (c *collidingAttempts) Create(ctx context.Context, a *models.LoginAttempt) error {
	c.calls++
	if c.calls == 1 {
		return repositories.ErrTokenExists
	}
	return c.LoginAttemptRepository.Create(ctx, a)
}

func TestStartLoginRegeneratesOnCollision(t *testing.T) {
	store := &collidingAttempts{LoginAttemptRepository: repositories.NewMemoryLoginAttemptRepository()}
	svc := NewLoginService(store, repositories.NewMemoryUserRepository(), nil, nil, LoginConfig{BotURL: "https://t.me/x"})
	if _, err := svc.StartLogin(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if store.calls != 2 {
		t.Fatalf("expected a retry after collision, got %d calls", store.calls)
	}
}

func TestSweepRemovesLongExpiredAttempts(t *testing.T) {
	f := newLoginFixture(t, time.Minute)
	ctx := context.Background()
	ticket, err := f.svc.StartLogin(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.clock.Advance(2 * time.Minute)
	if n, err := f.svc.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("within grace nothing is swept: n=%d err=%v", n, err)
	}
	f.clock.Advance(time.Hour)
	if n, err := f.svc.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("expected one swept: n=%d err=%v", n, err)
	}
	if _, err := f.attempts.Get(ctx, ticket.Token); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expected swept token gone, got %v", err)
	}
}
