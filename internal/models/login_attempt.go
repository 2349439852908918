package models

import "time"

type LoginState string

const (
	LoginPending LoginState = "pending"
	LoginClaimed LoginState = "claimed"
	LoginExpired LoginState = "expired"
)

// LoginAttempt — одна попытка входа через Telegram.
// В хранилище живут только pending и claimed; expired вычисляется по ExpiresAt.
type LoginAttempt struct {
	Token      string     `json:"-"`
	State      LoginState `json:"state"`
	TelegramID *int64     `json:"telegram_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
}

// StateAt возвращает фактическое состояние на момент now.
func (a *LoginAttempt) StateAt(now time.Time) LoginState {
	if a.State == LoginClaimed {
		return LoginClaimed
	}
	if !now.Before(a.ExpiresAt) {
		return LoginExpired
	}
	return LoginPending
}

type ClaimResult string

const (
	ClaimOK             ClaimResult = "claimed"
	ClaimAlreadyClaimed ClaimResult = "already_claimed"
	ClaimExpired        ClaimResult = "expired"
	ClaimNotFound       ClaimResult = "not_found"
)

type LoginStartResponse struct {
	Token        string    `json:"token"`
	DeepLinkURL  string    `json:"deep_link_url"`
	ExpiresAt    time.Time `json:"expires_at"`
	PollInterval int       `json:"poll_interval_seconds"`
}

type LoginStatusRequest struct {
	Token string `json:"token" binding:"required"`
}

// LoginStatusResponse.State: pending, expired, not_found, authenticated.
// Клиент прекращает опрос на любом состоянии, кроме pending.
type LoginStatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	State         string `json:"state"`
	User          *User  `json:"user,omitempty"`
	AccessToken   string `json:"access_token,omitempty"`
}
