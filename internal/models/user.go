package models

import "time"

type User struct {
	ID           int       `json:"id"`
	TelegramID   int64     `json:"telegram_id"`
	Username     string    `json:"username,omitempty"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name,omitempty"`
	LanguageCode string    `json:"language_code,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TelegramIdentity — кто прислал /start (данные из апдейта Telegram).
type TelegramIdentity struct {
	ID           int64
	ChatID       int64
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
}
