package utils

import (
	"crypto/rand"
	"encoding/base64"
	"regexp"
)

const (
	MinTokenBytes     = 16 // 128 бит
	MaxTokenBytes     = 48 // 64 символа base64url — лимит start-параметра Telegram
	DefaultTokenBytes = 32
)

var loginTokenRe = regexp.MustCompile(`^[A-Za-z0-9_-]{22,64}$`)

// NewLoginToken возвращает URL-safe токен из nBytes случайных байт.
func NewLoginToken(nBytes int) (string, error) {
	switch {
	case nBytes <= 0:
		nBytes = DefaultTokenBytes
	case nBytes < MinTokenBytes:
		nBytes = MinTokenBytes
	case nBytes > MaxTokenBytes:
		nBytes = MaxTokenBytes
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidLoginToken проверяет форму токена до похода в хранилище.
func ValidLoginToken(s string) bool {
	return loginTokenRe.MatchString(s)
}

// ShortToken — безопасный для логов префикс.
func ShortToken(s string) string {
	if len(s) <= 6 {
		return s
	}
	return s[:6] + "…"
}
