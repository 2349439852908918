package services

import (
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"

	"ozbot/internal/models"
)

var ErrInvalidAccessToken = errors.New("invalid or expired access token")

type Claims struct {
	UserID     int   `json:"user_id"`
	TelegramID int64 `json:"telegram_id"`
	jwt.RegisteredClaims
}

// AuthService выпускает короткий access JWT после успешного входа через бота.
type AuthService interface {
	IssueAccessToken(u *models.User) (string, time.Time, error)
	ParseAccessToken(tokenStr string) (*Claims, error)
}

type authService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthService(secret string, ttl time.Duration) AuthService {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &authService{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *authService) IssueAccessToken(u *models.User) (string, time.Time, error) {
	if u == nil {
		return "", time.Time{}, errors.New("nil user")
	}
	now := s.now()
	exp := now.Add(s.ttl)
	claims := &Claims{
		UserID:     u.ID,
		TelegramID: u.TelegramID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.Itoa(u.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign access token")
	}
	return signed, exp, nil
}

func (s *authService) ParseAccessToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		// только HMAC
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidAccessToken
	}
	return claims, nil
}
