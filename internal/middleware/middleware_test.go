package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"ozbot/internal/models"
	"ozbot/internal/services"
)

func init() { gin.SetMode(gin.TestMode) }

func TestRateLimiterAllowsBurstThenDenies(t *testing.T) {
	l := NewRateLimiter(60, 2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("1.2.3.4"); !ok {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	ok, retry := l.Allow("1.2.3.4")
	if ok || retry <= 0 {
		t.Fatalf("expected denial with retry-after, got ok=%v retry=%v", ok, retry)
	}
	if ok, _ := l.Allow("5.6.7.8"); !ok {
		t.Fatal("other clients must have their own bucket")
	}

	l.now = func() time.Time { return base.Add(2 * time.Second) }
	if ok, _ := l.Allow("1.2.3.4"); !ok {
		t.Fatal("expected bucket to refill")
	}
}

func TestRateLimiterMiddlewareReturns429(t *testing.T) {
	l := NewRateLimiter(1, 1)
	r := gin.New()
	r.POST("/login/start", l.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := []int{}
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login/start", nil))
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
			t.Fatal("expected Retry-After header")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("test-secret", time.Minute)
	tok, _, err := auth.IssueAccessToken(&models.User{ID: 9, TelegramID: 42})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	r := gin.New()
	r.GET("/me", AuthMiddleware(auth), func(c *gin.Context) {
		uid, _ := c.Get("user_id")
		c.JSON(http.StatusOK, gin.H{"user_id": uid})
	})

	cases := []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"Token abc", http.StatusUnauthorized},
		{"Bearer garbage", http.StatusUnauthorized},
		{"Bearer " + tok, http.StatusOK},
		{"bearer " + tok, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("header %q: expected %d, got %d (%s)", tc.header, tc.want, w.Code, w.Body.String())
		}
	}
}

func TestRequestIDGeneratedAndPropagated(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), AccessLog())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if len(w.Header().Get(RequestIDHeader)) != 36 {
		t.Fatalf("expected generated uuid, got %q", w.Header().Get(RequestIDHeader))
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "req-123" {
		t.Fatalf("expected propagated id, got %q", got)
	}
}
