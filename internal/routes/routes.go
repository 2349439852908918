package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ozbot/internal/handlers"
	"ozbot/internal/middleware"
	"ozbot/internal/services"
)

func SetupRoutes(
	r *gin.Engine,
	loginHandler *handlers.LoginHandler,
	telegramHandler *handlers.TelegramHandler, // может быть nil, если бот не настроен
	userHandler *handlers.UserHandler,
	authService services.AuthService,
	limiter *middleware.RateLimiter, // nil — без лимита
) *gin.Engine {

	// ---- public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	login := r.Group("/login")
	if limiter != nil {
		login.Use(limiter.Middleware())
	}
	{
		login.POST("/start", loginHandler.Start)
		login.POST("/status", loginHandler.Status)
		login.GET("/stream/:token", loginHandler.Stream)
	}

	// Telegram webhook публикуем только если есть бот
	if telegramHandler != nil {
		r.POST("/integrations/telegram/webhook", telegramHandler.Webhook)
	}

	// ---- protected
	authed := r.Group("/", middleware.AuthMiddleware(authService))
	{
		authed.GET("/me", userHandler.Me)
	}

	return r
}
