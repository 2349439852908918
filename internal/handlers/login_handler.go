package handlers

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ozbot/internal/logger"
	"ozbot/internal/models"
	"ozbot/internal/realtime"
	"ozbot/internal/services"
	"ozbot/internal/utils"
)

type LoginHandler struct {
	Login services.LoginService
	Hub   *realtime.LoginHub
}

func NewLoginHandler(login services.LoginService, hub *realtime.LoginHub) *LoginHandler {
	return &LoginHandler{Login: login, Hub: hub}
}

// @Summary      Начать вход через Telegram
// @Description  Выдаёт одноразовый токен и deep link на бота
// @Tags         Login
// @Produce      json
// @Success      200  {object}  models.LoginStartResponse
// @Failure      503  {object}  map[string]string
// @Router       /login/start [post]
func (h *LoginHandler) Start(c *gin.Context) {
	ticket, err := h.Login.StartLogin(c.Request.Context())
	if err != nil {
		logger.Error("[login][start] failed", zap.Error(err))
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.LoginStartResponse{
		Token:        ticket.Token,
		DeepLinkURL:  ticket.DeepLinkURL,
		ExpiresAt:    ticket.ExpiresAt,
		PollInterval: int(ticket.PollInterval / time.Second),
	})
}

// @Summary      Проверить статус входа
// @Description  Поллинг: authenticated=false пока токен не подтверждён в боте
// @Tags         Login
// @Accept       json
// @Produce      json
// @Param        body  body      models.LoginStatusRequest  true  "Токен"
// @Success      200   {object}  models.LoginStatusResponse
// @Failure      400   {object}  map[string]string
// @Failure      503   {object}  map[string]string
// @Router       /login/status [post]
func (h *LoginHandler) Status(c *gin.Context) {
	var req models.LoginStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	st, err := h.Login.CheckStatus(c.Request.Context(), strings.TrimSpace(req.Token))
	if err != nil {
		logger.Error("[login][status] failed", zap.String("token", utils.ShortToken(req.Token)), zap.Error(err))
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toStatusResponse(st))
}

// @Summary      Поток статуса входа (SSE)
// @Description  Альтернатива поллингу: события status до подтверждения или истечения токена
// @Tags         Login
// @Produce      text/event-stream
// @Param        token  path  string  true  "Токен"
// @Router       /login/stream/{token} [get]
func (h *LoginHandler) Stream(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	ctx := c.Request.Context()

	woken, unsubscribe := h.Hub.Subscribe(token)
	defer unsubscribe()
	ticker := time.NewTicker(h.Login.PollInterval())
	defer ticker.Stop()
	deadline := time.NewTimer(h.Login.TTL())
	defer deadline.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		st, err := h.Login.CheckStatus(ctx, token)
		if err != nil {
			logger.Warn("[login][stream] status failed", zap.String("token", utils.ShortToken(token)), zap.Error(err))
			c.SSEvent("error", gin.H{"error": "login storage unavailable"})
			return false
		}
		c.SSEvent("status", toStatusResponse(st))
		if st.State != services.StatusPending {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-woken:
			woken = nil
		case <-ticker.C:
		}
		return true
	})
}

func toStatusResponse(st *services.LoginStatus) models.LoginStatusResponse {
	return models.LoginStatusResponse{
		Authenticated: st.Authenticated,
		State:         st.State,
		User:          st.User,
		AccessToken:   st.AccessToken,
	}
}
