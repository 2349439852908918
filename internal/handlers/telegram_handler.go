package handlers

import (
	"context"
	"crypto/subtle"
	"html"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"ozbot/internal/logger"
	"ozbot/internal/models"
	"ozbot/internal/services"
	"ozbot/internal/utils"
)

const webhookSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

type TelegramHandler struct {
	Login  services.LoginService
	Bot    services.Messenger
	Secret string
	seen   *recentUpdates
}

func NewTelegramHandler(login services.LoginService, bot services.Messenger, secret string) *TelegramHandler {
	return &TelegramHandler{Login: login, Bot: bot, Secret: secret, seen: newRecentUpdates(1024)}
}

// Webhook всегда отвечает 200, иначе Telegram будет переотправлять апдейт.
func (h *TelegramHandler) Webhook(c *gin.Context) {
	if h.Secret != "" {
		got := c.GetHeader(webhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.Secret)) != 1 {
			logger.Warn("[tg][webhook] bad secret token", zap.String("ip", c.ClientIP()))
			c.Status(http.StatusUnauthorized)
			return
		}
	}
	var upd tgbotapi.Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		logger.Warn("[tg][webhook] bind json error", zap.Error(err))
		c.Status(http.StatusOK)
		return
	}
	h.HandleUpdate(c.Request.Context(), upd)
	c.Status(http.StatusOK)
}

func (h *TelegramHandler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if h.seen.SeenBefore(upd.UpdateID) {
		logger.Info("[tg][update] duplicate delivery ignored", zap.Int("update_id", upd.UpdateID))
		return
	}
	ident := models.TelegramIdentity{
		ID:           msg.From.ID,
		ChatID:       msg.Chat.ID,
		Username:     msg.From.UserName,
		FirstName:    msg.From.FirstName,
		LastName:     msg.From.LastName,
		LanguageCode: msg.From.LanguageCode,
	}
	lang := botLang(ident.LanguageCode)

	cmd, arg := parseCommand(msg.Text)
	logger.Debug("[tg][update] incoming",
		zap.Int("update_id", upd.UpdateID),
		zap.Int64("chat_id", ident.ChatID),
		zap.String("command", cmd))

	switch cmd {
	case "start":
		if arg == "" {
			h.reply(ident.ChatID, botText(lang, msgWelcome))
			return
		}
		h.claim(ctx, arg, ident, lang)
	case "help":
		h.reply(ident.ChatID, botText(lang, msgHelp))
	default:
		h.reply(ident.ChatID, botText(lang, msgUnknown))
	}
}

func (h *TelegramHandler) claim(ctx context.Context, token string, ident models.TelegramIdentity, lang string) {
	out, err := h.Login.ClaimFromBot(ctx, token, ident)
	if err != nil {
		logger.Error("[tg][claim] failed",
			zap.String("token", utils.ShortToken(token)),
			zap.Int64("telegram_id", ident.ID),
			zap.Error(err))
		if errors.Is(err, services.ErrIdentityResolution) {
			h.reply(ident.ChatID, botText(lang, msgLoginFailed))
			return
		}
		h.reply(ident.ChatID, botText(lang, msgTryLater))
		return
	}

	switch out.Result {
	case models.ClaimOK:
		name := ident.FirstName
		if out.User != nil && out.User.FirstName != "" {
			name = out.User.FirstName
		}
		h.reply(ident.ChatID, botText(lang, msgLoginOK, html.EscapeString(name)))
	case models.ClaimAlreadyClaimed:
		h.reply(ident.ChatID, botText(lang, msgLoginAlreadyClaimed))
	case models.ClaimExpired:
		h.reply(ident.ChatID, botText(lang, msgLoginExpired))
	default:
		h.reply(ident.ChatID, botText(lang, msgLoginNotFound))
	}
}

func (h *TelegramHandler) reply(chatID int64, text string) {
	if h.Bot == nil {
		return
	}
	if err := h.Bot.SendMessage(chatID, text); err != nil {
		logger.Warn("[tg][reply] send failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// parseCommand: "/start@ozbot abc" -> ("start", "abc"). Не команда -> ("", "").
func parseCommand(text string) (cmd, arg string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexByte(head, '@'); i >= 0 {
		head = head[:i]
	}
	return strings.ToLower(head), strings.TrimSpace(rest)
}

// recentUpdates помнит последние update_id, чтобы гасить повторные доставки вебхука.
type recentUpdates struct {
	mu   sync.Mutex
	ids  map[int]struct{}
	ring []int
	next int
}

func newRecentUpdates(size int) *recentUpdates {
	return &recentUpdates{ids: make(map[int]struct{}, size), ring: make([]int, 0, size)}
}

func (r *recentUpdates) SeenBefore(id int) bool {
	if r == nil || id == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return true
	}
	if len(r.ring) < cap(r.ring) {
		r.ring = append(r.ring, id)
	} else {
		delete(r.ids, r.ring[r.next])
		r.ring[r.next] = id
		r.next = (r.next + 1) % len(r.ring)
	}
	r.ids[id] = struct{}{}
	return false
}
