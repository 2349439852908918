package services

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"ozbot/internal/logger"
)

// Messenger: всё, что нужно обработчику апдейтов от бота.
type Messenger interface {
	SendMessage(chatID int64, text string) error
}

type TelegramService struct {
	bot *tgbotapi.BotAPI
}

// NewTelegramService вернёт nil без ошибки, если токен не задан (бот отключён).
func NewTelegramService(botToken string, debug bool) (*TelegramService, error) {
	if strings.TrimSpace(botToken) == "" {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, errors.Wrap(err, "telegram getMe")
	}
	bot.Debug = debug
	logger.Info("[tg] authorized", zap.String("bot", bot.Self.UserName))
	return &TelegramService{bot: bot}, nil
}

func (t *TelegramService) Username() string {
	if t == nil || t.bot == nil {
		return ""
	}
	return t.bot.Self.UserName
}

func (t *TelegramService) SendMessage(chatID int64, text string) error {
	if t == nil || t.bot == nil || chatID == 0 {
		logger.Debug("[tg][skip] bot disabled or empty chat", zap.Int64("chat_id", chatID))
		return nil
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		logger.Warn("[tg][send] failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return errors.Wrap(err, "telegram sendMessage")
	}
	return nil
}

// SetWebhook регистрирует вебхук; secret приходит обратно в X-Telegram-Bot-Api-Secret-Token.
func (t *TelegramService) SetWebhook(url, secret string) error {
	if t == nil || t.bot == nil || url == "" {
		return nil
	}
	params := tgbotapi.Params{"url": url}
	params.AddNonEmpty("secret_token", secret)
	params.AddNonEmpty("allowed_updates", `["message"]`)
	resp, err := t.bot.MakeRequest("setWebhook", params)
	if err != nil {
		return errors.Wrap(err, "telegram setWebhook")
	}
	logger.Info("[tg][setWebhook] ok", zap.String("url", url), zap.String("description", resp.Description))
	return nil
}

// RunLongPolling: режим без вебхука, тянет апдейты, пока не отменён ctx.
func (t *TelegramService) RunLongPolling(ctx context.Context, handle func(context.Context, tgbotapi.Update)) error {
	if t == nil || t.bot == nil {
		return nil
	}
	if _, err := t.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return errors.Wrap(err, "telegram deleteWebhook")
	}
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	cfg.AllowedUpdates = []string{"message"}
	updates := t.bot.GetUpdatesChan(cfg)
	logger.Info("[tg][poll] started")
	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			logger.Info("[tg][poll] stopped")
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			handle(ctx, upd)
		}
	}
}
