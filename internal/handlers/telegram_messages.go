package handlers

import (
	"fmt"
	"strings"
)

type botMsg int

const (
	msgWelcome botMsg = iota
	msgHelp
	msgUnknown
	msgLoginOK
	msgLoginAlreadyClaimed
	msgLoginExpired
	msgLoginNotFound
	msgLoginFailed
	msgTryLater
)

// Узбекский по умолчанию, русский — если клиент Telegram на ru.
var botMessages = map[string]map[botMsg]string{
	"uz": {
		msgWelcome:             "Assalomu alaykum! Bu Ozbot — qurilish mollari va texnika ijarasi do'koni boti.\nSaytga kirish uchun saytdagi «Telegram orqali kirish» tugmasini bosing.",
		msgHelp:                "Saytda «Telegram orqali kirish» tugmasini bosing, so'ng shu botda <b>Start</b> ni bosing. Havola 5 daqiqa amal qiladi.",
		msgUnknown:             "Buyruq tushunilmadi. /help ni yuboring.",
		msgLoginOK:             "✅ %s, kirish tasdiqlandi! Brauzerga qayting.",
		msgLoginAlreadyClaimed: "Bu havola allaqachon ishlatilgan. Brauzerni tekshiring yoki qaytadan kiring.",
		msgLoginExpired:        "⌛ Havolaning muddati tugagan. Saytda qaytadan «Telegram orqali kirish» ni bosing.",
		msgLoginNotFound:       "Havola topilmadi yoki noto'g'ri. Saytda qaytadan kirishni boshlang.",
		msgLoginFailed:         "Nimadir xato ketdi. Iltimos, saytda kirishni qaytadan boshlang.",
		msgTryLater:            "Xizmat vaqtincha ishlamayapti, birozdan so'ng urinib ko'ring.",
	},
	"ru": {
		msgWelcome:             "Здравствуйте! Это Ozbot — бот магазина стройматериалов и аренды техники.\nЧтобы войти на сайт, нажмите там кнопку «Войти через Telegram».",
		msgHelp:                "Нажмите на сайте «Войти через Telegram», затем <b>Start</b> в этом боте. Ссылка действует 5 минут.",
		msgUnknown:             "Не понял команду. Отправьте /help.",
		msgLoginOK:             "✅ %s, вход подтверждён! Вернитесь в браузер.",
		msgLoginAlreadyClaimed: "Эта ссылка уже использована. Проверьте браузер или начните вход заново.",
		msgLoginExpired:        "⌛ Срок ссылки истёк. Нажмите на сайте «Войти через Telegram» ещё раз.",
		msgLoginNotFound:       "Ссылка не найдена или повреждена. Начните вход на сайте заново.",
		msgLoginFailed:         "Что-то пошло не так. Пожалуйста, начните вход на сайте заново.",
		msgTryLater:            "Сервис временно недоступен, попробуйте чуть позже.",
	},
}

func botLang(code string) string {
	if strings.HasPrefix(strings.ToLower(code), "ru") {
		return "ru"
	}
	return "uz"
}

func botText(lang string, key botMsg, args ...any) string {
	msgs, ok := botMessages[lang]
	if !ok {
		msgs = botMessages["uz"]
	}
	if len(args) == 0 {
		return msgs[key]
	}
	return fmt.Sprintf(msgs[key], args...)
}
