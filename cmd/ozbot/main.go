package main

import "ozbot/internal/app"

// @title           Ozbot API
// @version         1.0
// @description     Вход на сайт магазина через Telegram-бота.
// @BasePath        /
// @securityDefinitions.apikey BearerAuth
// @in              header
// @name            Authorization
func main() {
	app.Run()
}
