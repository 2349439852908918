package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ozbot/internal/config"
	"ozbot/internal/handlers"
	"ozbot/internal/logger"
	"ozbot/internal/middleware"
	"ozbot/internal/realtime"
	"ozbot/internal/repositories"
	"ozbot/internal/routes"
	"ozbot/internal/services"
	"ozbot/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	_ "ozbot/docs"
)

func Run() {
	cfg := config.LoadConfig()

	logger.Init(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === DB ===
	var db *sql.DB
	if cfg.Database.DSN != "" {
		var err error
		db, err = openPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatal("[app] Ошибка подключения к БД", zap.Error(err))
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Warn("[app] Ошибка закрытия БД", zap.Error(err))
			}
		}()
	}

	// === Repos ===
	attempts, closeStore, err := openLoginStore(ctx, cfg, db)
	if err != nil {
		logger.Fatal("[app] login store", zap.String("store", cfg.Login.Store), zap.Error(err))
	}
	defer closeStore()

	users := repositories.NewMemoryUserRepository()
	if db != nil {
		users = repositories.NewUserRepository(db)
	} else {
		logger.Warn("[app] database.url не задан, пользователи хранятся в памяти")
	}

	// === Services ===
	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret, err = utils.NewLoginToken(32)
		if err != nil {
			logger.Fatal("[app] jwt secret", zap.Error(err))
		}
		logger.Warn("[app] JWT_SECRET не задан, access-токены не переживут рестарт")
	}
	authService := services.NewAuthService(jwtSecret, cfg.Auth.AccessTTL)

	tg, err := services.NewTelegramService(cfg.Telegram.Token, cfg.Telegram.Debug)
	if err != nil {
		logger.Fatal("[app] telegram", zap.Error(err))
	}
	botURL := resolveBotURL(cfg.Telegram, tg)
	if botURL == "" {
		logger.Fatal("[app] не удалось определить ссылку на бота: задайте telegram.username или telegram.token")
	}

	hub := realtime.NewLoginHub()
	loginService := services.NewLoginService(attempts, users, authService, hub, services.LoginConfig{
		BotURL:       botURL,
		TTL:          cfg.Login.TTL,
		TokenBytes:   cfg.Login.TokenBytes,
		PollInterval: cfg.Login.PollInterval,
		SweepGrace:   cfg.Login.SweepGrace,
	})
	go loginService.RunSweeper(ctx, cfg.Login.SweepInterval)

	// === Handlers ===
	var messenger services.Messenger
	if tg != nil {
		messenger = tg
	}
	loginHandler := handlers.NewLoginHandler(loginService, hub)
	userHandler := handlers.NewUserHandler(users)
	telegramHandler := handlers.NewTelegramHandler(loginService, messenger, cfg.Telegram.WebhookSecret)

	// === Bot ===
	var webhookHandler *handlers.TelegramHandler
	switch {
	case tg == nil:
		logger.Warn("[app] TELEGRAM_BOT_TOKEN не задан, бот отключён (ожидаются апдейты из другого процесса)")
	case cfg.Telegram.Mode == config.BotModeWebhook:
		if err := tg.SetWebhook(cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret); err != nil {
			logger.Fatal("[app] setWebhook", zap.Error(err))
		}
		webhookHandler = telegramHandler
	default:
		go func() {
			if err := tg.RunLongPolling(ctx, telegramHandler.HandleUpdate); err != nil {
				logger.Error("[app] long polling stopped", zap.Error(err))
			}
		}()
	}

	// === Gin ===
	if logger.ParseLevel(cfg.Log.Level) != zap.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog())
	router.Use(corsMiddleware())

	// Swagger
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	routes.SetupRoutes(
		router,
		loginHandler,
		webhookHandler,
		userHandler,
		authService,
		middleware.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst),
	)

	// === Run ===
	// WriteTimeout не ставим: /login/stream держит соединение до TTL
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("[app] Сервер запущен", zap.String("addr", srv.Addr), zap.String("store", cfg.Login.Store), zap.String("bot", botURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("[app] Ошибка запуска сервера", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("[app] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("[app] graceful shutdown", zap.Error(err))
	}
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping")
	}
	if err := repositories.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "schema")
	}
	return db, nil
}

// openLoginStore выбирает бэкенд хранилища токенов. memory годится только
// если бот и веб живут в одном процессе.
func openLoginStore(ctx context.Context, cfg *config.Config, db *sql.DB) (repositories.LoginAttemptRepository, func(), error) {
	noop := func() {}
	switch cfg.Login.Store {
	case config.StoreMemory:
		return repositories.NewMemoryLoginAttemptRepository(), noop, nil

	case config.StorePostgres:
		if db == nil {
			return nil, noop, errors.New("postgres store without database connection")
		}
		return repositories.NewLoginAttemptRepository(db), noop, nil

	case config.StoreRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, errors.Wrap(err, "redis ping")
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("[app] redis close", zap.Error(err))
			}
		}
		return repositories.NewRedisLoginAttemptRepository(client, cfg.Redis.Prefix, cfg.Redis.Retention), closeFn, nil

	case config.StoreBolt:
		if dir := filepath.Dir(cfg.Bolt.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, noop, errors.Wrap(err, "bolt dir")
			}
		}
		bdb, err := bbolt.Open(cfg.Bolt.Path, 0o600, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, noop, errors.Wrap(err, "bolt open")
		}
		repo, err := repositories.NewBoltLoginAttemptRepository(bdb)
		if err != nil {
			_ = bdb.Close()
			return nil, noop, err
		}
		closeFn := func() {
			if err := bdb.Close(); err != nil {
				logger.Warn("[app] bolt close", zap.Error(err))
			}
		}
		return repo, closeFn, nil
	}
	return nil, noop, errors.Errorf("unknown login store %q", cfg.Login.Store)
}

// resolveBotURL: явный bot_url/username из конфига, иначе имя бота из getMe.
func resolveBotURL(tc config.TelegramConfig, tg *services.TelegramService) string {
	if tc.BotURL != "" {
		return tc.BotURL
	}
	if name := strings.TrimPrefix(tg.Username(), "@"); name != "" {
		return "https://t.me/" + name
	}
	return ""
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
