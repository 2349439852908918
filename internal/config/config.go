package config

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "config/config.yaml"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreBolt     = "bolt"

	BotModeWebhook = "webhook"
	BotModePolling = "polling"
)

type TelegramConfig struct {
	Token         string `yaml:"token"`
	Username      string `yaml:"username"`
	BotURL        string `yaml:"bot_url"` // пусто: https://t.me/<username>
	Mode          string `yaml:"mode"`    // webhook | polling
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
	Debug         bool   `yaml:"debug"`
}

type LoginConfig struct {
	Store         string        `yaml:"store"` // memory | postgres | redis | bolt
	TTL           time.Duration `yaml:"ttl"`
	TokenBytes    int           `yaml:"token_bytes"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepGrace    time.Duration `yaml:"sweep_grace"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Prefix    string        `yaml:"prefix"`
	Retention time.Duration `yaml:"retention"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Database struct {
		DSN string `yaml:"url"`
	} `yaml:"database"`
	Redis RedisConfig `yaml:"redis"`
	Bolt  struct {
		Path string `yaml:"path"`
	} `yaml:"bolt"`
	Telegram TelegramConfig `yaml:"telegram"`
	Login    LoginConfig    `yaml:"login"`
	Auth     struct {
		JWTSecret string        `yaml:"jwt_secret"`
		AccessTTL time.Duration `yaml:"access_ttl"`
	} `yaml:"auth"`
	Log       LogConfig `yaml:"log"`
	RateLimit struct {
		PerMinute int `yaml:"per_minute"`
		Burst     int `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// LoadConfig читает конфиг по OZBOT_CONFIG (или config/config.yaml) и падает при ошибке.
func LoadConfig() *Config {
	_ = godotenv.Load()

	path := os.Getenv("OZBOT_CONFIG")
	if path == "" {
		path = DefaultPath
	}
	cfg, err := Load(path)
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}
	return cfg
}

// Load: YAML -> переменные окружения -> значения по умолчанию -> проверка.
// Отсутствующий файл не ошибка, если всё задано через окружение.
func Load(path string) (*Config, error) {
	var cfg Config
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
	case !os.IsNotExist(err):
		return nil, errors.Wrapf(err, "open %s", path)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	setStr := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setStr(&cfg.Database.DSN, "DATABASE_URL")
	setStr(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setStr(&cfg.Telegram.Username, "TELEGRAM_BOT_USERNAME")
	setStr(&cfg.Telegram.WebhookSecret, "TELEGRAM_WEBHOOK_SECRET")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setStr(&cfg.Log.Level, "LOG_LEVEL")

	if v := strings.TrimSpace(os.Getenv("SERVER_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "SERVER_PORT")
		}
		cfg.Server.Port = port
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	cfg.Login.Store = strings.ToLower(strings.TrimSpace(cfg.Login.Store))
	if cfg.Login.Store == "" {
		cfg.Login.Store = StoreMemory
	}
	if cfg.Login.TTL == 0 {
		cfg.Login.TTL = 5 * time.Minute
	}
	// 16..48 байт: не меньше 128 бит и не длиннее 64 символов start-параметра
	switch {
	case cfg.Login.TokenBytes == 0:
		cfg.Login.TokenBytes = 32
	case cfg.Login.TokenBytes < 16:
		cfg.Login.TokenBytes = 16
	case cfg.Login.TokenBytes > 48:
		cfg.Login.TokenBytes = 48
	}
	if cfg.Login.PollInterval <= 0 {
		cfg.Login.PollInterval = 2 * time.Second
	}
	if cfg.Login.SweepInterval == 0 {
		cfg.Login.SweepInterval = time.Minute
	}
	if cfg.Login.SweepGrace <= 0 {
		cfg.Login.SweepGrace = 10 * time.Minute
	}

	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "ozbot:login:"
	}
	if cfg.Redis.Retention <= 0 {
		cfg.Redis.Retention = 10 * time.Minute
	}
	if cfg.Bolt.Path == "" {
		cfg.Bolt.Path = "data/ozbot.db"
	}

	cfg.Telegram.Mode = strings.ToLower(strings.TrimSpace(cfg.Telegram.Mode))
	if cfg.Telegram.Mode == "" {
		if cfg.Telegram.WebhookURL != "" {
			cfg.Telegram.Mode = BotModeWebhook
		} else {
			cfg.Telegram.Mode = BotModePolling
		}
	}
	if cfg.Telegram.BotURL == "" && cfg.Telegram.Username != "" {
		cfg.Telegram.BotURL = "https://t.me/" + strings.TrimPrefix(cfg.Telegram.Username, "@")
	}

	if cfg.Auth.AccessTTL <= 0 {
		cfg.Auth.AccessTTL = 24 * time.Hour
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.RateLimit.PerMinute == 0 {
		cfg.RateLimit.PerMinute = 60
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
}

func (c *Config) Validate() error {
	if c.Login.TTL < 30*time.Second || c.Login.TTL > 30*time.Minute {
		return errors.Errorf("login.ttl must be within [30s, 30m], got %s", c.Login.TTL)
	}
	switch c.Login.Store {
	case StoreMemory, StoreBolt:
	case StorePostgres:
		if c.Database.DSN == "" {
			return errors.New("login.store=postgres requires database.url or DATABASE_URL")
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			return errors.New("login.store=redis requires redis.addr or REDIS_ADDR")
		}
		// redis нужен, когда бот и веб в разных процессах; пользователи тогда тоже должны быть общими
		if c.Database.DSN == "" {
			return errors.New("login.store=redis requires database.url or DATABASE_URL for shared users")
		}
	default:
		return errors.Errorf("unknown login.store %q", c.Login.Store)
	}
	switch c.Telegram.Mode {
	case BotModePolling:
	case BotModeWebhook:
		if c.Telegram.Token != "" && c.Telegram.WebhookURL == "" {
			return errors.New("telegram.mode=webhook requires telegram.webhook_url")
		}
	default:
		return errors.Errorf("unknown telegram.mode %q", c.Telegram.Mode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}
