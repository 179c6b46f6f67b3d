// Package config конфигурация процесса из переменных окружения.
package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	ProviderDemo = "demo"
	ProviderSIP  = "sip"

	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config параметры софтфона
type Config struct {
	Provider string `env:"PROVIDER" envDefault:"demo"`

	SIPListenAddr      string        `env:"SIP_LISTEN_ADDR" envDefault:"0.0.0.0:5060"`
	SIPUserAgent       string        `env:"SIP_USER_AGENT" envDefault:"softphone"`
	SIPRegisterExpires time.Duration `env:"SIP_REGISTER_EXPIRES" envDefault:"1h"`
	SIPMediaHost       string        `env:"SIP_MEDIA_HOST" envDefault:"127.0.0.1"`
	SIPMediaPort       int           `env:"SIP_MEDIA_PORT" envDefault:"4000"`

	DemoRegisterDelay time.Duration `env:"DEMO_REGISTER_DELAY" envDefault:"1s"`
	DemoDialDelay     time.Duration `env:"DEMO_DIAL_DELAY" envDefault:"2s"`
	DemoAnswerDelay   time.Duration `env:"DEMO_ANSWER_DELAY" envDefault:"1s"`

	Storage       string `env:"STORAGE" envDefault:"memory"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"softphone"`

	HTTPAddr     string `env:"HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	APIJWTSecret string `env:"API_JWT_SECRET"`

	ContactsFile     string `env:"CONTACTS_FILE"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"softphone"`
	AutoLogin        bool   `env:"AUTO_LOGIN" envDefault:"true"`
}

// New разбирает переменные окружения в Config и проверяет значения
func New() (*Config, error) {
	cfg := new(Config)
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv загружает файл ENV_FILE (или .env) в переменные окружения.
// Отсутствие .env при незаданном ENV_FILE ошибкой не считается.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")
	if envfile == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		return errors.Wrap(godotenv.Load(), "load .env")
	}
	return errors.Wrapf(godotenv.Load(envfile), "load %s", envfile)
}

// Validate проверяет перечислимые поля
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderDemo, ProviderSIP:
	default:
		return errors.Errorf("unknown PROVIDER %q", c.Provider)
	}
	switch c.Storage {
	case StorageMemory, StorageRedis:
	default:
		return errors.Errorf("unknown STORAGE %q", c.Storage)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Provider == ProviderSIP && c.SIPListenAddr == "" {
		return errors.New("SIP_LISTEN_ADDR is required for sip provider")
	}
	if c.SIPRegisterExpires < time.Second {
		return errors.Errorf("SIP_REGISTER_EXPIRES %s is too short", c.SIPRegisterExpires)
	}
	return nil
}

// ParseLevel переводит LOG_LEVEL в slog.Level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errors.Errorf("unknown LOG_LEVEL %q", s)
}
