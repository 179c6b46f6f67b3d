package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisConfig параметры подключения к Redis
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix префикс ключей, по умолчанию "softphone"
	Prefix string
	// PingTimeout таймаут проверки соединения при открытии
	PingTimeout time.Duration
}

// Redis хранилище поверх Redis. Каждое пространство имён - отдельный строковый ключ.
type Redis struct {
	client *redis.Client
	prefix string
}

// OpenRedis подключается к Redis и проверяет соединение
func OpenRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "softphone"
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "connect to redis at %s", cfg.Addr)
	}

	logger.Info("Redis storage connected",
		slog.String("addr", cfg.Addr),
		slog.Int("db", cfg.DB))

	return NewRedis(rdb, cfg.Prefix), nil
}

// NewRedis оборачивает готовый клиент
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(namespace string) string {
	return r.prefix + ":" + namespace
}

func (r *Redis) Save(ctx context.Context, namespace string, blob []byte) error {
	if err := r.client.Set(ctx, r.key(namespace), blob, 0).Err(); err != nil {
		return errors.Wrapf(err, "save %s", namespace)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, namespace string) ([]byte, bool, error) {
	blob, err := r.client.Get(ctx, r.key(namespace)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "load %s", namespace)
	}
	return blob, true, nil
}

func (r *Redis) Clear(ctx context.Context, namespace string) error {
	if err := r.client.Del(ctx, r.key(namespace)).Err(); err != nil {
		return errors.Wrapf(err, "clear %s", namespace)
	}
	return nil
}

// Close закрывает соединение
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ KV = (*Redis)(nil)
