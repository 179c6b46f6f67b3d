package session

import (
	"log/slog"
	"time"
)

type options struct {
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
	ticker  TickerFactory
}

// Option настройка менеджеров пакета
type Option func(*options)

// WithLogger задаёт логгер. По умолчанию slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics подключает Prometheus метрики
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithClock подменяет источник текущего времени
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTicker подменяет фабрику тикеров длительности вызова
func WithTicker(f TickerFactory) Option {
	return func(o *options) {
		if f != nil {
			o.ticker = f
		}
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{
		logger: slog.Default(),
		now:    time.Now,
		ticker: NewStdTicker,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With(slog.String("component", component))
	return o
}
