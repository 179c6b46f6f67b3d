// Package history журнал вызовов: не более MaxEntries записей, новые в начале.
package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/session"
	"github.com/arzzra/softphone/pkg/storage"
)

const (
	// Namespace пространство имён журнала в хранилище
	Namespace = "call_history"
	// MaxEntries максимальная длина журнала
	MaxEntries = 100
)

// Log журнал вызовов поверх storage.KV
type Log struct {
	mu sync.Mutex
	kv storage.KV
}

// NewLog создаёт журнал
func NewLog(kv storage.KV) *Log {
	return &Log{kv: kv}
}

// Append добавляет запись в начало журнала, вытесняя самые старые сверх MaxEntries
func (l *Log) Append(ctx context.Context, entry session.CallHistoryEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		return err
	}
	entries = append([]session.CallHistoryEntry{entry}, entries...)
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}
	return l.save(ctx, entries)
}

// List возвращает записи, новые первыми
func (l *Log) List(ctx context.Context) ([]session.CallHistoryEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx)
}

// Clear удаляет весь журнал
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Wrap(l.kv.Clear(ctx, Namespace), "clear call history")
}

func (l *Log) load(ctx context.Context) ([]session.CallHistoryEntry, error) {
	blob, ok, err := l.kv.Load(ctx, Namespace)
	if err != nil {
		return nil, errors.Wrap(err, "load call history")
	}
	if !ok || len(blob) == 0 {
		return []session.CallHistoryEntry{}, nil
	}
	var entries []session.CallHistoryEntry
	if err := json.Unmarshal(blob, &entries); err != nil {
		return nil, errors.Wrap(err, "decode call history")
	}
	return entries, nil
}

func (l *Log) save(ctx context.Context, entries []session.CallHistoryEntry) error {
	blob, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(err, "encode call history")
	}
	return errors.Wrap(l.kv.Save(ctx, Namespace, blob), "save call history")
}

// CallEndedSource источник уведомлений о завершении вызовов
type CallEndedSource interface {
	SubscribeCallEnded() *session.Subscription[session.CallEnded]
}

// Recorder записывает завершённые вызовы в журнал
type Recorder struct {
	log    *Log
	sub    *session.Subscription[session.CallEnded]
	logger *slog.Logger
}

// NewRecorder создаёт Recorder. Подписка оформляется сразу:
// вызовы, завершённые до запуска Run, тоже попадут в журнал.
func NewRecorder(log *Log, source CallEndedSource, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		log:    log,
		sub:    source.SubscribeCallEnded(),
		logger: logger.With(slog.String("component", "history")),
	}
}

// Run пишет завершённые вызовы в журнал до отмены ctx. Повторный запуск не поддерживается.
func (r *Recorder) Run(ctx context.Context) error {
	sub := r.sub
	defer sub.Close()

	for {
		ended, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "call ended subscription")
		}
		if err := r.log.Append(ctx, ended.Entry); err != nil {
			r.logger.Error("Recorder.Run append failed",
				slog.Int64("id", ended.Entry.ID),
				slog.String("error", err.Error()))
			continue
		}
		r.logger.Debug("Recorder.Run entry recorded",
			slog.Int64("id", ended.Entry.ID),
			slog.String("status", ended.Status.String()))
	}
}
