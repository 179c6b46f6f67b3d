// Package storage хранилище ключ-значение для настроек и журнала вызовов.
//
// Значения хранятся непрозрачными блобами в пространствах имён (namespace).
// Реализации: Memory (процесс) и Redis.
package storage

import (
	"context"
	"sync"
)

// KV интерфейс хранилища
type KV interface {
	Save(ctx context.Context, namespace string, blob []byte) error
	// Load возвращает false, если значение отсутствует
	Load(ctx context.Context, namespace string) ([]byte, bool, error)
	Clear(ctx context.Context, namespace string) error
}

// Memory хранилище в памяти процесса
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory создаёт пустое хранилище в памяти
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Save(_ context.Context, namespace string, blob []byte) error {
	cp := make([]byte, len(blob))
	copy(cp, blob)

	m.mu.Lock()
	m.data[namespace] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(_ context.Context, namespace string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.data[namespace]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, true, nil
}

func (m *Memory) Clear(_ context.Context, namespace string) error {
	m.mu.Lock()
	delete(m.data, namespace)
	m.mu.Unlock()
	return nil
}

var _ KV = (*Memory)(nil)
