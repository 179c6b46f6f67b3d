package session

import (
	"context"
	"sync"
)

// mailbox последовательный контекст исполнения менеджера.
// Неограниченная FIFO очередь замыканий, которую разбирает одна горутина.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			if m.closed {
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			<-m.notify
			continue
		}
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		fn()
	}
}

// post ставит замыкание в очередь без ожидания. Возвращает false после close.
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// call выполняет fn в контексте mailbox и ждёт результат
func (m *mailbox) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !m.post(func() { result <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close дожидается выполнения уже поставленных замыканий и останавливает горутину
func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	<-m.done
}
