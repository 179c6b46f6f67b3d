package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrSubscriptionClosed возвращается из Next после Close
var ErrSubscriptionClosed = errors.New("subscription closed")

// StateReader интерфейс чтения состояния для UI.
// Публикация недоступна: её выполняют только менеджеры пакета.
type StateReader interface {
	Registration() RegistrationStatus
	CallState() CallState
	SubscribeRegistration() *Subscription[RegistrationStatus]
	SubscribeCallState() *Subscription[CallState]
}

// Subscription бесконечный поток значений с момента подписки.
// Каждый подписчик получает все значения в порядке публикации.
type Subscription[T any] struct {
	mu     sync.Mutex
	queue  []T
	notify chan struct{}
	closed bool
	owner  *broadcaster[T]
}

// Next возвращает следующее значение, блокируясь до его появления
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return zero, ErrSubscriptionClosed
		}
		if len(s.queue) > 0 {
			v := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return v, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close отписывает подписчика. Повторный вызов безопасен.
func (s *Subscription[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.wake()
	if s.owner != nil {
		s.owner.remove(s)
	}
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// broadcaster рассылает значения всем подписчикам в едином порядке
type broadcaster[T any] struct {
	mu     sync.Mutex
	latest atomic.Pointer[T]
	subs   map[*Subscription[T]]struct{}
	replay bool
}

func newBroadcaster[T any](initial *T) *broadcaster[T] {
	b := &broadcaster[T]{subs: make(map[*Subscription[T]]struct{})}
	if initial != nil {
		b.latest.Store(initial)
		b.replay = true
	}
	return b
}

func (b *broadcaster[T]) subscribe() *Subscription[T] {
	s := &Subscription[T]{notify: make(chan struct{}, 1), owner: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replay {
		if v := b.latest.Load(); v != nil {
			s.queue = append(s.queue, *v)
		}
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest.Store(&v)
	for s := range b.subs {
		s.push(v)
	}
}

func (b *broadcaster[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

func (b *broadcaster[T]) load() (T, bool) {
	if v := b.latest.Load(); v != nil {
		return *v, true
	}
	var zero T
	return zero, false
}

// StateStore хранилище последних значений регистрации и вызова.
// Чтение снимков не блокируется, публикация доступна только менеджерам пакета.
type StateStore struct {
	registration *broadcaster[RegistrationStatus]
	call         *broadcaster[CallState]
}

// NewStateStore создаёт хранилище с начальными значениями Disconnected и Idle
func NewStateStore() *StateStore {
	reg := Disconnected()
	call := IdleCallState()
	return &StateStore{
		registration: newBroadcaster(&reg),
		call:         newBroadcaster(&call),
	}
}

// Registration возвращает текущий статус регистрации
func (s *StateStore) Registration() RegistrationStatus {
	v, _ := s.registration.load()
	return v
}

// CallState возвращает текущее состояние вызова
func (s *StateStore) CallState() CallState {
	v, _ := s.call.load()
	return v
}

// SubscribeRegistration подписка на статус регистрации. Первое значение - текущее.
func (s *StateStore) SubscribeRegistration() *Subscription[RegistrationStatus] {
	return s.registration.subscribe()
}

// SubscribeCallState подписка на состояние вызова. Первое значение - текущее.
func (s *StateStore) SubscribeCallState() *Subscription[CallState] {
	return s.call.subscribe()
}

func (s *StateStore) publishRegistration(v RegistrationStatus) {
	s.registration.publish(v)
}

func (s *StateStore) publishCallState(v CallState) {
	s.call.publish(v)
}

var _ StateReader = (*StateStore)(nil)
