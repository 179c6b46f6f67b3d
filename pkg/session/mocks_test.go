package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arzzra/softphone/pkg/audio"
)

// fakeProvider записывает вызовы и позволяет тесту генерировать события
type fakeProvider struct {
	mu sync.Mutex

	initErr    error
	createErr  error
	dialErr    error
	handler    EventHandler
	accountSeq int
	callSeq    int

	inits       int
	shutdowns   int
	created     []AccountConfig
	setRegCalls []string
	released    []AccountHandle
	dialed      []string
	hangups     []CallHandle
}

func (p *fakeProvider) Init(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inits++
	return p.initErr
}

func (p *fakeProvider) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
	return nil
}

func (p *fakeProvider) CreateAccount(_ context.Context, cfg AccountConfig) (AccountHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", p.createErr
	}
	p.accountSeq++
	p.created = append(p.created, cfg)
	return AccountHandle(fmt.Sprintf("acc-%d", p.accountSeq)), nil
}

func (p *fakeProvider) SetRegistration(_ context.Context, h AccountHandle, register bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setRegCalls = append(p.setRegCalls, fmt.Sprintf("%s:%t", h, register))
	return nil
}

func (p *fakeProvider) ReleaseAccount(_ context.Context, h AccountHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, h)
	return nil
}

func (p *fakeProvider) Dial(_ context.Context, _ AccountHandle, address string) (CallHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialed = append(p.dialed, address)
	if p.dialErr != nil {
		return "", p.dialErr
	}
	p.callSeq++
	return CallHandle(fmt.Sprintf("call-%d", p.callSeq)), nil
}

func (p *fakeProvider) Hangup(_ context.Context, h CallHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangups = append(p.hangups, h)
	return nil
}

func (p *fakeProvider) SetEventHandler(h EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *fakeProvider) emitRegistration(ev RegistrationEvent) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	h.OnRegistrationEvent(ev)
}

func (p *fakeProvider) emitCall(ev CallEvent) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	h.OnCallEvent(ev)
}

func (p *fakeProvider) lastAccount() AccountHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return AccountHandle(fmt.Sprintf("acc-%d", p.accountSeq))
}

func (p *fakeProvider) lastCall() CallHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return CallHandle(fmt.Sprintf("call-%d", p.callSeq))
}

func (p *fakeProvider) hangupCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hangups)
}

func (p *fakeProvider) releasedAccounts() []AccountHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]AccountHandle(nil), p.released...)
}

// fakeRouter записывает операции маршрутизации звука
type fakeRouter struct {
	mu    sync.Mutex
	ops   []string
	route audio.Route
}

func (r *fakeRouter) SetSpeaker(enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, fmt.Sprintf("speaker:%t", enabled))
	r.route.Speaker = enabled
	return nil
}

func (r *fakeRouter) SetMode(mode audio.Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "mode:"+mode.String())
	r.route.Mode = mode
	return nil
}

func (r *fakeRouter) SetMuted(muted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, fmt.Sprintf("muted:%t", muted))
	r.route.Muted = muted
	return nil
}

func (r *fakeRouter) current() audio.Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.route
}

// manualTicker тикер, которым управляет тест
type manualTicker struct {
	ch      chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               { t.once.Do(func() { close(t.stopped) }) }

// manualTickers фабрика, запоминающая созданные тикеры
type manualTickers struct {
	mu      sync.Mutex
	created []*manualTicker
}

func (f *manualTickers) factory(time.Duration) Ticker {
	t := &manualTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
	f.mu.Lock()
	f.created = append(f.created, t)
	f.mu.Unlock()
	return t
}

func (f *manualTickers) last(t *testing.T) *manualTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.created, "тикер не создан")
	return f.created[len(f.created)-1]
}

func (f *manualTickers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// tick отправляет один тик, дожидаясь его приёма горутиной тикера
func (mt *manualTicker) tick(t *testing.T) {
	select {
	case mt.ch <- time.Now():
	case <-time.After(time.Second):
		t.Fatal("тик не принят")
	}
}

// next читает следующее значение подписки с таймаутом
func next[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := sub.Next(ctx)
	require.NoError(t, err)
	return v
}

// waitFor читает подписку до значения, удовлетворяющего условию
func waitFor[T any](t *testing.T, sub *Subscription[T], cond func(T) bool) T {
	t.Helper()
	for {
		v := next(t, sub)
		if cond(v) {
			return v
		}
	}
}

// noValue проверяет, что в подписке нет новых значений
func noValue[T any](t *testing.T, sub *Subscription[T]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	v, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "неожиданное значение %+v", v)
}

var testCreds = SipCredentials{
	Username:   "alice",
	Password:   "secret",
	Domain:     "sip.example.com",
	AudioCodec: CodecPCMU,
}
