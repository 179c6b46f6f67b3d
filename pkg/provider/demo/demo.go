// Package demo симулятор провайдера сигнализации без сети.
//
// Регистрация подтверждается через RegisterDelay, исходящий вызов проходит
// Progress через DialDelay и Answered ещё через AnswerDelay.
package demo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/session"
)

// Config параметры симуляции
type Config struct {
	RegisterDelay time.Duration
	DialDelay     time.Duration
	AnswerDelay   time.Duration
	// RejectCode если не 0, регистрация завершается этим кодом вместо 200
	RejectCode   int
	RejectReason string
}

// DefaultConfig задержки демонстрационного режима
func DefaultConfig() Config {
	return Config{
		RegisterDelay: time.Second,
		DialDelay:     2 * time.Second,
		AnswerDelay:   time.Second,
	}
}

type account struct {
	cfg   session.AccountConfig
	timer *time.Timer
}

type call struct {
	account session.AccountHandle
	timers  []*time.Timer
}

// Provider реализация session.SignalingProvider на таймерах
type Provider struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	handler     session.EventHandler
	initialized bool
	accounts    map[session.AccountHandle]*account
	calls       map[session.CallHandle]*call
}

// New создаёт симулятор. nil logger означает slog.Default().
func New(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "demo_provider")),
		accounts: make(map[session.AccountHandle]*account),
		calls:    make(map[session.CallHandle]*call),
	}
}

func (p *Provider) Init(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = true
	p.logger.Debug("Provider.Init")
	return nil
}

func (p *Provider) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for h, a := range p.accounts {
		stopTimer(a.timer)
		delete(p.accounts, h)
	}
	for h, c := range p.calls {
		for _, t := range c.timers {
			stopTimer(t)
		}
		delete(p.calls, h)
	}
	p.initialized = false
	p.logger.Debug("Provider.Shutdown")
	return nil
}

func (p *Provider) CreateAccount(_ context.Context, cfg session.AccountConfig) (session.AccountHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return "", errors.New("demo provider is not initialized")
	}
	h := session.AccountHandle(uuid.New().String())
	p.accounts[h] = &account{cfg: cfg}
	p.logger.Debug("Provider.CreateAccount",
		slog.String("account", string(h)),
		slog.String("domain", cfg.Domain))
	return h, nil
}

func (p *Provider) SetRegistration(_ context.Context, h session.AccountHandle, register bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[h]
	if !ok {
		return errors.Errorf("unknown account %s", h)
	}
	stopTimer(a.timer)
	a.timer = nil
	if !register {
		return nil
	}

	code, reason := 200, "OK"
	if p.cfg.RejectCode != 0 {
		code, reason = p.cfg.RejectCode, p.cfg.RejectReason
	}
	a.timer = time.AfterFunc(p.cfg.RegisterDelay, func() {
		p.emitRegistration(session.RegistrationEvent{
			Account: h,
			Kind:    session.RegistrationResult,
			Code:    code,
			Reason:  reason,
		})
	})
	return nil
}

func (p *Provider) ReleaseAccount(_ context.Context, h session.AccountHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[h]
	if !ok {
		return errors.Errorf("unknown account %s", h)
	}
	stopTimer(a.timer)
	delete(p.accounts, h)
	return nil
}

func (p *Provider) Dial(_ context.Context, acc session.AccountHandle, address string) (session.CallHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[acc]; !ok {
		return "", errors.Errorf("unknown account %s", acc)
	}

	h := session.CallHandle(uuid.New().String())
	c := &call{account: acc}
	p.calls[h] = c

	progress := time.AfterFunc(p.cfg.DialDelay, func() {
		p.emitCall(session.CallEvent{Call: h, Kind: session.CallProgress})

		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.calls[h]; !ok {
			return
		}
		c.timers = append(c.timers, time.AfterFunc(p.cfg.AnswerDelay, func() {
			p.emitCall(session.CallEvent{Call: h, Kind: session.CallAnswered})
		}))
	})
	c.timers = append(c.timers, progress)

	p.logger.Debug("Provider.Dial",
		slog.String("call", string(h)),
		slog.String("address", address))
	return h, nil
}

func (p *Provider) Hangup(_ context.Context, h session.CallHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[h]
	if !ok {
		return errors.Errorf("unknown call %s", h)
	}
	for _, t := range c.timers {
		stopTimer(t)
	}
	delete(p.calls, h)
	p.logger.Debug("Provider.Hangup", slog.String("call", string(h)))
	return nil
}

func (p *Provider) SetEventHandler(h session.EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// RemoteHangup симулирует завершение вызова удалённой стороной
func (p *Provider) RemoteHangup(h session.CallHandle) {
	p.mu.Lock()
	c, ok := p.calls[h]
	if ok {
		for _, t := range c.timers {
			stopTimer(t)
		}
		delete(p.calls, h)
	}
	p.mu.Unlock()
	if ok {
		p.emitCall(session.CallEvent{Call: h, Kind: session.CallTerminated})
	}
}

// LoseRegistration симулирует потерю регистрации аккаунта
func (p *Provider) LoseRegistration(h session.AccountHandle) {
	p.mu.Lock()
	_, ok := p.accounts[h]
	p.mu.Unlock()
	if ok {
		p.emitRegistration(session.RegistrationEvent{Account: h, Kind: session.RegistrationLost, Reason: "simulated"})
	}
}

func (p *Provider) emitRegistration(ev session.RegistrationEvent) {
	p.mu.Lock()
	cb := p.handler.OnRegistrationEvent
	p.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (p *Provider) emitCall(ev session.CallEvent) {
	p.mu.Lock()
	_, live := p.calls[ev.Call]
	cb := p.handler.OnCallEvent
	p.mu.Unlock()
	if cb != nil && (live || ev.Kind == session.CallTerminated) {
		cb(ev)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

var _ session.SignalingProvider = (*Provider)(nil)
