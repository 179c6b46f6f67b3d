package session

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// MapRegistrationCode переводит SIP код ответа на REGISTER в статус регистрации
func MapRegistrationCode(code int, reason string) RegistrationStatus {
	switch code {
	case 200:
		return Connected()
	case 401:
		return Failed(code, "Invalid credentials: auth rejected, check username/password")
	case 403:
		return Failed(code, "Account disabled: forbidden by server")
	case 404:
		return Failed(code, "SIP server not found")
	case 408:
		return Failed(code, "Server unreachable - check IP address")
	default:
		return Failed(code, "Registration failed: "+reason)
	}
}

type accountSnapshot struct {
	handle     AccountHandle
	registered bool
}

// RegistrationManager управляет жизненным циклом регистрации единственного аккаунта.
//
// Команды и события провайдера выполняются последовательно в mailbox менеджера.
// Итог регистрации публикуется только через StateStore.
/*
Диаграмма переходов:
[Disconnected] → [Connecting] → [Connected] → [Disconnected]
[Connecting] → [Failed] → [Connecting]
[Connecting|Connected] → [Connecting] (повторная регистрация)
[*] → [Disconnected] (Unregister)
*/
type RegistrationManager struct {
	provider SignalingProvider
	store    *StateStore
	opts     options
	box      *mailbox

	// поля ниже принадлежат горутине mailbox
	fsm         *fsm.FSM
	initialized bool
	initErr     error
	account     AccountHandle

	accountSnap atomic.Pointer[accountSnapshot]
	credsSnap   atomic.Pointer[SipCredentials]
}

// NewRegistrationManager создаёт менеджер и подписывается на события регистрации провайдера
func NewRegistrationManager(provider SignalingProvider, store *StateStore, opts ...Option) *RegistrationManager {
	m := &RegistrationManager{
		provider: provider,
		store:    store,
		opts:     buildOptions("registration", opts),
		box:      newMailbox(),
	}
	m.initFSM()
	m.accountSnap.Store(&accountSnapshot{})
	provider.SetEventHandler(EventHandler{OnRegistrationEvent: m.handleRegistrationEvent})
	return m
}

func (m *RegistrationManager) initFSM() {
	d, cg, cd, f := RegistrationDisconnected, RegistrationConnecting, RegistrationConnected, RegistrationFailed
	m.fsm = fsm.NewFSM(
		string(d),
		fsm.Events{
			{Name: formEventName(d, cg), Src: []string{string(d)}, Dst: string(cg)},
			{Name: formEventName(cg, cd), Src: []string{string(cg)}, Dst: string(cd)},
			{Name: formEventName(cg, f), Src: []string{string(cg)}, Dst: string(f)},
			{Name: formEventName(cd, f), Src: []string{string(cd)}, Dst: string(f)},
			{Name: formEventName(d, f), Src: []string{string(d)}, Dst: string(f)},
			{Name: formEventName(cd, d), Src: []string{string(cd)}, Dst: string(d)},
			{Name: formEventName(cg, d), Src: []string{string(cg)}, Dst: string(d)},
			{Name: formEventName(f, d), Src: []string{string(f)}, Dst: string(d)},
			{Name: formEventName(f, cg), Src: []string{string(f)}, Dst: string(cg)},
			{Name: formEventName(cd, cg), Src: []string{string(cd)}, Dst: string(cg)},
		}, fsm.Callbacks{
			"after_event": m.afterStateChange,
		})
}

func formEventName[S ~string](src, dst S) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

func (m *RegistrationManager) afterStateChange(_ context.Context, e *fsm.Event) {
	m.opts.logger.Debug("RegistrationManager.transition",
		slog.String("from", e.Src),
		slog.String("to", e.Dst))
}

// transition проверяет переход автоматом и публикует новый статус.
// Переход в то же состояние (повторная регистрация, новый Failed) публикуется без события автомата.
func (m *RegistrationManager) transition(st RegistrationStatus) error {
	cur := RegistrationKind(m.fsm.Current())
	if cur != st.Kind {
		// отмена контекста команды не должна прерывать переход автомата
		if err := m.fsm.Event(context.Background(), formEventName(cur, st.Kind)); err != nil {
			m.opts.logger.Warn("RegistrationManager.transition rejected",
				slog.String("from", cur.String()),
				slog.String("to", st.Kind.String()),
				slog.String("error", err.Error()))
			return errors.Wrapf(err, "registration %s -> %s", cur, st.Kind)
		}
	}

	m.accountSnap.Store(&accountSnapshot{
		handle:     m.account,
		registered: st.Kind == RegistrationConnected && m.account != "",
	})
	m.store.publishRegistration(st)
	m.opts.metrics.registrationChanged(st)
	return nil
}

// Initialize подготавливает провайдер. Повторный вызов до Shutdown возвращает прежний результат.
func (m *RegistrationManager) Initialize(ctx context.Context) error {
	return m.box.call(ctx, func() error {
		if m.initialized {
			return m.initErr
		}
		m.initialized = true

		if err := m.provider.Init(ctx); err != nil {
			ie := newInitError(err)
			m.initErr = ie
			m.opts.logger.Error("RegistrationManager.Initialize failed",
				slog.String("kind", string(ie.Kind)),
				slog.String("error", err.Error()))
			_ = m.transition(Failed(-1, ie.Detail))
			return ie
		}

		m.initErr = nil
		m.opts.logger.Info("RegistrationManager.Initialize provider ready")
		return nil
	})
}

// Register публикует Connecting, создаёт аккаунт у провайдера и отправляет регистрацию.
// Возвращается сразу, итог приходит событием провайдера.
// Вызов в Connecting или Connected заменяет прежнюю попытку.
func (m *RegistrationManager) Register(ctx context.Context, creds SipCredentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	if !creds.AudioCodec.Valid() {
		creds.AudioCodec = CodecPCMU
	}

	return m.box.call(ctx, func() error {
		if !m.initialized || m.initErr != nil {
			return &RegisterError{Reason: "provider is not initialized"}
		}

		m.opts.logger.Info("RegistrationManager.Register", slog.Any("credentials", creds))

		if m.account != "" {
			m.opts.logger.Debug("RegistrationManager.Register superseding previous attempt",
				slog.String("account", string(m.account)))
			m.releaseAccount(ctx)
		}

		if err := m.transition(Connecting()); err != nil {
			return &RegisterError{Reason: "invalid registration state", Cause: err}
		}
		m.credsSnap.Store(&creds)

		handle, err := m.provider.CreateAccount(ctx, accountConfigFrom(creds))
		if err != nil {
			_ = m.transition(Failed(-1, "Registration failed: "+err.Error()))
			return &RegisterError{Reason: "provider refused account", Cause: err}
		}
		m.account = handle

		if err := m.provider.SetRegistration(ctx, handle, true); err != nil {
			m.releaseAccount(ctx)
			_ = m.transition(Failed(-1, "Registration failed: "+err.Error()))
			return &RegisterError{Reason: "provider refused registration", Cause: err}
		}
		// обновляем снимок с новым handle
		m.accountSnap.Store(&accountSnapshot{handle: handle})
		return nil
	})
}

// Unregister снимает регистрацию, освобождает аккаунт и публикует Disconnected.
// Из Disconnected ничего не делает.
func (m *RegistrationManager) Unregister(ctx context.Context) error {
	return m.box.call(ctx, func() error {
		return m.unregister(ctx)
	})
}

func (m *RegistrationManager) unregister(ctx context.Context) error {
	if m.account == "" && RegistrationKind(m.fsm.Current()) == RegistrationDisconnected {
		return nil
	}
	m.releaseAccount(ctx)
	return m.transition(Disconnected())
}

// Shutdown выполняет Unregister и останавливает провайдер.
// После Shutdown требуется повторный Initialize.
func (m *RegistrationManager) Shutdown(ctx context.Context) error {
	return m.box.call(ctx, func() error {
		if err := m.unregister(ctx); err != nil {
			return err
		}
		if !m.initialized {
			return nil
		}
		m.initialized = false
		failed := m.initErr != nil
		m.initErr = nil
		if failed {
			return nil
		}
		if err := m.provider.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "provider shutdown")
		}
		m.opts.logger.Info("RegistrationManager.Shutdown provider stopped")
		return nil
	})
}

// releaseAccount снимает регистрацию и освобождает handle ровно один раз
func (m *RegistrationManager) releaseAccount(ctx context.Context) {
	handle := m.account
	if handle == "" {
		return
	}
	m.account = ""
	m.accountSnap.Store(&accountSnapshot{})

	if err := m.provider.SetRegistration(ctx, handle, false); err != nil {
		m.opts.logger.Warn("RegistrationManager.releaseAccount deregister failed",
			slog.String("account", string(handle)),
			slog.String("error", err.Error()))
	}
	if err := m.provider.ReleaseAccount(ctx, handle); err != nil {
		m.opts.logger.Warn("RegistrationManager.releaseAccount release failed",
			slog.String("account", string(handle)),
			slog.String("error", err.Error()))
	}
}

// handleRegistrationEvent принимает событие провайдера из любого потока
func (m *RegistrationManager) handleRegistrationEvent(ev RegistrationEvent) {
	m.box.post(func() {
		m.onRegistrationEvent(ev)
	})
}

func (m *RegistrationManager) onRegistrationEvent(ev RegistrationEvent) {
	ctx := context.Background()
	if m.account == "" || ev.Account != m.account {
		m.opts.logger.Debug("RegistrationManager.onRegistrationEvent stale account",
			slog.String("account", string(ev.Account)))
		return
	}

	cur := RegistrationKind(m.fsm.Current())
	switch ev.Kind {
	case RegistrationLost:
		if cur != RegistrationConnected {
			return
		}
		m.opts.logger.Warn("RegistrationManager registration lost",
			slog.String("reason", ev.Reason))
		m.releaseAccount(ctx)
		_ = m.transition(Disconnected())

	case RegistrationResult:
		if cur != RegistrationConnecting && cur != RegistrationConnected {
			return
		}
		st := MapRegistrationCode(ev.Code, ev.Reason)
		if st == m.store.Registration() {
			return
		}
		m.opts.logger.Info("RegistrationManager registration result",
			slog.Int("code", ev.Code),
			slog.String("status", st.String()))
		_ = m.transition(st)
	}
}

// Status текущий статус регистрации
func (m *RegistrationManager) Status() RegistrationStatus {
	return m.store.Registration()
}

// Account возвращает handle зарегистрированного аккаунта.
// false, если аккаунт не в статусе Connected.
func (m *RegistrationManager) Account() (AccountHandle, bool) {
	snap := m.accountSnap.Load()
	if snap == nil || !snap.registered {
		return "", false
	}
	return snap.handle, true
}

// Credentials последние учётные данные, переданные в Register
func (m *RegistrationManager) Credentials() (SipCredentials, bool) {
	c := m.credsSnap.Load()
	if c == nil {
		return SipCredentials{}, false
	}
	return *c, true
}

// Close останавливает mailbox менеджера
func (m *RegistrationManager) Close() {
	m.box.close()
}
