package session

import "context"

// AccountHandle непрозрачный идентификатор аккаунта у провайдера
type AccountHandle string

// CallHandle непрозрачный идентификатор вызова у провайдера
type CallHandle string

// AccountConfig параметры создания аккаунта
type AccountConfig struct {
	Username   string
	Password   string
	Domain     string
	AudioCodec AudioCodec
}

// accountConfigFrom строит AccountConfig из учётных данных
func accountConfigFrom(c SipCredentials) AccountConfig {
	return AccountConfig{
		Username:   c.Username,
		Password:   c.Password,
		Domain:     c.Domain,
		AudioCodec: c.AudioCodec,
	}
}

// RegistrationEventKind тип события регистрации
type RegistrationEventKind int

const (
	// RegistrationResult итог запроса регистрации с SIP кодом
	RegistrationResult RegistrationEventKind = iota
	// RegistrationLost регистрация потеряна (истекла, сеть)
	RegistrationLost
)

// RegistrationEvent событие провайдера о состоянии регистрации аккаунта
type RegistrationEvent struct {
	Account AccountHandle
	Kind    RegistrationEventKind
	Code    int
	Reason  string
}

// CallEventKind тип события вызова
type CallEventKind int

const (
	CallProgress CallEventKind = iota
	CallAnswered
	CallTerminated
	CallFailure
)

func (k CallEventKind) String() string {
	switch k {
	case CallProgress:
		return "progress"
	case CallAnswered:
		return "answered"
	case CallTerminated:
		return "terminated"
	case CallFailure:
		return "failed"
	}
	return "unknown"
}

// CallEvent событие провайдера о ходе вызова.
// Code и Reason заполняются для CallFailure.
type CallEvent struct {
	Call   CallHandle
	Kind   CallEventKind
	Code   int
	Reason string
}

// EventHandler обработчики асинхронных событий провайдера.
// Вызываются из потоков провайдера, поэтому не должны блокироваться.
type EventHandler struct {
	OnRegistrationEvent func(RegistrationEvent)
	OnCallEvent         func(CallEvent)
}

// SignalingProvider интерфейс провайдера SIP сигнализации
type SignalingProvider interface {
	// Init подготавливает провайдер. Ошибка с ErrDependencyMissing означает отсутствие зависимости.
	Init(ctx context.Context) error
	// Shutdown освобождает все ресурсы провайдера
	Shutdown(ctx context.Context) error
	CreateAccount(ctx context.Context, cfg AccountConfig) (AccountHandle, error)
	// SetRegistration включает (true) или снимает (false) регистрацию аккаунта.
	// Результат приходит событием RegistrationEvent.
	SetRegistration(ctx context.Context, account AccountHandle, register bool) error
	ReleaseAccount(ctx context.Context, account AccountHandle) error
	Dial(ctx context.Context, account AccountHandle, address string) (CallHandle, error)
	Hangup(ctx context.Context, call CallHandle) error
	SetEventHandler(h EventHandler)
}
