package session

import (
	"fmt"

	"github.com/pkg/errors"
)

// Ошибки нарушения предусловий команд. Возвращаются синхронно, состояние не меняется.
var (
	ErrAlreadyInCall  = errors.New("call already active")
	ErrNoActiveCall   = errors.New("no active call")
	ErrNotRegistered  = errors.New("account is not registered")
	ErrInvalidAddress = errors.New("invalid call address")
	ErrClosed         = errors.New("manager closed")

	// ErrDependencyMissing провайдер возвращает (обёрнутой) из Init,
	// если отсутствует необходимая зависимость окружения
	ErrDependencyMissing = errors.New("dependency missing")
)

// InitErrorKind причина сбоя инициализации
type InitErrorKind string

const (
	InitDependencyMissing  InitErrorKind = "DEPENDENCY_MISSING"
	InitProviderInitFailed InitErrorKind = "PROVIDER_INIT_FAILED"
)

// InitError ошибка подготовки провайдера сигнализации
type InitError struct {
	Kind   InitErrorKind
	Detail string
	Cause  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init failed [%s]: %s", e.Kind, e.Detail)
}

func (e *InitError) Unwrap() error {
	return e.Cause
}

// newInitError классифицирует ошибку провайдера
func newInitError(err error) *InitError {
	kind := InitProviderInitFailed
	if errors.Is(err, ErrDependencyMissing) {
		kind = InitDependencyMissing
	}
	return &InitError{Kind: kind, Detail: err.Error(), Cause: err}
}

// RegisterError синхронная ошибка Register: не выполнены предусловия
// или провайдер отказался создать аккаунт
type RegisterError struct {
	Reason string
	Cause  error
}

func (e *RegisterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("register: %s: %v", e.Reason, e.Cause)
	}
	return "register: " + e.Reason
}

func (e *RegisterError) Unwrap() error {
	return e.Cause
}

// IsInitError проверяет, что err содержит *InitError
func IsInitError(err error) bool {
	var ie *InitError
	return errors.As(err, &ie)
}

// IsRegisterError проверяет, что err содержит *RegisterError
func IsRegisterError(err error) bool {
	var re *RegisterError
	return errors.As(err, &re)
}
