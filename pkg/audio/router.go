// Package audio маршрутизация звука активного вызова (громкая связь, режим, микрофон).
package audio

import (
	"log/slog"
	"sync"
)

// Mode режим аудио подсистемы
type Mode int

const (
	// ModeNormal обычный режим, вне вызова или громкая связь
	ModeNormal Mode = iota
	// ModeInCall режим разговора через гарнитуру
	ModeInCall
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeInCall:
		return "in_call"
	}
	return "unknown"
}

// Router интерфейс управления аудио маршрутом
type Router interface {
	SetSpeaker(enabled bool) error
	SetMode(mode Mode) error
	SetMuted(muted bool) error
}

// Route текущее состояние маршрута
type Route struct {
	Speaker bool `json:"speaker"`
	Mode    Mode `json:"mode"`
	Muted   bool `json:"muted"`
}

// SoftRouter программный Router: хранит маршрут в памяти и логирует изменения.
// Используется на хостах без аудио оборудования.
type SoftRouter struct {
	mu     sync.Mutex
	route  Route
	logger *slog.Logger
}

// NewSoftRouter создаёт SoftRouter. nil logger означает slog.Default().
func NewSoftRouter(logger *slog.Logger) *SoftRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SoftRouter{logger: logger.With(slog.String("component", "audio"))}
}

func (r *SoftRouter) SetSpeaker(enabled bool) error {
	r.mu.Lock()
	r.route.Speaker = enabled
	r.mu.Unlock()
	r.logger.Debug("SoftRouter.SetSpeaker", slog.Bool("enabled", enabled))
	return nil
}

func (r *SoftRouter) SetMode(mode Mode) error {
	r.mu.Lock()
	r.route.Mode = mode
	r.mu.Unlock()
	r.logger.Debug("SoftRouter.SetMode", slog.String("mode", mode.String()))
	return nil
}

func (r *SoftRouter) SetMuted(muted bool) error {
	r.mu.Lock()
	r.route.Muted = muted
	r.mu.Unlock()
	r.logger.Debug("SoftRouter.SetMuted", slog.Bool("muted", muted))
	return nil
}

// Route возвращает копию текущего маршрута
func (r *SoftRouter) Route() Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.route
}

var _ Router = (*SoftRouter)(nil)
