// Package api локальный HTTP API управления софтфоном для UI оболочки.
//
// Маршруты:
//
//	POST   /v1/registration   войти (Initialize + Register)
//	GET    /v1/registration   статус регистрации
//	DELETE /v1/registration   выйти
//	POST   /v1/call           позвонить
//	GET    /v1/call           состояние вызова
//	DELETE /v1/call           положить трубку
//	POST   /v1/call/speaker   переключить громкую связь
//	POST   /v1/call/mute      переключить микрофон
//	GET    /v1/history        журнал вызовов
//	DELETE /v1/history        очистить журнал
//	GET    /v1/contacts?q=    контакты
//	GET    /v1/events         websocket поток состояний
//	GET    /metrics           prometheus
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/softphone/pkg/contacts"
	"github.com/arzzra/softphone/pkg/history"
	"github.com/arzzra/softphone/pkg/session"
	"github.com/arzzra/softphone/pkg/settings"
)

// Deps компоненты, которыми управляет API
type Deps struct {
	Registration *session.RegistrationManager
	Calls        *session.CallController
	Store        *session.StateStore
	History      *history.Log
	Contacts     contacts.Provider
	Settings     *settings.Repository
	// Gatherer источник метрик для /metrics. nil означает prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Config параметры HTTP сервера
type Config struct {
	// JWTSecret если задан, /v1 требует Bearer токен HS256
	JWTSecret       string
	ShutdownTimeout time.Duration
}

// Server HTTP API софтфона
type Server struct {
	deps   Deps
	cfg    Config
	echo   *echo.Echo
	logger *slog.Logger

	// streams живёт до остановки сервера, от него наследуются websocket потоки
	streams      context.Context
	closeStreams context.CancelFunc
}

func New(deps Deps, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		deps:   deps,
		cfg:    cfg,
		echo:   echo.New(),
		logger: logger.With(slog.String("component", "api")),
	}
	s.streams, s.closeStreams = context.WithCancel(context.Background())
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.requestLogger)

	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/v1")
	if cfg.JWTSecret != "" {
		v1.Use(bearerAuth([]byte(cfg.JWTSecret)))
	}

	v1.POST("/registration", s.register)
	v1.GET("/registration", s.registrationStatus)
	v1.DELETE("/registration", s.unregister)

	v1.POST("/call", s.placeCall)
	v1.GET("/call", s.callState)
	v1.DELETE("/call", s.hangUp)
	v1.POST("/call/speaker", s.toggleSpeaker)
	v1.POST("/call/mute", s.toggleMute)

	v1.GET("/history", s.listHistory)
	v1.DELETE("/history", s.clearHistory)

	v1.GET("/contacts", s.listContacts)

	v1.GET("/events", s.events)

	return s
}

// Handler возвращает http.Handler сервера
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run обслуживает addr до отмены ctx, затем плавно останавливает сервер.
// Открытые потоки /v1/events закрываются при выходе.
func (s *Server) Run(ctx context.Context, addr string) error {
	defer s.closeStreams()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server.Run listening", slog.String("addr", addr))
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	// echo.Shutdown не закрывает захваченные websocket соединения
	s.closeStreams()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	s.logger.Info("Server.Run stopped")
	return nil
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Debug("Server request",
			slog.String("method", c.Request().Method),
			slog.String("path", c.Path()),
			slog.Int("status", c.Response().Status),
			slog.Duration("took", time.Since(start)))
		return nil
	}
}
