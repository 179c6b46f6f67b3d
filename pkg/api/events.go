package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/arzzra/softphone/pkg/session"
)

// Event сообщение потока /v1/events
type Event struct {
	Type         string                      `json:"type"`
	Registration *session.RegistrationStatus `json:"registration,omitempty"`
	Call         *session.CallState          `json:"call,omitempty"`
	CallEnded    *session.CallEnded          `json:"call_ended,omitempty"`
}

const (
	EventRegistration = "registration"
	EventCall         = "call"
	EventCallEnded    = "call_ended"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// events поток изменений состояния. Первыми приходят текущие снимки регистрации и вызова.
func (s *Server) events(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("Server.events upgrade failed", slog.String("error", err.Error()))
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.streams)
	defer cancel()

	out := make(chan Event, 16)

	regSub := s.deps.Store.SubscribeRegistration()
	callSub := s.deps.Store.SubscribeCallState()
	endedSub := s.deps.Calls.SubscribeCallEnded()
	defer regSub.Close()
	defer callSub.Close()
	defer endedSub.Close()

	go forward(ctx, regSub, out, func(v session.RegistrationStatus) Event {
		return Event{Type: EventRegistration, Registration: &v}
	})
	go forward(ctx, callSub, out, func(v session.CallState) Event {
		return Event{Type: EventCall, Call: &v}
	})
	go forward(ctx, endedSub, out, func(v session.CallEnded) Event {
		return Event{Type: EventCallEnded, CallEnded: &v}
	})

	// чтение нужно только для обнаружения закрытия соединения клиентом
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("Server.events client connected", slog.String("remote", c.RealIP()))
	for {
		select {
		case <-ctx.Done():
			if s.streams.Err() != nil {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			}
			s.logger.Debug("Server.events client disconnected", slog.String("remote", c.RealIP()))
			return nil
		case ev := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("Server.events write failed", slog.String("error", err.Error()))
				}
				return nil
			}
		}
	}
}

// forward перекладывает значения подписки в общий канал до отмены ctx
func forward[T any](ctx context.Context, sub *session.Subscription[T], out chan<- Event, wrap func(T) Event) {
	for {
		v, err := sub.Next(ctx)
		if err != nil {
			return
		}
		select {
		case out <- wrap(v):
		case <-ctx.Done():
			return
		}
	}
}
