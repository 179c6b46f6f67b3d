package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/contacts"
	"github.com/arzzra/softphone/pkg/session"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type placeCallRequest struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
}

type contactsResponse struct {
	Permission bool               `json:"permission"`
	Contacts   []contacts.Contact `json:"contacts"`
}

// statusOf переводит ошибку команды в HTTP статус
func statusOf(err error) int {
	var initErr *session.InitError
	switch {
	case errors.Is(err, session.ErrAlreadyInCall), errors.Is(err, session.ErrNoActiveCall):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotRegistered):
		return http.StatusPreconditionFailed
	case errors.Is(err, session.ErrInvalidAddress), session.IsRegisterError(err):
		return http.StatusBadRequest
	case errors.As(err, &initErr), errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func (s *Server) fail(c echo.Context, op string, err error) error {
	code := statusOf(err)
	resp := errorResponse{Error: err.Error()}
	var initErr *session.InitError
	if errors.As(err, &initErr) {
		resp.Kind = string(initErr.Kind)
	}
	s.logger.Warn("Server."+op+" failed", slog.Int("status", code), slog.String("error", err.Error()))
	return c.JSON(code, resp)
}

func (s *Server) register(c echo.Context) error {
	var creds session.SipCredentials
	if err := c.Bind(&creds); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	ctx := c.Request().Context()

	if err := s.deps.Registration.Initialize(ctx); err != nil {
		return s.fail(c, "register", err)
	}
	if err := s.deps.Registration.Register(ctx, creds); err != nil {
		return s.fail(c, "register", err)
	}
	return c.JSON(http.StatusAccepted, s.deps.Store.Registration())
}

func (s *Server) registrationStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Store.Registration())
}

// unregister выход: снимает регистрацию и забывает сохранённые данные
func (s *Server) unregister(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.deps.Registration.Unregister(ctx); err != nil {
		return s.fail(c, "unregister", err)
	}
	if s.deps.Settings != nil {
		if err := s.deps.Settings.Clear(ctx); err != nil {
			s.logger.Error("Server.unregister settings clear failed", slog.String("error", err.Error()))
		}
	}
	return c.JSON(http.StatusOK, s.deps.Store.Registration())
}

func (s *Server) placeCall(c echo.Context) error {
	var req placeCallRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if err := s.deps.Calls.PlaceCall(c.Request().Context(), req.Address, req.DisplayName); err != nil {
		return s.fail(c, "placeCall", err)
	}
	return c.JSON(http.StatusAccepted, s.deps.Store.CallState())
}

func (s *Server) callState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Store.CallState())
}

func (s *Server) hangUp(c echo.Context) error {
	if err := s.deps.Calls.HangUp(c.Request().Context()); err != nil {
		return s.fail(c, "hangUp", err)
	}
	return c.JSON(http.StatusOK, s.deps.Store.CallState())
}

func (s *Server) toggleSpeaker(c echo.Context) error {
	if err := s.deps.Calls.ToggleSpeaker(c.Request().Context()); err != nil {
		return s.fail(c, "toggleSpeaker", err)
	}
	return c.JSON(http.StatusOK, s.deps.Store.CallState())
}

func (s *Server) toggleMute(c echo.Context) error {
	if err := s.deps.Calls.ToggleMute(c.Request().Context()); err != nil {
		return s.fail(c, "toggleMute", err)
	}
	return c.JSON(http.StatusOK, s.deps.Store.CallState())
}

func (s *Server) listHistory(c echo.Context) error {
	entries, err := s.deps.History.List(c.Request().Context())
	if err != nil {
		return s.fail(c, "listHistory", err)
	}
	if entries == nil {
		entries = []session.CallHistoryEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) clearHistory(c echo.Context) error {
	if err := s.deps.History.Clear(c.Request().Context()); err != nil {
		return s.fail(c, "clearHistory", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listContacts(c echo.Context) error {
	ctx := c.Request().Context()
	query := strings.TrimSpace(c.QueryParam("q"))

	var (
		list []contacts.Contact
		err  error
	)
	if query == "" {
		list, err = s.deps.Contacts.List(ctx)
	} else {
		list, err = s.deps.Contacts.Search(ctx, query)
	}
	if err != nil {
		return s.fail(c, "listContacts", err)
	}
	if list == nil {
		list = []contacts.Contact{}
	}
	return c.JSON(http.StatusOK, contactsResponse{
		Permission: s.deps.Contacts.HasPermission(),
		Contacts:   list,
	})
}
