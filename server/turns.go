package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"
	"github.com/pkg/errors"

	"github.com/martinemde/agentd/agentloop"
	"github.com/martinemde/agentd/store"
)

type turnRequest struct {
	Prompt string `json:"prompt"`
}

type turnResponse struct {
	SessionUID string `json:"sessionUid"`
	Status     string `json:"status"`
}

// submitTurn starts a turn for the session. The turn runs in the
// background; progress is delivered over the session's event stream.
// A session with an active turn answers 409.
func (s *Server) submitTurn(c *echo.Context) error {
	uid := c.Param("uid")

	var req turnRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt required")
	}

	if _, err := s.store.GetSession(c.Request().Context(), uid); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if s.loop.Active(uid) {
		return echo.NewHTTPError(http.StatusConflict, "session already has an active turn")
	}

	// The turn outlives the submitting request. It is cancelled by
	// DELETE .../turns or server shutdown. Registration is the
	// single-flight gate at this layer: losing it means another turn
	// already holds the session.
	turnCtx, cancel := context.WithCancel(context.Background())
	if !s.registerCancel(uid, cancel) {
		cancel()
		return echo.NewHTTPError(http.StatusConflict, "session already has an active turn")
	}

	go func() {
		defer s.clearCancel(uid)
		defer cancel()

		if _, err := s.loop.Run(turnCtx, uid, req.Prompt); err != nil {
			if errors.Is(err, agentloop.ErrSessionBusy) {
				return
			}
			s.logger.Warn("turn ended with error",
				slog.String("session", uid),
				slog.Any("error", err))
		}
	}()

	return c.JSON(http.StatusAccepted, turnResponse{SessionUID: uid, Status: "running"})
}

// cancelTurn aborts the session's active turn, if any.
func (s *Server) cancelTurn(c *echo.Context) error {
	uid := c.Param("uid")

	cancel, ok := s.cancelFor(uid)
	if !ok || !s.loop.Active(uid) {
		return echo.NewHTTPError(http.StatusNotFound, "no active turn")
	}
	cancel()

	return c.JSON(http.StatusOK, turnResponse{SessionUID: uid, Status: "cancelling"})
}
