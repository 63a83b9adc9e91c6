package server

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/pkg/errors"

	"github.com/martinemde/agentd/store"
)

// rawJSON passes stored JSON through to the response unmodified.
func rawJSON(b []byte) interface{} { return json.RawMessage(b) }

type sessionRequest struct {
	Title string `json:"title"`
}

type sessionResponse struct {
	UID       string `json:"uid"`
	Title     string `json:"title"`
	CreatedTs int64  `json:"createdTs"`
	UpdatedTs int64  `json:"updatedTs"`
}

func toSessionResponse(sess *store.Session) sessionResponse {
	return sessionResponse{
		UID:       sess.UID,
		Title:     sess.Title,
		CreatedTs: sess.CreatedAt.UnixMilli(),
		UpdatedTs: sess.UpdatedAt.UnixMilli(),
	}
}

type partResponse struct {
	UID      string      `json:"uid"`
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ToolName string      `json:"toolName,omitempty"`
	CallID   string      `json:"callId,omitempty"`
	Input    interface{} `json:"input,omitempty"`
	Output   interface{} `json:"output,omitempty"`
	State    string      `json:"state,omitempty"`
	OK       *bool       `json:"ok,omitempty"`
}

type messageResponse struct {
	UID       string         `json:"uid"`
	Role      string         `json:"role"`
	CreatedTs int64          `json:"createdTs"`
	Parts     []partResponse `json:"parts"`
}

func toMessageResponse(msg *store.Message) messageResponse {
	resp := messageResponse{
		UID:       msg.UID,
		Role:      string(msg.Role),
		CreatedTs: msg.CreatedAt.UnixMilli(),
		Parts:     make([]partResponse, 0, len(msg.Parts)),
	}
	for _, part := range msg.Parts {
		pr := partResponse{
			UID:      part.UID,
			Type:     string(part.Type),
			Text:     part.Text,
			ToolName: part.ToolName,
			CallID:   part.CallID,
			State:    string(part.State),
		}
		if len(part.Input) > 0 {
			pr.Input = rawJSON(part.Input)
		}
		if len(part.Output) > 0 {
			pr.Output = rawJSON(part.Output)
		}
		if part.Type == store.PartToolResult {
			ok := part.OK
			pr.OK = &ok
		}
		resp.Parts = append(resp.Parts, pr)
	}
	return resp
}

func (s *Server) listSessions(c *echo.Context) error {
	sessions, err := s.store.ListSessions(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, toSessionResponse(sess))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) createSession(c *echo.Context) error {
	var req sessionRequest
	// Body is optional; an empty or invalid body means default title.
	_ = c.Bind(&req)

	sess, err := s.store.CreateSession(c.Request().Context(), req.Title)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) getSession(c *echo.Context) error {
	sess, err := s.store.GetSession(c.Request().Context(), c.Param("uid"))
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toSessionResponse(sess))
}

func (s *Server) updateSession(c *echo.Context) error {
	var req sessionRequest
	if err := c.Bind(&req); err != nil || req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title required")
	}
	sess, err := s.store.UpdateSession(c.Request().Context(), &store.UpdateSession{
		UID:   c.Param("uid"),
		Title: &req.Title,
	})
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toSessionResponse(sess))
}

func (s *Server) listMessages(c *echo.Context) error {
	ctx := c.Request().Context()
	uid := c.Param("uid")

	if _, err := s.store.GetSession(ctx, uid); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	msgs, err := s.store.GetMessages(ctx, uid)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := make([]messageResponse, 0, len(msgs))
	for _, msg := range msgs {
		resp = append(resp, toMessageResponse(msg))
	}
	return c.JSON(http.StatusOK, resp)
}
