package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/pkg/errors"

	"github.com/martinemde/agentd/eventbus"
	"github.com/martinemde/agentd/store"
)

// sseBufferSize bounds the per-connection event queue. A slow client
// that falls this far behind starts losing events rather than blocking
// publishers.
const sseBufferSize = 256

// streamSessionEvents serves the live event stream for one session.
func (s *Server) streamSessionEvents(c *echo.Context) error {
	uid := c.Param("uid")

	if _, err := s.store.GetSession(c.Request().Context(), uid); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return s.serveEventStream(c, uid)
}

// streamAllEvents serves events from every session on one connection.
func (s *Server) streamAllEvents(c *echo.Context) error {
	return s.serveEventStream(c, "")
}

// serveEventStream bridges bus subscriptions onto an SSE response. An
// empty sessionUID subscribes globally. The subscription is torn down
// when the client disconnects.
func (s *Server) serveEventStream(c *echo.Context, sessionUID string) error {
	rw := c.Response()
	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.Header().Set("X-Accel-Buffering", "no")
	rw.WriteHeader(http.StatusOK)

	events := make(chan eventbus.Event, sseBufferSize)
	handler := func(event eventbus.Event) {
		// Never block the publisher; drop when the client is behind.
		select {
		case events <- event:
		default:
		}
	}

	var sub *eventbus.Subscription
	if sessionUID == "" {
		sub = s.bus.SubscribeGlobal(handler)
	} else {
		sub = s.bus.SubscribeSession(sessionUID, handler)
	}
	defer sub.Unsubscribe()

	s.logger.Debug("event stream connected",
		slog.String("session", sessionUID),
		slog.Int("subscribers", s.bus.SubscriberCount(sessionUID)))

	writeSSE(rw, eventbus.Event{
		Topic:      eventbus.TopicConnected,
		SessionUID: sessionUID,
		Timestamp:  time.Now(),
	})

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("event stream disconnected", slog.String("session", sessionUID))
			return nil
		case event := <-events:
			writeSSE(rw, event)
		case <-heartbeat.C:
			writeSSE(rw, eventbus.Event{
				Topic:      eventbus.TopicHeartbeat,
				SessionUID: sessionUID,
				Timestamp:  time.Now(),
			})
		}
	}
}

// sessionConnections reports live event-stream subscriber counts for
// one session.
func (s *Server) sessionConnections(c *echo.Context) error {
	uid := c.Param("uid")
	if _, err := s.store.GetSession(c.Request().Context(), uid); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"uid":         uid,
		"connections": s.bus.SubscriberCount(uid),
	})
}

// busDiagnostics reports aggregate event bus health.
func (s *Server) busDiagnostics(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"globalSubscribers": s.bus.SubscriberCount(""),
		"subscriberPanics":  s.bus.PanicCount(),
	})
}

func writeSSE(rw http.ResponseWriter, event eventbus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(rw, "data: %s\n\n", data)
	if f, ok := rw.(http.Flusher); ok {
		f.Flush()
	}
}
