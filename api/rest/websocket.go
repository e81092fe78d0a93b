package rest

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"yqhp/dispatch-engine/pkg/util"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 20 * time.Second
)

// EventStreamMessage is the envelope written to event tail subscribers.
type EventStreamMessage struct {
	Type  string      `json:"type"` // event, error
	Event interface{} `json:"event,omitempty"`
	Error string      `json:"error,omitempty"`
}

// setupWebSocketRoutes registers the event tail endpoint.
func (s *Server) setupWebSocketRoutes() {
	if !s.config.EnableWebSocket {
		return
	}

	s.app.Use("/api/v1/events/ws", func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	s.app.Get("/api/v1/events/ws", fiberws.New(func(conn *fiberws.Conn) {
		s.handleEventStream(conn)
	}))
}

// handleEventStream pumps matching bus events to one WebSocket consumer.
// The pattern query parameter filters by tag prefix; empty tails everything.
// The subscription ends when the client disconnects.
func (s *Server) handleEventStream(conn *fiberws.Conn) {
	defer conn.Close()

	pattern := conn.Query("pattern")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := s.ctl.Events(ctx, pattern)

	s.log.Info("event tail connected",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.String("pattern", pattern))

	// Drain client frames so close and pong handling work; the tail is
	// write-only from the server's point of view.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := util.Marshal(EventStreamMessage{Type: "event", Event: ev})
			if err != nil {
				s.log.Warn("event tail marshal failed", zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(fiberws.TextMessage, data); err != nil {
				s.log.Debug("event tail write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(fiberws.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
