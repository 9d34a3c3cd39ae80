package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"edgeai/internal/bus"
	"edgeai/internal/logging"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
)

type eventFrame struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Publisher string    `json:"publisher"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// handleEvents streams bus messages matching the topic query (default "*")
// over a websocket until the client leaves or the server stops.
func (s *Server) handleEvents(c *gin.Context) {
	if s.deps.Bus == nil {
		writeProblem(c, http.StatusServiceUnavailable, "unavailable", "event bus not configured")
		return
	}
	pattern := strings.TrimSpace(c.DefaultQuery("topic", "*"))
	sub, err := s.deps.Bus.Subscribe(pattern)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return
	}
	defer conn.Close()

	logger := logging.FromContext(c.Request.Context(), s.logger)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	// The read side only watches for the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				deadline := time.Now().Add(eventWriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	logger.Info("Event stream opened for %q", pattern)
	var sent int
	for msg := range sub.All(ctx) {
		if err := s.writeEvent(conn, msg); err != nil {
			logger.Debug("Event stream write failed: %v", err)
			break
		}
		sent++
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	logger.Info("Event stream for %q closed after %d events (%d dropped)", pattern, sent, sub.Dropped())
}

func (s *Server) writeEvent(conn *websocket.Conn, msg bus.Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(eventFrame{
		ID:        msg.ID,
		Topic:     msg.Topic,
		Publisher: msg.Publisher,
		Timestamp: msg.Timestamp,
		Payload:   msg.Payload,
	})
}
