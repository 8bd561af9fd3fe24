package api

import (
	"context"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsWriteTimeout bounds a single frame write so one stalled client
// cannot wedge its pump goroutine.
const wsWriteTimeout = 10 * time.Second

// eventsHandler handles GET /v1/orchestrator/events.
// Upgrades to a WebSocket and streams every fanout frame to the client
// until the hub shuts down or the client disconnects. The stream is
// one-way: client frames are read and discarded.
func (s *Server) eventsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	// Drain client frames until the connection closes.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case frame, ok := <-sub.C():
			if !ok || len(frame) == 0 {
				// Hub shutdown sentinel, or this subscriber was dropped
				// for falling behind.
				_ = conn.Close(websocket.StatusNormalClosure, "stream closed")
				return nil
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancelWrite()
			if err != nil {
				// Client gone or stalled past the write budget.
				return nil
			}
		}
	}
}
