package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/canopy-network/chainfeed/app/relay/hub"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The relay binds to a local address; any page on this machine may read it.
		return true
	},
}

// ClientMessage represents messages sent by WebSocket clients.
type ClientMessage struct {
	Action  string          `json:"action"` // "refresh" or "send"
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandleWebSocket upgrades the connection and streams feed changes.
//
// Protocol:
// Client sends: {"action": "refresh"}                     // re-read page 1 now
// Client sends: {"action": "send", "payload": {...}}      // forward upstream, best-effort
//
// Both actions need the control token (as a Bearer header on the upgrade
// request) when one is configured.
//
// Server sends:
// - {"type": "snapshot", "payload": {"state": "...", "items": [...]}} once on connect
// - {"type": "feed.updated", "payload": {"state": "...", "items": [...], "accepted": [...]}}
// - {"type": "state", "payload": {"state": "connecting"}}
// - {"type": "info", "payload": {...}}
// - {"type": "error", "payload": {"message": "..."}}
//
// All goroutines recover from panics.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func(conn *websocket.Conn) {
		if err := conn.Close(); err != nil {
			c.App.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}(conn)

	control := c.ValidateControlToken(r)
	manager := c.App.Watcher.Manager()
	id, send, unregister := c.App.Hub.Register(func() hub.Message {
		return hub.Message{Type: hub.TypeSnapshot, Payload: feedPayload{
			State: manager.State(),
			Items: manager.Snapshot(),
		}}
	})
	logger := c.App.Logger.With(zap.String("client_id", id), zap.String("remote_addr", r.RemoteAddr))
	logger.Info("WebSocket client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	// writes from the ping loop and the writer must not interleave
	var writeMu sync.Mutex

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.recoverPanic(logger, "ping ticker", cancel)
		c.sendPings(ctx, conn, &writeMu, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.recoverPanic(logger, "message writer", cancel)
		c.writeMessages(ctx, conn, send, &writeMu, logger)
		cancel()
	}()

	c.readClientMessages(ctx, conn, cancel, id, control, logger)

	unregister()
	wg.Wait()
	logger.Info("WebSocket client disconnected")
}

func (c *Controller) recoverPanic(logger *zap.Logger, where string, cancel context.CancelFunc) {
	if rec := recover(); rec != nil {
		logger.Error("Panic in WebSocket goroutine",
			zap.String("goroutine", where),
			zap.Any("panic", rec),
			zap.String("stack", string(debug.Stack())))
		cancel()
	}
}

// sendPings sends periodic WebSocket ping frames to keep the connection alive.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeTimeout))
			writeMu.Unlock()
			if err != nil {
				logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// writeMessages drains the hub channel until it closes or ctx ends.
func (c *Controller) writeMessages(ctx context.Context, conn *websocket.Conn, send <-chan hub.Message, writeMu *sync.Mutex, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-send:
			if !ok {
				return
			}
			writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteJSON(msg)
			writeMu.Unlock()
			if err != nil {
				logger.Debug("Failed to write WebSocket message", zap.Error(err))
				return
			}
		}
	}
}

// readClientMessages handles client actions and detects the connection closing.
func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, id string, control bool, logger *zap.Logger) {
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		logger.Error("Failed to set read deadline", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.App.Hub.Send(id, hub.Message{Type: hub.TypeError, Payload: map[string]string{"message": "invalid JSON"}})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		if !control && (msg.Action == "refresh" || msg.Action == "send") {
			c.App.Hub.Send(id, hub.Message{Type: hub.TypeError, Payload: map[string]string{"message": "unauthorized"}})
			continue
		}

		switch msg.Action {
		case "refresh":
			rctx, rcancel := context.WithTimeout(ctx, 25*time.Second)
			n, err := c.App.Watcher.Refresh(rctx)
			rcancel()
			if err != nil {
				c.App.Hub.Send(id, hub.Message{Type: hub.TypeError, Payload: map[string]string{"message": "refresh failed"}})
				continue
			}
			c.App.Hub.Send(id, hub.Message{Type: hub.TypeInfo, Payload: map[string]int{"accepted": n}})

		case "send":
			if len(msg.Payload) == 0 {
				c.App.Hub.Send(id, hub.Message{Type: hub.TypeError, Payload: map[string]string{"message": "payload is required"}})
				continue
			}
			c.App.Watcher.Manager().Send(msg.Payload)

		default:
			c.App.Hub.Send(id, hub.Message{Type: hub.TypeError, Payload: map[string]string{"message": "unknown action: " + msg.Action}})
		}
	}
}
