package channel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/canopy-network/chainfeed/pkg/utils"
	"github.com/gorilla/websocket"
)

// Transport is one open push connection.
type Transport interface {
	// ReadMessage blocks until the next data frame arrives or the transport fails.
	ReadMessage() ([]byte, error)
	// WriteMessage sends a single text frame.
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports. Cancelling ctx aborts an in-progress dial.
type Dialer interface {
	Dial(ctx context.Context, target string) (Transport, error)
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPongWait         = 60 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultReadLimit        = 1 << 20
)

// WebsocketDialer dials the push channel with gorilla/websocket.
// Zero values pick sensible defaults.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	// PongWait is how long the connection may stay silent before it is
	// considered dead. Pings are sent at 9/10 of it.
	PongWait  time.Duration
	WriteWait time.Duration
	ReadLimit int64
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, target string) (Transport, error) {
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	pongWait := d.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	writeWait := d.WriteWait
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	readLimit := d.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
		ReadBufferSize:   4096,
		WriteBufferSize:  1024,
	}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			if reason := utils.BodySnippet(resp.Body, 256); reason != "" {
				return nil, fmt.Errorf("websocket handshake failed with status %d (%s): %w", resp.StatusCode, reason, err)
			}
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	t := &wsTransport{
		conn:      conn,
		pongWait:  pongWait,
		writeWait: writeWait,
		done:      make(chan struct{}),
	}
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	go t.keepalive(pongWait * 9 / 10)
	return t, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	pongWait  time.Duration
	writeWait time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(t.pongWait))
	return data, nil
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) keepalive(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait)); err != nil {
				return
			}
		}
	}
}
