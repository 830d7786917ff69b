package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Message types sent to local subscribers.
const (
	TypeSnapshot    = "snapshot"
	TypeFeedUpdated = "feed.updated"
	TypeState       = "state"
	TypeError       = "error"
	TypeInfo        = "info"
)

// Message is one frame sent to a local subscriber.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const sendBuffer = 64

type client struct {
	id string

	mu     sync.Mutex
	closed bool
	send   chan Message
}

// offer never blocks.
func (c *client) offer(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub fans feed updates out to the relay's own WebSocket clients. Delivery is
// best-effort: a client whose buffer is full misses the message.
type Hub struct {
	clients *xsync.Map[string, *client]
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: xsync.NewMap[string, *client](),
		logger:  logger,
	}
}

// Register adds a client and returns its id, its message channel and a
// function that removes it. The channel is closed on removal. When initial is
// non-nil its message is the first the client receives: broadcasts racing
// with Register wait until it is queued.
func (h *Hub) Register(initial func() Message) (string, <-chan Message, func()) {
	c := &client{id: uuid.NewString(), send: make(chan Message, sendBuffer)}

	c.mu.Lock()
	h.clients.Store(c.id, c)
	if initial != nil {
		c.send <- initial()
	}
	c.mu.Unlock()
	h.logger.Debug("Relay client registered", zap.String("client_id", c.id))

	return c.id, c.send, func() {
		if _, ok := h.clients.LoadAndDelete(c.id); ok {
			c.close()
			h.logger.Debug("Relay client removed", zap.String("client_id", c.id))
		}
	}
}

// Send delivers msg to a single client.
func (h *Hub) Send(id string, msg Message) bool {
	c, ok := h.clients.Load(id)
	if !ok {
		return false
	}
	return h.offer(c, msg)
}

// Broadcast delivers msg to every client and returns how many took it.
func (h *Hub) Broadcast(msg Message) int {
	delivered := 0
	h.clients.Range(func(_ string, c *client) bool {
		if h.offer(c, msg) {
			delivered++
		}
		return true
	})
	return delivered
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	return h.clients.Size()
}

func (h *Hub) offer(c *client, msg Message) bool {
	if c.offer(msg) {
		return true
	}
	h.logger.Warn("Relay client too slow or gone, dropping message",
		zap.String("client_id", c.id),
		zap.String("type", msg.Type))
	return false
}
