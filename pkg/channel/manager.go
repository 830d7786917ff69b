package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-network/chainfeed/pkg/feed"
	"github.com/canopy-network/chainfeed/pkg/retry"
	"go.uber.org/zap"
)

// DefaultReconnectDelay is the fixed wait between a failure and the next attempt.
const DefaultReconnectDelay = 3 * time.Second

// ErrClosed is returned by operations on a manager that has been torn down.
var ErrClosed = errors.New("channel manager closed")

// Update is what the presentation layer receives after every state change
// or accepted merge. Events is a private copy.
type Update struct {
	State  State
	Events []feed.Event
	// Merged is how many events the change accepted. Zero for pure state changes.
	Merged int
	// Accepted holds those events in merge order.
	Accepted []feed.Event
}

// Handler receives updates. The most recently installed handler is the one
// invoked, regardless of which transport produced the change.
type Handler func(Update)

// AfterFunc schedules f after d and returns a function that cancels it.
// time.AfterFunc satisfies it through the adapter in New.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

// Config configures a Manager.
type Config struct {
	// Endpoint is the push channel address, e.g. ws://localhost:8080/ws.
	Endpoint string
	// Credential is the bearer token. Empty means do not connect.
	Credential string
	// Reconnect enables the fixed-delay reconnect policy. Defaults to true.
	Reconnect *bool
	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration
	// Capacity bounds the retained list. Defaults to feed.DefaultCapacity.
	Capacity int

	Dialer    Dialer
	Logger    *zap.Logger
	AfterFunc AfterFunc
}

// attempt is one connect attempt and, once open, its transport. Events from
// an attempt that is no longer current are stale and dropped.
type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   Transport
}

type reconnectTimer struct {
	stop func() bool
}

// Manager owns a single authenticated, auto-reconnecting push subscription
// and the retained list it feeds.
type Manager struct {
	endpoint  *url.URL
	dialer    Dialer
	logger    *zap.Logger
	policy    retry.Config
	reconnect bool
	afterFunc AfterFunc

	mu         sync.Mutex
	credential string
	state      State
	current    *attempt
	timer      *reconnectTimer
	failures   int
	started    bool
	closed     bool
	list       *feed.List
	queue      []Update

	handler atomic.Pointer[Handler]
	wake    chan struct{}
	done    chan struct{}
}

// New validates cfg and returns an idle manager. Call Start to connect and
// Close to release it.
func New(cfg Config) (*Manager, error) {
	endpoint, err := ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	reconnect := true
	if cfg.Reconnect != nil {
		reconnect = *cfg.Reconnect
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	afterFunc := cfg.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}

	m := &Manager{
		endpoint:   endpoint,
		dialer:     dialer,
		logger:     logger.With(zap.String("endpoint", endpoint.Redacted())),
		policy:     retry.Fixed(delay),
		reconnect:  reconnect,
		afterFunc:  afterFunc,
		credential: cfg.Credential,
		state:      Disconnected,
		list:       feed.NewList(cfg.Capacity),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go m.dispatch()
	return m, nil
}

// Start arms the manager. Without a credential nothing is dialed; a later
// SetCredential connects.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}
	m.started = true
	if m.credential == "" {
		m.logger.Info("No credential, channel stays disconnected")
		return nil
	}
	m.connectLocked()
	return nil
}

// SetCredential rotates the credential. Any open transport is closed first;
// the manager then either reconnects with the new token or, when the token is
// empty, stops and forgets the retained events.
func (m *Manager) SetCredential(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || token == m.credential {
		return
	}
	m.credential = token
	if token == "" {
		m.list.Reset()
		m.enqueueLocked(nil)
	}
	if !m.started {
		return
	}
	m.failures = 0
	m.logger.Info("Credential changed, resetting channel", zap.Bool("has_credential", token != ""))
	m.connectLocked()
}

// Reconnect drops the current transport and any pending timer and dials again.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.started {
		return
	}
	m.failures = 0
	m.connectLocked()
}

// Merge folds externally fetched events (backfill) into the retained list
// using the same de-duplication as pushed events. It returns how many were
// accepted.
func (m *Manager) Merge(events []feed.Event) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergeLocked(events)
}

// MergeForCredential is Merge for results fetched with token. They are
// discarded if the credential has changed since, so a slow fetch cannot
// repopulate the list after sign-out or rotation.
func (m *Manager) MergeForCredential(token string, events []feed.Event) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token != m.credential {
		m.logger.Debug("Discarding events fetched with a previous credential", zap.Int("events", len(events)))
		return 0
	}
	return m.mergeLocked(events)
}

func (m *Manager) mergeLocked(events []feed.Event) int {
	if m.closed {
		return 0
	}
	accepted := m.list.MergeBatch(events)
	if len(accepted) > 0 {
		m.enqueueLocked(accepted)
	}
	return len(accepted)
}

// Send writes v as one JSON frame. It is dropped silently when no transport is open.
func (m *Manager) Send(v any) {
	m.mu.Lock()
	var conn Transport
	if !m.closed && m.current != nil {
		conn = m.current.conn
	}
	m.mu.Unlock()
	if conn == nil {
		return
	}

	b, err := json.Marshal(v)
	if err != nil {
		m.logger.Debug("Dropping outbound message that does not encode", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(b); err != nil {
		m.logger.Debug("Dropping outbound message", zap.Error(err))
	}
}

// State returns the current connectivity.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the retained list, newest first.
func (m *Manager) Snapshot() []feed.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list.Snapshot()
}

// Stats reports retained and seen counts.
func (m *Manager) Stats() (retained, seen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list.Len(), m.list.SeenCount()
}

// SetHandler installs h; nil removes the current handler.
func (m *Manager) SetHandler(h Handler) {
	if h == nil {
		m.handler.Store(nil)
		return
	}
	m.handler.Store(&h)
}

// Close tears the manager down: the pending timer is cancelled, the transport
// closed, and no state change or merge happens afterwards. Queued updates are
// dropped; a handler call already in progress may still finish after Close
// returns. Safe to call more than once and from inside a Handler.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.stopTimerLocked()
	m.dropCurrentLocked()
	m.state = Disconnected
	m.closed = true
	m.queue = nil
	close(m.done)
	m.logger.Info("Channel manager closed")
}

// connectLocked starts a fresh attempt, superseding whatever was there.
func (m *Manager) connectLocked() {
	m.stopTimerLocked()
	m.dropCurrentLocked()
	if m.credential == "" {
		m.setStateLocked(Disconnected)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{ctx: ctx, cancel: cancel}
	m.current = a
	m.setStateLocked(Connecting)
	go m.dial(a, BuildURL(m.endpoint, m.credential))
}

func (m *Manager) dial(a *attempt, target string) {
	defer m.recoverPanic("dial")

	conn, err := m.dialer.Dial(a.ctx, target)

	m.mu.Lock()
	if m.closed || m.current != a {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		m.logger.Debug("Discarding superseded connect attempt")
		return
	}
	if err != nil {
		m.current = nil
		a.cancel()
		m.failures++
		m.setStateLocked(Disconnected)
		delay := m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.logger.Warn("Channel connect failed", zap.Error(err), zap.Duration("retry_in", delay))
		return
	}
	a.conn = conn
	m.failures = 0
	m.setStateLocked(Connected)
	m.mu.Unlock()

	m.logger.Info("Channel connected")
	go m.read(a)
}

func (m *Manager) read(a *attempt) {
	defer m.recoverPanic("read")
	for {
		data, err := a.conn.ReadMessage()
		if err != nil {
			m.transportClosed(a, err)
			return
		}
		m.receive(a, data)
	}
}

func (m *Manager) receive(a *attempt, data []byte) {
	e, err := feed.ParseEvent(data)
	if err != nil {
		m.logger.Warn("Discarding malformed channel message",
			zap.Int("bytes", len(data)),
			zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.current != a {
		return
	}
	if m.list.Merge(e) {
		m.enqueueLocked([]feed.Event{e})
	}
}

func (m *Manager) transportClosed(a *attempt, cause error) {
	m.mu.Lock()
	if m.closed || m.current != a {
		m.mu.Unlock()
		m.logger.Debug("Ignoring close of superseded transport", zap.Error(cause))
		return
	}
	m.current = nil
	a.cancel()
	_ = a.conn.Close()
	m.failures++
	m.setStateLocked(Disconnected)
	delay := m.scheduleReconnectLocked()
	m.mu.Unlock()

	m.logger.Warn("Channel closed", zap.Error(cause), zap.Duration("retry_in", delay))
}

// scheduleReconnectLocked arms the single reconnect timer and returns its
// delay, or zero when reconnecting is not allowed.
func (m *Manager) scheduleReconnectLocked() time.Duration {
	if !m.reconnect || m.credential == "" || m.closed {
		return 0
	}
	m.stopTimerLocked()
	delay := m.policy.Delay(m.failures)
	t := &reconnectTimer{}
	m.timer = t
	t.stop = m.afterFunc(delay, func() { m.fire(t) })
	return delay
}

func (m *Manager) fire(t *reconnectTimer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.timer != t {
		return
	}
	m.timer = nil
	m.logger.Info("Reconnecting channel", zap.Int("failures", m.failures))
	m.connectLocked()
}

func (m *Manager) stopTimerLocked() {
	if m.timer == nil {
		return
	}
	if m.timer.stop != nil {
		m.timer.stop()
	}
	m.timer = nil
}

func (m *Manager) dropCurrentLocked() {
	a := m.current
	if a == nil {
		return
	}
	m.current = nil
	a.cancel()
	if a.conn != nil {
		_ = a.conn.Close()
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.enqueueLocked(nil)
}

func (m *Manager) enqueueLocked(accepted []feed.Event) {
	if m.closed {
		return
	}
	m.queue = append(m.queue, Update{
		State:    m.state,
		Events:   m.list.Snapshot(),
		Merged:   len(accepted),
		Accepted: accepted,
	})
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// dispatch delivers queued updates in order on its own goroutine so handlers
// may call back into the manager.
func (m *Manager) dispatch() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if m.closed || len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			u := m.queue[0]
			m.queue[0] = Update{}
			m.queue = m.queue[1:]
			m.mu.Unlock()

			if h := m.handler.Load(); h != nil && !m.isClosed() {
				m.deliver(*h, u)
			}
		}
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) deliver(h Handler, u Update) {
	defer m.recoverPanic("handler")
	h(u)
}

func (m *Manager) recoverPanic(where string) {
	if rec := recover(); rec != nil {
		m.logger.Error("Panic in channel manager goroutine",
			zap.String("goroutine", where),
			zap.Any("panic", rec),
			zap.String("stack", string(debug.Stack())))
	}
}
