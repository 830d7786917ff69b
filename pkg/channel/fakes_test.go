package channel

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	errTransportClosed = errors.New("transport closed")
	errDialRefused     = errors.New("connection refused")
)

type fakeTransport struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	sent [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case <-t.closed:
		return nil, errTransportClosed
	default:
	}
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, errTransportClosed
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	if t.isClosed() {
		return errTransportClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// push delivers a frame as if the server sent it.
func (t *fakeTransport) push(data string) { t.in <- []byte(data) }

// drop simulates the server going away.
func (t *fakeTransport) drop() { _ = t.Close() }

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) sentFrames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sent))
	for _, b := range t.sent {
		out = append(out, string(b))
	}
	return out
}

type fakeDialer struct {
	mu         sync.Mutex
	targets    []string
	transports []*fakeTransport
	failNext   int
	// holdFirst, when set, blocks the first dial until closed and then
	// completes it even if the attempt was cancelled meanwhile.
	holdFirst chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, target string) (Transport, error) {
	d.mu.Lock()
	d.targets = append(d.targets, target)
	first := len(d.targets) == 1
	hold := d.holdFirst
	if d.failNext > 0 {
		d.failNext--
		d.mu.Unlock()
		return nil, errDialRefused
	}
	d.mu.Unlock()

	if first && hold != nil {
		<-hold
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := newFakeTransport()
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

func (d *fakeDialer) target(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.targets[i]
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func (d *fakeDialer) created() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.transports {
		if !t.isClosed() {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

// fakeClock hands out timers that only fire when the test says so.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	t := &fakeTimer{delay: d, f: f}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (c *fakeClock) all() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

// fire runs t's callback, even if it was stopped, to model a timer that had
// already fired when it was cancelled.
func (c *fakeClock) fire(t *fakeTimer) {
	c.mu.Lock()
	t.fired = true
	f := t.f
	c.mu.Unlock()
	f()
}
