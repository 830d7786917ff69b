package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/canopy-network/chainfeed/pkg/api"
	"github.com/canopy-network/chainfeed/pkg/channel"
	"github.com/canopy-network/chainfeed/pkg/feed"
	"github.com/canopy-network/chainfeed/pkg/retry"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Source is the REST side of the feed.
type Source interface {
	Backfill(ctx context.Context, pageSize, maxPages int) ([]feed.Event, error)
	FeedPage(ctx context.Context, page, pageSize int) (api.Page, error)
}

// Credentials is the session the watcher follows.
type Credentials interface {
	Token() string
	Subscribe(fn func(token string)) (cancel func())
}

// Publisher relays accepted event records to other processes.
type Publisher interface {
	PublishEvent(ctx context.Context, data []byte)
}

type Config struct {
	PageSize      int
	BackfillPages int
	// RefreshSchedule is a cron spec for re-reading page 1. Empty disables it.
	RefreshSchedule string
	// Backoff governs the initial backfill. Defaults to retry.DefaultConfig.
	Backoff *retry.Config
}

// Status is a point-in-time view for the status endpoint and the CLI.
type Status struct {
	State       channel.State `json:"state"`
	Retained    int           `json:"retained"`
	Seen        int           `json:"seen"`
	LastRefresh time.Time     `json:"last_refresh,omitzero"`
	LastError   string        `json:"last_error,omitempty"`
}

// Watcher keeps a channel manager fed. It backfills from the REST API and
// starts the push channel, then follows credential changes and fans accepted
// events out.
type Watcher struct {
	cfg       Config
	manager   *channel.Manager
	source    Source
	creds     Credentials
	publisher Publisher
	logger    *zap.Logger

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	cron        *cron.Cron
	unsubscribe func()
	listeners   map[int]func(channel.Update)
	nextID      int
	lastRefresh time.Time
	lastErr     error
	wg          sync.WaitGroup
}

// New wires a watcher. publisher may be nil.
func New(cfg Config, manager *channel.Manager, source Source, creds Credentials, publisher Publisher, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.BackfillPages <= 0 {
		cfg.BackfillPages = 1
	}
	return &Watcher{
		cfg:       cfg,
		manager:   manager,
		source:    source,
		creds:     creds,
		publisher: publisher,
		logger:    logger,
		listeners: make(map[int]func(channel.Update)),
	}
}

// Manager exposes the channel manager for read-only views and outbound sends.
func (w *Watcher) Manager() *channel.Manager { return w.manager }

// Subscribe registers fn for every manager update.
func (w *Watcher) Subscribe(fn func(channel.Update)) (cancel func()) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.listeners, id)
		w.mu.Unlock()
	}
}

// Start backfills, connects the channel and arms the refresh job. Backfill
// failures are logged and leave the list as it was. The session is followed
// from before the backfill, so a credential cleared by a rejected request is
// never dialed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return errors.New("watcher already started")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.manager.SetHandler(w.handle)

	token := w.creds.Token()
	w.manager.SetCredential(token)
	unsubscribe := w.creds.Subscribe(w.credentialChanged)
	w.mu.Lock()
	w.unsubscribe = unsubscribe
	w.mu.Unlock()

	if token != "" {
		w.Backfill(w.ctx)
	}

	w.manager.SetCredential(w.creds.Token())
	if err := w.manager.Start(); err != nil {
		return fmt.Errorf("start channel: %w", err)
	}

	if w.cfg.RefreshSchedule == "" {
		return nil
	}
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(w.cfg.RefreshSchedule, w.refreshJob); err != nil {
		return fmt.Errorf("refresh schedule %q: %w", w.cfg.RefreshSchedule, err)
	}
	c.Start()
	w.logger.Info("Feed refresh scheduled", zap.String("schedule", w.cfg.RefreshSchedule))

	w.mu.Lock()
	w.cron = c
	w.mu.Unlock()
	return nil
}

// Stop tears everything down. The manager is closed and must not be reused.
func (w *Watcher) Stop() {
	w.mu.Lock()
	unsubscribe, c := w.unsubscribe, w.cron
	w.unsubscribe, w.cron = nil, nil
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	w.wg.Wait()
	w.manager.SetHandler(nil)
	w.manager.Close()
}

// Backfill loads the first pages into the manager with retries. It returns how
// many events were accepted.
func (w *Watcher) Backfill(ctx context.Context) int {
	token := w.creds.Token()
	var events []feed.Event
	err := retry.WithBackoff(ctx, w.backoff(), w.logger, "feed backfill", func() error {
		got, err := w.source.Backfill(ctx, w.cfg.PageSize, w.cfg.BackfillPages)
		if len(got) > len(events) {
			events = got
		}
		if errors.Is(err, api.ErrUnauthorized) {
			return retry.Permanent(err)
		}
		return err
	})
	accepted := w.manager.MergeForCredential(token, events)
	w.record(err)
	if err != nil {
		w.logger.Warn("Backfill failed, no items loaded", zap.Int("partial", accepted), zap.Error(err))
		return accepted
	}
	w.logger.Info("Backfill complete", zap.Int("fetched", len(events)), zap.Int("accepted", accepted))
	return accepted
}

// Refresh re-reads page 1 and merges it. This catches events the channel
// missed while it was reconnecting.
func (w *Watcher) Refresh(ctx context.Context) (int, error) {
	token := w.creds.Token()
	if token == "" {
		return 0, nil
	}
	page, err := w.source.FeedPage(ctx, 1, w.cfg.PageSize)
	w.record(err)
	if err != nil {
		return 0, err
	}
	return w.manager.MergeForCredential(token, page.Items), nil
}

// Status reports channel state, list counts and the last REST outcome.
func (w *Watcher) Status() Status {
	retained, seen := w.manager.Stats()
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		State:       w.manager.State(),
		Retained:    retained,
		Seen:        seen,
		LastRefresh: w.lastRefresh,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

func (w *Watcher) backoff() retry.Config {
	if w.cfg.Backoff != nil {
		return *w.cfg.Backoff
	}
	return retry.DefaultConfig()
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	if err == nil {
		w.lastRefresh = time.Now()
	}
}

func (w *Watcher) refreshJob() {
	w.mu.Lock()
	parent := w.ctx
	w.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, 25*time.Second)
	defer cancel()
	n, err := w.Refresh(ctx)
	if err != nil {
		w.logger.Warn("Feed refresh failed", zap.Error(err))
		return
	}
	if n > 0 {
		w.logger.Info("Feed refresh picked up missed events", zap.Int("accepted", n))
	}
}

// credentialChanged follows the session. A new token reconnects the channel
// and backfills again; an empty one stops it and clears the list.
func (w *Watcher) credentialChanged(token string) {
	w.manager.SetCredential(token)
	if token == "" {
		return
	}

	w.mu.Lock()
	ctx := w.ctx
	if ctx == nil || ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	go func() {
		defer w.wg.Done()
		w.Backfill(ctx)
	}()
}

func (w *Watcher) handle(u channel.Update) {
	if w.publisher != nil && len(u.Accepted) > 0 {
		w.mu.Lock()
		ctx := w.ctx
		w.mu.Unlock()
		for _, e := range u.Accepted {
			w.publisher.PublishEvent(ctx, e.Raw)
		}
	}

	w.mu.Lock()
	listeners := make([]func(channel.Update), 0, len(w.listeners))
	for _, fn := range w.listeners {
		listeners = append(listeners, fn)
	}
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(u)
	}
}
