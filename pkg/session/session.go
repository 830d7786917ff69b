package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Expiry reads the exp claim without verifying the signature; the server is
// the only party that can verify it. ok is false for tokens that are not JWTs
// or carry no exp.
func Expiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Session is the authenticated session: the current credential plus the
// components that need to hear when it changes. Expired tokens read as
// absent and are cleared when their exp passes.
type Session struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	token  string
	expiry *time.Timer
	subs   map[int]func(string)
	nextID int
}

func New(store Store, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		store:  store,
		logger: logger,
		now:    time.Now,
		subs:   make(map[int]func(string)),
	}
}

// Load pulls the persisted token into the session.
func (s *Session) Load(ctx context.Context) error {
	token, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if token != "" && s.expired(token) {
		s.logger.Info("Stored credential has expired, discarding")
		return s.Clear(ctx)
	}
	s.swap(token)
	return nil
}

// Token returns the current credential or "" when signed out or expired.
func (s *Session) Token() string {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token == "" || s.expired(token) {
		return ""
	}
	return token
}

// Set persists and installs a new credential.
func (s *Session) Set(ctx context.Context, token string) error {
	if token != "" && s.expired(token) {
		return fmt.Errorf("credential already expired")
	}
	if err := s.store.Save(ctx, token); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.swap(token)
	return nil
}

// Clear signs out. Subscribers are told even if persisting the clear fails.
func (s *Session) Clear(ctx context.Context) error {
	err := s.store.Clear(ctx)
	s.swap("")
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Subscribe registers fn for credential changes and returns its cancel func.
// fn receives "" on sign-out.
func (s *Session) Subscribe(fn func(token string)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Close stops the expiry timer.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
}

func (s *Session) expired(token string) bool {
	exp, ok := Expiry(token)
	return ok && !exp.After(s.now())
}

func (s *Session) swap(token string) {
	s.mu.Lock()
	if s.token == token {
		s.mu.Unlock()
		return
	}
	s.token = token
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	if exp, ok := Expiry(token); ok {
		current := token
		s.expiry = time.AfterFunc(exp.Sub(s.now()), func() { s.expire(current) })
	}
	subs := make([]func(string), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(token)
	}
}

func (s *Session) expire(token string) {
	s.mu.Lock()
	stale := s.token != token
	s.mu.Unlock()
	if stale {
		return
	}
	s.logger.Info("Credential expired, signing out")
	if err := s.Clear(context.Background()); err != nil {
		s.logger.Warn("Failed to clear expired credential", zap.Error(err))
	}
}
