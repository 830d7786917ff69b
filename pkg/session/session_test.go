package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"user_id": 7}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

type recorder struct {
	mu     sync.Mutex
	tokens []string
}

func (r *recorder) record(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, token)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tokens...)
}

func TestExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	got, ok := Expiry(signed(t, exp))
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	_, ok = Expiry(signed(t, time.Time{}))
	assert.False(t, ok, "no exp claim")

	_, ok = Expiry("opaque-token")
	assert.False(t, ok, "not a JWT")
}

func TestSessionSetNotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore(""), zap.NewNop())
	defer s.Close()

	var rec recorder
	cancel := s.Subscribe(rec.record)

	token := signed(t, time.Now().Add(time.Hour))
	require.NoError(t, s.Set(ctx, token))
	require.NoError(t, s.Set(ctx, token), "unchanged token is not re-announced")
	assert.Equal(t, token, s.Token())

	require.NoError(t, s.Clear(ctx))
	assert.Empty(t, s.Token())
	assert.Equal(t, []string{token, ""}, rec.seen())

	cancel()
	require.NoError(t, s.Set(ctx, "opaque"))
	assert.Len(t, rec.seen(), 2)
}

func TestSessionLoad(t *testing.T) {
	ctx := context.Background()

	live := signed(t, time.Now().Add(time.Hour))
	s := New(NewMemoryStore(live), zap.NewNop())
	defer s.Close()
	require.NoError(t, s.Load(ctx))
	assert.Equal(t, live, s.Token())

	store := NewMemoryStore(signed(t, time.Now().Add(-time.Minute)))
	expired := New(store, zap.NewNop())
	defer expired.Close()
	require.NoError(t, expired.Load(ctx))
	assert.Empty(t, expired.Token())
	stored, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored, "expired token is removed from the store")
}

func TestSessionRejectsExpiredToken(t *testing.T) {
	s := New(NewMemoryStore(""), zap.NewNop())
	defer s.Close()
	err := s.Set(context.Background(), signed(t, time.Now().Add(-time.Second)))
	require.Error(t, err)
	assert.Empty(t, s.Token())
}

func TestSessionExpiresLiveToken(t *testing.T) {
	s := New(NewMemoryStore(""), zap.NewNop())
	defer s.Close()

	var rec recorder
	s.Subscribe(rec.record)

	// exp has one-second resolution.
	token := signed(t, time.Now().Add(1100*time.Millisecond))
	require.NoError(t, s.Set(context.Background(), token))

	require.Eventually(t, func() bool {
		return len(rec.seen()) == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{token, ""}, rec.seen())
	assert.Empty(t, s.Token())
}

type failingStore struct{ MemoryStore }

var errStore = errors.New("store unavailable")

func (f *failingStore) Save(context.Context, string) error { return errStore }
func (f *failingStore) Clear(context.Context) error        { return errStore }

func TestSessionStoreFailures(t *testing.T) {
	ctx := context.Background()
	s := New(&failingStore{}, zap.NewNop())
	defer s.Close()

	var rec recorder
	s.Subscribe(rec.record)

	err := s.Set(ctx, "opaque")
	require.ErrorIs(t, err, errStore)
	assert.Empty(t, s.Token(), "token is not installed when it cannot be saved")
	assert.Empty(t, rec.seen())
}
