package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/canopy-network/chainfeed/app/relay/hub"
	"github.com/canopy-network/chainfeed/app/relay/types"
	"github.com/canopy-network/chainfeed/app/relay/watcher"
	"github.com/canopy-network/chainfeed/pkg/api"
	"github.com/canopy-network/chainfeed/pkg/channel"
	"github.com/canopy-network/chainfeed/pkg/config"
	"github.com/canopy-network/chainfeed/pkg/feed"
	"github.com/canopy-network/chainfeed/pkg/session"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func event(t *testing.T, id int64) feed.Event {
	t.Helper()
	e, err := feed.NewEvent(map[string]any{
		"id":         id,
		"created_at": base.Add(time.Duration(id) * time.Minute).Format(time.RFC3339),
		"transaction": map[string]any{
			"hash": fmt.Sprintf("0x%064d", id),
		},
	})
	require.NoError(t, err)
	return e
}

type stubSource struct{ page []feed.Event }

func (s *stubSource) Backfill(context.Context, int, int) ([]feed.Event, error) { return nil, nil }

func (s *stubSource) FeedPage(_ context.Context, page, size int) (api.Page, error) {
	return api.Page{Items: s.page, Page: page, PageSize: size}, nil
}

// newTestApp returns an app whose channel never dials: the session has no
// credential until the test sets one, and nothing is listening for it.
func newTestApp(t *testing.T) (*types.App, *httptest.Server) {
	t.Helper()
	return newTestAppWithConfig(t, config.Config{})
}

func newTestAppWithConfig(t *testing.T, cfg config.Config) (*types.App, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	manager, err := channel.New(channel.Config{Endpoint: "ws://127.0.0.1:1/ws", Logger: logger})
	require.NoError(t, err)
	sess := session.New(session.NewMemoryStore(""), logger)
	w := watcher.New(watcher.Config{PageSize: 20}, manager, &stubSource{}, sess, nil, logger)

	app := &types.App{Config: cfg, Session: sess, Watcher: w, Hub: hub.New(logger), Logger: logger}
	ctler, err := NewController(app)
	require.NoError(t, err)
	router, err := ctler.NewRouter()
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	ts := httptest.NewServer(WithCORS(router))
	t.Cleanup(func() {
		ts.Close()
		w.Stop()
		sess.Close()
	})
	return app, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	_, ts := newTestApp(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "disconnected", body["channel"])
}

func TestFeed(t *testing.T) {
	app, ts := newTestApp(t)

	var empty struct {
		State string            `json:"state"`
		Items []json.RawMessage `json:"items"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/feed", &empty))
	assert.NotNil(t, empty.Items)
	assert.Empty(t, empty.Items)

	app.Watcher.Manager().Merge([]feed.Event{event(t, 1), event(t, 3), event(t, 2)})

	var body struct {
		State string `json:"state"`
		Items []struct {
			ID          int64          `json:"id"`
			Transaction map[string]any `json:"transaction"`
		} `json:"items"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/feed?limit=2", &body))
	require.Len(t, body.Items, 2)
	assert.Equal(t, int64(3), body.Items[0].ID)
	assert.Equal(t, int64(2), body.Items[1].ID)
	assert.NotEmpty(t, body.Items[0].Transaction["hash"], "payload fields pass through untouched")

	var bad map[string]string
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/feed?limit=0", &bad))
}

func TestStatus(t *testing.T) {
	app, ts := newTestApp(t)
	app.Watcher.Manager().Merge([]feed.Event{event(t, 1)})

	var body map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/status", &body))
	assert.Equal(t, "disconnected", body["state"])
	assert.Equal(t, float64(1), body["retained"])
	assert.Equal(t, float64(1), body["seen"])
	assert.Equal(t, float64(0), body["clients"])
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestApp(t)
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/feed", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func dialRelay(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

type relayMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func TestWebSocketSnapshotThenUpdates(t *testing.T) {
	app, ts := newTestApp(t)
	app.Watcher.Manager().Merge([]feed.Event{event(t, 1)})

	conn := dialRelay(t, ts)

	var msg relayMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, hub.TypeSnapshot, msg.Type)
	var snap struct {
		Items []struct{ ID int64 } `json:"items"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &snap))
	require.Len(t, snap.Items, 1)

	require.Eventually(t, func() bool { return app.Hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	app.Watcher.Manager().Merge([]feed.Event{event(t, 5)})

	// The update for the first merge may still be in flight; skip to ours.
	var update struct {
		Items    []struct{ ID int64 } `json:"items"`
		Accepted []struct{ ID int64 } `json:"accepted"`
	}
	for len(update.Items) < 2 {
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, hub.TypeFeedUpdated, msg.Type)
		require.NoError(t, json.Unmarshal(msg.Payload, &update))
	}
	require.Len(t, update.Items, 2)
	assert.Equal(t, int64(5), update.Items[0].ID)
	require.Len(t, update.Accepted, 1)
	assert.Equal(t, int64(5), update.Accepted[0].ID)
}

func TestWebSocketClientActions(t *testing.T) {
	_, ts := newTestApp(t)
	conn := dialRelay(t, ts)

	var msg relayMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, hub.TypeSnapshot, msg.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, hub.TypeError, msg.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "dance"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, hub.TypeError, msg.Type)
	assert.Contains(t, string(msg.Payload), "unknown action")

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "send"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Contains(t, string(msg.Payload), "payload is required")

	// Without a credential refresh is a no-op that accepts nothing.
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "refresh"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, hub.TypeInfo, msg.Type)
	assert.JSONEq(t, `{"accepted":0}`, string(msg.Payload))
}

func postRefresh(t *testing.T, ts *httptest.Server, token string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/feed/refresh", nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestRefreshRequiresControlToken(t *testing.T) {
	_, open := newTestApp(t)
	assert.Equal(t, http.StatusOK, postRefresh(t, open, ""))

	// A bcrypt hash is used as is.
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	for name, configured := range map[string]string{"plain": "s3cret", "hashed": string(hash)} {
		t.Run(name, func(t *testing.T) {
			_, ts := newTestAppWithConfig(t, config.Config{ControlToken: configured})
			assert.Equal(t, http.StatusUnauthorized, postRefresh(t, ts, ""))
			assert.Equal(t, http.StatusUnauthorized, postRefresh(t, ts, "wrong"))
			assert.Equal(t, http.StatusOK, postRefresh(t, ts, "s3cret"))
		})
	}
}

func TestWebSocketActionsNeedControlToken(t *testing.T) {
	_, ts := newTestAppWithConfig(t, config.Config{ControlToken: "s3cret"})
	conn := dialRelay(t, ts)

	var msg relayMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, hub.TypeSnapshot, msg.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "refresh"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, hub.TypeError, msg.Type)
	assert.Contains(t, string(msg.Payload), "unauthorized")
}
