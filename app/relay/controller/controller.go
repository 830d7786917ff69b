package controller

import (
	"fmt"
	"net/http"

	"github.com/canopy-network/chainfeed/app/relay/hub"
	"github.com/canopy-network/chainfeed/app/relay/types"
	"github.com/canopy-network/chainfeed/pkg/channel"
	"github.com/canopy-network/chainfeed/pkg/utils"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
)

type Controller struct {
	App *types.App
	// ControlHash is the bcrypt hash of the control token; empty leaves the
	// mutating endpoints open.
	ControlHash []byte
}

// NewController returns a new controller and starts relaying watcher updates
// to the local WebSocket hub.
func NewController(app *types.App) (*Controller, error) {
	c := &Controller{App: app}
	if app.Config.ControlToken != "" {
		hash, err := utils.HashOrRead(app.Config.ControlToken)
		if err != nil {
			return nil, fmt.Errorf("hash control token: %w", err)
		}
		c.ControlHash = hash
	}
	app.Watcher.Subscribe(c.broadcast)
	return c, nil
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodOptions)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.Handle("/health", http.HandlerFunc(c.HandleHealth)).Methods(http.MethodGet)

	r.HandleFunc("/feed", c.HandleFeed).Methods(http.MethodGet)
	r.Handle("/feed/refresh", c.RequireControl(http.HandlerFunc(c.HandleRefresh))).Methods(http.MethodPost)
	r.HandleFunc("/status", c.HandleStatus).Methods(http.MethodGet)
	r.HandleFunc("/ws", c.HandleWebSocket).Methods(http.MethodGet)

	return r, nil
}

// broadcast turns a manager update into a hub message.
func (c *Controller) broadcast(u channel.Update) {
	if u.Merged == 0 {
		c.App.Hub.Broadcast(hub.Message{Type: hub.TypeState, Payload: map[string]interface{}{"state": u.State}})
		return
	}
	c.App.Hub.Broadcast(hub.Message{Type: hub.TypeFeedUpdated, Payload: feedPayload{
		State:    u.State,
		Items:    u.Events,
		Accepted: u.Accepted,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
