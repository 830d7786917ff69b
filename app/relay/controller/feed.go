package controller

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/canopy-network/chainfeed/app/relay/watcher"
	"github.com/canopy-network/chainfeed/pkg/channel"
	"github.com/canopy-network/chainfeed/pkg/feed"
	"go.uber.org/zap"
)

type feedPayload struct {
	State    channel.State `json:"state"`
	Items    []feed.Event  `json:"items"`
	Accepted []feed.Event  `json:"accepted,omitempty"`
}

type statusResponse struct {
	watcher.Status
	Clients int `json:"clients"`
}

// HandleFeed returns the retained list, newest first. ?limit= trims it.
func (c *Controller) HandleFeed(w http.ResponseWriter, r *http.Request) {
	items := c.App.Watcher.Manager().Snapshot()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n < len(items) {
			items = items[:n]
		}
	}
	if items == nil {
		items = []feed.Event{}
	}
	writeJSON(w, http.StatusOK, feedPayload{State: c.App.Watcher.Manager().State(), Items: items})
}

// HandleStatus reports connectivity and list counts.
func (c *Controller) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  c.App.Watcher.Status(),
		Clients: c.App.Hub.Count(),
	})
}

// HandleRefresh re-reads the first feed page right away.
func (c *Controller) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 25*time.Second)
	defer cancel()

	n, err := c.App.Watcher.Refresh(ctx)
	if err != nil {
		c.App.Logger.Warn("Manual refresh failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": n})
}
