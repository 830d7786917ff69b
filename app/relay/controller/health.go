package controller

import (
	"net/http"
)

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if c.App.RedisClient != nil {
		if err := c.App.RedisClient.Health(ctx); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "errored", "error": "redis connection error"})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"channel": c.App.Watcher.Manager().State().String(),
	})
}
