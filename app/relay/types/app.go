package types

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/canopy-network/chainfeed/app/relay/hub"
	"github.com/canopy-network/chainfeed/app/relay/watcher"
	"github.com/canopy-network/chainfeed/pkg/api"
	"github.com/canopy-network/chainfeed/pkg/config"
	"github.com/canopy-network/chainfeed/pkg/redis"
	"github.com/canopy-network/chainfeed/pkg/session"
	"go.uber.org/zap"
)

type App struct {
	Config  config.Config
	Session *session.Session
	API     *api.Client
	// Watcher drives the channel manager and owns its retained list.
	Watcher *watcher.Watcher
	// Hub fans updates out to local WebSocket clients.
	Hub *hub.Hub
	// RedisClient is nil unless REDIS_ENABLED is set.
	RedisClient *redis.Client
	// Zap Logger
	Logger *zap.Logger
	// Server represents the HTTP server instance used to handle incoming client requests and manage HTTP routes.
	Server *http.Server
}

// Start runs the watcher and the HTTP server until ctx is done.
func (a *App) Start(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if err := a.Watcher.Start(ctx); err != nil {
		a.shutdown()
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		a.Logger.Error("HTTP server failed", zap.Error(err))
		a.shutdown()
		return err
	}

	a.shutdown()
	a.Logger.Info("さようなら!")
	return nil
}

func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.Watcher.Stop()
	a.Session.Close()
	_ = a.Server.Shutdown(shutdownCtx)

	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Error("Failed to close Redis connection", zap.Error(err))
		}
	}
	time.Sleep(200 * time.Millisecond)
}
