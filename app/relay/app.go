package relay

import (
	"context"
	"fmt"

	"github.com/canopy-network/chainfeed/app/relay/hub"
	"github.com/canopy-network/chainfeed/app/relay/types"
	"github.com/canopy-network/chainfeed/app/relay/watcher"
	"github.com/canopy-network/chainfeed/pkg/api"
	"github.com/canopy-network/chainfeed/pkg/channel"
	"github.com/canopy-network/chainfeed/pkg/config"
	"github.com/canopy-network/chainfeed/pkg/redis"
	"github.com/canopy-network/chainfeed/pkg/session"
	"go.uber.org/zap"
)

// OpenSession builds the session for cfg and loads any stored credential. A
// FEED_TOKEN in cfg replaces whatever was stored. The Redis client is nil
// unless Redis is enabled; callers close it.
func OpenSession(ctx context.Context, cfg config.Config, logger *zap.Logger) (*session.Session, *redis.Client, error) {
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		var err error
		redisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			if cfg.SessionBackend == config.SessionRedis {
				return nil, nil, fmt.Errorf("redis session backend: %w", err)
			}
			logger.Warn("Failed to initialize Redis client - feed updates will not be relayed", zap.Error(err))
			redisClient = nil
		}
	} else {
		logger.Info("Redis disabled - feed updates will not be relayed")
	}

	var store session.Store = session.NewMemoryStore("")
	if cfg.SessionBackend == config.SessionRedis {
		store = session.NewRedisStore(redisClient, cfg.Profile)
	}

	sess := session.New(store, logger)
	if err := sess.Load(ctx); err != nil {
		sess.Close()
		return nil, redisClient, err
	}
	if cfg.Token != "" {
		if err := sess.Set(ctx, cfg.Token); err != nil {
			sess.Close()
			return nil, redisClient, fmt.Errorf("FEED_TOKEN: %w", err)
		}
	}
	return sess, redisClient, nil
}

// NewAPIClient returns a REST client that authenticates with sess and signs
// it out when the server rejects the credential.
func NewAPIClient(cfg config.Config, sess *session.Session, logger *zap.Logger) (*api.Client, error) {
	return api.NewClient(api.Config{
		BaseURL:     cfg.APIURL,
		Credentials: sess,
		OnUnauthorized: func() {
			if err := sess.Clear(context.Background()); err != nil {
				logger.Warn("Failed to clear rejected credential", zap.Error(err))
			}
		},
		Concurrency: cfg.BackfillPages,
		Logger:      logger.Named("api"),
	})
}

// NewWatcher builds the channel manager and the watcher that drives it.
func NewWatcher(cfg config.Config, client *api.Client, sess *session.Session, redisClient *redis.Client, logger *zap.Logger) (*watcher.Watcher, error) {
	manager, err := channel.New(channel.Config{
		Endpoint:       cfg.WSURL,
		ReconnectDelay: cfg.ReconnectDelay,
		Capacity:       cfg.Capacity,
		Logger:         logger.Named("channel"),
	})
	if err != nil {
		return nil, err
	}

	var publisher watcher.Publisher
	if redisClient != nil {
		publisher = redisClient
	}

	return watcher.New(watcher.Config{
		PageSize:        cfg.PageSize,
		BackfillPages:   cfg.BackfillPages,
		RefreshSchedule: cfg.RefreshSchedule,
	}, manager, client, sess, publisher, logger.Named("watcher")), nil
}

// Initialize initializes the application.
func Initialize(ctx context.Context, cfg config.Config, logger *zap.Logger) (*types.App, error) {
	sess, redisClient, err := OpenSession(ctx, cfg, logger)
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}

	cleanup := func() {
		sess.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}

	client, err := NewAPIClient(cfg, sess, logger)
	if err != nil {
		cleanup()
		return nil, err
	}

	w, err := NewWatcher(cfg, client, sess, redisClient, logger)
	if err != nil {
		cleanup()
		return nil, err
	}

	app := &types.App{
		Config:      cfg,
		Session:     sess,
		API:         client,
		Watcher:     w,
		Hub:         hub.New(logger.Named("hub")),
		RedisClient: redisClient,
		Logger:      logger,
	}

	return app, nil
}
