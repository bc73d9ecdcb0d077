// Package app composes the client core with fx: cache, bus, behavior
// tracker, optimistic manager, prefetch scheduler, reconciling store and
// push ingestor, with lifecycle hooks for startup and shutdown.
package app

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lucmattos/chatterd/internal/api"
	"github.com/lucmattos/chatterd/internal/behavior"
	"github.com/lucmattos/chatterd/internal/bus"
	"github.com/lucmattos/chatterd/internal/cache"
	"github.com/lucmattos/chatterd/internal/config"
	"github.com/lucmattos/chatterd/internal/logging"
	"github.com/lucmattos/chatterd/internal/optimistic"
	"github.com/lucmattos/chatterd/internal/prefetch"
	"github.com/lucmattos/chatterd/internal/push"
	"github.com/lucmattos/chatterd/internal/state"
)

// Params selects the configuration file for the module. An empty path
// uses the documented defaults.
type Params struct {
	ConfigPath string
}

// Module returns the fx module composing every component of the core.
func Module(p Params) fx.Option {
	return fx.Module("chatterd",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideCache,
			provideTracker,
			provideFetcher,
			provideOptimistic,
			providePrefetch,
			provideState,
			provideIngestor,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.ConfigPath == "" {
		return config.Default(), nil
	}
	return config.Load(p.ConfigPath)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Path)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideCache(cfg *config.Config, logger *zap.Logger) (*cache.DB, error) {
	db, err := cache.Open(cfg.Storage.Path, cache.Options{
		MaxBytes:           cfg.Storage.MaxBytes,
		CompressThreshold:  cfg.Storage.CompressThreshold,
		PerConversationCap: cfg.Storage.PerConversationCap,
		HealthMaxAge:       time.Duration(cfg.Storage.HealthMaxAgeHours) * time.Hour,
	}, logger)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", cfg.Storage.Path))
	return db, nil
}

func provideTracker(cfg *config.Config, db *cache.DB, logger *zap.Logger) *behavior.Tracker {
	return behavior.NewTracker(db, logger, behavior.Options{
		MaxRecords:     cfg.Behavior.MaxRecords,
		MinRecords:     cfg.Behavior.MinRecords,
		ScoreThreshold: cfg.Behavior.ScoreThreshold,
	})
}

func provideFetcher(cfg *config.Config, logger *zap.Logger) prefetch.MessageFetcher {
	return api.NewClient(cfg.API.BaseURL,
		time.Duration(cfg.API.TimeoutSeconds)*time.Second, logger)
}

func provideOptimistic(cfg *config.Config, db *cache.DB, b *bus.Bus, logger *zap.Logger) *optimistic.Manager {
	return optimistic.NewManager(db, b, logger, optimistic.Options{
		MaxRetries:   cfg.Retry.MaxRetries,
		BaseBackoff:  time.Duration(cfg.Retry.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:   time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		ConfirmGrace: time.Duration(cfg.Retry.ConfirmGraceMs) * time.Millisecond,
	})
}

func providePrefetch(cfg *config.Config, db *cache.DB, tracker *behavior.Tracker, fetcher prefetch.MessageFetcher, b *bus.Bus, logger *zap.Logger) *prefetch.Manager {
	return prefetch.NewManager(db, tracker, fetcher, b, logger, prefetch.Options{
		MaxConcurrent: cfg.Prefetch.MaxConcurrent,
		HoverDelay:    time.Duration(cfg.Prefetch.HoverDelayMs) * time.Millisecond,
		TopCount:      cfg.Prefetch.TopCount,
		ScrollCount:   cfg.Prefetch.ScrollCount,
		FetchLimit:    cfg.Prefetch.FetchLimit,
	})
}

func provideState(om *optimistic.Manager, db *cache.DB, b *bus.Bus, logger *zap.Logger) *state.Store {
	return state.NewStore(om, db, b, logger)
}

func provideIngestor(st *state.Store, db *cache.DB, b *bus.Bus, logger *zap.Logger) *push.Ingestor {
	return push.NewIngestor(st, db, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, db *cache.DB, st *state.Store, ingestor *push.Ingestor, om *optimistic.Manager, pf *prefetch.Manager, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ingestor.Start(context.Background())

			// Hydrate the store from the cache so the UI renders before
			// any network round trip.
			convs, err := db.ListConversations()
			if err != nil {
				logger.Warn("cache hydration failed", zap.Error(err))
			} else {
				st.SetConversations(convs)
				logger.Info("store hydrated", zap.Int("conversations", len(convs)))
			}

			pf.PrefetchTopConversations(0)
			return nil
		},
		OnStop: func(_ context.Context) error {
			pf.Stop()
			om.Stop()
			ingestor.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			logger.Info("core stopped")
			return nil
		},
	})
}
