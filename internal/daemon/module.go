package daemon

import (
	"context"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/omnichat/internal/api"
	"github.com/matheus3301/omnichat/internal/bus"
	"github.com/matheus3301/omnichat/internal/config"
	"github.com/matheus3301/omnichat/internal/hub"
	"github.com/matheus3301/omnichat/internal/lock"
	"github.com/matheus3301/omnichat/internal/logging"
	"github.com/matheus3301/omnichat/internal/msgcache"
	"github.com/matheus3301/omnichat/internal/profile"
	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/sealed"
	"github.com/matheus3301/omnichat/internal/store"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    profile.Layout
	SocketPath string // optional override for testing; empty = Profile.Socket()
	ConfigPath string // optional override; empty = ~/.omnichat/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideSealer,
			provideSessions,
			provideCache,
			provideHub,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func (p Params) configPath() string {
	if p.ConfigPath != "" {
		return p.ConfigPath
	}
	return profile.ConfigPath()
}

func provideConfig(p Params) (*config.Config, error) {
	return config.LoadOrDefault(p.configPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(p.Profile.LogFile(), p.Profile.Name, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := p.Profile.Ensure(); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile.Name), zap.String("dir", p.Profile.Dir))
	l, err := lock.Acquire(p.Profile.Dir)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore never fails: without a usable database the daemon runs with
// the cache disabled and sessions kept in memory.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) *store.DB {
	dbPath := p.Profile.DB()
	db, aside, err := store.OpenOrRecover(dbPath, logger)
	if err != nil {
		logger.Error("store unavailable, running without cache", zap.String("path", dbPath), zap.Error(err))
		return nil
	}
	if aside != "" {
		logger.Warn("corrupt database replaced", zap.String("moved_to", aside))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db
}

func provideSealer(p Params) (*sealed.Sealer, error) {
	return sealed.LoadOrCreate(p.Profile.Key())
}

func provideSessions(db *store.DB, sealer *sealed.Sealer, logger *zap.Logger) *store.Sessions {
	return store.NewSessions(db, sealer, logger)
}

func provideCache(db *store.DB, cfg *config.Config, logger *zap.Logger) *msgcache.Cache {
	return msgcache.New(db, msgcache.Options{MaxPerChat: cfg.Cache.MaxPerChat, Logger: logger})
}

func provideHub(p Params, cfg *config.Config, db *store.DB, sessions *store.Sessions, cache *msgcache.Cache, b *bus.Bus, logger *zap.Logger) (*hub.Hub, error) {
	providers := make([]hub.ProviderConfig, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		providers = append(providers, hub.ProviderConfig{
			ID:          provider.ID(pc.Name),
			Kind:        provider.Kind(pc.Kind),
			BaseURL:     pc.BaseURL,
			PushURL:     pc.PushURL,
			AutoConnect: pc.AutoConnect,
		})
	}
	if len(providers) == 0 {
		logger.Warn("no providers configured", zap.String("config", p.configPath()))
	}
	return hub.New(hub.Options{
		Providers:      providers,
		DB:             db,
		Sessions:       sessions,
		Cache:          cache,
		Bus:            b,
		Policy:         cfg.Policy(),
		RequestTimeout: cfg.RequestTimeout.Duration,
		Logger:         logger,
	})
}

func provideService(p Params, h *hub.Hub, logger *zap.Logger) *api.Service {
	return api.NewService(h, p.Profile.Name, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, h *hub.Hub, db *store.DB, logger *zap.Logger) {
	startCtx, cancelStart := context.WithCancel(context.Background())
	var started sync.WaitGroup

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Auto-connect can take a while per provider; consumers may
			// already query the cached roster meanwhile.
			started.Add(1)
			go func() {
				defer started.Done()
				if err := h.Start(startCtx); err != nil {
					logger.Error("hub start failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelStart()
			started.Wait()
			srv.Stop(ctx)
			h.Close(ctx)
			if db != nil {
				if err := db.Close(); err != nil {
					logger.Warn("error closing store", zap.Error(err))
				}
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
