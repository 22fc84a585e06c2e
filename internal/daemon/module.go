package daemon

import (
	"context"
	"errors"

	"github.com/matheus3301/dmsync/internal/api"
	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/client"
	"github.com/matheus3301/dmsync/internal/config"
	"github.com/matheus3301/dmsync/internal/identity"
	"github.com/matheus3301/dmsync/internal/lock"
	"github.com/matheus3301/dmsync/internal/logging"
	"github.com/matheus3301/dmsync/internal/session"
	"github.com/matheus3301/dmsync/internal/status"
	"github.com/matheus3301/dmsync/internal/store"
	intsync "github.com/matheus3301/dmsync/internal/sync"
	"github.com/matheus3301/dmsync/internal/typing"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = load ~/.dmsync/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideSyncEngine,
			provideIdentity,
			provideBroadcaster,
			provideClient,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the store is never opened by a second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger.Named("engine"))
}

// provideIdentity builds the session and signs in with the configured token.
// A rejected token leaves the session signed out.
func provideIdentity(cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*identity.Session, error) {
	if cfg.TokenSecret == "" {
		return nil, errors.New("token_secret is not configured")
	}
	sess := identity.NewSession(cfg.TokenSecret, b)
	if cfg.SessionToken == "" {
		logger.Info("no session token configured, auth required")
		return sess, nil
	}
	userID, err := sess.Login(cfg.SessionToken)
	if err != nil {
		logger.Warn("configured session token rejected", zap.Error(err))
		return sess, nil
	}
	logger.Info("signed in from config", zap.String("user_id", userID))
	return sess, nil
}

// provideBroadcaster fans typing out over redis when redis_addr is set and
// over the in-process bus otherwise.
func provideBroadcaster(lc fx.Lifecycle, cfg *config.Config, b *bus.Bus, logger *zap.Logger) typing.Broadcaster {
	if cfg.RedisAddr == "" {
		return typing.NewBusBroadcaster(b)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				logger.Warn("redis unreachable, typing signals will not leave this process", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return rdb.Close()
		},
	})
	logger.Info("typing broadcast over redis", zap.String("addr", cfg.RedisAddr), zap.String("channel", cfg.RedisChannel))
	return typing.NewRedisBroadcaster(rdb, cfg.RedisChannel)
}

func provideClient(db *store.DB, engine *intsync.Engine, sess *identity.Session, b *bus.Bus, bc typing.Broadcaster, machine *status.Machine, cfg *config.Config, logger *zap.Logger) *client.Client {
	return client.New(db, engine, sess, b, bc, machine, client.Options{
		RefreshInterval: cfg.RefreshInterval.Duration,
		TypingExpiry:    cfg.TypingExpiry.Duration,
		ReconcileWindow: cfg.ReconcileWindow.Duration,
	}, logger.Named("client"))
}

func provideService(p Params, c *client.Client, sess *identity.Session, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.SessionName, c, sess, db, b, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, engine *intsync.Engine, c *client.Client, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Start sync engine (subscribes to remote.* bus events).
			engine.Start(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// A failed first sync leaves the client degraded; the poll retries.
			if err := c.Start(ctx); err != nil {
				logger.Warn("initial sync failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			c.Stop()
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
