// Package daemon composes the sync core into a running process: config,
// logging, the session lock, the durable outbox, and the connection
// lifecycle, wired together with fx.
package daemon

import (
	"context"
	"errors"
	"io/fs"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/stackelite/chatsync/internal/bus"
	"github.com/stackelite/chatsync/internal/config"
	"github.com/stackelite/chatsync/internal/conn"
	"github.com/stackelite/chatsync/internal/lock"
	"github.com/stackelite/chatsync/internal/logging"
	"github.com/stackelite/chatsync/internal/outbox"
	"github.com/stackelite/chatsync/internal/page"
	"github.com/stackelite/chatsync/internal/presence"
	"github.com/stackelite/chatsync/internal/prefs"
	"github.com/stackelite/chatsync/internal/rest"
	"github.com/stackelite/chatsync/internal/send"
	"github.com/stackelite/chatsync/internal/session"
	"github.com/stackelite/chatsync/internal/store"
	"github.com/stackelite/chatsync/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override for testing; empty = use default
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
			provideOutbox,
			provideRESTClient,
			provideDialer,
			providePipeline,
			providePaginator,
			providePresence,
			providePrefs,
			provideManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(b *bus.Bus) *store.Store {
	return store.New(b)
}

func provideOutbox(p Params, logger *zap.Logger) (*outbox.DB, error) {
	dbPath := session.OutboxDBPath(p.SessionName)
	db, err := outbox.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := outbox.Migrate(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("outbox migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("outbox migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("outbox initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRESTClient(cfg *config.Config) *rest.Client {
	return rest.New(cfg.Server.APIBaseURL, cfg.Server.Token)
}

func provideDialer() transport.Dialer {
	return transport.WSDialer{}
}

func providePipeline(st *store.Store, db *outbox.DB, client *rest.Client, cfg *config.Config, logger *zap.Logger) *send.Pipeline {
	return send.New(st, db, client, logger, cfg.Sync.SendAckTimeout.Duration())
}

func providePaginator(st *store.Store, client *rest.Client, cfg *config.Config, logger *zap.Logger) *page.Paginator {
	return page.New(st, client, logger, cfg.Sync.PageSize)
}

func providePresence(st *store.Store, cfg *config.Config, logger *zap.Logger) *presence.Tracker {
	return presence.New(st, logger, presence.Config{
		Debounce:      cfg.Typing.Debounce.Duration(),
		IdleStop:      cfg.Typing.IdleStop.Duration(),
		PeerTTL:       cfg.Typing.PeerTTL.Duration(),
		SweepInterval: cfg.Typing.SweepInterval.Duration(),
	})
}

func providePrefs(st *store.Store, client *rest.Client, cfg *config.Config, logger *zap.Logger) *prefs.Sync {
	return prefs.New(st, client, logger, prefs.Limits{
		MaxGroupRooms:  cfg.Pinning.MaxGroupRooms,
		MaxDirectRooms: cfg.Pinning.MaxDirectRooms,
	})
}

func provideManager(
	dialer transport.Dialer,
	cfg *config.Config,
	b *bus.Bus,
	st *store.Store,
	client *rest.Client,
	pipeline *send.Pipeline,
	tracker *presence.Tracker,
	prefsSync *prefs.Sync,
	pager *page.Paginator,
	logger *zap.Logger,
) *conn.Manager {
	return conn.New(dialer, conn.Options{
		URL:          cfg.Server.WebSocketURL,
		Token:        cfg.Server.Token,
		BackoffBase:  cfg.Sync.BackoffBase.Duration(),
		BackoffCap:   cfg.Sync.BackoffCap.Duration(),
		Heartbeat:    cfg.Sync.HeartbeatInterval.Duration(),
		DedupeWindow: cfg.Sync.DedupeWindow.Duration(),
	}, b, st, client, pipeline, tracker, prefsSync, pager, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	db *outbox.DB,
	pipeline *send.Pipeline,
	tracker *presence.Tracker,
	manager *conn.Manager,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Re-seed unsettled sends from the durable queue before any
			// connection exists, so they are visible and flushable.
			if err := pipeline.Restore(); err != nil {
				return err
			}
			tracker.Start(context.Background())
			manager.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(context.Context) error {
			manager.Stop()
			tracker.Stop()
			pipeline.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing outbox", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
