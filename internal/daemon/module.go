package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/config"
	"github.com/matheus3301/wppsync/internal/lock"
	"github.com/matheus3301/wppsync/internal/logging"
	"github.com/matheus3301/wppsync/internal/media"
	"github.com/matheus3301/wppsync/internal/outbox"
	"github.com/matheus3301/wppsync/internal/receipts"
	"github.com/matheus3301/wppsync/internal/remote"
	"github.com/matheus3301/wppsync/internal/remote/httpfeed"
	"github.com/matheus3301/wppsync/internal/scroll"
	"github.com/matheus3301/wppsync/internal/session"
	"github.com/matheus3301/wppsync/internal/snapshot"
	"github.com/matheus3301/wppsync/internal/store"
	"github.com/matheus3301/wppsync/internal/uithread"
	"github.com/matheus3301/wppsync/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
// Every field but SessionName is optional.
type Params struct {
	SessionName string
	SocketPath  string // override for testing; empty = use default
	Config      *config.Config
	Logger      *zap.Logger
	// Dispatcher is the host's UI thread. Headless hosts leave it nil and
	// get a uithread.Loop.
	Dispatcher uithread.Dispatcher
	Backend    remote.Backend
	Previews   remote.PreviewGenerator
	// Serve starts the control server. Embedded hosts such as the TUI
	// leave it off.
	Serve bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	opts := []fx.Option{
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideMedia,
			provideSnapshots,
			provideDispatcher,
			provideCoordinator,
			provideBackend,
			provideReceipts,
			provideOutbox,
			provideRuntime,
		),
		fx.Invoke(registerLifecycle),
	}
	if p.Serve {
		opts = append(opts,
			fx.Provide(NewServer),
			fx.Invoke(registerServer),
		)
	}
	return fx.Module("daemon", opts...)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.ApplyEnv(cfg, session.EnvPath()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
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

// provideStore depends on the lock so nothing opens the database of a
// session another process owns.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.ContentDBPath(p.SessionName)
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

func provideMedia(p Params, cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) (*media.Cache, error) {
	return media.New(db, media.Options{
		Dir:             session.MediaDir(p.SessionName),
		BudgetBytes:     cfg.Media.BudgetBytes,
		MaxConcurrent:   cfg.Media.MaxConcurrent,
		EvictionGrace:   cfg.Media.EvictionGrace.Duration,
		DownloadTimeout: cfg.Media.DownloadTimeout.Duration,
		EvictInterval:   cfg.Media.EvictInterval.Duration,
	}, b, logger)
}

func provideSnapshots(cfg *config.Config) *snapshot.Cache {
	return snapshot.New(max(cfg.Chat.WindowMax, cfg.Feed.WindowMax))
}

func provideDispatcher(p Params) uithread.Dispatcher {
	if p.Dispatcher != nil {
		return p.Dispatcher
	}
	return uithread.NewLoop(0)
}

func provideCoordinator(disp uithread.Dispatcher, cfg *config.Config) *scroll.Coordinator {
	return scroll.NewCoordinator(disp, cfg.Scroll.IdleDebounce.Duration)
}

func provideBackend(p Params, cfg *config.Config, b *bus.Bus, logger *zap.Logger) (remote.Backend, error) {
	if p.Backend != nil {
		return p.Backend, nil
	}
	switch cfg.Backend {
	case config.BackendWhatsApp:
		return wa.NewAdapter(context.Background(), session.SessionDBPath(p.SessionName), cfg.Chat.WindowMax*2, b, logger)
	default:
		return httpfeed.New(httpfeed.Options{
			BaseURL:        cfg.Remote.BaseURL,
			UserID:         cfg.Remote.UserID,
			RequestTimeout: cfg.Remote.RequestTimeout.Duration,
		}, logger)
	}
}

func provideReceipts(backend remote.Backend, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *receipts.Flusher {
	return receipts.NewFlusher(backend, cfg.Receipts.BatchSize, cfg.Receipts.FlushInterval.Duration, b, logger)
}

func provideOutbox(p Params, db *store.DB, backend remote.Backend, cache *media.Cache, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *outbox.Pipeline {
	previews := p.Previews
	if previews == nil {
		previews = remote.NoPreview{}
	}
	return outbox.New(db, backend, cache, previews, b, logger, outbox.Options{
		Me:            backend.Me(),
		FlushInterval: cfg.Outbox.FlushInterval.Duration,
		SendTimeout:   cfg.Outbox.SendTimeout.Duration,
	})
}

type runtimeIn struct {
	fx.In

	Params      Params
	Config      *config.Config
	Store       *store.DB
	Backend     remote.Backend
	Media       *media.Cache
	Snapshots   *snapshot.Cache
	Coordinator *scroll.Coordinator
	Dispatcher  uithread.Dispatcher
	Receipts    *receipts.Flusher
	Outbox      *outbox.Pipeline
	Bus         *bus.Bus
	Logger      *zap.Logger
}

func provideRuntime(in runtimeIn) *Runtime {
	return NewRuntime(in.Params.SessionName, RuntimeDeps{
		Config:      in.Config,
		Store:       in.Store,
		Backend:     in.Backend,
		Media:       in.Media,
		Snapshots:   in.Snapshots,
		Coordinator: in.Coordinator,
		Dispatcher:  in.Dispatcher,
		Receipts:    in.Receipts,
		Outbox:      in.Outbox,
		Bus:         in.Bus,
		Logger:      in.Logger,
	})
}

type lifecycleIn struct {
	fx.In

	Lifecycle   fx.Lifecycle
	Config      *config.Config
	Lock        *lock.Lock
	Store       *store.DB
	Backend     remote.Backend
	Media       *media.Cache
	Dispatcher  uithread.Dispatcher
	Coordinator *scroll.Coordinator
	Receipts    *receipts.Flusher
	Outbox      *outbox.Pipeline
	Runtime     *Runtime
	Logger      *zap.Logger
}

func registerLifecycle(in lifecycleIn) {
	logger := in.Logger
	var bg context.CancelFunc
	in.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, bg = context.WithCancel(context.Background())

			if loop, ok := in.Dispatcher.(*uithread.Loop); ok {
				loop.Start(ctx)
			}
			if err := in.Outbox.Resume(); err != nil {
				logger.Warn("outbox recovery failed", zap.Error(err))
			}
			in.Media.Start(ctx)
			in.Receipts.Start(ctx)
			in.Outbox.Start(ctx)

			if adapter, ok := in.Backend.(*wa.Adapter); ok {
				connectWhatsApp(ctx, adapter, logger)
			}

			in.Runtime.Watch(ctx, in.Config.Daemon.Collections)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			in.Runtime.Shutdown()
			in.Outbox.Stop()
			in.Receipts.Flush(ctx)
			in.Receipts.Stop()
			in.Media.Stop()
			in.Coordinator.Close()
			if bg != nil {
				bg()
			}
			if loop, ok := in.Dispatcher.(*uithread.Loop); ok {
				loop.Stop()
			}
			if err := in.Backend.Close(); err != nil {
				logger.Warn("error closing backend", zap.Error(err))
			}
			if err := in.Store.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// connectWhatsApp connects a paired device, or starts QR pairing and
// logs each code for the user to scan.
func connectWhatsApp(ctx context.Context, adapter *wa.Adapter, logger *zap.Logger) {
	if adapter.IsLoggedIn() {
		go func() {
			if err := adapter.Connect(); err != nil {
				logger.Error("auto-connect failed", zap.Error(err))
			}
		}()
		return
	}
	logger.Info("no credentials found, pairing required")
	events, err := adapter.StartQRAuth(ctx)
	if err != nil {
		logger.Error("start pairing", zap.Error(err))
		return
	}
	go func() {
		for evt := range events {
			switch evt.Type {
			case wa.AuthEventQRCode:
				logger.Info("scan this QR code with WhatsApp\n" + wa.RenderQR(evt.QRCode))
			case wa.AuthEventAuthenticated:
				logger.Info("paired")
			default:
				logger.Warn("pairing ended", zap.String("reason", evt.Message))
			}
		}
	}()
}

func registerServer(lc fx.Lifecycle, srv *Server, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			return nil
		},
	})
}
