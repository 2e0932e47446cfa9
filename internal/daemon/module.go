package daemon

import (
	"context"
	"time"

	"github.com/nexuschat/nexus/internal/api"
	"github.com/nexuschat/nexus/internal/auth"
	"github.com/nexuschat/nexus/internal/bus"
	"github.com/nexuschat/nexus/internal/config"
	"github.com/nexuschat/nexus/internal/lock"
	"github.com/nexuschat/nexus/internal/logging"
	"github.com/nexuschat/nexus/internal/metrics"
	"github.com/nexuschat/nexus/internal/outbox"
	"github.com/nexuschat/nexus/internal/rest"
	"github.com/nexuschat/nexus/internal/session"
	"github.com/nexuschat/nexus/internal/status"
	"github.com/nexuschat/nexus/internal/store"
	intsync "github.com/nexuschat/nexus/internal/sync"
	"github.com/nexuschat/nexus/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Config      *config.Config
	LogLevel    zapcore.Level
	RetryEvery  time.Duration // zero = default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideMetrics,
			provideRESTClient,
			provideTransport,
			provideAuth,
			provideSender,
			provideSyncEngine,
			provideRunner,
			provideReconciler,
			provideSessionService,
			provideSyncService,
			provideChatService,
			provideMessageService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.LogLevel)
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
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// daemon holding it.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
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

func provideMetrics(b *bus.Bus) *metrics.Metrics {
	m := metrics.New()
	m.RegisterGaugeFunc("bus_dropped_events", "Bus events dropped for slow subscribers.", func() float64 {
		return float64(b.Dropped())
	})
	return m
}

func provideRESTClient(p Params) (*rest.Client, error) {
	return rest.New(p.Config.Server.APIURL, nil)
}

func provideTransport(p Params, logger *zap.Logger) (*transport.Conn, error) {
	url, err := p.Config.WebSocketURL()
	if err != nil {
		return nil, err
	}
	return transport.New(transport.Options{URL: url}, logger.Named("transport")), nil
}

func provideAuth(client *rest.Client, db *store.DB, logger *zap.Logger) *auth.Manager {
	return auth.NewManager(client, db, logger)
}

func provideSender(p Params, db *store.DB, conn *transport.Conn, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, conn, b, m, logger.Named("outbox"), p.Config.Chat.AckTimeout.Duration)
}

func provideSyncEngine(p Params, client *rest.Client, conn *transport.Conn, sender *outbox.Sender, db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(intsync.Deps{
		Backend:   client,
		Transport: conn,
		Sender:    sender,
		Cache:     db,
		Bus:       b,
		Metrics:   m,
		Logger:    logger.Named("sync"),
	}, intsync.Options{
		HistoryPageSize:   p.Config.Chat.HistoryPageSize,
		SynthesizeUnknown: p.Config.Chat.SynthesizeUnknown,
	})
}

func provideRunner(p Params, am *auth.Manager, conn *transport.Conn, engine *intsync.Engine, machine *status.Machine, logger *zap.Logger) *Runner {
	return NewRunner(am, conn, engine, machine, logger, p.RetryEvery)
}

func provideReconciler(engine *intsync.Engine, db *store.DB, machine *status.Machine, m *metrics.Metrics, runner *Runner, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(engine, db, machine, m, logger.Named("reconciler"), runner.AuthLost)
}

func provideSessionService(p Params, m *status.Machine, runner *Runner, engine *intsync.Engine, db *store.DB, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(p.SessionName, m, runner, engine, db, logger)
}

func provideSyncService(p Params, reconciler *intsync.Reconciler, conn *transport.Conn, db *store.DB, b *bus.Bus, m *status.Machine, logger *zap.Logger) *api.SyncService {
	return api.NewSyncService(reconciler, conn, db, b, m, p.SessionName, logger)
}

func provideChatService(p Params, engine *intsync.Engine, m *status.Machine, b *bus.Bus, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(engine, m, b, p.SessionName, logger)
}

func provideMessageService(p Params, engine *intsync.Engine, m *status.Machine, b *bus.Bus, logger *zap.Logger) *api.MessageService {
	return api.NewMessageService(engine, m, b, p.SessionName, logger)
}

type lifecycleDeps struct {
	fx.In

	Params     Params
	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Conn       *transport.Conn
	Sender     *outbox.Sender
	Runner     *Runner
	Reconciler *intsync.Reconciler
	Metrics    *metrics.Metrics
	Machine    *status.Machine
	Bus        *bus.Bus
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	runCtx, cancel := context.WithCancel(context.Background())
	var metricsSrv *metrics.Server

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := d.Sender.Recover(); err != nil {
				d.Logger.Warn("outbox recovery failed", zap.Error(err))
			}

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			d.Server.TrackHealth(runCtx, d.Bus, d.Machine)

			if addr := d.Params.Config.Metrics.Addr; addr != "" {
				ms, err := metrics.Listen(addr, d.Metrics, d.Logger)
				if err != nil {
					d.Logger.Error("metrics listener disabled", zap.String("addr", addr), zap.Error(err))
				} else {
					metricsSrv = ms
					go ms.Serve()
				}
			}

			go d.Reconciler.Run(runCtx, d.Conn)

			if err := d.Runner.Boot(); err != nil {
				d.Logger.Error("session boot failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			d.Runner.Stop()
			d.Server.Stop(ctx)
			if metricsSrv != nil {
				if err := metricsSrv.Shutdown(ctx); err != nil {
					d.Logger.Warn("metrics shutdown", zap.Error(err))
				}
			}
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return nil
		},
	})
}
