package daemon

import (
	"context"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/gochat/internal/api"
	"github.com/matheus3301/gochat/internal/archive"
	"github.com/matheus3301/gochat/internal/bus"
	"github.com/matheus3301/gochat/internal/chat"
	"github.com/matheus3301/gochat/internal/config"
	"github.com/matheus3301/gochat/internal/conn"
	"github.com/matheus3301/gochat/internal/lock"
	"github.com/matheus3301/gochat/internal/logging"
	"github.com/matheus3301/gochat/internal/metrics"
	"github.com/matheus3301/gochat/internal/profile"
	"github.com/matheus3301/gochat/internal/rest"
	"github.com/matheus3301/gochat/internal/store"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	// AutoConnect logs in with the configured identity on start.
	AutoConnect bool
	// Dialer replaces the websocket dialer, for tests.
	Dialer conn.Dialer
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMetrics,
			provideLock,
			provideStore,
			provideArchive,
			provideREST,
			provideSession,
			provideHandler,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	if err := config.LoadDotEnv("."); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.ArchivePath(p.ProfileName)
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
	logger.Info("archive initialized", zap.String("path", dbPath))
	return db, nil
}

func provideArchive(db *store.DB, b *bus.Bus, logger *zap.Logger) *archive.Engine {
	return archive.NewEngine(db, b, logger)
}

// provideREST returns nil when no api_url is configured.
func provideREST(cfg *config.Config) *rest.Client {
	if cfg.Server.APIURL == "" {
		return nil
	}
	return rest.New(cfg.Server.APIURL, cfg.Send.MaxAttachmentBytes)
}

func provideSession(p Params, cfg *config.Config, rc *rest.Client, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *chat.Session {
	var d conn.Dialer = conn.NewWSDialer()
	if p.Dialer != nil {
		d = p.Dialer
	}
	var up chat.Uploader
	if rc != nil {
		up = rc
	}
	return chat.New(cfg.Session(), d, up, b, m, logger)
}

func provideHandler(p Params, cfg *config.Config, s *chat.Session, rc *rest.Client, db *store.DB, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	d := api.Deps{
		Profile: p.ProfileName,
		Session: s,
		Default: cfg.Credential(),
		Archive: db,
		Metrics: m,
		Logger:  logger,
	}
	if rc != nil {
		d.Auth = rc
	}
	return api.NewHandler(d)
}

func registerLifecycle(lc fx.Lifecycle, p Params, cfg *config.Config, srv *Server, lk *lock.Lock, db *store.DB, engine *archive.Engine, s *chat.Session, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Subscribe the archive before the session can publish.
			engine.Start(context.Background())
			s.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control API error", zap.Error(err))
				}
			}()

			cred := cfg.Credential()
			if !p.AutoConnect {
				return nil
			}
			if cred.Username == "" && cred.Token == "" {
				logger.Info("no identity configured, waiting for connect")
				return nil
			}
			if err := s.Login(ctx, cred); err != nil {
				logger.Error("auto-connect failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			s.Close()
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing archive", zap.Error(err))
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
