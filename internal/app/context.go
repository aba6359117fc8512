package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron"
	"go.uber.org/zap"

	"claimline/internal/config"
	"claimline/internal/db"
	"claimline/internal/engine"
	"claimline/internal/logging"
	"claimline/internal/migrate"
	"claimline/internal/notify"
	"claimline/internal/oracle"
	"claimline/internal/repo"
	"claimline/internal/scm"
)

const (
	roundTimeTTL = time.Hour
	systemActor  = "scheduler"
)

// Options locate the workspace and carry secrets read from the environment.
type Options struct {
	Workspace   string
	ConfigPath  string
	GitHubToken string
	LogLevel    string
	LogFormat   string
}

// App holds the wired engine and the resources it owns.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Log    *zap.Logger

	nc *nats.Conn
}

// Open loads configuration, opens and migrates the workspace database and
// wires the engine's collaborators.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	level, format := cfg.Log.Level, cfg.Log.Format
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	log, err := logging.New(level, format)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	provider, err := NewProvider(ctx, cfg, opts.GitHubToken, log)
	if err != nil {
		conn.Close()
		return nil, err
	}

	eng := engine.New(conn, cfg)
	eng.Log = log
	eng.SCM = provider
	eng.Rounds = oracle.NewCached(oracle.Clock{Config: cfg}, repo.Repo{DB: conn}, roundTimeTTL)
	return &App{Config: cfg, DB: conn, Engine: eng, Log: log}, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// NewProvider picks the source-control provider named in the config.
func NewProvider(ctx context.Context, cfg *config.Config, token string, log *zap.Logger) (scm.Provider, error) {
	switch strings.ToLower(cfg.SourceControl.Provider) {
	case "", "none":
		return scm.Noop{}, nil
	case "github":
		return scm.NewGitHub(ctx, scm.GitHubOptions{
			Token:             token,
			BaseURL:           cfg.SourceControl.BaseURL,
			RequestsPerSecond: cfg.SourceControl.RequestsPerSecond,
			Logger:            log.Named("github"),
		})
	default:
		return nil, fmt.Errorf("unknown source control provider %q", cfg.SourceControl.Provider)
	}
}

// Relay builds the event relay. Notifications go to NATS when a server is
// configured and to the log otherwise.
func (a *App) Relay(types []string) (*notify.Relay, error) {
	var n notify.Notifier = notify.Log{Logger: a.Log.Named("notify")}
	if url := a.Config.Notify.NATSURL; url != "" {
		if a.nc == nil {
			nc, err := notify.ConnectNATS(url, a.Log)
			if err != nil {
				return nil, err
			}
			a.nc = nc
		}
		n = notify.Multi{notify.NATS{Conn: a.nc, Prefix: a.Config.Notify.SubjectPrefix}, n}
	}
	return &notify.Relay{
		Source:   a.Engine.Repo,
		Notifier: n,
		Types:    types,
		Interval: a.Config.Notify.RelayInterval.Std(),
		Log:      a.Log.Named("relay"),
		Metrics:  a.Engine.Metrics,
	}, nil
}

// StartBackground schedules the periodic sweep and pending-round
// reconciliation for every configured lineage. The returned func stops the
// schedule.
func (a *App) StartBackground(ctx context.Context) (func(), error) {
	c := cron.New()
	if every := a.Config.Background.SweepEvery.Std(); every > 0 {
		if err := c.AddFunc("@every "+every.String(), func() { a.sweepAll(ctx) }); err != nil {
			return nil, fmt.Errorf("schedule sweep: %w", err)
		}
	}
	if every := a.Config.Background.ReconcileEvery.Std(); every > 0 {
		if err := c.AddFunc("@every "+every.String(), func() { a.reconcileAll(ctx) }); err != nil {
			return nil, fmt.Errorf("schedule reconcile: %w", err)
		}
	}
	c.Start()
	return c.Stop, nil
}

func (a *App) sweepAll(ctx context.Context) {
	for id := range a.Config.Lineages {
		if _, err := a.Engine.Sweep(ctx, id); err != nil {
			a.Log.Warn("background sweep failed", zap.String("lineage", id), zap.Error(err))
		}
	}
}

func (a *App) reconcileAll(ctx context.Context) {
	for id := range a.Config.Lineages {
		results, err := a.Engine.ReconcilePending(ctx, id, systemActor)
		if err != nil {
			a.Log.Warn("background reconcile failed", zap.String("lineage", id), zap.Error(err))
		}
		for _, r := range results {
			a.Log.Debug("round reconciled in background", zap.String("lineage", id), zap.Int64("round", r.Round))
		}
	}
}

func (a *App) Close() error {
	var errs []error
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, err)
	}
	_ = a.Log.Sync()
	return errors.Join(errs...)
}
