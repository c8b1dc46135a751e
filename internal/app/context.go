package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tilesync/internal/backfill"
	"tilesync/internal/config"
	"tilesync/internal/db"
	"tilesync/internal/domain"
	"tilesync/internal/engine"
	"tilesync/internal/migrate"
	"tilesync/internal/notify"
	"tilesync/internal/parents"
	"tilesync/internal/repo"
	"tilesync/internal/store"
	"tilesync/internal/vocab"
)

// Overrides come from flags or environment and win over the config file.
type Overrides struct {
	Driver      string
	DSN         string
	RedisURL    string
	ParentsFile string
	LogFile     string
}

// ResolveConfig loads configPath, or tilesync.yml in workspace, or the
// defaults when neither exists, then applies overrides.
func ResolveConfig(workspace, configPath string, o Overrides) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.FromFile(configPath)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if o.Driver != "" {
		cfg.Store.Driver = o.Driver
	}
	if o.DSN != "" {
		cfg.Store.DSN = o.DSN
	}
	if o.RedisURL != "" {
		cfg.Notify.RedisURL = o.RedisURL
	}
	if o.ParentsFile != "" {
		cfg.ParentsFile = o.ParentsFile
	}
	if o.LogFile != "" {
		cfg.Log.File = o.LogFile
	}
	if cfg.Store.Workspace == "" {
		cfg.Store.Workspace = workspace
	}
	if cfg.ParentsFile != "" && !filepath.IsAbs(cfg.ParentsFile) && workspace != "" {
		cfg.ParentsFile = filepath.Join(workspace, cfg.ParentsFile)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// App is the wired process: store, vocabularies, engine and notification fan-out.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Store      store.Store
	Engine     engine.Engine
	Logger     *log.Logger
	InstanceID string
	Redis      *redis.Client
	Relay      *notify.RedisRelay
	Webhooks   []*notify.Webhook
}

// Open builds an App from cfg. Vocabulary errors are returned before any
// connection is made.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.Default()
	}
	views, err := vocab.FromConfig(cfg.Views)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, InstanceID: uuid.NewString()}

	switch cfg.Store.Driver {
	case config.DriverMemory:
		a.Store = store.NewMemory()
	default:
		driver := cfg.Store.Driver
		if driver == "" {
			driver = db.SQLite
		}
		conn, err := db.Open(ctx, db.Config{Driver: driver, DSN: cfg.Store.DSN, Workspace: cfg.Store.Workspace})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", store.ErrUnavailable, err)
		}
		if err := migrate.Migrate(conn, driver); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.DB = conn
		a.Store = repo.New(conn, driver)
	}

	broker := notify.NewBroker(logger)
	gen := backfill.New(a.Store, backfill.OptionsFromConfig(cfg.Backfill), logger)
	a.Engine = engine.New(a.Store, views, gen, broker, logger)

	fanout := notify.Multi{broker}
	if cfg.Notify.RedisURL != "" {
		client, err := notify.NewRedisClient(ctx, cfg.Notify.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = client
		fanout = append(fanout, notify.NewRedisPublisher(client, cfg.Notify.Channel, a.InstanceID))
		a.Relay = notify.NewRedisRelay(client, cfg.Notify.Channel, a.InstanceID, broker, logger)
	}
	for _, w := range cfg.Notify.Webhooks {
		hook := notify.NewWebhook(w.URL, w.Views, logger)
		a.Webhooks = append(a.Webhooks, hook)
		fanout = append(fanout, hook)
	}
	a.Engine.Notifier = fanout
	return a, nil
}

// Parents loads the configured roster. No file configured means no parents.
func (a *App) Parents() ([]domain.ParentEntity, error) {
	if a.Config.ParentsFile == "" {
		return nil, nil
	}
	return parents.Load(a.Config.ParentsFile)
}

// Workers prepares the background tasks of a serving process: the Redis
// relay, webhook senders and the parent roster backfill with its watcher.
// Setup errors are returned before any task runs.
func (a *App) Workers(backfillOnStart bool) ([]func(context.Context) error, error) {
	var tasks []func(context.Context) error
	if a.Config.ParentsFile != "" {
		var initial []domain.ParentEntity
		if backfillOnStart {
			list, err := a.Parents()
			if err != nil {
				return nil, fmt.Errorf("load parents: %w", err)
			}
			initial = list
		}
		w, err := parents.NewWatcher(a.Config.ParentsFile, parents.DefaultDebounce, a.ensure, a.Logger)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, func(ctx context.Context) error {
			if len(initial) > 0 {
				a.ensure(ctx, initial)
			}
			return w.Run(ctx)
		})
	}
	if a.Relay != nil {
		tasks = append(tasks, a.Relay.Run)
	}
	for _, w := range a.Webhooks {
		tasks = append(tasks, w.Run)
	}
	return tasks, nil
}

func (a *App) ensure(ctx context.Context, list []domain.ParentEntity) {
	rep, err := a.Engine.EnsureDefaultItems(ctx, list)
	if err != nil {
		a.Logger.Printf("backfill: %v", err)
	}
	a.Logger.Printf("backfill: generated=%d skipped=%d items=%d", len(rep.Generated), len(rep.Skipped), len(rep.Created))
}

func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
