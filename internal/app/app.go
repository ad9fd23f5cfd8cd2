// Package app assembles the event store, outbox, sync engine, risk analyzer,
// background schedulers and backups into one runnable unit shared by the
// desktop server, the mobile library and the CLI.
package app

import (
	"context"
	"sync"

	"github.com/kimhsiao/adherence/backend/internal/analysis/risk"
	"github.com/kimhsiao/adherence/backend/internal/config"
	"github.com/kimhsiao/adherence/backend/internal/db"
	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/export"
	backupsched "github.com/kimhsiao/adherence/backend/internal/export/scheduler"
	"github.com/kimhsiao/adherence/backend/internal/logging"
	"github.com/kimhsiao/adherence/backend/internal/services"
	syncengine "github.com/kimhsiao/adherence/backend/internal/sync"
	"github.com/kimhsiao/adherence/backend/internal/sync/connectivity"
	"github.com/kimhsiao/adherence/backend/internal/sync/queue"
	"github.com/kimhsiao/adherence/backend/internal/sync/remote"
	"github.com/kimhsiao/adherence/backend/internal/sync/scheduler"
)

// App owns every long-lived component.
type App struct {
	Config       *config.Config
	DB           *db.DB
	Outbox       *queue.Outbox
	Repo         *db.Repository
	Remote       remote.Store
	Connectivity *connectivity.Switch
	// Prober is nil when PROBE_ADDR is unset; connectivity is then
	// reported by the platform.
	Prober    *connectivity.Prober
	Engine    *syncengine.Engine
	Analyzer  *risk.Analyzer
	Risk      *services.RiskService
	Scheduler *scheduler.Scheduler
	Backup    *export.Service
	Backups   *backupsched.Scheduler

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	closeOnce sync.Once
	closeErr  error
}

// Option adjusts construction.
type Option func(*options)

type options struct {
	database *db.DB
	store    remote.Store
}

// WithDatabase uses an already opened database instead of cfg.DBPath.
func WithDatabase(d *db.DB) Option {
	return func(o *options) { o.database = d }
}

// WithRemote uses store instead of opening cfg.RemoteBackend.
func WithRemote(store remote.Store) Option {
	return func(o *options) { o.store = store }
}

// New opens storage, migrates it and wires the components. Nothing runs in
// the background until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	database := o.database
	if database == nil {
		var err error
		database, err = db.Open(cfg.DBPath)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open database", err)
		}
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}

	store := o.store
	if store == nil {
		var err error
		store, err = remote.Open(ctx, remote.Options{
			Backend:    cfg.RemoteBackend,
			NATSURL:    cfg.NATSURL,
			NATSBucket: cfg.NATSBucket,
			RedisURL:   cfg.RedisURL,
			BadgerPath: cfg.BadgerPath,
		})
		if err != nil {
			database.Close()
			return nil, apperrors.Wrap(apperrors.ErrRemoteUnavailable, "failed to open remote store", err)
		}
	}

	a := &App{Config: cfg, DB: database, Remote: store}

	a.Outbox = queue.NewOutbox(database.DB)
	a.Repo = db.NewRepository(database.DB, a.Outbox, db.WithLocation(cfg.Location))

	// A probed remote starts offline until the first check succeeds.
	a.Connectivity = connectivity.NewSwitch(cfg.ProbeAddr == "")
	if cfg.ProbeAddr != "" {
		a.Prober = connectivity.NewProber(connectivity.ProberConfig{
			Addr:     cfg.ProbeAddr,
			Interval: cfg.ProbeInterval,
		}, a.Connectivity)
	}

	a.Engine = syncengine.NewEngine(a.Outbox, store, a.Connectivity, &syncengine.Config{
		ItemTimeout: cfg.SyncItemTimeout,
	})
	a.Repo.SetChangeNotifier(a.Engine.Notify)

	a.Analyzer = risk.NewAnalyzer(a.Repo, risk.WithLocation(cfg.Location))
	a.Risk = services.NewRiskService(a.Analyzer, a.Repo, nil)

	sched, err := scheduler.NewScheduler(a.Engine, a.Risk, &scheduler.SchedulerConfig{
		SyncSchedule: cfg.SyncSchedule,
		RiskSchedule: cfg.RiskSchedule,
		SyncTimeout:  scheduler.DefaultSchedulerConfig().SyncTimeout,
		Location:     cfg.Location,
	})
	if err != nil {
		a.closeStorage()
		return nil, err
	}
	a.Scheduler = sched

	a.Backup = export.NewService(a.Repo)
	backups, err := backupsched.NewScheduler(a.Backup, backupsched.SchedulerConfig{
		Schedule:       cfg.BackupSchedule,
		RetentionCount: cfg.BackupRetention,
		ExportDir:      cfg.BackupDir,
		Password:       cfg.BackupPassword,
		Location:       cfg.Location,
	})
	if err != nil {
		a.closeStorage()
		return nil, err
	}
	a.Backups = backups
	return a, nil
}

// Start runs the prober, the sync engine and the scheduler until Close or
// until ctx is done.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true
	ctx, a.cancel = context.WithCancel(ctx)

	if a.Prober != nil {
		// One synchronous probe so the engine starts with a real state.
		a.Prober.Check(ctx)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.Prober.Run(ctx)
		}()
	}
	a.Engine.Start(ctx)
	a.Scheduler.Start(ctx)
	a.Backups.Start(ctx)
	logging.Info("Adherence core started", map[string]interface{}{
		"online":  a.Connectivity.Online(),
		"backend": a.Config.RemoteBackend,
	})
}

// Close stops background work and releases storage. It is safe to call
// without Start.
func (a *App) Close() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.started = false
	a.mu.Unlock()

	if cancel != nil {
		a.Backups.Stop()
		a.Scheduler.Stop()
		a.Engine.Stop()
		cancel()
		a.wg.Wait()
	}
	return a.closeStorage()
}

func (a *App) closeStorage() error {
	a.closeOnce.Do(func() {
		if err := a.Repo.Close(); err != nil {
			a.closeErr = err
		}
		if err := a.Remote.Close(); err != nil && a.closeErr == nil {
			a.closeErr = err
		}
		if err := a.DB.Close(); err != nil && a.closeErr == nil {
			a.closeErr = err
		}
	})
	return a.closeErr
}
