// Package app is the composition root of the stashd daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stashd/internal/config"
	"stashd/internal/domain"
	"stashd/internal/eventbus"
	"stashd/internal/notifier"
	"stashd/internal/ops"
	"stashd/internal/processor"
	"stashd/internal/runtime/supervisor"
	"stashd/internal/sources"
	"stashd/internal/storage"
	"stashd/internal/workers"
	logx "stashd/pkg/logx"
)

const defaultStopTimeout = 10 * time.Second

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	db    *storage.DB
	notif *notifier.Service
	reg   *workers.Registry
	ops   *ops.Server // nil when disabled

	stopTimeout time.Duration
	sup         *supervisor.Supervisor
}

// New loads the config, opens and migrates the database and builds every
// component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (_ *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logs, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root)
	defer func() {
		if err != nil {
			_ = logs.Close()
		}
	}()

	db, err := openDB(ctx, cfg, root)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()

	bus := eventbus.New()
	notif, err := buildNotifier(cfg, db, root, bus)
	if err != nil {
		return nil, err
	}

	srcCfg, err := mapSourcesConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := sources.NewClient(srcCfg, root)
	var srcs []sources.Source
	if !cfg.Sources.HackerNews.Disabled {
		srcs = append(srcs, &sources.HackerNews{Client: client, BaseURL: cfg.Sources.HackerNews.URL})
	}
	if !cfg.Sources.Reddit.Disabled {
		srcs = append(srcs, &sources.Reddit{Client: client, BaseURL: cfg.Sources.Reddit.URL})
	}

	webCfg, err := mapWebConfig(cfg)
	if err != nil {
		return nil, err
	}
	wcfg, err := mapWorkersConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg := workers.New(wcfg, workers.Deps{
		Entries:    db.Entries(),
		Audit:      db.Audit(),
		Notifier:   notif,
		Deliverer:  notif,
		Reminders:  db.Reminders(),
		Resources:  db.Resources(),
		Refs:       db.Refs(),
		Digest:     db.Digest(),
		Schedules:  db.Schedules(),
		Sources:    srcs,
		Processors: []domain.Processor{processor.NewWeb(webCfg, root)},
		Log:        root,
		Bus:        bus,
	})

	var opsSrv *ops.Server
	if cfg.Ops.Enabled {
		oc, err := mapOpsConfig(cfg)
		if err != nil {
			return nil, err
		}
		opsSrv = ops.New(oc, reg, map[string]ops.Pinger{"db": db}, root)
	}

	stopTimeout, err := config.ParseDurationOrDefault("workers.stop_timeout", cfg.Workers.StopTimeout, defaultStopTimeout)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logs,
		bus:         bus,
		db:          db,
		notif:       notif,
		reg:         reg,
		ops:         opsSrv,
		stopTimeout: stopTimeout,
	}, nil
}

func openDB(ctx context.Context, cfg *config.Config, log logx.Logger) (*storage.DB, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func buildNotifier(cfg *config.Config, db *storage.DB, log logx.Logger, bus eventbus.Bus) (*notifier.Service, error) {
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	n := notifier.New(ncfg, db.Notifications(), db.Users(), log, bus)
	if cfg.Notify.Email.Enabled {
		ch, err := notifier.NewEmail(mapEmailConfig(cfg), nil)
		if err != nil {
			return nil, fmt.Errorf("notify.email: %w", err)
		}
		n.Register(domain.MethodEmail, ch)
	}
	if cfg.Notify.Telegram.Enabled {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		ch, err := notifier.NewTelegram(tc)
		if err != nil {
			return nil, fmt.Errorf("notify.telegram: %w", err)
		}
		n.Register(domain.MethodPush, ch)
	}
	return n, nil
}

// Workers is the only way the rest of the application hands work to the
// background workers.
func (a *App) Workers() *workers.Registry { return a.reg }

// Done is closed when the app scope ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if err := a.reg.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}
	if a.ops != nil {
		if err := a.ops.Start(a.sup.Context()); err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), a.stopTimeout)
			defer cancel()
			_ = a.reg.Stop(stopCtx)
			a.sup.Cancel()
			return fmt.Errorf("ops: %w", err)
		}
	}

	events, unsub := a.bus.Subscribe("", 128)
	a.sup.Launch("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Launch("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Launch("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// reloadLoop applies the logging block of every published config. Every
// other block is read once at startup.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	applied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			change := config.Diff(applied, next)
			applied = next
			if len(change.Sections) == 0 {
				a.log.Debug("config reloaded without effective changes")
				continue
			}
			a.logs.Apply(mapLogConfig(next))
			fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Fields...)
			a.log.Info("config reloaded", fields...)
			if !change.LiveOnly() {
				a.log.Warn("config changes outside logging need a restart")
			}
		}
	}
}

// Stop cancels background work and closes the database. Running tasks get
// workers.stop_timeout to finish, bounded by ctx.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.close()
	}
	var errs []error
	if a.ops != nil {
		if err := a.ops.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ops: %w", err))
		}
	}
	wctx, cancel := context.WithTimeout(ctx, a.stopTimeout)
	if err := a.reg.Stop(wctx); err != nil {
		errs = append(errs, err)
	}
	cancel()
	if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	a.log.Info("app stopped")
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) close() error {
	err := a.db.Close()
	_ = a.logs.Close()
	return err
}

// Migrate applies pending migrations and returns the schema version.
func Migrate(ctx context.Context, cfgPath string, log logx.Logger) (int64, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return 0, fmt.Errorf("config: %w", err)
	}
	db, err := openDB(ctx, cfg, log)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	return db.Version(ctx)
}
