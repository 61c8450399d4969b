package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tasksched/internal/config"
	"tasksched/internal/eventbus"
	"tasksched/internal/lease"
	"tasksched/internal/lockstore"
	"tasksched/internal/observability/status"
	rtsup "tasksched/internal/runtime/supervisor"
	logx "tasksched/pkg/logx"
	"tasksched/pkg/sched"
)

// App wires config, logging, the lock store, the engine and the status
// server for the daemon.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store lockstore.Store

	eng    *sched.Engine
	status *status.Server
}

type Options struct {
	// NodeID overrides scheduler.node_id and the random default.
	NodeID string
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(cfg.LogConfig())
	log = log.With(logx.Component("app"))
	bus := eventbus.New()

	store, err := lockstore.Open(cfg.LockStoreConfig(), log)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open lock store: %w", err)
	}

	engOpts := []sched.Option{sched.WithLogger(log.With(logx.Component("engine"))), sched.WithEventBus(bus)}
	nodeID := strings.TrimSpace(opts.NodeID)
	if nodeID == "" {
		nodeID = strings.TrimSpace(cfg.Scheduler.NodeID)
	}
	if nodeID != "" {
		engOpts = append(engOpts, sched.WithNodeID(nodeID))
	}
	if store != nil {
		engOpts = append(engOpts, sched.WithLockService(store))
		log.Info("lock store enabled", logx.String("driver", cfg.LockStoreConfig().Driver))
	}
	engCfg := cfg.EngineConfig()
	eng := sched.New(engCfg, engOpts...)

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		eng:   eng,
	}
	if addr, pprof, readTimeout, idleTimeout, ok := cfg.StatusServer(); ok {
		lockName := engCfg.LockName
		if lockName == "" {
			lockName = lease.DefaultLockName
		}
		a.status = status.New(status.Config{
			Addr:        addr,
			Pprof:       pprof,
			LockName:    lockName,
			ReadTimeout: readTimeout,
			IdleTimeout: idleTimeout,
		}, eng, store, log)
	}
	if err := a.registerBuiltins(); err != nil {
		_ = a.closeStore()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// Engine is where callers register their own tasks, before or after Start.
func (a *App) Engine() *sched.Engine { return a.eng }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if err := a.eng.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if a.status != nil {
		if err := a.status.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Task events are per invocation; keep them at debug.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				lastApplied = a.applyConfig(lastApplied, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Node(a.eng.NodeID()), logx.Int("tasks", len(a.eng.Tasks())))
	return nil
}

// applyConfig applies what can change live and returns the config now in
// effect.
func (a *App) applyConfig(prev, next *config.Config) *config.Config {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return next
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(next.LogConfig())
	if config.RestartRequired(sections) {
		a.log.Warn("config sections changed that only apply after restart", logx.String("changed", strings.Join(sections, ",")))
	}
	a.log.Info("config reloaded", fields...)
	return next
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "engine", 0, a.eng.Shutdown)
	a.step(ctx, "status", time.Second, func(c context.Context) error {
		if a.status != nil {
			return a.status.Stop(c)
		}
		return nil
	})
	a.step(ctx, "lockstore", time.Second, func(context.Context) error { return a.closeStore() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// step runs one shutdown step bounded by max (0 means only ctx) so a
// stuck component cannot stall the rest.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
