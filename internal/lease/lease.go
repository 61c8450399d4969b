// Package lease runs the cluster-singleton heartbeat: it periodically
// acquires or renews a named lease and publishes whether this node holds it.
package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"tasksched/internal/eventbus"
	rtsup "tasksched/internal/runtime/supervisor"
	logx "tasksched/pkg/logx"
)

const (
	DefaultHeartbeat    = 5 * time.Second
	DefaultLeaseSeconds = 60
	DefaultLockName     = "tasksched"
)

// Store is the backing lock service.
//
// AcquireOrRenew takes the lease when it is free or expired, extends it
// when nodeID already holds it and reports false when another node does.
type Store interface {
	AcquireOrRenew(ctx context.Context, lockName, nodeID string, leaseSeconds int) (bool, error)
	Release(ctx context.Context, lockName, nodeID string) error
}

type Config struct {
	LockName     string
	NodeID       string
	Heartbeat    time.Duration
	LeaseSeconds int
}

func (c Config) withDefaults() Config {
	if c.LockName == "" {
		c.LockName = DefaultLockName
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.LeaseSeconds <= 0 {
		c.LeaseSeconds = DefaultLeaseSeconds
	}
	return c
}

// Status is a diagnostic view of the loop.
type Status struct {
	LockName  string    `json:"lock_name"`
	NodeID    string    `json:"node_id"`
	Held      bool      `json:"held"`
	Running   bool      `json:"running"`
	Beats     uint64    `json:"beats"`
	LastBeat  time.Time `json:"last_beat"`
	LastError string    `json:"last_error,omitempty"`
}

// Transition is published whenever the held state changes.
type Transition struct {
	LockName string `json:"lock_name"`
	NodeID   string `json:"node_id"`
	Held     bool   `json:"held"`
	Error    string `json:"error,omitempty"`
}

// Loop owns the lock-state cell. It is the only writer; everything else
// reads through HasLock.
type Loop struct {
	cfg   Config
	store Store
	log   logx.Logger
	bus   eventbus.Bus

	held  atomic.Bool
	beats atomic.Uint64

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	started  bool
	stopped  bool
	lastBeat time.Time
	lastErr  string
}

func New(cfg Config, store Store, log logx.Logger, bus eventbus.Bus) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	cfg = cfg.withDefaults()
	return &Loop{
		cfg:   cfg,
		store: store,
		log:   log.With(logx.Component("lease"), logx.String("lock", cfg.LockName), logx.Node(cfg.NodeID)),
		bus:   bus,
	}
}

// HasLock reports the result of the latest heartbeat.
func (l *Loop) HasLock() bool { return l.held.Load() }

func (l *Loop) Config() Config { return l.cfg }

// Beat runs one acquire-or-renew round and returns the new held state.
// Any store error counts as not holding the lease.
func (l *Loop) Beat(ctx context.Context) bool {
	ok, err := l.acquire(ctx)
	if err != nil {
		ok = false
	}
	l.beats.Add(1)

	l.mu.Lock()
	l.lastBeat = time.Now()
	if err != nil {
		l.lastErr = err.Error()
	} else {
		l.lastErr = ""
	}
	l.mu.Unlock()

	prev := l.held.Swap(ok)
	switch {
	case err != nil:
		l.log.Warn("lease heartbeat failed; treating as not held", logx.Err(err))
		l.bus.Publish(eventbus.Event{Type: eventbus.LeaseError, Data: Transition{LockName: l.cfg.LockName, NodeID: l.cfg.NodeID, Held: false, Error: err.Error()}})
		if prev {
			l.publishTransition(false)
		}
	case ok != prev:
		l.publishTransition(ok)
	default:
		l.log.Trace("lease heartbeat", logx.Bool("held", ok))
	}
	return ok
}

func (l *Loop) acquire(ctx context.Context) (ok bool, err error) {
	if l.store == nil {
		return false, errors.New("no lock store configured")
	}
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, errors.New("lock store panicked")
		}
	}()
	return l.store.AcquireOrRenew(ctx, l.cfg.LockName, l.cfg.NodeID, l.cfg.LeaseSeconds)
}

func (l *Loop) publishTransition(held bool) {
	typ := eventbus.LeaseLost
	if held {
		typ = eventbus.LeaseAcquired
		l.log.Info("lease acquired")
	} else {
		l.log.Info("lease lost")
	}
	l.bus.Publish(eventbus.Event{Type: typ, Data: Transition{LockName: l.cfg.LockName, NodeID: l.cfg.NodeID, Held: held}})
}

// Start runs the first heartbeat synchronously and then keeps beating
// every Heartbeat. Calling Start again is a no-op.
func (l *Loop) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return errors.New("lease loop stopped")
	}
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	l.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx), rtsup.WithLogger(l.log))
	sup := l.sup
	l.mu.Unlock()

	l.Beat(ctx)
	sup.GoRestart("heartbeat", func(c context.Context) error {
		t := time.NewTicker(l.cfg.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-t.C:
			}
			l.Beat(c)
		}
	})
	l.log.Info("lease loop started", logx.Duration("heartbeat", l.cfg.Heartbeat), logx.Int("lease_seconds", l.cfg.LeaseSeconds), logx.Bool("held", l.HasLock()))
	return nil
}

// Stop ends the heartbeat and, if it ever ran, releases the lease once.
// A release error is logged and not retried. Idempotent.
func (l *Loop) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	started, sup := l.started, l.sup
	l.mu.Unlock()

	if !started {
		return nil
	}
	_ = sup.Stop(ctx)
	l.held.Store(false)

	if l.store == nil {
		return nil
	}
	if err := l.store.Release(ctx, l.cfg.LockName, l.cfg.NodeID); err != nil {
		l.log.Warn("lease release failed", logx.Err(err))
		return nil
	}
	l.log.Info("lease released")
	l.bus.Publish(eventbus.Event{Type: eventbus.LeaseReleased, Data: Transition{LockName: l.cfg.LockName, NodeID: l.cfg.NodeID}})
	return nil
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		LockName:  l.cfg.LockName,
		NodeID:    l.cfg.NodeID,
		Held:      l.held.Load(),
		Running:   l.started && !l.stopped,
		Beats:     l.beats.Load(),
		LastBeat:  l.lastBeat,
		LastError: l.lastErr,
	}
}
