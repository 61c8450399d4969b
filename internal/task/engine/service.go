package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tasksched/internal/eventbus"
	rtsup "tasksched/internal/runtime/supervisor"
	logx "tasksched/pkg/logx"
)

// Service is the bounded worker pool every task invocation runs on.
//
// Submissions never block: when no worker (or queue slot) is free the job
// is discarded and counted.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	q       chan queuedJob
	stopCh  chan struct{}
	sup     *rtsup.Supervisor
	stopped bool

	// Warn about drops at most once per second with a small burst.
	dropWarn *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem

	idSeq     atomic.Uint64
	busy      atomic.Int32
	submitted atomic.Uint64
	dropped   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.Component("pool")),
		bus:      bus,
		dropWarn: rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

func (s *Service) Config() Config { return s.cfg }

// Start launches the workers. It is a no-op when already running and fails
// after Stop.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.q != nil {
		return nil
	}

	s.q = make(chan queuedJob, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	// Workers must outlive the caller's context; Stop owns cancellation.
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	queue, stopCh, sup := s.q, s.stopCh, s.sup

	for i := 1; i <= s.cfg.Workers; i++ {
		name := fmt.Sprintf("%s.%d", s.cfg.ThreadNamePrefix, i)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue, name)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("worker pool started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
	return nil
}

// Stop stops accepting work and waits up to AwaitTermination (bounded by
// ctx) for in-flight jobs, then cancels their context. Idempotent.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	stopCh, sup := s.stopCh, s.sup
	s.mu.Unlock()

	if stopCh == nil {
		return nil
	}
	close(stopCh)

	start := time.Now()
	graceCtx, cancel := context.WithTimeout(ctx, s.cfg.AwaitTermination)
	_ = sup.Wait(graceCtx)
	expired := graceCtx.Err() != nil
	cancel()
	if expired {
		if busy := s.busy.Load(); busy > 0 {
			s.log.Warn("jobs still running after grace period; canceling", logx.Duration("await", s.cfg.AwaitTermination), logx.Int("busy", int(busy)))
		}
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
			return fmt.Errorf("worker pool stop: %w", err)
		}
	}
	s.log.Info("worker pool stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// TrySubmit hands j to an idle worker (or a free queue slot) without
// blocking. It returns ErrSaturated when the job was discarded.
func (s *Service) TrySubmit(j Job) error {
	if j.Run == nil {
		return errors.New("job Run is nil")
	}
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return errors.New("job Name is required")
	}
	now := time.Now()
	if j.ID == "" {
		j.ID = fmt.Sprintf("job-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	q, stopped := s.q, s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if q == nil {
		return ErrNotStarted
	}

	select {
	case q <- queuedJob{job: j, enqueuedAt: now}:
		s.submitted.Add(1)
		return nil
	default:
		s.onDropped(now, j)
		return ErrSaturated
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	q, running := s.q, s.q != nil && !s.stopped
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	snap := Snapshot{
		Running:   running,
		Workers:   s.cfg.Workers,
		Busy:      int(s.busy.Load()),
		Submitted: s.submitted.Load(),
		Dropped:   s.dropped.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		History:   h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

// Supervisor exposes the worker supervisor (nil before Start).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) onDropped(now time.Time, j Job) {
	n := s.dropped.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Time: now, Data: JobEvent{ID: j.ID, Name: j.Name, Shard: j.Shard, Started: now, Error: ErrSaturated.Error()}})
	if s.dropWarn.Allow() {
		s.log.Warn("job discarded: pool saturated",
			logx.Task(j.Name),
			logx.Shard(j.Shard),
			logx.Int("workers", s.cfg.Workers),
			logx.Uint64("dropped", n),
		)
	}
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}
