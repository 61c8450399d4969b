package engine

import (
	"context"
	"runtime/debug"
	"time"

	"tasksched/internal/eventbus"
	logx "tasksched/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedJob, name string) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj := <-queue:
			s.busy.Add(1)
			s.execOne(ctx, qj, name)
			s.busy.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qj queuedJob, worker string) {
	j := qj.job
	start := time.Now()
	queueDelay := max(start.Sub(qj.enqueuedAt), 0)

	log := s.log.With(logx.Task(j.Name), logx.Shard(j.Shard), logx.String("worker", worker))
	log.Trace("job started", logx.Duration("queue_delay", queueDelay))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: JobEvent{ID: j.ID, Name: j.Name, Shard: j.Shard, Started: start}})

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r, Stack: string(debug.Stack())}
			}
		}()
		err = j.Run(ctx)
	}()

	dur := time.Since(start)
	item := HistoryItem{ID: j.ID, Name: j.Name, Shard: j.Shard, Worker: worker, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		fields := []logx.Field{logx.Err(err), logx.Duration("dur", dur)}
		if pe, ok := err.(*PanicError); ok {
			fields = append(fields, logx.Stack(pe.Stack))
		}
		log.Error("job failed", fields...)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: JobEvent{ID: j.ID, Name: j.Name, Shard: j.Shard, Started: start, Duration: dur, Error: item.Error}})
	} else {
		s.completed.Add(1)
		log.Trace("job finished", logx.Duration("dur", dur))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: JobEvent{ID: j.ID, Name: j.Name, Shard: j.Shard, Started: start, Duration: dur}})
	}
	s.record(item)
}
