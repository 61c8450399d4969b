package app

import (
	"context"
	"time"

	logx "tasksched/pkg/logx"
	"tasksched/pkg/sched"
)

// registerBuiltins adds the daemon's own tasks.
func (a *App) registerBuiltins() error {
	return a.eng.Register(sched.Definition{
		Name:    "lease.heartbeat",
		Trigger: sched.Cron("@every 1m"),
		Work:    a.reportLease,
	})
}

// reportLease logs lock ownership and, with a store, the current holder.
func (a *App) reportLease(ctx context.Context) error {
	st := a.eng.Status()
	fields := []logx.Field{
		logx.Bool("has_lock", st.HasLock),
		logx.Int("tasks", len(st.Tasks)),
		logx.Int("busy", st.Pool.Busy),
		logx.Uint64("dropped", st.Pool.Dropped),
	}
	if a.store != nil && st.Lease != nil {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		h, ok, err := a.store.Holder(cctx, st.Lease.LockName)
		if err != nil {
			return err
		}
		if ok {
			fields = append(fields, logx.String("holder", h.Owner), logx.Time("expires_at", h.ExpiresAt))
		}
	}
	a.log.Info("scheduler heartbeat", fields...)
	return nil
}
