package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tasksched/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. DSNs are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.Int("scheduler.workers", s.Workers),
			logx.Int("scheduler.queue_size", s.QueueSize),
			logx.String("scheduler.await_termination", strings.TrimSpace(s.AwaitTermination)),
			logx.String("scheduler.lock_name", strings.TrimSpace(s.LockName)),
			logx.String("scheduler.heartbeat", strings.TrimSpace(s.Heartbeat)),
			logx.Int("scheduler.lease_seconds", s.LeaseSeconds),
		)
	}

	oldL, newL := derefLock(oldCfg.Lock), derefLock(newCfg.Lock)
	if oldL != newL {
		changed = append(changed, "lock")
		attrs = append(attrs,
			logx.String("lock.driver", strings.TrimSpace(newL.Driver)),
			logx.Bool("lock.path_set", strings.TrimSpace(newL.Path) != ""),
			logx.Bool("lock.dsn_set", strings.TrimSpace(newL.DSN) != ""),
		)
	}

	oldS, newS := derefStatus(oldCfg.Status), derefStatus(newCfg.Status)
	if oldS != newS {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newS.Enabled),
			logx.String("status.addr", strings.TrimSpace(newS.Addr)),
			logx.Bool("status.pprof", newS.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports whether any changed section can only take effect
// after a restart. Logging is applied live.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		if s != "logging" {
			return true
		}
	}
	return false
}

func derefLock(l *LockConfig) LockConfig {
	if l == nil {
		return LockConfig{}
	}
	return *l
}

func derefStatus(s *StatusConfig) StatusConfig {
	if s == nil {
		return StatusConfig{}
	}
	return *s
}
