package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"tasksched/internal/lockstore"
	logx "tasksched/pkg/logx"
	"tasksched/pkg/sched"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field constraints and every duration string.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	durations := []struct{ path, raw string }{
		{"scheduler.await_termination", cfg.Scheduler.AwaitTermination},
		{"scheduler.heartbeat", cfg.Scheduler.Heartbeat},
	}
	if cfg.Lock != nil {
		durations = append(durations, struct{ path, raw string }{"lock.busy_timeout", cfg.Lock.BusyTimeout})
	}
	if cfg.Status != nil {
		durations = append(durations,
			struct{ path, raw string }{"status.read_timeout", cfg.Status.ReadTimeout},
			struct{ path, raw string }{"status.idle_timeout", cfg.Status.IdleTimeout},
		)
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogConfig maps the logging section onto logx.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

// EngineConfig maps the scheduler section onto the engine.
func (c *Config) EngineConfig() sched.Config {
	s := c.Scheduler
	return sched.Config{
		Workers:          s.Workers,
		QueueSize:        s.QueueSize,
		ThreadNamePrefix: strings.TrimSpace(s.ThreadNamePrefix),
		AwaitTermination: mustDuration(s.AwaitTermination, 0),
		HistorySize:      s.HistorySize,
		LockName:         strings.TrimSpace(s.LockName),
		Heartbeat:        mustDuration(s.Heartbeat, 0),
		LeaseSeconds:     s.LeaseSeconds,
	}
}

// LockStoreConfig maps the lock section; a nil section disables the store.
func (c *Config) LockStoreConfig() lockstore.Config {
	if c.Lock == nil {
		return lockstore.Config{}
	}
	return lockstore.Config{
		Driver:      c.Lock.Driver,
		Path:        strings.TrimSpace(c.Lock.Path),
		DSN:         strings.TrimSpace(c.Lock.DSN),
		BusyTimeout: mustDuration(c.Lock.BusyTimeout, 0),
	}
}

// StatusServer returns the effective status settings; ok is false when
// the server is disabled.
func (c *Config) StatusServer() (addr string, pprof bool, readTimeout, idleTimeout time.Duration, ok bool) {
	if c.Status == nil || !c.Status.Enabled {
		return "", false, 0, 0, false
	}
	addr = strings.TrimSpace(c.Status.Addr)
	if addr == "" {
		addr = DefaultStatusAddr
	}
	return addr, c.Status.Pprof,
		mustDuration(c.Status.ReadTimeout, 10*time.Second),
		mustDuration(c.Status.IdleTimeout, time.Minute),
		true
}
