package config

// Config is the daemon configuration file.
//
// Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Lock configures the lease store behind singleton tasks. Omitted or
	// driver "none" disables singleton tasks.
	Lock *LockConfig `json:"lock,omitempty"`

	// Status configures the optional diagnostics HTTP server.
	Status *StatusConfig `json:"status,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 1
//   - queue_size: 0 (a firing with no idle worker is discarded)
//   - thread_name_prefix: "sched"
//   - await_termination: "0s"
//   - history_size: 200
//   - lock_name: "tasksched"
//   - heartbeat: "5s"
//   - lease_seconds: 60
type SchedulerConfig struct {
	Workers          int    `json:"workers,omitempty" validate:"gte=0,lte=4096"`
	QueueSize        int    `json:"queue_size,omitempty" validate:"gte=0"`
	ThreadNamePrefix string `json:"thread_name_prefix,omitempty" validate:"omitempty,printascii,max=64"`
	AwaitTermination string `json:"await_termination,omitempty"`
	HistorySize      int    `json:"history_size,omitempty" validate:"gte=0"`

	LockName     string `json:"lock_name,omitempty" validate:"omitempty,max=255"`
	NodeID       string `json:"node_id,omitempty" validate:"omitempty,max=255"`
	Heartbeat    string `json:"heartbeat,omitempty"`
	LeaseSeconds int    `json:"lease_seconds,omitempty" validate:"gte=0"`
}

// LockConfig selects the lease store.
//
// Example:
//
//	"lock": { "driver": "sqlite", "path": "./tasksched.db" }
type LockConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none memory sqlite sqlite3 postgres pgx"`
	Path        string `json:"path,omitempty" validate:"required_if=Driver sqlite,required_if=Driver sqlite3"`
	DSN         string `json:"dsn,omitempty" validate:"required_if=Driver postgres,required_if=Driver pgx"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// StatusConfig controls the diagnostics HTTP server.
//
// Prefer binding to localhost; the server has no authentication.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"omitempty,hostname_port"` // default: "127.0.0.1:8089"
	Pprof   bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

const DefaultStatusAddr = "127.0.0.1:8089"
