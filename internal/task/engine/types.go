package engine

import (
	"context"
	"time"
)

// Config controls the shared worker pool.
type Config struct {
	// Workers is the pool size. Values below 1 become 1.
	Workers int
	// QueueSize buffers submissions when every worker is busy.
	// 0 means direct hand-off: a submission is discarded unless a worker is idle.
	QueueSize int
	// ThreadNamePrefix names workers "<prefix>.<n>".
	ThreadNamePrefix string
	// AwaitTermination bounds how long Stop waits for in-flight jobs
	// before canceling their context.
	AwaitTermination time.Duration
	HistorySize      int
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.ThreadNamePrefix == "" {
		c.ThreadNamePrefix = "sched"
	}
	if c.AwaitTermination < 0 {
		c.AwaitTermination = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Job is one invocation handed to the pool.
type Job struct {
	ID    string
	Name  string
	Shard string
	Run   func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Shard      string        `json:"shard,omitempty"`
	Worker     string        `json:"worker"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// JobEvent is published on the bus for job lifecycle events.
type JobEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Shard    string        `json:"shard,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool          `json:"running"`
	Workers   int           `json:"workers"`
	Busy      int           `json:"busy"`
	QueueLen  int           `json:"queue_len"`
	QueueCap  int           `json:"queue_cap"`
	Submitted uint64        `json:"submitted"`
	Dropped   uint64        `json:"dropped"`
	Completed uint64        `json:"completed"`
	Failed    uint64        `json:"failed"`
	History   []HistoryItem `json:"history"`
}
