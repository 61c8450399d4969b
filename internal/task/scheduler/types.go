package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"tasksched/internal/task/engine"
	"tasksched/internal/task/trigger"
)

// ErrClosed is returned by Start and StartInstance after Shutdown.
var ErrClosed = errors.New("registry shut down")

// HandleID identifies one live instance. IDs are never reused.
type HandleID uint64

// Submitter is the slice of the worker pool the registry needs.
type Submitter interface {
	TrySubmit(j engine.Job) error
}

// Unit is what an instance runs on every firing.
type Unit struct {
	Rule trigger.Rule
	// Run performs one firing on the instance's shard and returns the delay
	// a DynamicDelay rule should wait before the next one.
	Run func(ctx context.Context, shard string) (time.Duration, error)
}

// InstanceInfo is a diagnostic view of one instance.
type InstanceInfo struct {
	ID      HandleID  `json:"id"`
	Shard   string    `json:"shard"`
	Created time.Time `json:"created"`
	Fired   uint64    `json:"fired"`
	Dropped uint64    `json:"dropped"`
}

type instance struct {
	id      HandleID
	name    string
	shard   string
	unit    Unit
	created time.Time

	canceled  atomic.Bool
	fired     atomic.Uint64
	dropped   atomic.Uint64
	lastDelay atomic.Int64

	// guarded by timerQueue.mu
	entry *timerEntry
}

func (in *instance) info() InstanceInfo {
	return InstanceInfo{ID: in.id, Shard: in.shard, Created: in.created, Fired: in.fired.Load(), Dropped: in.dropped.Load()}
}
