package reconcile

import (
	"context"
	"maps"

	"tasksched/internal/task/shard"
)

// Computer produces the desired shard counts for a task. It is a closed
// set: Global or Sharded, chosen once at registration.
type Computer interface {
	desired(ctx context.Context, current map[string]int) (map[string]int, error)
	Sharded() bool
}

// Global sizes a task that runs on the default shard only.
type Global func(ctx context.Context, current int) (int, error)

// Sharded sizes every shard of a task at once. Shards missing from the
// result are desired at zero.
type Sharded func(ctx context.Context, current map[string]int) (map[string]int, error)

func (g Global) desired(ctx context.Context, current map[string]int) (map[string]int, error) {
	n, err := g(ctx, current[shard.Default])
	if err != nil {
		return nil, err
	}
	return map[string]int{shard.Default: n}, nil
}

func (Global) Sharded() bool { return false }

func (s Sharded) desired(ctx context.Context, current map[string]int) (map[string]int, error) {
	return s(ctx, maps.Clone(current))
}

func (Sharded) Sharded() bool { return true }
