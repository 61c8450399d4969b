// Package sched is the embeddable scheduling engine.
//
// Tasks are registered explicitly with a Definition: a trigger (cron,
// fixed rate, fixed delay or dynamic delay), a concurrency policy (a fixed
// number of instances, or a computer that resizes them at runtime, globally
// or per shard) and a work function. Cluster-singleton tasks only run while
// this node holds a lease from the configured LockService.
//
//	eng := sched.New(sched.Config{Workers: 4}, sched.WithLockService(store))
//	err := eng.Register(sched.Definition{
//		Name:        "reindex",
//		Trigger:     sched.FixedDelay(time.Minute, 0),
//		Concurrency: sched.DynamicSharded(sched.ShardedConcurrencyFunc(sizeShards), 10*time.Second, 8),
//		Singleton:   true,
//		Work:        func(ctx context.Context, shard string) error { return reindex(ctx, shard) },
//	})
package sched
