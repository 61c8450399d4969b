// Package scheduler is the task registry: it owns every live instance of
// every task, keyed by (task name, shard), and drives their firings from a
// single timer goroutine onto the shared worker pool.
//
// The registry is only responsible for:
//   - creating and canceling instances
//   - computing next fire times through each instance's trigger rule
//   - handing due firings to the worker pool without blocking
package scheduler
