// Package shard holds the reserved shard keys shared by the registry,
// trigger wrappers and the reconciler.
package shard

const (
	// Default carries every instance of a non-sharded task.
	Default = "default"
	// Reconciler carries a dynamic task's own reconciliation instance.
	// It never appears in concurrency snapshots or caps.
	Reconciler = "reconciler"
)

// IsReserved reports whether key is one of the engine's own shard keys.
func IsReserved(key string) bool {
	return key == Default || key == Reconciler
}
