package eventbus

// Event types published by tasksched components.
const (
	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskDropped  = "task.dropped"

	LeaseAcquired = "lease.acquired"
	LeaseLost     = "lease.lost"
	LeaseError    = "lease.error"
	LeaseReleased = "lease.released"

	ConcurrencyAdjusted = "concurrency.adjusted"
	ConcurrencyFailed   = "concurrency.failed"
)
