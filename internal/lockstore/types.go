package lockstore

import (
	"context"
	"errors"
	"time"

	"tasksched/internal/lease"
)

var ErrClosed = errors.New("lock store closed")

// Config configures the lock store.
//
// If Driver is empty or "none", no store is opened.
type Config struct {
	Driver      string
	Path        string        // sqlite only
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Holder describes the current owner of a lease.
type Holder struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is a lease.Store that can also be inspected and closed.
type Store interface {
	lease.Store
	// Holder returns the current owner of lockName; ok is false when the
	// lease is free or expired.
	Holder(ctx context.Context, lockName string) (h Holder, ok bool, err error)
	Close() error
}
