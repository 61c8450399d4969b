package lockstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

type memLease struct {
	owner   string
	expires time.Time
}

// Memory is a process-local lease store.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memLease
	closed bool
}

func NewMemory() *Memory {
	return &Memory{now: time.Now, leases: map[string]memLease{}}
}

// WithClock replaces the clock used for expiry.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func (m *Memory) AcquireOrRenew(_ context.Context, lockName, nodeID string, leaseSeconds int) (bool, error) {
	if lockName == "" || nodeID == "" {
		return false, errors.New("lock name and node id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	now := m.now()
	cur, ok := m.leases[lockName]
	if ok && cur.owner != nodeID && now.Before(cur.expires) {
		return false, nil
	}
	m.leases[lockName] = memLease{owner: nodeID, expires: now.Add(time.Duration(leaseSeconds) * time.Second)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, lockName, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if cur, ok := m.leases[lockName]; ok && cur.owner == nodeID {
		delete(m.leases, lockName)
	}
	return nil
}

func (m *Memory) Holder(_ context.Context, lockName string) (Holder, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[lockName]
	if !ok || !m.now().Before(cur.expires) {
		return Holder{}, false, nil
	}
	return Holder{Name: lockName, Owner: cur.owner, ExpiresAt: cur.expires}, true, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
