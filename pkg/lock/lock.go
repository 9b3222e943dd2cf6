// Package lock implements the distributed Lock Manager: named, fenced,
// timed-out leases over the KV substrate, used by the optimizer's global
// critical section, per-document indexing, and update_thread's per-thread
// lock. The scheduler's LeaseSupervisor does not take a lock.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/mailqueue/pkg/kv"
)

// ErrHeld is returned by Acquire when the lock is already held by someone
// else; callers should treat this as taskerr.LockHeld.
var ErrHeld = errors.New("lock: held by another owner")

// Manager acquires, renews, and releases fenced locks over a kv.Store.
type Manager struct {
	store *kv.Store
}

func New(store *kv.Store) *Manager {
	return &Manager{store: store}
}

// Acquire attempts SET name token IF-ABSENT EXPIRE ttl. On success it
// returns the fencing token the caller must present to Release/Renew.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := m.store.SetNX(ctx, kv.LockKey(name), token, ttl)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrHeld
	}
	return token, nil
}

// Release deletes name iff its current value equals token; releasing a
// lock you don't hold (wrong or expired token) is a no-op, not an error.
func (m *Manager) Release(ctx context.Context, name, token string) error {
	_, err := m.store.CompareAndDelete(ctx, kv.LockKey(name), token)
	return err
}

// Renew extends name's TTL iff its current value equals token.
func (m *Manager) Renew(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	return m.store.CompareAndExpire(ctx, kv.LockKey(name), token, ttl.Milliseconds())
}

// WithLock acquires name for ttl, runs fn, and always releases it
// afterward — the common per-document and per-optimization-pass pattern.
func (m *Manager) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, err := m.Acquire(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer m.Release(context.WithoutCancel(ctx), name, token)
	return fn(ctx)
}
