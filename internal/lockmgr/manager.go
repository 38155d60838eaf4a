package lockmgr

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"fleetcron/internal/store"
)

// Manager gates execution across the fleet through the shared lock table.
// The lease is fixed per process and must exceed the largest task timeout
// plus a margin; there is no renewal, so a task that outlives its lease can
// in theory be picked up by a second replica.
type Manager struct {
	locks    store.LockStore
	holderID string
	lease    time.Duration
}

func New(locks store.LockStore, holderID string, lease time.Duration) *Manager {
	return &Manager{locks: locks, holderID: holderID, lease: lease}
}

func (m *Manager) HolderID() string     { return m.holderID }
func (m *Manager) Lease() time.Duration { return m.lease }

// Acquire reports whether this instance won the tick. Store errors are
// deliberately collapsed into "not acquired": skipping a tick is safe,
// running without the lock is not.
func (m *Manager) Acquire(ctx context.Context, taskName string) bool {
	ok, err := m.locks.TryAcquire(ctx, taskName, m.holderID, m.lease)
	if err != nil {
		log.Error().Err(err).Str("task", taskName).Msg("lock acquire failed, skipping tick")
		return false
	}
	return ok
}

// Release is best-effort; the expiring lease is the backstop if it fails.
func (m *Manager) Release(ctx context.Context, taskName string) {
	if err := m.locks.ReleaseIfHolder(ctx, taskName, m.holderID); err != nil {
		log.Warn().Err(err).Str("task", taskName).Msg("lock release failed, lease will expire")
	}
}
