// Package lockmgr provides an exclusive, TTL-bounded migration lock so at
// most one orchestrator mutates a given resource at a time. The lock is a
// JSON record created atomically with O_CREATE|O_EXCL; expiry recovers
// from crashed holders.
package lockmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Lock errors.
var (
	ErrLockHeld    = errors.New("lock held by another migration")
	ErrNotHeld     = errors.New("lock not held")
	ErrAcquireTime = errors.New("lock acquisition timed out")
)

// Lock is the persisted lock record.
type Lock struct {
	Name        string    `json:"name"`
	HolderID    string    `json:"holder_id"`
	MigrationID string    `json:"migration_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the lock's TTL has passed.
func (l *Lock) Expired() bool {
	return time.Now().UTC().After(l.ExpiresAt)
}

// Manager acquires and maintains a single named lock.
type Manager struct {
	dir      string
	name     string
	holderID string
	ttl      time.Duration
	logger   zerolog.Logger

	held *Lock
}

// New creates a lock manager for the named resource. Lock files live
// under dir. ttl bounds how long a crashed holder blocks successors.
func New(dir, name string, ttl time.Duration, logger zerolog.Logger) (*Manager, error) {
	lockDir := filepath.Join(dir, "locks")
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &Manager{
		dir:      lockDir,
		name:     name,
		holderID: uuid.New().String(),
		ttl:      ttl,
		logger:   logger.With().Str("component", "lockmgr").Logger(),
	}, nil
}

func (m *Manager) lockPath() string {
	return filepath.Join(m.dir, m.name+".json")
}

// Acquire obtains the lock, retrying with capped exponential backoff
// until timeout. When resumeID matches a live lock's migration ID the
// lock is extended in place, permitting resume without a separate
// unlock. Stale locks are purged opportunistically on each attempt.
func (m *Manager) Acquire(ctx context.Context, timeout time.Duration, resumeID, migrationID string) (bool, error) {
	deadline := time.Now().Add(timeout)
	backoff := 500 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for {
		acquired, err := m.tryAcquire(resumeID, migrationID)
		if err != nil && !errors.Is(err, ErrLockHeld) {
			return false, err
		}
		if acquired {
			return true, nil
		}

		if time.Now().After(deadline) {
			return false, fmt.Errorf("%s: %w", m.name, ErrAcquireTime)
		}

		m.logger.Debug().
			Str("name", m.name).
			Dur("backoff", backoff).
			Msg("lock held, retrying")

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// tryAcquire performs a single acquisition attempt.
func (m *Manager) tryAcquire(resumeID, migrationID string) (bool, error) {
	existing, err := m.read()
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("read lock: %w", err)
	}

	if existing != nil {
		if existing.Expired() {
			m.logger.Warn().
				Str("name", m.name).
				Str("stale_holder", existing.HolderID).
				Time("expired_at", existing.ExpiresAt).
				Msg("purging stale lock")
			if err := os.Remove(m.lockPath()); err != nil && !os.IsNotExist(err) {
				return false, fmt.Errorf("purge stale lock: %w", err)
			}
		} else if resumeID != "" && existing.MigrationID == resumeID {
			// Same migration resuming: extend in place.
			existing.HolderID = m.holderID
			existing.ExpiresAt = time.Now().UTC().Add(m.ttl)
			if err := m.write(existing); err != nil {
				return false, err
			}
			m.held = existing
			m.logger.Info().
				Str("name", m.name).
				Str("migration_id", resumeID).
				Msg("extended lock for resume")
			return true, nil
		} else {
			return false, ErrLockHeld
		}
	}

	now := time.Now().UTC()
	lock := &Lock{
		Name:        m.name,
		HolderID:    m.holderID,
		MigrationID: migrationID,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(m.ttl),
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal lock: %w", err)
	}

	// O_EXCL makes creation atomic: if two processes race, exactly one wins.
	f, err := os.OpenFile(m.lockPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return false, ErrLockHeld
	}
	if err != nil {
		return false, fmt.Errorf("create lock: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(m.lockPath())
		return false, fmt.Errorf("write lock: %w", err)
	}

	m.held = lock
	m.logger.Info().
		Str("name", m.name).
		Str("migration_id", migrationID).
		Time("expires_at", lock.ExpiresAt).
		Msg("lock acquired")
	return true, nil
}

// Refresh extends the TTL of a held lock. Must be called periodically
// during long phases.
func (m *Manager) Refresh() (bool, error) {
	if m.held == nil {
		return false, ErrNotHeld
	}

	current, err := m.read()
	if err != nil {
		return false, fmt.Errorf("read lock: %w", err)
	}
	if current == nil || current.HolderID != m.holderID {
		// Lock was lost (expired and taken over). Do not clobber.
		m.held = nil
		return false, ErrNotHeld
	}

	current.ExpiresAt = time.Now().UTC().Add(m.ttl)
	if err := m.write(current); err != nil {
		return false, err
	}
	m.held = current
	return true, nil
}

// Release removes the lock if this manager holds it.
func (m *Manager) Release() error {
	if m.held == nil {
		return nil
	}

	current, err := m.read()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read lock: %w", err)
	}
	if current != nil && current.HolderID == m.holderID {
		if err := os.Remove(m.lockPath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove lock: %w", err)
		}
		m.logger.Info().Str("name", m.name).Msg("lock released")
	}
	m.held = nil
	return nil
}

// Held returns the currently held lock record, or nil.
func (m *Manager) Held() *Lock {
	return m.held
}

func (m *Manager) read() (*Lock, error) {
	data, err := os.ReadFile(m.lockPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		// A corrupt lock file is treated as stale rather than wedging
		// every future migration.
		return nil, nil
	}
	return &lock, nil
}

func (m *Manager) write(lock *Lock) error {
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	tmp := m.lockPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write lock temp: %w", err)
	}
	if err := os.Rename(tmp, m.lockPath()); err != nil {
		return fmt.Errorf("rename lock: %w", err)
	}
	return nil
}
