// Package manager owns the external-key index used by the serving layer.
// It coordinates atomic metadata swaps over a storage delegate and enforces
// size and count bounds through an oldest-first vacuum pass.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cachefs "github.com/cachefs/cachefs"
	"github.com/cachefs/cachefs/delegate"
	"github.com/cachefs/cachefs/telemetry"
)

// Manager maps external keys to FileInfo snapshots over a storage delegate.
//
// All index mutations run under one mutex and perform no I/O while holding
// it, so concurrent commits to the same key resolve to a deterministic
// last-write-wins order and readers never observe a torn mapping.
type Manager struct {
	d        delegate.Delegate
	maxSize  int64
	maxCount int
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	index *cachefs.Index
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxSize bounds the total tracked size in bytes. Zero means unbounded.
func WithMaxSize(n int64) Option {
	return func(m *Manager) {
		m.maxSize = n
	}
}

// WithMaxCount bounds the number of tracked entries. Zero means unbounded.
func WithMaxCount(n int) Option {
	return func(m *Manager) {
		m.maxCount = n
	}
}

// WithLogger sets the logger for eviction and removal events.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a Manager storing bytes through the given delegate.
func New(d delegate.Delegate, opts ...Option) *Manager {
	m := &Manager{
		d:      d,
		logger: slog.Default(),
		now:    time.Now,
		index:  cachefs.NewIndex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Delegate returns the underlying storage delegate.
func (m *Manager) Delegate() delegate.Delegate {
	return m.d
}

// GetFileInfo returns the snapshot for key, or nil if the key is absent.
// The lookup is synchronous and never blocks on storage.
func (m *Manager) GetFileInfo(key string) *cachefs.FileInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.Get(key)
}

// Touch refreshes the last-accessed time on the entry for key by replacing
// its snapshot, and returns the refreshed snapshot. Absent keys return nil.
func (m *Manager) Touch(key string) *cachefs.FileInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.index.Get(key)
	if cur == nil {
		return nil
	}
	fresh := cur.WithLastAccessed(m.now().UTC())
	m.index.Set(key, fresh)
	return fresh
}

// SetFileInfo swaps the entry for key to the new snapshot and returns the
// prior one, if any, so the caller can decide when to reclaim its storage.
// The swap is a single in-memory step.
func (m *Manager) SetFileInfo(key string, info *cachefs.FileInfo) *cachefs.FileInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.Set(key, info)
}

// Remove deletes the index entry for key and its storage object. It returns
// the removed snapshot, or nil when the key was absent. The mapping is
// dropped before the storage removal so no reader can resolve the key to an
// object that is mid-deletion.
func (m *Manager) Remove(ctx context.Context, key string) (*cachefs.FileInfo, error) {
	m.mu.Lock()
	info := m.index.Remove(key)
	m.mu.Unlock()

	if info == nil {
		return nil, nil
	}
	if err := m.d.Remove(ctx, info); err != nil {
		return info, err
	}
	return info, nil
}

// Stats describes the tracked contents of the index.
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// Stats returns the current entry count and tracked byte total.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Entries: m.index.Len(), Bytes: m.index.Size()}
}

// VacuumResult describes one vacuum pass.
type VacuumResult struct {
	Evicted    int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// Vacuum evicts oldest-inserted entries until both the size and count
// bounds are satisfied, or the index is empty. Victims are unlinked from
// the index before their storage object is removed.
func (m *Manager) Vacuum(ctx context.Context) *VacuumResult {
	start := m.now()
	result := &VacuumResult{}

	for {
		m.mu.Lock()
		overCount := m.maxCount > 0 && m.index.Len() > m.maxCount
		overSize := m.maxSize > 0 && m.index.Size() > m.maxSize
		if (!overCount && !overSize) || m.index.Len() == 0 {
			m.mu.Unlock()
			break
		}
		victim := m.index.PopOldest()
		m.mu.Unlock()

		if err := m.d.Remove(ctx, victim); err != nil {
			m.logger.Warn("failed to remove evicted object",
				"key", victim.Key,
				"internal_key", victim.InternalKey,
				"error", err,
			)
			result.Errors++
			continue
		}
		result.Evicted++
		result.BytesFreed += victim.Size
		m.logger.Debug("evicted entry",
			"key", victim.Key,
			"size", victim.Size,
		)
	}

	result.Duration = m.now().Sub(start)
	telemetry.RecordVacuum(ctx, result.Evicted, result.Duration)

	if result.Evicted > 0 {
		m.logger.Info("vacuum complete",
			"evicted", result.Evicted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	}
	return result
}
