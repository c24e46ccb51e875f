package delegate

import (
	"context"
	"io"
	"log/slog"
	"sync"

	cachefs "github.com/cachefs/cachefs"
)

// Caching wraps a delegate with an insertion-ordered external-key index and
// a size-bounded eviction pass. Committing a write registers the snapshot
// under its key; the previous object for that key is left in storage so
// in-flight readers are not disrupted; reclaiming it is the caller's job,
// or Vacuum's.
type Caching struct {
	inner   Delegate
	maxSize int64
	logger  *slog.Logger

	mu    sync.Mutex
	index *cachefs.Index
}

// CachingOption configures a Caching delegate.
type CachingOption func(*Caching)

// WithMaxSize bounds the total tracked size in bytes. Zero means unbounded.
func WithMaxSize(n int64) CachingOption {
	return func(c *Caching) {
		c.maxSize = n
	}
}

// WithLogger sets the logger for eviction events.
func WithLogger(logger *slog.Logger) CachingOption {
	return func(c *Caching) {
		c.logger = logger
	}
}

// NewCaching wraps the inner delegate with an index and eviction policy.
func NewCaching(inner Delegate, opts ...CachingOption) *Caching {
	c := &Caching{
		inner:  inner,
		logger: slog.Default(),
		index:  cachefs.NewIndex(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartWrite forwards to the inner delegate.
func (c *Caching) StartWrite(ctx context.Context, key, contentType string) (*WriteHandle, error) {
	return c.inner.StartWrite(ctx, key, contentType)
}

// Write forwards to the inner delegate.
func (c *Caching) Write(ctx context.Context, h *WriteHandle, p []byte) error {
	return c.inner.Write(ctx, h, p)
}

// FinishWrite commits the object and swaps the index entry for its external
// key in one step. The prior object's storage is not reclaimed here.
func (c *Caching) FinishWrite(ctx context.Context, h *WriteHandle) (*cachefs.FileInfo, error) {
	info, err := c.inner.FinishWrite(ctx, h)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.index.Set(info.Key, info)
	c.mu.Unlock()

	return info, nil
}

// Abort forwards to the inner delegate.
func (c *Caching) Abort(ctx context.Context, h *WriteHandle) error {
	return c.inner.Abort(ctx, h)
}

// Open forwards to the inner delegate.
func (c *Caching) Open(ctx context.Context, info *cachefs.FileInfo, start, end int64) (io.ReadCloser, error) {
	return c.inner.Open(ctx, info, start, end)
}

// Remove deletes the object and drops the index entry if it still points at
// this object, keeping the index free of dangling entries.
func (c *Caching) Remove(ctx context.Context, info *cachefs.FileInfo) error {
	c.mu.Lock()
	if cur := c.index.Get(info.Key); cur != nil && cur.InternalKey == info.InternalKey {
		c.index.Remove(info.Key)
	}
	c.mu.Unlock()

	return c.inner.Remove(ctx, info)
}

// GetFileInfo returns the snapshot for key, or nil if the key is absent.
func (c *Caching) GetFileInfo(key string) *cachefs.FileInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Get(key)
}

// Len returns the number of indexed entries.
func (c *Caching) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Len()
}

// TrackedSize returns the running total of indexed entry sizes.
func (c *Caching) TrackedSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Size()
}

// Vacuum evicts oldest-inserted entries until the tracked size fits the
// bound, or the index is empty. Entries are unlinked from the index before
// their storage is removed so readers never see a dangling mapping.
func (c *Caching) Vacuum(ctx context.Context) error {
	if c.maxSize <= 0 {
		return nil
	}

	for {
		c.mu.Lock()
		if c.index.Size() <= c.maxSize || c.index.Len() == 0 {
			c.mu.Unlock()
			return nil
		}
		victim := c.index.PopOldest()
		c.mu.Unlock()

		if err := c.inner.Remove(ctx, victim); err != nil {
			c.logger.Warn("failed to remove evicted object",
				"key", victim.Key,
				"internal_key", victim.InternalKey,
				"error", err,
			)
			continue
		}
		c.logger.Debug("evicted object",
			"key", victim.Key,
			"size", victim.Size,
		)
	}
}

var _ Indexed = (*Caching)(nil)
