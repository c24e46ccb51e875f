package delegate

import (
	"context"
	"io"

	cachefs "github.com/cachefs/cachefs"
)

// ReadOnly restricts a delegate to its non-mutating operations. Mutations
// fail with ErrReadOnly before touching the wrapped delegate. The view
// holds no state of its own, so removals on the underlying delegate are
// immediately visible through it.
type ReadOnly struct {
	inner Delegate
}

// NewReadOnly wraps the inner delegate in a read-only view.
func NewReadOnly(inner Delegate) *ReadOnly {
	return &ReadOnly{inner: inner}
}

// StartWrite always fails with ErrReadOnly.
func (r *ReadOnly) StartWrite(ctx context.Context, key, contentType string) (*WriteHandle, error) {
	return nil, ErrReadOnly
}

// Write always fails with ErrReadOnly.
func (r *ReadOnly) Write(ctx context.Context, h *WriteHandle, p []byte) error {
	return ErrReadOnly
}

// FinishWrite always fails with ErrReadOnly.
func (r *ReadOnly) FinishWrite(ctx context.Context, h *WriteHandle) (*cachefs.FileInfo, error) {
	return nil, ErrReadOnly
}

// Abort always fails with ErrReadOnly.
func (r *ReadOnly) Abort(ctx context.Context, h *WriteHandle) error {
	return ErrReadOnly
}

// Open forwards to the wrapped delegate.
func (r *ReadOnly) Open(ctx context.Context, info *cachefs.FileInfo, start, end int64) (io.ReadCloser, error) {
	return r.inner.Open(ctx, info, start, end)
}

// Remove always fails with ErrReadOnly.
func (r *ReadOnly) Remove(ctx context.Context, info *cachefs.FileInfo) error {
	return ErrReadOnly
}

// GetFileInfo forwards to the wrapped delegate when it maintains an index,
// and returns nil otherwise.
func (r *ReadOnly) GetFileInfo(key string) *cachefs.FileInfo {
	if ix, ok := r.inner.(Indexed); ok {
		return ix.GetFileInfo(key)
	}
	return nil
}

var _ Indexed = (*ReadOnly)(nil)
