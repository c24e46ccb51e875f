// Package delegate provides the write-once storage contract beneath the
// cache, together with its interchangeable backends and compound wrappers.
//
// Every object moves through the same lifecycle: StartWrite allocates a
// fresh internal key and an open handle, Write appends bytes to the handle,
// and FinishWrite seals the object and returns its FileInfo snapshot. No
// backend exposes bytes to a reader before FinishWrite returns; Open against
// an uncommitted or unknown object returns ErrNotFound rather than blocking
// or yielding partial content.
package delegate

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	cachefs "github.com/cachefs/cachefs"
)

var (
	// ErrNotFound is returned when no committed object exists for the
	// requested key or internal key.
	ErrNotFound = errors.New("delegate: not found")

	// ErrNoHandle is returned by Write, FinishWrite, and Abort when the
	// handle does not denote an open write. Calling Write after FinishWrite
	// is a programming error, not a transient fault.
	ErrNoHandle = errors.New("delegate: no open write for handle")

	// ErrReadOnly is returned by mutating operations on a read-only view.
	ErrReadOnly = errors.New("delegate: read-only")
)

// ToEnd is the sentinel end offset meaning "read to the end of the object".
const ToEnd int64 = -1

// Delegate is the storage contract for a single opaque object.
// Implementations must be safe for concurrent use, though any one
// WriteHandle is driven by a single writer at a time.
type Delegate interface {
	// StartWrite allocates a fresh internal key and begins a write-once
	// object for the external key. Header metadata (the content type) is
	// retained and surfaces on the FileInfo returned by FinishWrite.
	StartWrite(ctx context.Context, key, contentType string) (*WriteHandle, error)

	// Write appends bytes to an open handle. It fails with ErrNoHandle if
	// the handle is not in the writing state.
	Write(ctx context.Context, h *WriteHandle, p []byte) error

	// FinishWrite seals the object and returns the finalized snapshot.
	// After FinishWrite the object is committed and readable; the handle
	// is spent.
	FinishWrite(ctx context.Context, h *WriteHandle) (*cachefs.FileInfo, error)

	// Abort discards an open, uncommitted write and releases its storage.
	// Aborting an unknown or already-sealed handle is a no-op.
	Abort(ctx context.Context, h *WriteHandle) error

	// Open returns a reader over the committed bytes in [start, end).
	// end == ToEnd reads to the end of the object. Offsets beyond the
	// object size truncate silently; end <= start yields an empty reader.
	// Each call re-reads from start. The caller must close the reader.
	Open(ctx context.Context, info *cachefs.FileInfo, start, end int64) (io.ReadCloser, error)

	// Remove deletes the committed object. Removing an absent object is a
	// no-op, not an error.
	Remove(ctx context.Context, info *cachefs.FileInfo) error
}

// Indexed is implemented by delegates that also maintain an external-key
// index (the caching delegate). GetFileInfo returns nil for absent keys.
type Indexed interface {
	Delegate

	GetFileInfo(key string) *cachefs.FileInfo
}

// WriteHandle tracks one in-progress write. It accumulates the content hash
// and byte count so FinishWrite can produce the final snapshot without
// re-reading the object. Handles are created by delegates via newWriteHandle
// and are opaque to callers apart from SetETag.
type WriteHandle struct {
	key         string
	internalKey string
	contentType string
	hasher      *cachefs.Hasher
	etag        string
	startedAt   time.Time
}

func newWriteHandle(key, internalKey, contentType string) *WriteHandle {
	return &WriteHandle{
		key:         key,
		internalKey: internalKey,
		contentType: contentType,
		hasher:      cachefs.NewHasher(),
		startedAt:   time.Now().UTC(),
	}
}

// InternalKey returns the storage-layer handle allocated by StartWrite.
func (h *WriteHandle) InternalKey() string {
	return h.internalKey
}

// Key returns the external key this write was started for.
func (h *WriteHandle) Key() string {
	return h.key
}

// SetETag overrides the validator for the finished object. Without an
// override the ETag is the hex BLAKE3 digest of the written bytes.
func (h *WriteHandle) SetETag(etag string) {
	h.etag = etag
}

// BytesWritten returns the number of bytes observed so far.
func (h *WriteHandle) BytesWritten() int64 {
	return h.hasher.BytesWritten()
}

// observe feeds written bytes into the running hash. Backends call it from
// Write after the bytes are accepted.
func (h *WriteHandle) observe(p []byte) {
	_, _ = h.hasher.Write(p)
}

// fileInfo builds the committed snapshot for the handle.
func (h *WriteHandle) fileInfo(now time.Time) *cachefs.FileInfo {
	etag := h.etag
	if etag == "" {
		etag = h.hasher.Sum().String()
	}
	return &cachefs.FileInfo{
		Key:          h.key,
		InternalKey:  h.internalKey,
		ContentType:  h.contentType,
		Size:         h.hasher.BytesWritten(),
		ETag:         etag,
		CreatedAt:    h.startedAt,
		LastModified: now,
		LastAccessed: now,
	}
}

// newInternalKey generates a random, collision-resistant internal key.
func newInternalKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// clampRange resolves [start, end) against the object size. end == ToEnd
// means the end of the object. Out-of-bounds offsets truncate silently and
// end <= start collapses to an empty range.
func clampRange(size, start, end int64) (int64, int64) {
	if start < 0 {
		start = 0
	}
	if start > size {
		start = size
	}
	if end == ToEnd || end > size {
		end = size
	}
	if end < start {
		end = start
	}
	return start, end
}

// ReadAll reads the whole committed object into memory. It is a convenience
// built on Open for small objects and tests.
func ReadAll(ctx context.Context, d Delegate, info *cachefs.FileInfo) ([]byte, error) {
	rc, err := d.Open(ctx, info, 0, ToEnd)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}
