package delegate

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	cachefs "github.com/cachefs/cachefs"
)

// Memory is an in-memory storage delegate. Uncommitted writes accumulate in
// a buffer that only becomes readable once FinishWrite publishes it.
type Memory struct {
	mu        sync.Mutex
	writing   map[string]*bytes.Buffer
	committed map[string][]byte
	now       func() time.Time
}

// NewMemory creates an empty in-memory delegate.
func NewMemory() *Memory {
	return &Memory{
		writing:   make(map[string]*bytes.Buffer),
		committed: make(map[string][]byte),
		now:       time.Now,
	}
}

// StartWrite begins a write-once object backed by a memory buffer.
func (m *Memory) StartWrite(ctx context.Context, key, contentType string) (*WriteHandle, error) {
	h := newWriteHandle(key, newInternalKey(), contentType)

	m.mu.Lock()
	m.writing[h.internalKey] = &bytes.Buffer{}
	m.mu.Unlock()

	return h, nil
}

// Write appends bytes to the staging buffer.
func (m *Memory) Write(ctx context.Context, h *WriteHandle, p []byte) error {
	m.mu.Lock()
	buf, ok := m.writing[h.internalKey]
	m.mu.Unlock()
	if !ok {
		return ErrNoHandle
	}

	buf.Write(p)
	h.observe(p)
	return nil
}

// FinishWrite publishes the buffered bytes as the committed object.
func (m *Memory) FinishWrite(ctx context.Context, h *WriteHandle) (*cachefs.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.writing[h.internalKey]
	if !ok {
		return nil, ErrNoHandle
	}
	delete(m.writing, h.internalKey)
	m.committed[h.internalKey] = buf.Bytes()

	return h.fileInfo(m.now().UTC()), nil
}

// Abort discards an uncommitted write.
func (m *Memory) Abort(ctx context.Context, h *WriteHandle) error {
	m.mu.Lock()
	delete(m.writing, h.internalKey)
	m.mu.Unlock()
	return nil
}

// Open returns a reader over the committed bytes in [start, end).
func (m *Memory) Open(ctx context.Context, info *cachefs.FileInfo, start, end int64) (io.ReadCloser, error) {
	m.mu.Lock()
	data, ok := m.committed[info.InternalKey]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	lo, hi := clampRange(int64(len(data)), start, end)
	return io.NopCloser(bytes.NewReader(data[lo:hi])), nil
}

// Remove deletes the committed object. Absent objects are a no-op.
func (m *Memory) Remove(ctx context.Context, info *cachefs.FileInfo) error {
	m.mu.Lock()
	delete(m.committed, info.InternalKey)
	m.mu.Unlock()
	return nil
}

var _ Delegate = (*Memory)(nil)
