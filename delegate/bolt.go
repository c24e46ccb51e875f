package delegate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	cachefs "github.com/cachefs/cachefs"
)

var objectsBucket = []byte("objects")

// Bolt is a storage delegate that keeps committed objects in a bbolt
// database file. Uncommitted writes stage in memory and are published in a
// single transaction on FinishWrite, which gives the write-once contract
// for free: an object is either absent or fully committed.
type Bolt struct {
	db  *bbolt.DB
	now func() time.Time

	mu      sync.Mutex
	writing map[string]*bytes.Buffer
}

// NewBolt opens (or creates) a bolt-backed delegate at the given path.
func NewBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(objectsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &Bolt{
		db:      db,
		now:     time.Now,
		writing: make(map[string]*bytes.Buffer),
	}, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// StartWrite begins a write-once object staged in memory.
func (b *Bolt) StartWrite(ctx context.Context, key, contentType string) (*WriteHandle, error) {
	h := newWriteHandle(key, newInternalKey(), contentType)

	b.mu.Lock()
	b.writing[h.internalKey] = &bytes.Buffer{}
	b.mu.Unlock()

	return h, nil
}

// Write appends bytes to the staging buffer.
func (b *Bolt) Write(ctx context.Context, h *WriteHandle, p []byte) error {
	b.mu.Lock()
	buf, ok := b.writing[h.internalKey]
	b.mu.Unlock()
	if !ok {
		return ErrNoHandle
	}

	buf.Write(p)
	h.observe(p)
	return nil
}

// FinishWrite commits the staged bytes in one transaction.
func (b *Bolt) FinishWrite(ctx context.Context, h *WriteHandle) (*cachefs.FileInfo, error) {
	b.mu.Lock()
	buf, ok := b.writing[h.internalKey]
	delete(b.writing, h.internalKey)
	b.mu.Unlock()
	if !ok {
		return nil, ErrNoHandle
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(objectsBucket).Put([]byte(h.internalKey), buf.Bytes())
	})
	if err != nil {
		return nil, fmt.Errorf("committing object: %w", err)
	}

	return h.fileInfo(b.now().UTC()), nil
}

// Abort discards an uncommitted write.
func (b *Bolt) Abort(ctx context.Context, h *WriteHandle) error {
	b.mu.Lock()
	delete(b.writing, h.internalKey)
	b.mu.Unlock()
	return nil
}

// Open returns a reader over the committed bytes in [start, end). The
// requested range is copied out of the read transaction, since bolt pages
// are only valid while the transaction is open.
func (b *Bolt) Open(ctx context.Context, info *cachefs.FileInfo, start, end int64) (io.ReadCloser, error) {
	var section []byte
	found := false

	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(objectsBucket).Get([]byte(info.InternalKey))
		if data == nil {
			return nil
		}
		found = true
		lo, hi := clampRange(int64(len(data)), start, end)
		section = make([]byte, hi-lo)
		copy(section, data[lo:hi])
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading object: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}

	return io.NopCloser(bytes.NewReader(section)), nil
}

// Remove deletes the committed object. Absent objects are a no-op.
func (b *Bolt) Remove(ctx context.Context, info *cachefs.FileInfo) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(objectsBucket).Delete([]byte(info.InternalKey))
	})
	if err != nil {
		return fmt.Errorf("removing object: %w", err)
	}
	return nil
}

var _ Delegate = (*Bolt)(nil)
