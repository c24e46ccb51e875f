package delegate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	cachefs "github.com/cachefs/cachefs"
)

// Filesystem is a disk-backed storage delegate. Uncommitted writes go to a
// temp file that is fsynced and renamed into place on FinishWrite, so a
// reader can never observe a partially written object.
type Filesystem struct {
	root string
	now  func() time.Time

	mu      sync.Mutex
	writing map[string]*fsWrite
}

type fsWrite struct {
	f       *os.File
	tmpPath string
	dstPath string
}

// NewFilesystem creates a filesystem delegate rooted at the given path.
// The directory is created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{
		root:    absRoot,
		now:     time.Now,
		writing: make(map[string]*fsWrite),
	}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

func (fs *Filesystem) objectPath(internalKey string) string {
	// Shard on the first two characters to keep directories small.
	return filepath.Join(fs.root, internalKey[:2], internalKey)
}

// StartWrite begins a write-once object backed by a temp file.
func (fs *Filesystem) StartWrite(ctx context.Context, key, contentType string) (*WriteHandle, error) {
	h := newWriteHandle(key, newInternalKey(), contentType)

	dst := fs.objectPath(h.internalKey)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	fs.mu.Lock()
	fs.writing[h.internalKey] = &fsWrite{f: tmp, tmpPath: tmp.Name(), dstPath: dst}
	fs.mu.Unlock()

	return h, nil
}

// Write appends bytes to the staging temp file.
func (fs *Filesystem) Write(ctx context.Context, h *WriteHandle, p []byte) error {
	fs.mu.Lock()
	w, ok := fs.writing[h.internalKey]
	fs.mu.Unlock()
	if !ok {
		return ErrNoHandle
	}

	if _, err := w.f.Write(p); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	h.observe(p)
	return nil
}

// FinishWrite syncs the temp file and renames it into place atomically.
func (fs *Filesystem) FinishWrite(ctx context.Context, h *WriteHandle) (*cachefs.FileInfo, error) {
	fs.mu.Lock()
	w, ok := fs.writing[h.internalKey]
	delete(fs.writing, h.internalKey)
	fs.mu.Unlock()
	if !ok {
		return nil, ErrNoHandle
	}

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.tmpPath)
		return nil, fmt.Errorf("syncing file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return nil, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.dstPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return nil, fmt.Errorf("renaming temp file: %w", err)
	}

	return h.fileInfo(fs.now().UTC()), nil
}

// Abort discards the uncommitted temp file.
func (fs *Filesystem) Abort(ctx context.Context, h *WriteHandle) error {
	fs.mu.Lock()
	w, ok := fs.writing[h.internalKey]
	delete(fs.writing, h.internalKey)
	fs.mu.Unlock()
	if !ok {
		return nil
	}

	_ = w.f.Close()
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing temp file: %w", err)
	}
	return nil
}

// Open returns a reader over the committed bytes in [start, end).
func (fs *Filesystem) Open(ctx context.Context, info *cachefs.FileInfo, start, end int64) (io.ReadCloser, error) {
	f, err := os.Open(fs.objectPath(info.InternalKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	lo, hi := clampRange(st.Size(), start, end)
	if lo > 0 {
		if _, err := f.Seek(lo, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("seeking file: %w", err)
		}
	}

	return &sectionReadCloser{Reader: io.LimitReader(f, hi-lo), closer: f}, nil
}

// Remove deletes the committed object. Absent objects are a no-op.
func (fs *Filesystem) Remove(ctx context.Context, info *cachefs.FileInfo) error {
	err := os.Remove(fs.objectPath(info.InternalKey))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// sectionReadCloser pairs a range-limited reader with the file it draws from.
type sectionReadCloser struct {
	io.Reader
	closer io.Closer
}

func (s *sectionReadCloser) Close() error {
	return s.closer.Close()
}

var _ Delegate = (*Filesystem)(nil)
