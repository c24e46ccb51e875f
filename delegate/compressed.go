package delegate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	cachefs "github.com/cachefs/cachefs"
)

// Compressed wraps another delegate and stores objects zstd-compressed.
// The FileInfo it returns describes the logical (uncompressed) content:
// Size counts logical bytes and the ETag hashes logical bytes, so range
// requests and conditional checks behave exactly as with a plain delegate.
type Compressed struct {
	inner Delegate

	mu      sync.Mutex
	writing map[string]*zstdWrite
}

type zstdWrite struct {
	innerHandle *WriteHandle
	enc         *zstd.Encoder
	sink        *delegateWriter
}

// delegateWriter adapts Delegate.Write to io.Writer for the zstd encoder.
// The ctx field is refreshed before each outer Write call.
type delegateWriter struct {
	ctx context.Context
	d   Delegate
	h   *WriteHandle
}

func (w *delegateWriter) Write(p []byte) (int, error) {
	if err := w.d.Write(w.ctx, w.h, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewCompressed wraps the inner delegate with zstd compression.
func NewCompressed(inner Delegate) *Compressed {
	return &Compressed{
		inner:   inner,
		writing: make(map[string]*zstdWrite),
	}
}

// StartWrite begins a write-once object whose bytes are compressed on the
// way into the inner delegate.
func (c *Compressed) StartWrite(ctx context.Context, key, contentType string) (*WriteHandle, error) {
	innerHandle, err := c.inner.StartWrite(ctx, key, contentType)
	if err != nil {
		return nil, err
	}

	sink := &delegateWriter{ctx: ctx, d: c.inner, h: innerHandle}
	enc, err := zstd.NewWriter(sink)
	if err != nil {
		_ = c.inner.Abort(ctx, innerHandle)
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	// The outer handle shares the inner internal key so committed FileInfo
	// values pass straight through to the inner delegate on Open and Remove.
	h := newWriteHandle(key, innerHandle.internalKey, contentType)

	c.mu.Lock()
	c.writing[h.internalKey] = &zstdWrite{innerHandle: innerHandle, enc: enc, sink: sink}
	c.mu.Unlock()

	return h, nil
}

// Write compresses and forwards bytes, tracking the logical hash and count
// on the outer handle.
func (c *Compressed) Write(ctx context.Context, h *WriteHandle, p []byte) error {
	c.mu.Lock()
	zw, ok := c.writing[h.internalKey]
	c.mu.Unlock()
	if !ok {
		return ErrNoHandle
	}

	zw.sink.ctx = ctx
	if _, err := zw.enc.Write(p); err != nil {
		return fmt.Errorf("compressing data: %w", err)
	}
	h.observe(p)
	return nil
}

// FinishWrite flushes the encoder and commits the inner object. The
// returned snapshot carries the logical size and ETag.
func (c *Compressed) FinishWrite(ctx context.Context, h *WriteHandle) (*cachefs.FileInfo, error) {
	c.mu.Lock()
	zw, ok := c.writing[h.internalKey]
	delete(c.writing, h.internalKey)
	c.mu.Unlock()
	if !ok {
		return nil, ErrNoHandle
	}

	zw.sink.ctx = ctx
	if err := zw.enc.Close(); err != nil {
		_ = c.inner.Abort(ctx, zw.innerHandle)
		return nil, fmt.Errorf("flushing zstd encoder: %w", err)
	}

	innerInfo, err := c.inner.FinishWrite(ctx, zw.innerHandle)
	if err != nil {
		return nil, err
	}

	return h.fileInfo(innerInfo.LastModified), nil
}

// Abort discards the uncommitted write on the inner delegate.
func (c *Compressed) Abort(ctx context.Context, h *WriteHandle) error {
	c.mu.Lock()
	zw, ok := c.writing[h.internalKey]
	delete(c.writing, h.internalKey)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.inner.Abort(ctx, zw.innerHandle)
}

// Open decompresses the inner object and serves the logical range
// [start, end) by discarding the leading bytes of the decoded stream.
func (c *Compressed) Open(ctx context.Context, info *cachefs.FileInfo, start, end int64) (io.ReadCloser, error) {
	lo, hi := clampRange(info.Size, start, end)
	if hi == lo {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	rc, err := c.inner.Open(ctx, info, 0, ToEnd)
	if err != nil {
		return nil, err
	}

	zr, err := zstd.NewReader(rc)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	if lo > 0 {
		if _, err := io.CopyN(io.Discard, zr, lo); err != nil && !errors.Is(err, io.EOF) {
			zr.Close()
			_ = rc.Close()
			return nil, fmt.Errorf("seeking decoded stream: %w", err)
		}
	}

	return &zstdReadCloser{
		Reader: io.LimitReader(zr, hi-lo),
		zr:     zr,
		rc:     rc,
	}, nil
}

// Remove deletes the committed object from the inner delegate.
func (c *Compressed) Remove(ctx context.Context, info *cachefs.FileInfo) error {
	return c.inner.Remove(ctx, info)
}

type zstdReadCloser struct {
	io.Reader
	zr *zstd.Decoder
	rc io.Closer
}

func (z *zstdReadCloser) Close() error {
	z.zr.Close()
	return z.rc.Close()
}

var _ Delegate = (*Compressed)(nil)
