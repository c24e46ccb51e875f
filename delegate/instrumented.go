package delegate

import (
	"context"
	"errors"
	"io"
	"time"

	cachefs "github.com/cachefs/cachefs"
	"github.com/cachefs/cachefs/telemetry"
)

// Instrumented wraps a delegate with per-operation metrics.
type Instrumented struct {
	inner Delegate
	name  string
}

// NewInstrumented creates a new instrumented delegate wrapper. The name
// labels the backend in metrics (e.g. "memory", "disk", "bolt").
func NewInstrumented(inner Delegate, name string) *Instrumented {
	return &Instrumented{inner: inner, name: name}
}

func (in *Instrumented) StartWrite(ctx context.Context, key, contentType string) (*WriteHandle, error) {
	start := time.Now()
	h, err := in.inner.StartWrite(ctx, key, contentType)
	telemetry.RecordDelegateOp(ctx, in.name, "start_write", outcomeFromError(err), time.Since(start), 0)
	return h, err
}

func (in *Instrumented) Write(ctx context.Context, h *WriteHandle, p []byte) error {
	start := time.Now()
	err := in.inner.Write(ctx, h, p)
	telemetry.RecordDelegateOp(ctx, in.name, "write", outcomeFromError(err), time.Since(start), int64(len(p)))
	return err
}

func (in *Instrumented) FinishWrite(ctx context.Context, h *WriteHandle) (*cachefs.FileInfo, error) {
	start := time.Now()
	info, err := in.inner.FinishWrite(ctx, h)
	telemetry.RecordDelegateOp(ctx, in.name, "finish_write", outcomeFromError(err), time.Since(start), 0)
	return info, err
}

func (in *Instrumented) Abort(ctx context.Context, h *WriteHandle) error {
	start := time.Now()
	err := in.inner.Abort(ctx, h)
	telemetry.RecordDelegateOp(ctx, in.name, "abort", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (in *Instrumented) Open(ctx context.Context, info *cachefs.FileInfo, start, end int64) (io.ReadCloser, error) {
	began := time.Now()
	rc, err := in.inner.Open(ctx, info, start, end)
	telemetry.RecordDelegateOp(ctx, in.name, "open", outcomeFromError(err), time.Since(began), 0)
	return rc, err
}

func (in *Instrumented) Remove(ctx context.Context, info *cachefs.FileInfo) error {
	start := time.Now()
	err := in.inner.Remove(ctx, info)
	telemetry.RecordDelegateOp(ctx, in.name, "remove", outcomeFromError(err), time.Since(start), 0)
	return err
}

// GetFileInfo forwards when the wrapped delegate maintains an index.
func (in *Instrumented) GetFileInfo(key string) *cachefs.FileInfo {
	if ix, ok := in.inner.(Indexed); ok {
		return ix.GetFileInfo(key)
	}
	return nil
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

var _ Delegate = (*Instrumented)(nil)
