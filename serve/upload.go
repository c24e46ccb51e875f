package serve

import (
	"context"
	"errors"
	"fmt"

	cachefs "github.com/cachefs/cachefs"
	"github.com/cachefs/cachefs/delegate"
)

// ErrUploadFailed marks an upload whose write path errored; the body was
// drained but the object will not be committed.
var ErrUploadFailed = errors.New("upload failed")

// Upload scopes one write lifecycle against a delegate. A successful path
// calls Commit; every other path must call Close, which aborts the write
// and reclaims its staged bytes. Close after Commit is a no-op, so callers
// can unconditionally defer it.
type Upload struct {
	ctx      context.Context // request-scoped; Upload lives within one request
	d        delegate.Delegate
	h        *delegate.WriteHandle
	err      error
	finished bool
}

// StartUpload opens a write for key through the delegate. The context must
// cover the whole upload; Write reuses it to satisfy io.Writer.
func StartUpload(ctx context.Context, d delegate.Delegate, key, contentType string) (*Upload, error) {
	h, err := d.StartWrite(ctx, key, contentType)
	if err != nil {
		return nil, fmt.Errorf("starting upload for %s: %w", key, err)
	}
	return &Upload{ctx: ctx, d: d, h: h}, nil
}

// Write appends body bytes. After the first failure the upload keeps
// accepting (and dropping) data so the request body can be drained, and
// Commit reports the recorded error.
func (u *Upload) Write(p []byte) (int, error) {
	if u.err != nil || u.finished {
		return len(p), nil
	}
	if err := u.d.Write(u.ctx, u.h, p); err != nil {
		u.err = fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	return len(p), nil
}

// Err returns the recorded write error, if any.
func (u *Upload) Err() error {
	return u.err
}

// Commit finishes the write and publishes the object.
func (u *Upload) Commit(ctx context.Context) (*cachefs.FileInfo, error) {
	if u.err != nil {
		return nil, u.err
	}
	if u.finished {
		return nil, fmt.Errorf("upload for %s already finished", u.h.Key())
	}
	info, err := u.d.FinishWrite(ctx, u.h)
	if err != nil {
		return nil, fmt.Errorf("committing upload for %s: %w", u.h.Key(), err)
	}
	u.finished = true
	return info, nil
}

// Close aborts the upload unless it was committed, discarding any staged
// bytes so a failed or abandoned request leaves no trace.
func (u *Upload) Close(ctx context.Context) error {
	if u.finished {
		return nil
	}
	u.finished = true
	if err := u.d.Abort(ctx, u.h); err != nil && !errors.Is(err, delegate.ErrNoHandle) {
		return fmt.Errorf("aborting upload for %s: %w", u.h.Key(), err)
	}
	return nil
}
