package serve

import (
	"fmt"
	"io"
	"net/http"

	cachefs "github.com/cachefs/cachefs"
	"github.com/cachefs/cachefs/delegate"
)

// Options controls how File responds.
type Options struct {
	// HeadOnly serves metadata headers with a 204 and no body.
	HeadOnly bool
	// IgnoreCaching skips the conditional-request check, forcing a full
	// response even when the client's copy is current.
	IgnoreCaching bool
}

// File serves the committed object described by info over HTTP. It sets the
// validation headers, answers conditional requests with 304, honors
// single-range Range headers with a 206, and otherwise streams the full
// body with a 200.
//
// Returns the number of body bytes written so the caller can record it.
func File(w http.ResponseWriter, r *http.Request, d delegate.Delegate, info *cachefs.FileInfo, opts Options) (int64, error) {
	header := w.Header()
	if info.ETag != "" {
		header.Set("ETag", fmt.Sprintf("%q", info.ETag))
	}
	if !info.LastModified.IsZero() {
		header.Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}
	if info.ContentType != "" {
		header.Set("Content-Type", info.ContentType)
	}
	header.Set("Accept-Ranges", "bytes")

	if !opts.IgnoreCaching && NotModified(r, info) {
		w.WriteHeader(http.StatusNotModified)
		return 0, nil
	}

	// Serving only headers: a 204 explicitly avoids touching the body.
	if opts.HeadOnly {
		w.WriteHeader(http.StatusNoContent)
		return 0, nil
	}

	start, end := int64(0), int64(delegate.ToEnd)
	status := http.StatusOK
	length := info.Size

	if br, ok := ParseRange(r.Header.Get("Range")); ok {
		start, end = br.Resolve(info.Size)
		status = http.StatusPartialContent
		length = end - start
		if length > 0 {
			header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, info.Size))
		}
	}

	header.Set("Content-Length", fmt.Sprintf("%d", length))
	w.WriteHeader(status)

	if length == 0 {
		return 0, nil
	}

	rc, err := d.Open(r.Context(), info, start, end)
	if err != nil {
		return 0, fmt.Errorf("opening object %s: %w", info.Key, err)
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		return n, fmt.Errorf("streaming object %s: %w", info.Key, err)
	}
	return n, nil
}
