package cachefs

import "time"

// FileInfo is an immutable metadata snapshot for one committed object.
// Updates never mutate a FileInfo in place; the index entry is replaced
// wholesale with a new snapshot.
type FileInfo struct {
	// Key is the external, caller-chosen identifier (e.g. a URL path).
	Key string `json:"key"`

	// InternalKey is the storage-layer handle, opaque to callers. It is
	// generated by the delegate on StartWrite and denotes where the bytes
	// actually live.
	InternalKey string `json:"internal_key"`

	// ContentType is the MIME type supplied by the uploader.
	ContentType string `json:"content_type"`

	// Size is the number of bytes committed under InternalKey.
	Size int64 `json:"size"`

	// ETag is the opaque validator for conditional requests. Unless the
	// caller supplied one, it is the hex BLAKE3 digest of the content.
	ETag string `json:"etag,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
	LastAccessed time.Time `json:"last_accessed"`
}

// WithLastAccessed returns a copy of the snapshot with an updated access
// time. The receiver is left untouched.
func (fi *FileInfo) WithLastAccessed(t time.Time) *FileInfo {
	cp := *fi
	cp.LastAccessed = t
	return &cp
}
