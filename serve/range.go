// Package serve implements the HTTP serving protocol for cached objects:
// conditional requests, byte ranges, and the upload lifecycle.
package serve

import (
	"strconv"
	"strings"

	"github.com/cachefs/cachefs/delegate"
)

// ByteRange is a parsed Range header before resolution against an object
// size. Start < 0 means a suffix range of the last -Start bytes. End is
// exclusive; delegate.ToEnd means read to the end of the object.
type ByteRange struct {
	Start int64
	End   int64
}

// ParseRange parses a single-range bytes Range header. It returns false for
// an empty, malformed, or multi-range header, in which case the caller
// should serve the full object.
func ParseRange(header string) (ByteRange, bool) {
	value, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(value, ",") {
		return ByteRange{}, false
	}

	first, last, ok := strings.Cut(strings.TrimSpace(value), "-")
	if !ok {
		return ByteRange{}, false
	}

	// Suffix form: bytes=-N
	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, false
		}
		return ByteRange{Start: -n, End: delegate.ToEnd}, true
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, false
	}

	// Open-ended form: bytes=A-
	if last == "" {
		return ByteRange{Start: start, End: delegate.ToEnd}, true
	}

	// Inclusive form: bytes=A-B maps to the half-open [A, B+1).
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return ByteRange{}, false
	}
	return ByteRange{Start: start, End: end + 1}, true
}

// Resolve maps the range onto an object of the given size, returning
// absolute half-open offsets. Out-of-bounds ranges are truncated rather
// than rejected, so the result may be empty.
func (br ByteRange) Resolve(size int64) (start, end int64) {
	start = br.Start
	if start < 0 {
		start = size + start
		if start < 0 {
			start = 0
		}
	}
	end = br.End
	if end == delegate.ToEnd || end > size {
		end = size
	}
	if start > end {
		start = end
	}
	return start, end
}
