package serve

import (
	"net/http"
	"regexp"
	"time"

	cachefs "github.com/cachefs/cachefs"
)

// etagsPattern extracts quoted values from an If-None-Match list.
var etagsPattern = regexp.MustCompile(`"([^"]+)"`)

// NotModified reports whether the request's conditional headers show the
// client already holds the current object, so a 304 should be served.
//
// When the object has an ETag and the request carries If-None-Match, the
// ETag comparison alone decides; If-Modified-Since is only consulted when
// no ETag check applies.
func NotModified(r *http.Request, info *cachefs.FileInfo) bool {
	if info.ETag != "" {
		if raw := r.Header.Get("If-None-Match"); raw != "" {
			for _, m := range etagsPattern.FindAllStringSubmatch(raw, -1) {
				if m[1] == info.ETag {
					return true
				}
			}
			return false
		}
	}
	if !info.LastModified.IsZero() {
		if raw := r.Header.Get("If-Modified-Since"); raw != "" {
			since, err := http.ParseTime(raw)
			if err != nil {
				return false
			}
			// HTTP dates carry second resolution.
			return !info.LastModified.Truncate(time.Second).After(since)
		}
	}
	return false
}
