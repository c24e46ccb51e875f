package serve

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cachefs "github.com/cachefs/cachefs"
)

func conditionalRequest(t *testing.T, headers map[string]string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/data/x", nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestNotModified(t *testing.T) {
	modified := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	info := &cachefs.FileInfo{
		Key:          "x",
		ETag:         "abc123",
		LastModified: modified,
	}

	httpDate := func(t time.Time) string { return t.UTC().Format(http.TimeFormat) }

	tests := []struct {
		name    string
		info    *cachefs.FileInfo
		headers map[string]string
		want    bool
	}{
		{
			name:    "matching etag",
			info:    info,
			headers: map[string]string{"If-None-Match": `"abc123"`},
			want:    true,
		},
		{
			name:    "matching etag among list",
			info:    info,
			headers: map[string]string{"If-None-Match": `"zzz", "abc123"`},
			want:    true,
		},
		{
			name:    "mismatching etag",
			info:    info,
			headers: map[string]string{"If-None-Match": `"zzz"`},
			want:    false,
		},
		{
			name: "etag mismatch overrides modified-since match",
			info: info,
			headers: map[string]string{
				"If-None-Match":     `"zzz"`,
				"If-Modified-Since": httpDate(modified.Add(time.Hour)),
			},
			want: false,
		},
		{
			name: "etag match overrides stale modified-since",
			info: info,
			headers: map[string]string{
				"If-None-Match":     `"abc123"`,
				"If-Modified-Since": httpDate(modified.Add(-time.Hour)),
			},
			want: true,
		},
		{
			name:    "modified-since at last modified",
			info:    info,
			headers: map[string]string{"If-Modified-Since": httpDate(modified)},
			want:    true,
		},
		{
			name:    "modified-since after last modified",
			info:    info,
			headers: map[string]string{"If-Modified-Since": httpDate(modified.Add(time.Hour))},
			want:    true,
		},
		{
			name:    "modified-since before last modified",
			info:    info,
			headers: map[string]string{"If-Modified-Since": httpDate(modified.Add(-time.Hour))},
			want:    false,
		},
		{
			name:    "unparseable modified-since",
			info:    info,
			headers: map[string]string{"If-Modified-Since": "not a date"},
			want:    false,
		},
		{
			name:    "no conditional headers",
			info:    info,
			headers: nil,
			want:    false,
		},
		{
			name: "no etag falls back to modified-since",
			info: &cachefs.FileInfo{Key: "x", LastModified: modified},
			headers: map[string]string{
				"If-None-Match":     `"abc123"`,
				"If-Modified-Since": httpDate(modified),
			},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := conditionalRequest(t, tt.headers)
			require.Equal(t, tt.want, NotModified(r, tt.info))
		})
	}
}
