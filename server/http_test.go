package server

import (
	"bytes"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachefs/cachefs/delegate"
	"github.com/cachefs/cachefs/manager"
)

func newTestServer(t *testing.T, opts ...func(*Config)) *Server {
	t.Helper()

	cfg := Config{
		Manager: manager.New(delegate.NewMemory()),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func doRequest(t *testing.T, s *Server, method, path, contentType string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, body)
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func TestObjectLifecycle(t *testing.T) {
	s := newTestServer(t)

	// Create
	w := doRequest(t, s, http.MethodPut, "/data/x", "text/plain", strings.NewReader("asdfasdf"))
	require.Equal(t, http.StatusCreated, w.Code)
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)
	require.NotEmpty(t, w.Header().Get("Last-Modified"))

	// Read back
	w = doRequest(t, s, http.MethodGet, "/data/x", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "asdfasdf", w.Body.String())
	require.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	require.Equal(t, etag, w.Header().Get("ETag"))

	// Conditional read with the returned ETag
	r := httptest.NewRequest(http.MethodGet, "/data/x", nil)
	r.Header.Set("If-None-Match", etag)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)
	require.Equal(t, http.StatusNotModified, rec.Code)
	require.Empty(t, rec.Body.String())

	// Metadata only
	w = doRequest(t, s, http.MethodHead, "/data/x", "", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, etag, w.Header().Get("ETag"))

	// Delete, then the key is gone
	w = doRequest(t, s, http.MethodDelete, "/data/x", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodGet, "/data/x", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, s, http.MethodDelete, "/data/x", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPutReplaceReturns200(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPut, "/data/x", "text/plain", strings.NewReader("one"))
	require.Equal(t, http.StatusCreated, w.Code)
	first := w.Header().Get("ETag")

	w = doRequest(t, s, http.MethodPut, "/data/x", "text/plain", strings.NewReader("two"))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEqual(t, first, w.Header().Get("ETag"))

	w = doRequest(t, s, http.MethodGet, "/data/x", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "two", w.Body.String())
}

func TestRangeRequest(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPut, "/data/digits", "text/plain", strings.NewReader("0123456789"))
	require.Equal(t, http.StatusCreated, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/data/digits", nil)
	r.Header.Set("Range", "bytes=2-5")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "2345", rec.Body.String())
	require.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))
}

func TestNestedKeys(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPut, "/data/a/b/c.txt", "text/plain", strings.NewReader("nested"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(t, s, http.MethodGet, "/data/a/b/c.txt", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "nested", w.Body.String())
}

func TestMultipartUpload(t *testing.T) {
	s := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("a.txt", "a.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("alpha"))
	require.NoError(t, err)

	part, err = mw.CreateFormFile("b.txt", "b.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("bravo"))
	require.NoError(t, err)

	require.NoError(t, mw.Close())

	w := doRequest(t, s, http.MethodPost, "/upload", mw.FormDataContentType(), &body)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(t, s, http.MethodGet, "/data/a.txt", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "alpha", w.Body.String())

	w = doRequest(t, s, http.MethodGet, "/data/b.txt", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "bravo", w.Body.String())
}

func TestMultipartUploadBadContentType(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/upload", "application/json", strings.NewReader("{}"))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReadOnlyRejectsMutations(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.ReadOnly = true
	})

	w := doRequest(t, s, http.MethodPut, "/data/x", "text/plain", strings.NewReader("nope"))
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(t, s, http.MethodDelete, "/data/x", "", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(t, s, http.MethodPost, "/upload", "multipart/form-data; boundary=x", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(t, s, http.MethodGet, "/data/x", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndStats(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = doRequest(t, s, http.MethodPut, "/data/x", "text/plain", strings.NewReader("asdfasdf"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(t, s, http.MethodGet, "/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"entries":1,"bytes":8}`, w.Body.String())
}
