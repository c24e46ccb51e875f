package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"

	cachefs "github.com/cachefs/cachefs"
	"github.com/cachefs/cachefs/delegate"
	"github.com/cachefs/cachefs/multipart"
	"github.com/cachefs/cachefs/serve"
	"github.com/cachefs/cachefs/telemetry"
)

const defaultContentType = "application/octet-stream"

// sendStatus writes a JSON status body alongside the HTTP status code.
func sendStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status_code": status,
		"message":     message,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.serveObject(w, r, false)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	s.serveObject(w, r, true)
}

func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, headOnly bool) {
	telemetry.SetEndpoint(r, "data")

	key := r.PathValue("key")
	if key == "" {
		sendStatus(w, http.StatusBadRequest, "Missing object key!")
		return
	}

	info := s.mgr.GetFileInfo(key)
	if info == nil {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		sendStatus(w, http.StatusNotFound, "File not found!")
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)
	s.mgr.Touch(key)

	if _, err := serve.File(w, r, s.mgr.Delegate(), info, serve.Options{HeadOnly: headOnly}); err != nil {
		// Headers are already on the wire; all we can do is log.
		s.logger.Error("failed to serve object", "key", key, "error", err)
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "data")

	if s.readOnly {
		sendStatus(w, http.StatusForbidden, "Cache is read-only!")
		return
	}

	key := r.PathValue("key")
	if key == "" {
		sendStatus(w, http.StatusBadRequest, "Missing object key!")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}

	ctx := r.Context()
	u, err := serve.StartUpload(ctx, s.mgr.Delegate(), key, contentType)
	if err != nil {
		if errors.Is(err, delegate.ErrReadOnly) {
			sendStatus(w, http.StatusForbidden, "Cache is read-only!")
			return
		}
		s.logger.Error("failed to start upload", "key", key, "error", err)
		sendStatus(w, http.StatusInternalServerError, "Internal server error!")
		return
	}
	defer func() {
		if err := u.Close(ctx); err != nil {
			s.logger.Warn("failed to roll back upload", "key", key, "error", err)
		}
	}()

	if _, err := io.Copy(u, r.Body); err != nil {
		sendStatus(w, http.StatusBadRequest, "Invalid file upload!")
		return
	}
	if u.Err() != nil {
		s.logger.Error("upload write failed", "key", key, "error", u.Err())
		sendStatus(w, http.StatusInternalServerError, "Internal server error!")
		return
	}

	info, err := u.Commit(ctx)
	if err != nil {
		s.logger.Error("failed to commit upload", "key", key, "error", err)
		sendStatus(w, http.StatusInternalServerError, "Internal server error!")
		return
	}
	telemetry.RecordUpload(ctx, info.Size)

	status := http.StatusCreated
	if prior := s.mgr.SetFileInfo(key, info); prior != nil {
		status = http.StatusOK
		s.reclaim(ctx, prior)
	}

	w.Header().Set("ETag", fmt.Sprintf("%q", info.ETag))
	w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	sendStatus(w, status, "Success")
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "data")

	if s.readOnly {
		sendStatus(w, http.StatusForbidden, "Cache is read-only!")
		return
	}

	key := r.PathValue("key")
	if key == "" {
		sendStatus(w, http.StatusBadRequest, "Missing object key!")
		return
	}

	info, err := s.mgr.Remove(r.Context(), key)
	if info == nil && err == nil {
		sendStatus(w, http.StatusNotFound, "File not found!")
		return
	}
	if err != nil {
		if errors.Is(err, delegate.ErrReadOnly) {
			sendStatus(w, http.StatusForbidden, "Cache is read-only!")
			return
		}
		s.logger.Error("failed to remove object", "key", key, "error", err)
		sendStatus(w, http.StatusInternalServerError, "Internal server error!")
		return
	}
	sendStatus(w, http.StatusOK, "Success")
}

// handleUpload ingests a multipart/form-data body, storing each part as an
// object keyed by its part name.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "upload")

	if s.readOnly {
		sendStatus(w, http.StatusForbidden, "Cache is read-only!")
		return
	}

	sink := &uploadSink{server: s}
	parser, err := multipart.NewParserForContentType(sink, r.Header.Get("Content-Type"))
	if err != nil {
		sendStatus(w, http.StatusBadRequest, "Invalid multipart request!")
		return
	}

	ctx := r.Context()
	defer sink.rollback(ctx)

	buf := make([]byte, 32*1024)
	for {
		n, readErr := r.Body.Read(buf)
		if n > 0 {
			if err := parser.DataReceived(ctx, buf[:n]); err != nil {
				s.logger.Error("multipart parse failed", "error", err)
				sendStatus(w, http.StatusBadRequest, "Invalid file upload!")
				return
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			sendStatus(w, http.StatusBadRequest, "Invalid file upload!")
			return
		}
	}

	if !parser.Done() || len(sink.stored) == 0 {
		sendStatus(w, http.StatusBadRequest, "Incomplete multipart payload!")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status_code": http.StatusCreated,
		"files":       sink.stored,
	})
}

// uploadSink commits each multipart part as an object. Parts that error are
// rolled back; rollback after the response handles any part left open by a
// truncated payload.
type uploadSink struct {
	server  *Server
	current *serve.Upload
	name    string
	stored  []string
}

func (us *uploadSink) StartFile(ctx context.Context, name string, header textproto.MIMEHeader) error {
	if name == "" {
		return errors.New("part is missing a name")
	}
	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}

	u, err := serve.StartUpload(ctx, us.server.mgr.Delegate(), name, contentType)
	if err != nil {
		return err
	}
	us.current = u
	us.name = name
	return nil
}

func (us *uploadSink) FileData(ctx context.Context, name string, p []byte) error {
	if us.current == nil {
		return errors.New("part data before part start")
	}
	_, _ = us.current.Write(p)
	return us.current.Err()
}

func (us *uploadSink) FinishFile(ctx context.Context, name string) error {
	if us.current == nil {
		return errors.New("part finish before part start")
	}
	info, err := us.current.Commit(ctx)
	if err != nil {
		return err
	}
	us.current = nil

	telemetry.RecordUpload(ctx, info.Size)
	if prior := us.server.mgr.SetFileInfo(name, info); prior != nil {
		us.server.reclaim(ctx, prior)
	}
	us.stored = append(us.stored, name)
	return nil
}

// rollback aborts the in-flight part, if any.
func (us *uploadSink) rollback(ctx context.Context) {
	if us.current == nil {
		return
	}
	if err := us.current.Close(ctx); err != nil {
		us.server.logger.Warn("failed to roll back upload part", "name", us.name, "error", err)
	}
	us.current = nil
}

// reclaim removes the storage behind a replaced snapshot.
func (s *Server) reclaim(ctx context.Context, prior *cachefs.FileInfo) {
	if err := s.mgr.Delegate().Remove(ctx, prior); err != nil {
		s.logger.Warn("failed to remove replaced object",
			"key", prior.Key,
			"internal_key", prior.InternalKey,
			"error", err,
		)
	}
}
