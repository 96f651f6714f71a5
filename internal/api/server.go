// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/projectd/internal/events"
	"github.com/fruitsalade/projectd/internal/logging"
	"github.com/fruitsalade/projectd/internal/metrics"
	"github.com/fruitsalade/projectd/internal/registry"
)

// maxFieldSize bounds non-file multipart fields and JSON bodies.
const maxFieldSize = 64 << 10

// Server is the HTTP server.
type Server struct {
	registry      *registry.Registry
	notifier      *events.Notifier
	uploadDir     string
	maxUploadSize int64
}

// NewServer creates a new server. Uploads are staged in uploadDir before
// being handed to the registry.
func NewServer(reg *registry.Registry, notifier *events.Notifier, uploadDir string, maxUploadSize int64) *Server {
	return &Server{
		registry:      reg,
		notifier:      notifier,
		uploadDir:     uploadDir,
		maxUploadSize: maxUploadSize,
	}
}

// Handler returns the routed handler wrapped in logging and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /heartbeat", s.handleHeartbeat)

	mux.HandleFunc("GET /projects", s.handleGetProjects)
	mux.HandleFunc("GET /project", s.handleGetProject)
	mux.HandleFunc("POST /project", s.handleCreateProject)
	mux.HandleFunc("DELETE /project", s.handleDeleteProject)
	mux.HandleFunc("POST /project/rename", s.handleRenameProject)
	mux.HandleFunc("POST /project/reload", s.handleReloadProject)
	mux.HandleFunc("GET /project/verify", s.handleVerifyProject)

	mux.HandleFunc("PUT /project/file", s.handleUploadFile)
	mux.HandleFunc("DELETE /project/file", s.handleDeleteFile)
	mux.HandleFunc("POST /project/file/rename", s.handleRenameFile)

	mux.HandleFunc("GET /event/projects", s.handleProjectsEvents)
	mux.HandleFunc("GET /event/project", s.handleProjectEvents)

	// Metrics sits inside logging so it sees the request the mux annotates
	// with its route pattern.
	return logging.Middleware(metrics.Middleware(mux))
}

// ─── Heartbeat ──────────────────────────────────────────────────────────────

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HeartbeatResponse{Status: "ok"})
}

// ─── Projects ───────────────────────────────────────────────────────────────

func (s *Server) handleGetProjects(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.registry.GetProjects(r.Context()))
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.registry.GetProject(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		s.sendRegistryError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, project)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.registry.CreateProject(r.Context(), req.Name, req.Description); err != nil {
		s.sendRegistryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.registry.DeactivateProject(r.Context(), req.ID); err != nil {
		s.sendRegistryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameProject(w http.ResponseWriter, r *http.Request) {
	var req RenameProjectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.registry.RenameProject(r.Context(), req.ID, req.Rename); err != nil {
		s.sendRegistryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReloadProject(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if !s.decode(w, r, &req) {
		return
	}
	project, err := s.registry.ReloadProject(r.Context(), req.ID)
	if err != nil {
		s.sendRegistryError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, project)
}

func (s *Server) handleVerifyProject(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Verify(r.Context(), r.URL.Query().Get("id")); err != nil {
		s.sendRegistryError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, HeartbeatResponse{Status: "ok"})
}

// ─── Files ──────────────────────────────────────────────────────────────────

// handleUploadFile streams the multipart "file" part into the upload
// directory, then asks the registry to move it into the project.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	mr, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "multipart body required: "+err.Error())
		return
	}

	var project, fileName, staged string
	defer func() {
		// The registry consumes the staged file on success.
		if staged != "" {
			os.Remove(staged)
		}
	}()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.sendUploadError(w, err)
			return
		}
		switch part.FormName() {
		case FieldProject:
			value, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
			if err != nil {
				s.sendUploadError(w, err)
				return
			}
			project = string(value)
		case FieldFile:
			if staged != "" {
				s.sendError(w, http.StatusBadRequest, "only one file per request")
				return
			}
			fileName = part.FileName()
			staged, err = s.stage(part)
			if err != nil {
				s.sendUploadError(w, err)
				return
			}
		}
		part.Close()
	}

	if project == "" || staged == "" || fileName == "" {
		s.sendError(w, http.StatusBadRequest, "fields 'project' and 'file' are required")
		return
	}

	if err := s.registry.UploadFile(r.Context(), project, staged, fileName); err != nil {
		s.sendRegistryError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) stage(src io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.uploadDir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (s *Server) sendUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
		return
	}
	logging.Error("upload staging failed", zap.Error(err))
	s.sendError(w, http.StatusInternalServerError, "failed to read upload")
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	var req DeleteFileRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.registry.DeleteFile(r.Context(), req.ID, req.Path); err != nil {
		s.sendRegistryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	var req RenameFileRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.registry.RenameFile(r.Context(), req.ID, req.Path, req.Repath); err != nil {
		s.sendRegistryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func startStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func writeData(w http.ResponseWriter, flusher http.Flusher, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleProjectsEvents streams the project listing, once on connect and
// again whenever it changes.
func (s *Server) handleProjectsEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := s.notifier.Subscribe(events.TopicProjects)
	defer s.notifier.Unsubscribe(ch)

	startStream(w)
	ctx := r.Context()
	if err := writeData(w, flusher, s.registry.GetProjects(ctx)); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if err := writeData(w, flusher, s.registry.GetProjects(ctx)); err != nil {
				return
			}
		}
	}
}

// handleProjectEvents streams one project's detail. The stream follows the
// project across renames and ends when it is deactivated.
func (s *Server) handleProjectEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := r.URL.Query().Get("id")
	ch := s.notifier.Subscribe(id)
	defer s.notifier.Unsubscribe(ch)

	ctx := r.Context()
	project, err := s.registry.GetProject(ctx, id)
	if err != nil {
		s.sendRegistryError(w, r, err)
		return
	}

	startStream(w)
	if err := writeData(w, flusher, project); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			project, err := s.registry.GetProject(ctx, ev.Topic)
			if err != nil {
				return
			}
			if err := writeData(w, flusher, project); err != nil {
				return
			}
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxFieldSize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps a registry error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyExists), errors.Is(err, registry.ErrStructuralConflict):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidName), errors.Is(err, registry.ErrInvalidPath):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) sendRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed", zap.Error(err))
	}
	s.sendError(w, code, strings.TrimSpace(err.Error()))
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
	})
}
