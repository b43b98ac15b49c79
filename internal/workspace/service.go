// Package workspace serves researcher workspaces over HTTP: file editing,
// static validation and run submission.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/model"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/ratelimit"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/scanner"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/store"
)

// Workspace bounds.
const (
	MaxFiles     = 200
	MaxFileBytes = 1 << 20
)

var (
	ErrTooManyFiles = errors.New("workspace: too many files")
	ErrFileTooLarge = errors.New("workspace: file too large")
	ErrUnsafePath   = errors.New("workspace: unsafe file path")
	ErrFileNotFound = errors.New("workspace: file not found")
)

// Store is the persistence the service needs.
type Store interface {
	store.WorkspaceStore
	store.RunStore
}

// Submitter starts runs. *run.Orchestrator implements it.
type Submitter interface {
	Submit(ctx context.Context, workspaceID string) (*model.RunRecord, error)
}

// Service handles workspace and run endpoints.
type Service struct {
	store    Store
	scanner  *scanner.Scanner
	runs     Submitter
	runLimit *ratelimit.KeyedLimiter // optional, keyed by workspace
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates the workspace service. runLimit may be nil.
func NewService(st Store, sc *scanner.Scanner, runs Submitter, runLimit *ratelimit.KeyedLimiter, logger *slog.Logger) *Service {
	if sc == nil {
		sc = scanner.New(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, scanner: sc, runs: runs, runLimit: runLimit, logger: logger, now: time.Now}
}

// Routes mounts the workspace API on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/workspaces", s.CreateWorkspace)
	r.Route("/workspaces/{workspaceID}", func(r chi.Router) {
		r.Get("/", s.GetWorkspace)
		r.Get("/files", s.ListFiles)
		r.Get("/files/*", s.GetFile)
		r.Put("/files/*", s.PutFile)
		r.Delete("/files/*", s.DeleteFile)
		r.Post("/validate", s.Validate)
		r.Get("/runs", s.ListRuns)
		r.Get("/runs/{runID}", s.GetWorkspaceRun)

		submit := http.HandlerFunc(s.SubmitRun)
		if s.runLimit != nil {
			r.With(s.runLimit.Middleware(func(r *http.Request) string {
				return chi.URLParam(r, "workspaceID")
			})).Post("/runs", submit)
		} else {
			r.Post("/runs", submit)
		}
	})
	r.Get("/runs/{runID}", s.GetRun)
}

// CreateWorkspaceRequest is the JSON body for POST /workspaces.
type CreateWorkspaceRequest struct {
	OwnerID string            `json:"owner_id"`
	Files   map[string]string `json:"files"`
}

// PutFileRequest is the JSON body for PUT /workspaces/{id}/files/{path}.
type PutFileRequest struct {
	Content string `json:"content"`
}

// FileInfo describes one file without its content.
type FileInfo struct {
	Path string `json:"path"`
	Size int    `json:"size"`
}

// ValidateResponse is the body of POST /validate.
type ValidateResponse struct {
	Safe       bool     `json:"safe"`
	Violations []string `json:"violations"`
	CodeHash   string   `json:"code_hash"`
}

// checkFiles enforces path safety and size bounds.
func checkFiles(files map[string]string) error {
	if len(files) > MaxFiles {
		return fmt.Errorf("%w: %d (max %d)", ErrTooManyFiles, len(files), MaxFiles)
	}
	for p, content := range files {
		if !scanner.SafePath(p) {
			return fmt.Errorf("%w: %q", ErrUnsafePath, p)
		}
		if len(content) > MaxFileBytes {
			return fmt.Errorf("%w: %s is %d bytes (max %d)", ErrFileTooLarge, p, len(content), MaxFileBytes)
		}
	}
	return nil
}

// CreateWorkspace handles POST /api/v1/workspaces
func (s *Service) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		writeError(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	if req.Files == nil {
		req.Files = map[string]string{}
	}
	if err := checkFiles(req.Files); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := s.now().UTC()
	ws := &model.Workspace{
		ID:         uuid.New().String(),
		OwnerID:    req.OwnerID,
		Files:      req.Files,
		SnapshotID: model.HashFiles(req.Files),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateWorkspace(r.Context(), ws); err != nil {
		writeStoreError(w, err, "workspace")
		return
	}
	s.logger.Info("workspace created", "id", ws.ID, "owner", ws.OwnerID, "files", len(ws.Files))
	writeJSON(w, http.StatusCreated, ws)
}

// GetWorkspace handles GET /api/v1/workspaces/{workspaceID}
func (s *Service) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.GetWorkspace(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeStoreError(w, err, "workspace")
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// ListFiles handles GET /api/v1/workspaces/{workspaceID}/files
func (s *Service) ListFiles(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.GetWorkspace(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeStoreError(w, err, "workspace")
		return
	}
	files := make([]FileInfo, 0, len(ws.Files))
	for p, content := range ws.Files {
		files = append(files, FileInfo{Path: p, Size: len(content)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	writeJSON(w, http.StatusOK, map[string]any{"workspace_id": ws.ID, "snapshot_id": ws.SnapshotID, "files": files})
}

// GetFile handles GET /api/v1/workspaces/{workspaceID}/files/{path}
func (s *Service) GetFile(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.GetWorkspace(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeStoreError(w, err, "workspace")
		return
	}
	p := filePath(r)
	content, ok := ws.Files[p]
	if !ok {
		writeError(w, "file not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": p, "content": content})
}

// PutFile handles PUT /api/v1/workspaces/{workspaceID}/files/{path}
func (s *Service) PutFile(w http.ResponseWriter, r *http.Request) {
	var req PutFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p := filePath(r)
	if err := checkFiles(map[string]string{p: req.Content}); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := s.store.UpdateWorkspaceFiles(r.Context(), chi.URLParam(r, "workspaceID"), func(files map[string]string) error {
		if _, exists := files[p]; !exists && len(files) >= MaxFiles {
			return fmt.Errorf("%w: max %d", ErrTooManyFiles, MaxFiles)
		}
		files[p] = req.Content
		return nil
	}, s.now())
	if err != nil {
		writeStoreError(w, err, "workspace")
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// DeleteFile handles DELETE /api/v1/workspaces/{workspaceID}/files/{path}
func (s *Service) DeleteFile(w http.ResponseWriter, r *http.Request) {
	p := filePath(r)
	ws, err := s.store.UpdateWorkspaceFiles(r.Context(), chi.URLParam(r, "workspaceID"), func(files map[string]string) error {
		if _, ok := files[p]; !ok {
			return ErrFileNotFound
		}
		delete(files, p)
		return nil
	}, s.now())
	if err != nil {
		writeStoreError(w, err, "workspace")
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// Validate handles POST /api/v1/workspaces/{workspaceID}/validate
// It runs the static scan only.
func (s *Service) Validate(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.GetWorkspace(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeStoreError(w, err, "workspace")
		return
	}
	res := s.scanner.ValidateWorkspace(ws.Files)
	writeJSON(w, http.StatusOK, ValidateResponse{Safe: res.Safe, Violations: res.Violations, CodeHash: model.HashFiles(ws.Files)})
}

// SubmitRun handles POST /api/v1/workspaces/{workspaceID}/runs
// A run rejected by the static check is recorded and answered with 400.
func (s *Service) SubmitRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.runs.Submit(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeStoreError(w, err, "workspace")
		return
	}
	if rec.Status == model.RunFailedStaticCheck {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "Security check failed",
			"violations": rec.Violations,
			"run":        rec,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// ListRuns handles GET /api/v1/workspaces/{workspaceID}/runs (newest first).
func (s *Service) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "workspaceID")
	if _, err := s.store.GetWorkspace(ctx, id); err != nil {
		writeStoreError(w, err, "workspace")
		return
	}
	runs, err := s.store.ListRunsByWorkspace(ctx, id)
	if err != nil {
		writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspace_id": id, "runs": runs})
}

// GetWorkspaceRun handles GET /api/v1/workspaces/{workspaceID}/runs/{runID}
func (s *Service) GetWorkspaceRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil || rec.WorkspaceID != chi.URLParam(r, "workspaceID") {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetRun handles GET /api/v1/runs/{runID}
func (s *Service) GetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err, "run")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func filePath(r *http.Request) string {
	return strings.TrimPrefix(chi.URLParam(r, "*"), "/")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeStoreError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, what+" not found", http.StatusNotFound)
	case errors.Is(err, ErrFileNotFound):
		writeError(w, "file not found", http.StatusNotFound)
	case errors.Is(err, ErrTooManyFiles):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, store.ErrConflict):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
