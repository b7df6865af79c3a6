// internal/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"

	"github-mirror/internal/model"
)

// Reader is the projection-read surface the API serves. The dashboard's own
// query layer lives elsewhere; this surface exists for sync triage.
type Reader interface {
	GetRepositoryByOwnerAndName(ctx context.Context, owner, name string) (model.Repository, error)
	GetSyncStatus(ctx context.Context, repoID int64) (model.SyncStatus, error)
	ListDeadLetters(ctx context.Context, repoID int64, limit int) ([]model.DeadLetter, error)
	ListOpenPullRequestTargets(ctx context.Context, repoID int64) ([]model.SyncTarget, error)
}

// Handler is the container for API dependencies.
type Handler struct {
	db     Reader
	logger *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(db Reader, logger *slog.Logger) http.Handler {
	h := &Handler{
		db:     db,
		logger: logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// API Routes
	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/repos/{owner}/{name}/status", h.getSyncStatus)
		r.Get("/repos/{owner}/{name}/dead-letters", h.getDeadLetters)
		r.Get("/repos/{owner}/{name}/sync-targets", h.getSyncTargets)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getSyncStatus reports projection row counts for a repository.
// GET /v1/repos/{owner}/{name}/status
func (h *Handler) getSyncStatus(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.lookupRepo(w, r)
	if !ok {
		return
	}

	status, err := h.db.GetSyncStatus(r.Context(), repo.ID)
	if err != nil {
		h.logger.Error("Failed to get sync status", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondWithJSON(w, http.StatusOK, status)
}

// getDeadLetters lists recent parse failures for triage.
// GET /v1/repos/{owner}/{name}/dead-letters?limit=N
func (h *Handler) getDeadLetters(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.lookupRepo(w, r)
	if !ok {
		return
	}

	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		limitStr = "50"
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > 500 {
		respondWithError(w, http.StatusBadRequest, "Invalid 'limit' parameter. Must be an integer between 1 and 500.")
		return
	}

	letters, err := h.db.ListDeadLetters(r.Context(), repo.ID, limit)
	if err != nil {
		h.logger.Error("Failed to list dead letters", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	out := make([]deadLetterResponse, 0, len(letters))
	for _, dl := range letters {
		out = append(out, deadLetterResponse{
			DeliveryID: dl.DeliveryID,
			Resource:   dl.Resource,
			Reason:     dl.Reason,
			Payload:    json.RawMessage(dl.PayloadJSON),
			CreatedAt:  dl.DBCreatedAt,
		})
	}
	respondWithJSON(w, http.StatusOK, out)
}

// getSyncTargets lists open pull requests awaiting their file sync.
// GET /v1/repos/{owner}/{name}/sync-targets
func (h *Handler) getSyncTargets(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.lookupRepo(w, r)
	if !ok {
		return
	}

	targets, err := h.db.ListOpenPullRequestTargets(r.Context(), repo.ID)
	if err != nil {
		h.logger.Error("Failed to list sync targets", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if targets == nil {
		targets = []model.SyncTarget{}
	}

	respondWithJSON(w, http.StatusOK, targets)
}

func (h *Handler) lookupRepo(w http.ResponseWriter, r *http.Request) (model.Repository, bool) {
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "name")

	repo, err := h.db.GetRepositoryByOwnerAndName(r.Context(), owner, name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondWithError(w, http.StatusNotFound, "Repository not found")
			return model.Repository{}, false
		}
		h.logger.Error("Failed to get repository", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return model.Repository{}, false
	}
	return repo, true
}

type deadLetterResponse struct {
	DeliveryID string          `json:"delivery_id"`
	Resource   string          `json:"resource"`
	Reason     string          `json:"reason"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
