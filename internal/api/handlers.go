package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bobarin/memorial/internal/db"
	"github.com/bobarin/memorial/internal/models"
	"github.com/bobarin/memorial/internal/queue"
	"github.com/bobarin/memorial/internal/storage"
	"github.com/bobarin/memorial/internal/templates"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Enqueuer pushes job messages onto the render queue. *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg models.JobMessage, priority queue.Priority) (*queue.Delivery, error)
}

type HandlerOptions struct {
	Policy        queue.RetryPolicy
	PublicBaseURL string
	SignedURLTTL  time.Duration
}

type Handler struct {
	db        *db.DB
	queue     Enqueuer
	store     storage.ObjectStore
	templates *templates.Registry
	opts      HandlerOptions
	logger    *zap.Logger
	now       func() time.Time
}

func NewHandler(
	database *db.DB,
	q Enqueuer,
	store storage.ObjectStore,
	registry *templates.Registry,
	opts HandlerOptions,
	logger *zap.Logger,
) *Handler {
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = time.Hour
	}
	return &Handler{
		db:        database,
		queue:     q,
		store:     store,
		templates: registry,
		opts:      opts,
		logger:    logger.With(zap.String("component", "api")),
		now:       time.Now,
	}
}

// SubmitJob handles POST /v1/jobs. The order system calls it once payment
// clears. Resubmitting an existing job id returns the stored job without
// enqueueing it again.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var msg models.JobMessage

	// Parse and validate the payload
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := msg.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Reject unknown templates and library tracks now rather than on the worker
	if _, ok := h.templates.Profile(msg.TemplateID); !ok {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown template %q", msg.TemplateID))
		return
	}
	if msg.Music.Source == models.MusicSourceLibrary {
		if _, ok := h.templates.TrackPath(msg.Music.Ref); !ok {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown music track %q", msg.Music.Ref))
			return
		}
	}

	ctx := r.Context()
	created, err := h.db.CreateJob(ctx, msg.Job(h.now().UTC()))
	if err != nil {
		h.logger.Error("failed to create job", zap.String("job_id", msg.JobID.String()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}
	if !created {
		// Duplicate submission: report the stored state
		job, err := h.db.GetJob(ctx, msg.JobID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to get job")
			return
		}
		respondJSON(w, http.StatusOK, models.SubmitJobResponse{JobID: job.ID, Status: job.Status})
		return
	}

	// Queue under the tier's priority class
	priority := h.opts.Policy.PriorityOf(msg.Tier)
	if _, err := h.queue.Enqueue(ctx, msg, priority); err != nil {
		h.logger.Error("failed to enqueue job", zap.String("job_id", msg.JobID.String()), zap.Error(err))
		// Drop the row so the order system can resubmit.
		if err := h.db.DeleteJob(ctx, msg.JobID); err != nil {
			h.logger.Warn("failed to roll back job", zap.String("job_id", msg.JobID.String()), zap.Error(err))
		}
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	h.logger.Info("job submitted",
		zap.String("job_id", msg.JobID.String()),
		zap.String("tier", string(msg.Tier)),
		zap.String("priority", priority.String()),
	)
	respondJSON(w, http.StatusAccepted, models.SubmitJobResponse{JobID: msg.JobID, Status: models.JobStatusQueued})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	job, err := h.db.GetJob(r.Context(), jobID)
	if errors.Is(err, db.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	resp := models.JobStatusResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		Error:       job.FailureReason,
		OutputKey:   job.OutputKey,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}

	// Only expose the link while the token is still valid
	if job.Status == models.JobStatusCompleted {
		token, err := h.db.GetJobToken(r.Context(), job.ID)
		switch {
		case err == nil && !token.Expired(h.now()):
			url := h.downloadURL(token.Token)
			expires := token.ExpiresAt
			resp.DownloadURL = &url
			resp.ExpiresAt = &expires
		case err != nil && !errors.Is(err, db.ErrTokenNotFound):
			h.logger.Warn("failed to read download token", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// DeleteJob handles DELETE /v1/jobs/{id}. Deletion is advisory: a render in
// flight notices at publish time and discards its output.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	err = h.db.DeleteJob(r.Context(), jobID)
	if errors.Is(err, db.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to delete job")
		return
	}

	h.logger.Info("job deleted", zap.String("job_id", jobID.String()))
	w.WriteHeader(http.StatusNoContent)
}

// Download handles GET /download/{token}. Token expiry is checked before the
// artifact, so an expired link reads "link expired" even after retention
// removed the file.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tokenValue := chi.URLParam(r, "token")

	// Resolve the token
	token, err := h.db.GetToken(ctx, tokenValue)
	if errors.Is(err, db.ErrTokenNotFound) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to resolve download link")
		return
	}
	if token.Expired(h.now()) {
		respondError(w, http.StatusGone, "link expired")
		return
	}

	// The token must point at a completed job with an artifact
	job, err := h.db.GetJob(ctx, token.JobID)
	if errors.Is(err, db.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to resolve download link")
		return
	}
	if job.Status != models.JobStatusCompleted || job.OutputKey == nil {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	// Retention may have removed the file
	exists, err := h.store.Exists(ctx, *job.OutputKey)
	if err != nil {
		h.logger.Error("failed to check artifact", zap.String("job_id", job.ID.String()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to resolve download link")
		return
	}
	if !exists {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	// Generate a short-lived signed URL
	signedURL, err := h.store.SignedURL(ctx, *job.OutputKey, h.opts.SignedURLTTL)
	if err != nil {
		h.logger.Error("failed to sign download URL", zap.String("job_id", job.ID.String()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
		return
	}

	// Access counting is best-effort
	if err := h.db.RecordTokenAccess(ctx, token.Token); err != nil {
		h.logger.Warn("failed to record download", zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	http.Redirect(w, r, signedURL, http.StatusFound)
}

// ListTemplates handles GET /v1/templates
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{"templates": h.templates.IDs()})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) downloadURL(token string) string {
	return fmt.Sprintf("%s/download/%s", h.opts.PublicBaseURL, token)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
