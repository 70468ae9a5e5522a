package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/gatepass/internal/models"
	"github.com/your-org/gatepass/internal/storage"
	"github.com/your-org/gatepass/pkg/dto"
)

const maxReprocessBatch = 200

type JobStore interface {
	GetPerson(ctx context.Context, id uuid.UUID) (*models.Person, error)
	CreateJob(ctx context.Context, j *models.ReconciliationJob) error
	MarkJobPublished(ctx context.Context, id uuid.UUID) error
	ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.ReconciliationJob, error)
	ListConflicts(ctx context.Context, limit int) ([]models.IdentityConflict, error)
	SaveFaceMatchSettings(ctx context.Context, st *models.FaceMatchSettings) error
}

type JobPublisher interface {
	PublishJob(ctx context.Context, job *models.ReconciliationJob) error
}

// MatchSettings is the live face-match configuration held by the engine.
type MatchSettings interface {
	Settings() models.FaceMatchSettings
	SetSettings(s models.FaceMatchSettings)
}

type AdminHandler struct {
	store    JobStore
	jobs     JobPublisher
	settings MatchSettings
}

func NewAdminHandler(store JobStore, jobs JobPublisher, settings MatchSettings) *AdminHandler {
	return &AdminHandler{store: store, jobs: jobs, settings: settings}
}

// Reprocess queues a forced reconciliation for each person, optionally
// rotating the card first. Persons that do not exist or have no card are
// reported as skipped.
func (h *AdminHandler) Reprocess(c *gin.Context) {
	var req dto.ReprocessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.PersonIDs) > maxReprocessBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many person_ids"})
		return
	}
	direction := models.Direction(req.Direction)
	if !direction.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be left, right or flip"})
		return
	}

	ctx := c.Request.Context()
	resp := dto.ReprocessResponse{Jobs: make([]dto.JobResponse, 0, len(req.PersonIDs))}
	for _, id := range req.PersonIDs {
		person, err := h.store.GetPerson(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			resp.Skipped = append(resp.Skipped, id)
			continue
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if person.CardPath == "" {
			resp.Skipped = append(resp.Skipped, id)
			continue
		}

		job := &models.ReconciliationJob{
			PersonID:    id,
			SourceImage: person.CardPath,
			Direction:   direction,
			Force:       true,
		}
		if err := h.store.CreateJob(ctx, job); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		// An unpublished job stays in the outbox for the relay.
		if err := h.jobs.PublishJob(ctx, job); err != nil {
			slog.Warn("publish reprocess job", "job_id", job.ID, "error", err)
		} else if err := h.store.MarkJobPublished(ctx, job.ID); err != nil {
			slog.Warn("mark job published", "job_id", job.ID, "error", err)
		}
		resp.Jobs = append(resp.Jobs, dto.NewJobResponse(job))
	}

	c.JSON(http.StatusAccepted, resp)
}

func (h *AdminHandler) ListJobs(c *gin.Context) {
	status := models.JobStatus(c.Query("status"))
	switch status {
	case "", models.JobStatusPending, models.JobStatusMerged, models.JobStatusExhausted,
		models.JobStatusConflict, models.JobStatusDiscarded:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	limit, ok := queryInt(c, "limit", defaultPageSize)
	if !ok {
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), status, min(limit, maxPageSize))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := make([]dto.JobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, dto.NewJobResponse(&jobs[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AdminHandler) ListConflicts(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultPageSize)
	if !ok {
		return
	}

	conflicts, err := h.store.ListConflicts(c.Request.Context(), min(limit, maxPageSize))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := make([]dto.ConflictResponse, 0, len(conflicts))
	for i := range conflicts {
		resp = append(resp, dto.NewConflictResponse(&conflicts[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AdminHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, settingsResponse(h.settings.Settings()))
}

// PutSettings persists the face-match switch and threshold and applies them
// to the running engine. Omitted fields keep their current value; the
// threshold is clamped to the supported range.
func (h *AdminHandler) PutSettings(c *gin.Context) {
	var req dto.FaceMatchSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	st := h.settings.Settings()
	if req.Enabled != nil {
		st.Enabled = *req.Enabled
	}
	if req.Threshold != nil {
		if *req.Threshold <= 0 || *req.Threshold > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "threshold must be in (0, 1]"})
			return
		}
		st.Threshold = models.ClampThreshold(*req.Threshold)
	}

	if err := h.store.SaveFaceMatchSettings(c.Request.Context(), &st); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.settings.SetSettings(st)
	slog.Info("face match settings updated", "enabled", st.Enabled, "threshold", st.Threshold)

	c.JSON(http.StatusOK, settingsResponse(h.settings.Settings()))
}

func settingsResponse(st models.FaceMatchSettings) dto.FaceMatchSettings {
	return dto.FaceMatchSettings{Enabled: &st.Enabled, Threshold: &st.Threshold}
}
