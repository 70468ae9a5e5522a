// Package reconcile fills a provisional person's identity from the card image.
//
// Delivery is at-least-once, so Process is idempotent: every write is a
// conditional update keyed on the placeholder national ID, and a job that
// already reached a terminal status is acknowledged without work.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/gatepass/internal/config"
	"github.com/your-org/gatepass/internal/models"
	"github.com/your-org/gatepass/internal/observability"
	"github.com/your-org/gatepass/internal/ocr"
	"github.com/your-org/gatepass/internal/queue"
	"github.com/your-org/gatepass/internal/storage"
	"github.com/your-org/gatepass/internal/vision"
)

type Store interface {
	GetPerson(ctx context.Context, id uuid.UUID) (*models.Person, error)
	GetPersonByNationalID(ctx context.Context, nationalID string) (*models.Person, error)
	ApplyReconciliation(ctx context.Context, id uuid.UUID, expectedNationalID, nationalID, fullName string) (*models.Person, error)
	FillName(ctx context.Context, id uuid.UUID, fullName string) (bool, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error)
	RecordJobAttempt(ctx context.Context, id uuid.UUID, lastError string) (int, error)
	FinishJob(ctx context.Context, id uuid.UUID, status models.JobStatus, lastError string) error
	CreateConflict(ctx context.Context, c *models.IdentityConflict) error
}

type ImageStore interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

type ChangeNotifier interface {
	Publish(ctx context.Context, personID uuid.UUID, kind models.ChangeKind) error
}

type Worker struct {
	store    Store
	images   ImageStore
	primary  ocr.Engine // may be nil when no cloud key is configured
	fallback ocr.Engine
	changes  ChangeNotifier

	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	ocrTimeout  time.Duration
}

func NewWorker(store Store, images ImageStore, primary, fallback ocr.Engine, changes ChangeNotifier, cfg config.ReconcileConfig) *Worker {
	return &Worker{
		store:       store,
		images:      images,
		primary:     primary,
		fallback:    fallback,
		changes:     changes,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
		ocrTimeout:  cfg.OCRTimeout,
	}
}

// Process runs one delivery of job. A nil return acknowledges the message;
// a *queue.RetryError asks for redelivery after a delay.
func (w *Worker) Process(ctx context.Context, job *models.ReconciliationJob) error {
	log := slog.With("job_id", job.ID, "person_id", job.PersonID)

	current, err := w.store.GetJob(ctx, job.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Info("job no longer exists")
		return nil
	case err != nil:
		return w.infraRetry(fmt.Errorf("load job: %w", err))
	case current.Status != models.JobStatusPending:
		log.Debug("job already finished", "status", current.Status)
		return nil
	}
	job = current

	person, err := w.store.GetPerson(ctx, job.PersonID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return w.finish(ctx, job, models.JobStatusDiscarded, "person deleted")
	case err != nil:
		return w.infraRetry(fmt.Errorf("load person: %w", err))
	}
	if person.HasResolvedNationalID() && !job.Force {
		return w.finish(ctx, job, models.JobStatusDiscarded, "national id already resolved")
	}

	data, err := w.images.GetObject(ctx, job.SourceImage)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return w.fail(ctx, job, fmt.Errorf("load card %s: %w", job.SourceImage, err))
	case err != nil:
		return w.infraRetry(fmt.Errorf("load card %s: %w", job.SourceImage, err))
	}
	card, err := orient(data, job.Direction)
	if err != nil {
		return w.fail(ctx, job, err)
	}

	name, nid, err := w.extract(ctx, card)
	if ctx.Err() != nil {
		// Shutting down: leave the attempt uncounted.
		return ctx.Err()
	}
	// A readable name is kept even when the national ID is not.
	named := false
	if name != "" {
		wrote, ferr := w.store.FillName(ctx, person.ID, name)
		if ferr != nil {
			log.Warn("fill name", "error", ferr)
		}
		named = wrote
	}
	if nid == "" {
		if named {
			w.notify(ctx, person.ID, models.ChangePersonEdited)
		}
		if err == nil {
			err = ocr.ErrNoNationalID
		}
		return w.fail(ctx, job, err)
	}

	if person.HasResolvedNationalID() {
		return w.applyForced(ctx, job, person, nid, card)
	}

	_, err = w.store.ApplyReconciliation(ctx, person.ID, person.NationalID, nid, name)
	switch {
	case errors.Is(err, storage.ErrStalePrecondition):
		if named {
			w.notify(ctx, person.ID, models.ChangePersonEdited)
		}
		return w.finish(ctx, job, models.JobStatusDiscarded, "person changed during reconciliation")
	case errors.Is(err, storage.ErrDuplicateNationalID):
		return w.conflict(ctx, job, person, nid)
	case err != nil:
		return w.infraRetry(fmt.Errorf("apply reconciliation: %w", err))
	}

	if err := w.finish(ctx, job, models.JobStatusMerged, ""); err != nil {
		return err
	}
	w.storeRotated(ctx, job, card)
	w.notify(ctx, person.ID, models.ChangePersonReconciled)
	log.Info("person reconciled")
	return nil
}

// applyForced handles a reprocess of a person whose national ID is already
// resolved. The ID is never replaced here; a different reading is surfaced.
func (w *Worker) applyForced(ctx context.Context, job *models.ReconciliationJob, person *models.Person, nid string, card []byte) error {
	if nid != person.NationalID {
		c := &models.IdentityConflict{
			PersonID:       person.ID,
			JobID:          job.ID,
			Field:          "national_id",
			CurrentValue:   person.NationalID,
			CandidateValue: nid,
		}
		return w.recordConflict(ctx, job, c)
	}

	if err := w.finish(ctx, job, models.JobStatusMerged, ""); err != nil {
		return err
	}
	w.storeRotated(ctx, job, card)
	w.notify(ctx, person.ID, models.ChangePersonReconciled)
	return nil
}

// conflict records that nid already belongs to another person.
func (w *Worker) conflict(ctx context.Context, job *models.ReconciliationJob, person *models.Person, nid string) error {
	c := &models.IdentityConflict{
		PersonID:       person.ID,
		JobID:          job.ID,
		Field:          "national_id",
		CurrentValue:   person.NationalID,
		CandidateValue: nid,
	}
	if other, err := w.store.GetPersonByNationalID(ctx, nid); err == nil {
		c.OtherPersonID = &other.ID
	}
	return w.recordConflict(ctx, job, c)
}

func (w *Worker) recordConflict(ctx context.Context, job *models.ReconciliationJob, c *models.IdentityConflict) error {
	if err := w.store.CreateConflict(ctx, c); err != nil {
		return w.infraRetry(fmt.Errorf("create conflict: %w", err))
	}
	if err := w.finish(ctx, job, models.JobStatusConflict, "national id conflict"); err != nil {
		return err
	}
	w.notify(ctx, c.PersonID, models.ChangeIdentityConflict)
	slog.Warn("identity conflict", "job_id", job.ID, "person_id", c.PersonID, "other_person_id", c.OtherPersonID)
	return nil
}

// extract runs the primary engine and, when it yields no valid national ID,
// the fallback for that field alone.
func (w *Worker) extract(ctx context.Context, card []byte) (name, nid string, err error) {
	var errs []error

	if w.primary != nil {
		res, perr := w.runEngine(ctx, w.primary, card)
		if perr != nil {
			errs = append(errs, perr)
		} else {
			name, nid = res.FullName, res.NationalID
		}
	}

	if nid == "" && w.fallback != nil {
		res, ferr := w.runEngine(ctx, w.fallback, card)
		if ferr != nil {
			errs = append(errs, ferr)
		} else {
			nid = res.NationalID
		}
	}

	return name, nid, errors.Join(errs...)
}

func (w *Worker) runEngine(ctx context.Context, engine ocr.Engine, card []byte) (*ocr.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, w.ocrTimeout)
	defer cancel()
	res, err := engine.Extract(ctx, card)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", engine.Name(), err)
	}
	return res, nil
}

// orient applies the requested rotation to the card capture.
func orient(data []byte, dir models.Direction) ([]byte, error) {
	if dir == models.DirectionNone {
		return data, nil
	}
	img, err := vision.Decode(data)
	if err != nil {
		return nil, err
	}
	return vision.EncodeJPEG(vision.Rotate(img, dir), 92)
}

// storeRotated writes a rotated card back once the job is finished, so a
// redelivery never rotates twice.
func (w *Worker) storeRotated(ctx context.Context, job *models.ReconciliationJob, card []byte) {
	if job.Direction == models.DirectionNone {
		return
	}
	if err := w.images.PutObject(ctx, job.SourceImage, card, "image/jpeg"); err != nil {
		slog.Warn("store rotated card", "job_id", job.ID, "error", err)
	}
}

// fail counts a failed attempt and either schedules a retry or gives up.
func (w *Worker) fail(ctx context.Context, job *models.ReconciliationJob, cause error) error {
	attempts, err := w.store.RecordJobAttempt(ctx, job.ID, cause.Error())
	if err != nil {
		return w.infraRetry(fmt.Errorf("record attempt: %w", err))
	}

	if attempts < w.maxAttempts {
		delay := queue.Backoff(attempts, w.backoffBase, w.backoffMax)
		observability.ReconcileRetries.Inc()
		slog.Info("reconciliation attempt failed", "job_id", job.ID, "attempt", attempts, "retry_in", delay, "error", cause)
		return &queue.RetryError{Delay: delay, Err: cause}
	}

	if err := w.finish(ctx, job, models.JobStatusExhausted, cause.Error()); err != nil {
		return err
	}
	w.notify(ctx, job.PersonID, models.ChangePersonReviewNeeded)
	slog.Info("reconciliation exhausted, manual review needed", "job_id", job.ID, "person_id", job.PersonID, "attempts", attempts)
	return nil
}

func (w *Worker) finish(ctx context.Context, job *models.ReconciliationJob, status models.JobStatus, reason string) error {
	if err := w.store.FinishJob(ctx, job.ID, status, reason); err != nil {
		return w.infraRetry(fmt.Errorf("finish job: %w", err))
	}
	observability.ReconcileJobs.WithLabelValues(string(status)).Inc()
	if status == models.JobStatusDiscarded {
		slog.Info("job discarded", "job_id", job.ID, "reason", reason)
	}
	return nil
}

// infraRetry redelivers after the base delay without counting an attempt:
// the job did not fail, the infrastructure did.
func (w *Worker) infraRetry(err error) error {
	return &queue.RetryError{Delay: w.backoffBase, Err: err}
}

func (w *Worker) notify(ctx context.Context, id uuid.UUID, kind models.ChangeKind) {
	if err := w.changes.Publish(ctx, id, kind); err != nil {
		slog.Warn("record change", "person_id", id, "kind", kind, "error", err)
	}
}
