// Package verify decides a guard's scan: allow, block, or error.
//
// The decision uses the face only. Identity text is filled in later by the
// reconciliation worker, so an unknown face is admitted at once as a
// provisional person with a placeholder national ID.
package verify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/gatepass/internal/config"
	"github.com/your-org/gatepass/internal/gallery"
	"github.com/your-org/gatepass/internal/models"
	"github.com/your-org/gatepass/internal/observability"
	"github.com/your-org/gatepass/internal/storage"
	"github.com/your-org/gatepass/internal/vision"
)

type Status string

const (
	StatusAllowed Status = "allowed"
	StatusBlocked Status = "blocked"
	StatusError   Status = "error"
)

// Error reasons reported to the guard.
const (
	ReasonNoFace             = "no_face_found"
	ReasonUnreadableImage    = "unreadable_image"
	ReasonEmbeddingTimeout   = "embedding_timeout"
	ReasonEmbeddingFailed    = "embedding_failed"
	ReasonStoreUnavailable   = "store_unavailable"
	ReasonStorageUnavailable = "storage_unavailable"
)

// sideEffectTimeout bounds the work done after a decision is committed.
const sideEffectTimeout = 5 * time.Second

// Scan is one capture from a gate camera.
type Scan struct {
	Image []byte
	Gate  *int
}

type Outcome struct {
	Status     Status
	IsNew      bool
	Reason     string
	PersonID   uuid.UUID
	Similarity float32
	Person     *models.Person
}

func errorOutcome(reason string) Outcome {
	return Outcome{Status: StatusError, Reason: reason}
}

type Embedder interface {
	Embed(ctx context.Context, image []byte) (*vision.Face, error)
}

type PersonStore interface {
	GetPerson(ctx context.Context, id uuid.UUID) (*models.Person, error)
	ListEmbeddings(ctx context.Context) ([]models.Person, error)
	CreateProvisional(ctx context.Context, p *models.Person, entry *models.EntryLog, job *models.ReconciliationJob) error
	RecordVisit(ctx context.Context, entry *models.EntryLog) (*models.Person, error)
	ReplaceFace(ctx context.Context, id uuid.UUID, embedding []float32, quality float32, photoPath string) error
	MarkJobPublished(ctx context.Context, id uuid.UUID) error
}

type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	DeleteObjects(ctx context.Context, keys ...string) error
}

type JobPublisher interface {
	PublishJob(ctx context.Context, job *models.ReconciliationJob) error
}

type ChangeNotifier interface {
	Publish(ctx context.Context, personID uuid.UUID, kind models.ChangeKind) error
}

type Engine struct {
	embedder Embedder
	gallery  *gallery.Gallery
	store    PersonStore
	objects  ObjectStore
	jobs     JobPublisher
	changes  ChangeNotifier

	embedTimeout  time.Duration
	refreshMargin float32
	settings      atomic.Pointer[models.FaceMatchSettings]
	admitMu       sync.Mutex // serializes the re-check and create of new persons
	now           func() time.Time
}

func NewEngine(embedder Embedder, g *gallery.Gallery, store PersonStore, objects ObjectStore,
	jobs JobPublisher, changes ChangeNotifier, cfg config.VerifyConfig) *Engine {
	e := &Engine{
		embedder:      embedder,
		gallery:       g,
		store:         store,
		objects:       objects,
		jobs:          jobs,
		changes:       changes,
		embedTimeout:  cfg.EmbedTimeout,
		refreshMargin: float32(cfg.RefreshMargin),
		now:           func() time.Time { return time.Now().UTC() },
	}
	e.SetSettings(models.FaceMatchSettings{Enabled: true, Threshold: cfg.MatchThreshold})
	return e
}

// SetSettings swaps the live matching policy. The threshold is clamped.
func (e *Engine) SetSettings(s models.FaceMatchSettings) {
	s.Threshold = models.ClampThreshold(s.Threshold)
	e.settings.Store(&s)
}

func (e *Engine) Settings() models.FaceMatchSettings {
	return *e.settings.Load()
}

// LoadGallery fills the gallery from every stored embedding.
func (e *Engine) LoadGallery(ctx context.Context) error {
	persons, err := e.store.ListEmbeddings(ctx)
	if err != nil {
		return err
	}
	entries := make([]gallery.Entry, 0, len(persons))
	for _, p := range persons {
		var seen time.Time
		if p.LastSeenAt != nil {
			seen = *p.LastSeenAt
		}
		entries = append(entries, gallery.Entry{PersonID: p.ID, Embedding: p.Embedding, LastSeenAt: seen})
	}
	if err := e.gallery.Load(entries); err != nil {
		return err
	}
	observability.GallerySize.Set(float64(e.gallery.Len()))
	slog.Info("gallery loaded", "persons", e.gallery.Len())
	return nil
}

// Verify answers one scan. It never waits on OCR.
func (e *Engine) Verify(ctx context.Context, scan Scan) Outcome {
	start := time.Now()
	out := e.verify(ctx, scan)

	observability.ScansTotal.WithLabelValues(string(out.Status)).Inc()
	observability.VerifyDuration.WithLabelValues(string(out.Status)).Observe(time.Since(start).Seconds())
	if out.Status == StatusError {
		slog.Warn("scan failed", "reason", out.Reason)
	}
	return out
}

func (e *Engine) verify(ctx context.Context, scan Scan) Outcome {
	embedCtx, cancel := context.WithTimeout(ctx, e.embedTimeout)
	face, err := e.embedder.Embed(embedCtx, scan.Image)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, vision.ErrNoFace):
			return errorOutcome(ReasonNoFace)
		case errors.Is(err, vision.ErrUnreadableImage):
			return errorOutcome(ReasonUnreadableImage)
		case errors.Is(err, context.DeadlineExceeded):
			return errorOutcome(ReasonEmbeddingTimeout)
		}
		slog.Error("embed scan", "error", err)
		return errorOutcome(ReasonEmbeddingFailed)
	}

	settings := e.Settings()
	now := e.now()

	if settings.Enabled {
		m, ok, err := e.gallery.Nearest(face.Embedding, float32(settings.Threshold))
		if err != nil {
			slog.Error("gallery lookup", "error", err)
			return errorOutcome(ReasonEmbeddingFailed)
		}
		if ok {
			if out, handled := e.admitKnown(ctx, scan, face, m, now); handled {
				return out
			}
		}
	}
	return e.admitNew(ctx, scan, face, settings, now)
}

// admitKnown handles a gallery match. handled is false when the matched
// person no longer exists, so the scan should be treated as unknown.
func (e *Engine) admitKnown(ctx context.Context, scan Scan, face *vision.Face, m gallery.Match, now time.Time) (Outcome, bool) {
	p, err := e.store.GetPerson(ctx, m.PersonID)
	if errors.Is(err, storage.ErrNotFound) {
		e.gallery.Remove(m.PersonID)
		return Outcome{}, false
	}
	if err != nil {
		slog.Error("load matched person", "person_id", m.PersonID, "error", err)
		return errorOutcome(ReasonStoreUnavailable), true
	}
	if p.IsBlocked {
		return blockedOutcome(p, m.Similarity), true
	}

	entry := &models.EntryLog{PersonID: p.ID, GateNumber: scan.Gate, Similarity: m.Similarity, ScannedAt: now}
	visited, err := e.store.RecordVisit(ctx, entry)
	switch {
	case errors.Is(err, storage.ErrBlocked):
		// Blocked between the read and the write.
		if fresh, err := e.store.GetPerson(ctx, p.ID); err == nil {
			p = fresh
		}
		p.IsBlocked = true
		return blockedOutcome(p, m.Similarity), true
	case errors.Is(err, storage.ErrNotFound):
		e.gallery.Remove(m.PersonID)
		return Outcome{}, false
	case err != nil:
		slog.Error("record visit", "person_id", p.ID, "error", err)
		return errorOutcome(ReasonStoreUnavailable), true
	}

	e.gallery.Touch(p.ID, now)

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	e.refreshFace(bg, visited, scan, face, now)
	e.notify(bg, visited.ID, models.ChangePersonVisited)

	return Outcome{Status: StatusAllowed, PersonID: visited.ID, Similarity: m.Similarity, Person: visited}, true
}

func blockedOutcome(p *models.Person, similarity float32) Outcome {
	return Outcome{Status: StatusBlocked, Reason: p.BlockReason, PersonID: p.ID, Similarity: similarity, Person: p}
}

// refreshFace replaces the stored capture when the new one is clearly
// better. Failures only cost the upgrade.
func (e *Engine) refreshFace(ctx context.Context, p *models.Person, scan Scan, face *vision.Face, now time.Time) {
	if face.Quality <= p.FaceQuality+e.refreshMargin {
		return
	}

	faceKey := storage.FaceKey(p.ID.String())
	if err := e.objects.PutObject(ctx, faceKey, face.Crop, "image/jpeg"); err != nil {
		slog.Warn("upload refreshed face", "person_id", p.ID, "error", err)
		return
	}
	if err := e.store.ReplaceFace(ctx, p.ID, face.Embedding, face.Quality, faceKey); err != nil {
		if !errors.Is(err, storage.ErrStalePrecondition) {
			slog.Warn("replace face", "person_id", p.ID, "error", err)
		}
		return
	}
	if err := e.objects.PutObject(ctx, storage.CardKey(p.ID.String()), scan.Image, http.DetectContentType(scan.Image)); err != nil {
		slog.Warn("upload refreshed card", "person_id", p.ID, "error", err)
	}
	if err := e.gallery.Upsert(gallery.Entry{PersonID: p.ID, Embedding: face.Embedding, LastSeenAt: now}); err != nil {
		slog.Error("refresh gallery entry", "person_id", p.ID, "error", err)
		return
	}
	p.FaceQuality = face.Quality
	p.PhotoPath = faceKey
	slog.Info("face refreshed", "person_id", p.ID, "quality", face.Quality)
}

// admitNew creates a provisional person. Creation is serialized engine-wide
// and the gallery is checked again under the lock, so two captures of the
// same new face admit one person however far apart their embeddings are.
func (e *Engine) admitNew(ctx context.Context, scan Scan, face *vision.Face, settings models.FaceMatchSettings, now time.Time) Outcome {
	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	if settings.Enabled {
		m, ok, err := e.gallery.Nearest(face.Embedding, float32(settings.Threshold))
		if err != nil {
			slog.Error("gallery recheck", "error", err)
			return errorOutcome(ReasonEmbeddingFailed)
		}
		if ok {
			if out, handled := e.admitKnown(ctx, scan, face, m, now); handled {
				return out
			}
		}
	}

	id := uuid.New()
	faceKey := storage.FaceKey(id.String())
	cardKey := storage.CardKey(id.String())
	if err := e.objects.PutObject(ctx, faceKey, face.Crop, "image/jpeg"); err != nil {
		slog.Error("upload face", "person_id", id, "error", err)
		return errorOutcome(ReasonStorageUnavailable)
	}
	if err := e.objects.PutObject(ctx, cardKey, scan.Image, http.DetectContentType(scan.Image)); err != nil {
		slog.Error("upload card", "person_id", id, "error", err)
		e.cleanupObjects(ctx, faceKey)
		return errorOutcome(ReasonStorageUnavailable)
	}

	p := &models.Person{
		ID:          id,
		NationalID:  models.NewPlaceholderNationalID(),
		Embedding:   face.Embedding,
		FaceQuality: face.Quality,
		PhotoPath:   faceKey,
		CardPath:    cardKey,
		GateNumber:  scan.Gate,
	}
	entry := &models.EntryLog{GateNumber: scan.Gate, ScannedAt: now}
	job := &models.ReconciliationJob{SourceImage: cardKey}
	if err := e.store.CreateProvisional(ctx, p, entry, job); err != nil {
		slog.Error("create provisional person", "person_id", id, "error", err)
		e.cleanupObjects(ctx, faceKey, cardKey)
		return errorOutcome(ReasonStoreUnavailable)
	}

	if err := e.gallery.Upsert(gallery.Entry{PersonID: id, Embedding: face.Embedding, LastSeenAt: now}); err != nil {
		slog.Error("add person to gallery", "person_id", id, "error", err)
	}
	observability.NewPersons.Inc()
	observability.GallerySize.Set(float64(e.gallery.Len()))

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	// The committed job row is the durable enqueue; the relay retries a
	// failed publish.
	if err := e.jobs.PublishJob(bg, job); err != nil {
		slog.Warn("publish reconciliation job", "job_id", job.ID, "error", err)
	} else if err := e.store.MarkJobPublished(bg, job.ID); err != nil {
		slog.Warn("mark job published", "job_id", job.ID, "error", err)
	}
	e.notify(bg, id, models.ChangePersonCreated)

	slog.Info("provisional person created", "person_id", id, "job_id", job.ID)
	return Outcome{Status: StatusAllowed, IsNew: true, PersonID: id, Person: p}
}

func (e *Engine) cleanupObjects(ctx context.Context, keys ...string) {
	if err := e.objects.DeleteObjects(context.WithoutCancel(ctx), keys...); err != nil {
		slog.Warn("delete orphaned images", "keys", keys, "error", err)
	}
}

func (e *Engine) notify(ctx context.Context, id uuid.UUID, kind models.ChangeKind) {
	if err := e.changes.Publish(ctx, id, kind); err != nil {
		slog.Warn("record change", "person_id", id, "kind", kind, "error", err)
	}
}
