package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/gatepass/internal/models"
	"github.com/your-org/gatepass/internal/observability"
)

const relayBatch = 100

// OutboxStore is the jobs table as seen by the relay.
type OutboxStore interface {
	ListUnpublishedJobs(ctx context.Context, olderThan time.Duration, limit int) ([]models.ReconciliationJob, error)
	MarkJobPublished(ctx context.Context, id uuid.UUID) error
}

type JobPublisher interface {
	PublishJob(ctx context.Context, job *models.ReconciliationJob) error
}

// Relay republishes committed jobs whose publish never got acknowledged,
// e.g. because the process died between commit and publish.
type Relay struct {
	store    OutboxStore
	pub      JobPublisher
	interval time.Duration
}

func NewRelay(store OutboxStore, pub JobPublisher, interval time.Duration) *Relay {
	return &Relay{store: store, pub: pub, interval: interval}
}

// Run sweeps the outbox every interval until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				slog.Warn("outbox sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("outbox jobs republished", "count", n)
			}
		}
	}
}

// Sweep publishes one batch of stale unpublished jobs and returns how many
// went out. A failed publish leaves the row for the next sweep.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	jobs, err := r.store.ListUnpublishedJobs(ctx, r.interval, relayBatch)
	if err != nil {
		return 0, err
	}

	published := 0
	for i := range jobs {
		job := &jobs[i]
		if err := r.pub.PublishJob(ctx, job); err != nil {
			slog.Warn("outbox publish failed", "job_id", job.ID, "error", err)
			continue
		}
		if err := r.store.MarkJobPublished(ctx, job.ID); err != nil {
			slog.Warn("mark job published", "job_id", job.ID, "error", err)
		}
		observability.OutboxRepublished.Inc()
		published++
	}
	return published, nil
}
