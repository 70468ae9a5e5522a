package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/your-org/gatepass/internal/models"
)

// --- Reconciliation jobs ---

const jobColumns = `id, person_id, source_image, attempt_count, direction, force, status, last_error,
	created_at, updated_at, published_at`

func scanJob(row pgx.Row) (*models.ReconciliationJob, error) {
	j := &models.ReconciliationJob{}
	err := row.Scan(&j.ID, &j.PersonID, &j.SourceImage, &j.AttemptCount, &j.Direction, &j.Force,
		&j.Status, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.PublishedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func insertJob(ctx context.Context, q querier, j *models.ReconciliationJob) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = models.JobStatusPending
	}
	err := q.QueryRow(ctx,
		`INSERT INTO reconcile_jobs (id, person_id, source_image, attempt_count, direction, force, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		j.ID, j.PersonID, j.SourceImage, j.AttemptCount, j.Direction, j.Force, j.Status,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert reconcile job: %w", err)
	}
	return nil
}

// CreateJob stores a job outside of person creation (admin reprocess).
func (s *PostgresStore) CreateJob(ctx context.Context, j *models.ReconciliationJob) error {
	return insertJob(ctx, s.pool, j)
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM reconcile_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get reconcile job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) MarkJobPublished(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE reconcile_jobs SET published_at = NOW() WHERE id = $1 AND published_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("mark job published: %w", err)
	}
	return nil
}

// ListUnpublishedJobs returns pending jobs that were committed at least
// olderThan ago but never acknowledged by the broker.
func (s *PostgresStore) ListUnpublishedJobs(ctx context.Context, olderThan time.Duration, limit int) ([]models.ReconciliationJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM reconcile_jobs
		 WHERE status = 'pending' AND published_at IS NULL AND created_at <= $1
		 ORDER BY created_at LIMIT $2`,
		time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("list unpublished jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PostgresStore) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.ReconciliationJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+jobColumns+` FROM reconcile_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+jobColumns+` FROM reconcile_jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
			status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]models.ReconciliationJob, error) {
	var jobs []models.ReconciliationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reconcile job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reconcile jobs: %w", err)
	}
	return jobs, nil
}

// RecordJobAttempt persists one failed attempt and returns the new count.
func (s *PostgresStore) RecordJobAttempt(ctx context.Context, id uuid.UUID, lastError string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx,
		`UPDATE reconcile_jobs SET attempt_count = attempt_count + 1, last_error = $2, updated_at = NOW()
		 WHERE id = $1 RETURNING attempt_count`,
		id, lastError,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("record job attempt: %w", err)
	}
	return attempts, nil
}

// FinishJob moves a job to a terminal status.
func (s *PostgresStore) FinishJob(ctx context.Context, id uuid.UUID, status models.JobStatus, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reconcile_jobs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1`,
		id, status, lastError)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Identity conflicts ---

func (s *PostgresStore) CreateConflict(ctx context.Context, c *models.IdentityConflict) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO identity_conflicts (person_id, job_id, field, current_value, candidate_value, other_person_id)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		c.PersonID, c.JobID, c.Field, c.CurrentValue, c.CandidateValue, c.OtherPersonID,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create conflict: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListConflicts(ctx context.Context, limit int) ([]models.IdentityConflict, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, person_id, job_id, field, current_value, candidate_value, other_person_id, created_at
		 FROM identity_conflicts ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []models.IdentityConflict
	for rows.Next() {
		var c models.IdentityConflict
		if err := rows.Scan(&c.ID, &c.PersonID, &c.JobID, &c.Field, &c.CurrentValue, &c.CandidateValue,
			&c.OtherPersonID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}
