package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/gatepass/internal/config"
	"github.com/your-org/gatepass/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateNationalID means another person already holds the national ID.
	ErrDuplicateNationalID = errors.New("duplicate national id")
	// ErrStalePrecondition means a conditional update matched no row because
	// the person changed since it was read.
	ErrStalePrecondition = errors.New("stale precondition")
	ErrBlocked           = errors.New("person is blocked")
)

const uniqueViolation = "23505"

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// --- Persons ---

const personColumns = `id, national_id, full_name, face_quality, photo_path, card_path,
	is_blocked, block_reason, visits, gate_number, created_at, updated_at, last_seen_at`

func scanPerson(row pgx.Row) (*models.Person, error) {
	p := &models.Person{}
	err := row.Scan(&p.ID, &p.NationalID, &p.FullName, &p.FaceQuality, &p.PhotoPath, &p.CardPath,
		&p.IsBlocked, &p.BlockReason, &p.Visits, &p.GateNumber, &p.CreatedAt, &p.UpdatedAt, &p.LastSeenAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetPerson loads a person without the embedding.
func (s *PostgresStore) GetPerson(ctx context.Context, id uuid.UUID) (*models.Person, error) {
	p, err := scanPerson(s.pool.QueryRow(ctx,
		`SELECT `+personColumns+` FROM persons WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get person: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetPersonByNationalID(ctx context.Context, nationalID string) (*models.Person, error) {
	p, err := scanPerson(s.pool.QueryRow(ctx,
		`SELECT `+personColumns+` FROM persons WHERE national_id = $1`, nationalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get person by national id: %w", err)
	}
	return p, nil
}

// ListEmbeddings returns every person that can take part in matching, with
// only the fields the gallery needs.
func (s *PostgresStore) ListEmbeddings(ctx context.Context) ([]models.Person, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, face_embedding, COALESCE(last_seen_at, created_at)
		 FROM persons WHERE face_embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	var persons []models.Person
	for rows.Next() {
		var (
			p        models.Person
			vec      pgvector.Vector
			lastSeen time.Time
		)
		if err := rows.Scan(&p.ID, &vec, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		p.Embedding = vec.Slice()
		p.LastSeenAt = &lastSeen
		persons = append(persons, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return persons, nil
}

// ListPersons pages through persons, newest first. A non-empty query matches
// a national ID prefix or a case-insensitive name substring.
func (s *PostgresStore) ListPersons(ctx context.Context, query string, limit, offset int) ([]models.Person, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	where := ""
	args := []any{}
	if q := strings.TrimSpace(query); q != "" {
		where = "WHERE national_id LIKE $1::text || '%' OR full_name ILIKE '%' || $1::text || '%'"
		args = append(args, q)
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM persons "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count persons: %w", err)
	}

	sql := fmt.Sprintf(`SELECT %s FROM persons %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		personColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list persons: %w", err)
	}
	defer rows.Close()

	var persons []models.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan person: %w", err)
		}
		persons = append(persons, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate persons: %w", err)
	}
	return persons, total, nil
}

// CreateProvisional inserts a new person together with its first visit and
// its reconciliation job. All three rows commit or none do, so a person
// never exists without a durable job.
func (s *PostgresStore) CreateProvisional(ctx context.Context, p *models.Person, entry *models.EntryLog, job *models.ReconciliationJob) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO persons (id, national_id, full_name, face_embedding, face_quality, photo_path, card_path,
			visits, gate_number, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
		 RETURNING visits, created_at, updated_at`,
		p.ID, p.NationalID, p.FullName, pgvector.NewVector(p.Embedding), p.FaceQuality,
		p.PhotoPath, p.CardPath, p.GateNumber, entry.ScannedAt,
	).Scan(&p.Visits, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateNationalID
		}
		return fmt.Errorf("insert person: %w", err)
	}
	seen := entry.ScannedAt
	p.LastSeenAt = &seen

	entry.PersonID = p.ID
	entry.IsNew = true
	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}

	job.PersonID = p.ID
	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit provisional person: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, q querier, e *models.EntryLog) error {
	err := q.QueryRow(ctx,
		`INSERT INTO entries (person_id, gate_number, similarity, is_new, scanned_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.PersonID, e.GateNumber, e.Similarity, e.IsNew, e.ScannedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// RecordVisit increments the visit counter and appends the entry row in one
// transaction. A person blocked since the caller read it yields ErrBlocked.
func (s *PostgresStore) RecordVisit(ctx context.Context, entry *models.EntryLog) (*models.Person, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPerson(tx.QueryRow(ctx,
		`UPDATE persons SET visits = visits + 1, last_seen_at = $2,
			gate_number = COALESCE($3, gate_number), updated_at = NOW()
		 WHERE id = $1 AND NOT is_blocked
		 RETURNING `+personColumns,
		entry.PersonID, entry.ScannedAt, entry.GateNumber))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("update visits: %w", err)
		}
		var blocked bool
		if err := tx.QueryRow(ctx, `SELECT is_blocked FROM persons WHERE id = $1`, entry.PersonID).Scan(&blocked); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("check blocked: %w", err)
		}
		return nil, ErrBlocked
	}

	entry.IsNew = false
	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit visit: %w", err)
	}
	return p, nil
}

// ReplaceFace swaps in a better capture. The stored quality is re-checked in
// the WHERE clause so a concurrent better capture is never overwritten.
func (s *PostgresStore) ReplaceFace(ctx context.Context, id uuid.UUID, embedding []float32, quality float32, photoPath string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE persons SET face_embedding = $2, face_quality = $3, photo_path = $4, updated_at = NOW()
		 WHERE id = $1 AND face_quality < $3`,
		id, pgvector.NewVector(embedding), quality, photoPath)
	if err != nil {
		return fmt.Errorf("replace face: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStalePrecondition
	}
	return nil
}

// ApplyReconciliation writes an OCR-read national ID, and the name if the
// person has none, provided the national ID still equals expectedNationalID.
func (s *PostgresStore) ApplyReconciliation(ctx context.Context, id uuid.UUID, expectedNationalID, nationalID, fullName string) (*models.Person, error) {
	p, err := scanPerson(s.pool.QueryRow(ctx,
		`UPDATE persons SET national_id = $3,
			full_name = CASE WHEN full_name = '' THEN $4 ELSE full_name END,
			updated_at = NOW()
		 WHERE id = $1 AND national_id = $2
		 RETURNING `+personColumns,
		id, expectedNationalID, nationalID, fullName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStalePrecondition
		}
		if isUniqueViolation(err) {
			return nil, ErrDuplicateNationalID
		}
		return nil, fmt.Errorf("apply reconciliation: %w", err)
	}
	return p, nil
}

// FillName sets the name only while it is still empty.
func (s *PostgresStore) FillName(ctx context.Context, id uuid.UUID, fullName string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE persons SET full_name = $2, updated_at = NOW() WHERE id = $1 AND full_name = ''`,
		id, fullName)
	if err != nil {
		return false, fmt.Errorf("fill name: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateIdentity is the admin edit. Nil fields are left unchanged.
func (s *PostgresStore) UpdateIdentity(ctx context.Context, id uuid.UUID, nationalID, fullName *string) (*models.Person, error) {
	p, err := scanPerson(s.pool.QueryRow(ctx,
		`UPDATE persons SET national_id = COALESCE($2, national_id),
			full_name = COALESCE($3, full_name), updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+personColumns,
		id, nationalID, fullName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, ErrDuplicateNationalID
		}
		return nil, fmt.Errorf("update identity: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) SetBlocked(ctx context.Context, id uuid.UUID, blocked bool, reason string) (*models.Person, error) {
	if !blocked {
		reason = ""
	}
	p, err := scanPerson(s.pool.QueryRow(ctx,
		`UPDATE persons SET is_blocked = $2, block_reason = $3, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+personColumns,
		id, blocked, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("set blocked: %w", err)
	}
	return p, nil
}

// DeletePerson removes the person with its entries, jobs and conflicts and
// returns the deleted row so callers can drop the stored images.
func (s *PostgresStore) DeletePerson(ctx context.Context, id uuid.UUID) (*models.Person, error) {
	p, err := scanPerson(s.pool.QueryRow(ctx,
		`DELETE FROM persons WHERE id = $1 RETURNING `+personColumns, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("delete person: %w", err)
	}
	return p, nil
}

// --- Entries ---

func (s *PostgresStore) ListEntries(ctx context.Context, personID uuid.UUID, limit int) ([]models.EntryLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, person_id, gate_number, similarity, is_new, scanned_at
		 FROM entries WHERE person_id = $1 ORDER BY scanned_at DESC, id DESC LIMIT $2`,
		personID, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []models.EntryLog
	for rows.Next() {
		var e models.EntryLog
		if err := rows.Scan(&e.ID, &e.PersonID, &e.GateNumber, &e.Similarity, &e.IsNew, &e.ScannedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
