package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/gatepass/internal/models"
)

// --- Change log ---

// changeLogLock is the advisory lock key that serializes appends.
const changeLogLock = 0x6761746570617373

// AppendChange writes one event. Appends are serialized and stamped with the
// clock after the lock is taken, so events become visible in cursor order
// and a reader that has moved past a cursor never finds an older event later.
func (s *PostgresStore) AppendChange(ctx context.Context, personID uuid.UUID, kind models.ChangeKind) (*models.ChangeEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(changeLogLock)); err != nil {
		return nil, fmt.Errorf("lock change log: %w", err)
	}

	ev := &models.ChangeEvent{PersonID: personID, Kind: kind}
	err = tx.QueryRow(ctx,
		`INSERT INTO person_changes (person_id, kind, occurred_at) VALUES ($1, $2, clock_timestamp())
		 RETURNING id, occurred_at`,
		personID, kind,
	).Scan(&ev.Seq, &ev.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("append change: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit change: %w", err)
	}
	return ev, nil
}

// ChangesSince returns events ordered by (occurred_at, id) strictly after the
// given position. A zero time replays from the beginning.
func (s *PostgresStore) ChangesSince(ctx context.Context, after time.Time, afterSeq int64, limit int) ([]models.ChangeEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, person_id, kind, occurred_at FROM person_changes
		 WHERE (occurred_at, id) > ($1, $2)
		 ORDER BY occurred_at, id LIMIT $3`,
		after, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("changes since: %w", err)
	}
	defer rows.Close()

	var events []models.ChangeEvent
	for rows.Next() {
		var ev models.ChangeEvent
		if err := rows.Scan(&ev.Seq, &ev.PersonID, &ev.Kind, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return events, nil
}

// --- Settings ---

func (s *PostgresStore) GetFaceMatchSettings(ctx context.Context) (*models.FaceMatchSettings, error) {
	st := &models.FaceMatchSettings{}
	err := s.pool.QueryRow(ctx,
		`SELECT face_match_enabled, match_threshold, updated_at FROM settings WHERE id = 1`,
	).Scan(&st.Enabled, &st.Threshold, &st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get face match settings: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) SaveFaceMatchSettings(ctx context.Context, st *models.FaceMatchSettings) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO settings (id, face_match_enabled, match_threshold, updated_at)
		 VALUES (1, $1, $2, NOW())
		 ON CONFLICT (id) DO UPDATE SET face_match_enabled = EXCLUDED.face_match_enabled,
			match_threshold = EXCLUDED.match_threshold, updated_at = EXCLUDED.updated_at
		 RETURNING updated_at`,
		st.Enabled, st.Threshold,
	).Scan(&st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save face match settings: %w", err)
	}
	return nil
}
