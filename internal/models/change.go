package models

import (
	"time"

	"github.com/google/uuid"
)

type ChangeKind string

const (
	ChangePersonCreated      ChangeKind = "person_created"
	ChangePersonVisited      ChangeKind = "person_visited"
	ChangePersonReconciled   ChangeKind = "person_reconciled"
	ChangePersonReviewNeeded ChangeKind = "person_review_needed"
	ChangeIdentityConflict   ChangeKind = "identity_conflict"
	ChangePersonBlocked      ChangeKind = "person_blocked"
	ChangePersonUnblocked    ChangeKind = "person_unblocked"
	ChangePersonEdited       ChangeKind = "person_edited"
	ChangePersonDeleted      ChangeKind = "person_deleted"
)

// ChangeEvent is one entry of the person change log. Seq is the log's
// bigserial id; together with OccurredAt it forms the subscriber cursor.
type ChangeEvent struct {
	Seq        int64      `json:"seq" db:"id"`
	PersonID   uuid.UUID  `json:"person_id" db:"person_id"`
	Kind       ChangeKind `json:"change_kind" db:"kind"`
	OccurredAt time.Time  `json:"occurred_at" db:"occurred_at"`
}
