package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusMerged    JobStatus = "merged"
	JobStatusExhausted JobStatus = "exhausted"
	JobStatusConflict  JobStatus = "conflict"
	JobStatusDiscarded JobStatus = "discarded"
)

// Direction is the rotation an admin asks for when a card was captured sideways.
type Direction string

const (
	DirectionNone  Direction = ""
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
	DirectionFlip  Direction = "flip"
)

func (d Direction) Valid() bool {
	switch d {
	case DirectionNone, DirectionLeft, DirectionRight, DirectionFlip:
		return true
	}
	return false
}

// ReconciliationJob is the message published to NATS for worker processing.
// It carries everything needed to replay the job after a worker crash.
type ReconciliationJob struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	PersonID     uuid.UUID  `json:"person_id" db:"person_id"`
	SourceImage  string     `json:"source_image" db:"source_image"` // MinIO key of the card capture
	AttemptCount int        `json:"attempt_count" db:"attempt_count"`
	Direction    Direction  `json:"direction,omitempty" db:"direction"`
	Force        bool       `json:"force,omitempty" db:"force"`
	Status       JobStatus  `json:"status" db:"status"`
	LastError    string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	PublishedAt  *time.Time `json:"published_at,omitempty" db:"published_at"`
}

// IdentityConflict records an OCR result that could not be applied without
// overwriting a resolved identity. Admins resolve these by hand.
type IdentityConflict struct {
	ID             int64      `json:"id" db:"id"`
	PersonID       uuid.UUID  `json:"person_id" db:"person_id"`
	JobID          uuid.UUID  `json:"job_id" db:"job_id"`
	Field          string     `json:"field" db:"field"`
	CurrentValue   string     `json:"current_value" db:"current_value"`
	CandidateValue string     `json:"candidate_value" db:"candidate_value"`
	OtherPersonID  *uuid.UUID `json:"other_person_id,omitempty" db:"other_person_id"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}
