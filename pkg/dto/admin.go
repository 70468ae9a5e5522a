package dto

import (
	"time"

	"github.com/google/uuid"

	"github.com/your-org/gatepass/internal/models"
)

type ReprocessRequest struct {
	PersonIDs []uuid.UUID `json:"person_ids" binding:"required,min=1"`
	Direction string      `json:"direction"` // "", left, right, flip
}

type ReprocessResponse struct {
	Jobs    []JobResponse `json:"jobs"`
	Skipped []uuid.UUID   `json:"skipped,omitempty"`
}

type JobResponse struct {
	ID           uuid.UUID `json:"id"`
	PersonID     uuid.UUID `json:"person_id"`
	Status       string    `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	Direction    string    `json:"direction,omitempty"`
	Force        bool      `json:"force,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    string    `json:"created_at"`
	UpdatedAt    string    `json:"updated_at"`
}

func NewJobResponse(j *models.ReconciliationJob) JobResponse {
	return JobResponse{
		ID:           j.ID,
		PersonID:     j.PersonID,
		Status:       string(j.Status),
		AttemptCount: j.AttemptCount,
		Direction:    string(j.Direction),
		Force:        j.Force,
		LastError:    j.LastError,
		CreatedAt:    j.CreatedAt.Format(timeLayout),
		UpdatedAt:    j.UpdatedAt.Format(timeLayout),
	}
}

type ConflictResponse struct {
	ID             int64      `json:"id"`
	PersonID       uuid.UUID  `json:"person_id"`
	JobID          uuid.UUID  `json:"job_id"`
	Field          string     `json:"field"`
	CurrentValue   string     `json:"current_value"`
	CandidateValue string     `json:"candidate_value"`
	OtherPersonID  *uuid.UUID `json:"other_person_id,omitempty"`
	CreatedAt      string     `json:"created_at"`
}

func NewConflictResponse(c *models.IdentityConflict) ConflictResponse {
	return ConflictResponse{
		ID:             c.ID,
		PersonID:       c.PersonID,
		JobID:          c.JobID,
		Field:          c.Field,
		CurrentValue:   c.CurrentValue,
		CandidateValue: c.CandidateValue,
		OtherPersonID:  c.OtherPersonID,
		CreatedAt:      c.CreatedAt.Format(timeLayout),
	}
}

// FaceMatchSettings is both the GET body and the PUT request.
type FaceMatchSettings struct {
	Enabled   *bool    `json:"enabled"`
	Threshold *float64 `json:"threshold"`
}

// ChangeEvent is one entry of the change feed, over HTTP and websocket.
type ChangeEvent struct {
	Cursor     string    `json:"cursor"`
	PersonID   uuid.UUID `json:"person_id"`
	ChangeKind string    `json:"change_kind"`
	OccurredAt string    `json:"occurred_at"`
}

type ChangeListResponse struct {
	Events []ChangeEvent `json:"events"`
	Cursor string        `json:"cursor"`
}

func NewChangeEvent(ev models.ChangeEvent, cursor string) ChangeEvent {
	return ChangeEvent{
		Cursor:     cursor,
		PersonID:   ev.PersonID,
		ChangeKind: string(ev.Kind),
		OccurredAt: ev.OccurredAt.Format(time.RFC3339Nano),
	}
}
