package dto

import (
	"time"

	"github.com/google/uuid"

	"github.com/your-org/gatepass/internal/models"
)

const timeLayout = time.RFC3339

// VerifyResponse is the guard-facing answer to one scan.
type VerifyResponse struct {
	Status     string     `json:"status"` // allowed, blocked, error
	IsNew      bool       `json:"is_new"`
	Reason     string     `json:"reason,omitempty"`
	PersonID   *uuid.UUID `json:"person_id,omitempty"`
	Similarity float32    `json:"similarity,omitempty"`
	FullName   string     `json:"full_name,omitempty"`
	NationalID string     `json:"national_id,omitempty"`
	Visits     int        `json:"visits,omitempty"`
}

type PersonResponse struct {
	ID                uuid.UUID `json:"id"`
	NationalID        string    `json:"national_id"`
	FullName          string    `json:"full_name"`
	IsBlocked         bool      `json:"is_blocked"`
	BlockReason       string    `json:"block_reason,omitempty"`
	Visits            int       `json:"visits"`
	GateNumber        *int      `json:"gate_number,omitempty"`
	FaceQuality       float32   `json:"face_quality"`
	NeedsManualReview bool      `json:"needs_manual_review"`
	PhotoURL          string    `json:"photo_url,omitempty"`
	CardURL           string    `json:"card_url,omitempty"`
	CreatedAt         string    `json:"created_at"`
	UpdatedAt         string    `json:"updated_at"`
	LastSeenAt        string    `json:"last_seen_at,omitempty"`
}

func NewPersonResponse(p *models.Person) PersonResponse {
	r := PersonResponse{
		ID:                p.ID,
		NationalID:        p.NationalID,
		FullName:          p.FullName,
		IsBlocked:         p.IsBlocked,
		BlockReason:       p.BlockReason,
		Visits:            p.Visits,
		GateNumber:        p.GateNumber,
		FaceQuality:       p.FaceQuality,
		NeedsManualReview: p.NeedsManualReview(),
		CreatedAt:         p.CreatedAt.Format(timeLayout),
		UpdatedAt:         p.UpdatedAt.Format(timeLayout),
	}
	if p.PhotoPath != "" {
		r.PhotoURL = "/v1/admin/persons/" + p.ID.String() + "/photo"
	}
	if p.CardPath != "" {
		r.CardURL = "/v1/admin/persons/" + p.ID.String() + "/card"
	}
	if p.LastSeenAt != nil {
		r.LastSeenAt = p.LastSeenAt.Format(timeLayout)
	}
	return r
}

type PersonListResponse struct {
	Persons []PersonResponse `json:"persons"`
	Total   int              `json:"total"`
}

// UpdatePersonRequest is an admin edit. Omitted fields are left as they are.
type UpdatePersonRequest struct {
	NationalID *string `json:"national_id"`
	FullName   *string `json:"full_name"`
}

type BlockRequest struct {
	Reason string `json:"reason"`
}

type EntryResponse struct {
	ID         int64   `json:"id"`
	GateNumber *int    `json:"gate_number,omitempty"`
	Similarity float32 `json:"similarity"`
	IsNew      bool    `json:"is_new"`
	ScannedAt  string  `json:"scanned_at"`
}

func NewEntryResponse(e *models.EntryLog) EntryResponse {
	return EntryResponse{
		ID:         e.ID,
		GateNumber: e.GateNumber,
		Similarity: e.Similarity,
		IsNew:      e.IsNew,
		ScannedAt:  e.ScannedAt.Format(timeLayout),
	}
}
