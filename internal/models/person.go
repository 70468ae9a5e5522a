package models

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PlaceholderPrefix marks a national ID that has not been read from the card yet.
const PlaceholderPrefix = "TEMP-"

var nationalIDPattern = regexp.MustCompile(`^[0-9]{14}$`)

type Person struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	NationalID  string     `json:"national_id" db:"national_id"`
	FullName    string     `json:"full_name" db:"full_name"`
	Embedding   []float32  `json:"-" db:"face_embedding"`
	FaceQuality float32    `json:"face_quality" db:"face_quality"`
	PhotoPath   string     `json:"photo_path" db:"photo_path"`
	CardPath    string     `json:"card_path" db:"card_path"`
	IsBlocked   bool       `json:"is_blocked" db:"is_blocked"`
	BlockReason string     `json:"block_reason" db:"block_reason"`
	Visits      int        `json:"visits" db:"visits"`
	GateNumber  *int       `json:"gate_number,omitempty" db:"gate_number"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
}

// NeedsManualReview reports whether OCR has not (yet) produced a usable identity.
func (p *Person) NeedsManualReview() bool {
	return strings.TrimSpace(p.FullName) == "" || !IsValidNationalID(p.NationalID)
}

// HasResolvedNationalID reports whether the national ID is a real 14-digit value.
func (p *Person) HasResolvedNationalID() bool {
	return IsValidNationalID(p.NationalID)
}

// IsValidNationalID reports whether id is exactly 14 ASCII digits.
func IsValidNationalID(id string) bool {
	return nationalIDPattern.MatchString(id)
}

// IsPlaceholderNationalID reports whether id was issued by NewPlaceholderNationalID.
func IsPlaceholderNationalID(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

// NewPlaceholderNationalID returns a fresh TEMP-<12 hex> token. Two calls never
// return the same value, so placeholders never collide on the unique index.
func NewPlaceholderNationalID() string {
	return PlaceholderPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// EntryLog is one row of the append-only visit log.
type EntryLog struct {
	ID         int64     `json:"id" db:"id"`
	PersonID   uuid.UUID `json:"person_id" db:"person_id"`
	GateNumber *int      `json:"gate_number,omitempty" db:"gate_number"`
	Similarity float32   `json:"similarity" db:"similarity"`
	IsNew      bool      `json:"is_new" db:"is_new"`
	ScannedAt  time.Time `json:"scanned_at" db:"scanned_at"`
}
