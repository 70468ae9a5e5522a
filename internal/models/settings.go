package models

import "time"

// Bounds for the operator-adjustable match threshold.
const (
	MinMatchThreshold = 0.2
	MaxMatchThreshold = 0.9
)

// FaceMatchSettings is the single-row runtime configuration of the scan path.
type FaceMatchSettings struct {
	Enabled   bool      `json:"enabled" db:"face_match_enabled"`
	Threshold float64   `json:"threshold" db:"match_threshold"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ClampThreshold limits t to [MinMatchThreshold, MaxMatchThreshold].
func ClampThreshold(t float64) float64 {
	return min(max(t, MinMatchThreshold), MaxMatchThreshold)
}
