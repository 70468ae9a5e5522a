// Package ocr reads the printed identity off an ID-card capture.
//
// Two engines are used: a cloud extractor that returns both the name and the
// national ID, and a local tesseract fallback that only reads digits.
// Engines return a Result whose NationalID is either empty or a validated
// 14-digit value; raw engine output never leaves this package.
package ocr

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/your-org/gatepass/internal/models"
)

// ErrNoNationalID means the engine ran but produced no valid national ID.
var ErrNoNationalID = errors.New("no valid national id")

// Result is the validated output of one engine.
type Result struct {
	FullName   string `json:"full_name"`
	NationalID string `json:"national_id"`
	Engine     string `json:"engine"`
}

// Engine extracts identity fields from a card image.
type Engine interface {
	Name() string
	Extract(ctx context.Context, image []byte) (*Result, error)
}

var digitMap = strings.NewReplacer(
	"٠", "0", "١", "1", "٢", "2", "٣", "3", "٤", "4",
	"٥", "5", "٦", "6", "٧", "7", "٨", "8", "٩", "9",
	"۰", "0", "۱", "1", "۲", "2", "۳", "3", "۴", "4",
	"۵", "5", "۶", "6", "۷", "7", "۸", "8", "۹", "9",
)

// NormalizeDigits maps Arabic-Indic and Extended Arabic-Indic digits to ASCII
// and drops every non-digit.
func NormalizeDigits(s string) string {
	s = digitMap.Replace(s)
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseNationalID normalizes raw engine text and accepts it only if it is
// exactly 14 digits.
func ParseNationalID(raw string) (string, error) {
	nid := NormalizeDigits(raw)
	if !models.IsValidNationalID(nid) {
		return "", ErrNoNationalID
	}
	return nid, nil
}

// FindNationalID picks the national ID out of multi-line card text. Each
// whitespace token is tried on its own, then each line with its spaces
// removed for IDs printed in groups. Exactly one distinct 14-digit value must
// be found; dates and serial numbers elsewhere on the card are ignored.
func FindNationalID(text string) (string, error) {
	var found string
	for line := range strings.Lines(text) {
		candidates := strings.Fields(line)
		if len(candidates) > 1 {
			candidates = append(candidates, strings.Join(candidates, ""))
		}
		for _, c := range candidates {
			nid := NormalizeDigits(c)
			if !models.IsValidNationalID(nid) {
				continue
			}
			if found != "" && found != nid {
				return "", ErrNoNationalID
			}
			found = nid
		}
	}
	if found == "" {
		return "", ErrNoNationalID
	}
	return found, nil
}

const tatweel = 'ـ'

// NormalizeName strips Arabic diacritics and tatweel and collapses
// whitespace. Letters with a composed hamza are kept as they are.
func NormalizeName(s string) string {
	t := transform.Chain(
		norm.NFC,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Remove(runes.Predicate(func(r rune) bool { return r == tatweel })),
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(out), " ")
}
