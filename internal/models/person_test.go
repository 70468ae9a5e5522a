package models

import (
	"strings"
	"testing"
)

func TestIsValidNationalID(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"29001011234567", true},
		{"2900101123456", false},
		{"290010112345678", false},
		{"2900101123456a", false},
		{"TEMP-abcdef123456", false},
		{"٢٩٠٠١٠١١٢٣٤٥٦٧", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := IsValidNationalID(tt.input); got != tt.want {
				t.Errorf("IsValidNationalID(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewPlaceholderNationalID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewPlaceholderNationalID()
		if !strings.HasPrefix(id, PlaceholderPrefix) {
			t.Fatalf("placeholder %q missing prefix", id)
		}
		if len(id) != len(PlaceholderPrefix)+12 {
			t.Fatalf("placeholder %q has unexpected length", id)
		}
		if !IsPlaceholderNationalID(id) || IsValidNationalID(id) {
			t.Fatalf("placeholder %q classified wrongly", id)
		}
		if seen[id] {
			t.Fatalf("placeholder %q issued twice", id)
		}
		seen[id] = true
	}
}

func TestPerson_NeedsManualReview(t *testing.T) {
	tests := []struct {
		name   string
		person Person
		want   bool
	}{
		{"fresh provisional", Person{NationalID: NewPlaceholderNationalID()}, true},
		{"name only", Person{NationalID: NewPlaceholderNationalID(), FullName: "Ahmed Samir"}, true},
		{"id only", Person{NationalID: "29001011234567"}, true},
		{"blank name", Person{NationalID: "29001011234567", FullName: "   "}, true},
		{"resolved", Person{NationalID: "29001011234567", FullName: "Ahmed Samir"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.person.NeedsManualReview(); got != tt.want {
				t.Errorf("NeedsManualReview() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDirection_Valid(t *testing.T) {
	for _, d := range []Direction{DirectionNone, DirectionLeft, DirectionRight, DirectionFlip} {
		if !d.Valid() {
			t.Errorf("Direction(%q).Valid() = false", d)
		}
	}
	if Direction("up").Valid() {
		t.Error(`Direction("up").Valid() = true`)
	}
}

func TestClampThreshold(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.35, 0.35},
		{0.05, MinMatchThreshold},
		{0.99, MaxMatchThreshold},
		{MinMatchThreshold, MinMatchThreshold},
		{MaxMatchThreshold, MaxMatchThreshold},
	}
	for _, tt := range tests {
		if got := ClampThreshold(tt.in); got != tt.want {
			t.Errorf("ClampThreshold(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
