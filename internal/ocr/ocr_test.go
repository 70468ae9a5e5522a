package ocr

import (
	"context"
	"errors"
	"image"
	"image/color"
	"slices"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/your-org/gatepass/internal/vision"
)

func TestNormalizeDigits(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"29001011234567", "29001011234567"},
		{"٢٩٠٠١٠١١٢٣٤٥٦٧", "29001011234567"},
		{"۲۹۰۰۱۰۱۱۲۳۴۵۶۷", "29001011234567"},
		{"2 9 0-0 1", "29001"},
		{"رقم: ٣٠١", "301"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeDigits(tt.in); got != tt.want {
				t.Errorf("NormalizeDigits(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseNationalID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"٢٩٠٠١٠١١٢٣٤٥٦٧", "29001011234567", false},
		{" 2900101 1234567\n", "29001011234567", false},
		{"2900101123456", "", true},
		{"290010112345678", "", true},
		{"no digits", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseNationalID(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrNoNationalID) {
					t.Fatalf("ParseNationalID(%q) error = %v, want ErrNoNationalID", tt.in, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseNationalID(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  أحمد   سمير ", "أحمد سمير"},
		{"مُحَمَّد", "محمد"},
		{"عـــلي", "علي"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeName(tt.in); got != tt.want {
				t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseExtraction(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantName string
		wantNID  string
		wantErr  bool
	}{
		{"both fields", `{"full_name":"أحمد سمير","national_id":"٢٩٠٠١٠١١٢٣٤٥٦٧"}`, "أحمد سمير", "29001011234567", false},
		{"short id dropped", `{"full_name":"أحمد","national_id":"123"}`, "أحمد", "", false},
		{"empty fields", `{"full_name":"","national_id":""}`, "", "", false},
		{"unknown field", `{"full_name":"x","national_id":"","address":"y"}`, "", "", true},
		{"missing field", `{"full_name":"x"}`, "", "", true},
		{"not json", `I could not read the card`, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := parseExtraction(tt.text, "gemini")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseExtraction() = %+v, want error", res)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseExtraction() error = %v", err)
			}
			if res.FullName != tt.wantName || res.NationalID != tt.wantNID {
				t.Errorf("parseExtraction() = %+v", res)
			}
		})
	}
}

func testCard(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for x := range 40 {
		img.SetRGBA(x, 10, color.RGBA{0, 0, 0, 255})
	}
	data, err := vision.EncodeJPEG(img, 90)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

type fakeGenerator struct {
	text  string
	err   error
	calls int
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: f.text}}},
		}},
	}, nil
}

func TestGemini_Extract(t *testing.T) {
	gen := &fakeGenerator{text: `{"full_name":"منى عادل","national_id":"29505051234567"}`}
	g := &Gemini{models: gen, model: "test-model", maxDim: 100, grayscale: true}

	res, err := g.Extract(context.Background(), testCard(t))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.NationalID != "29505051234567" || res.FullName != "منى عادل" || res.Engine != "gemini" {
		t.Errorf("Extract() = %+v", res)
	}

	gen.err = errors.New("quota exceeded")
	if _, err := g.Extract(context.Background(), testCard(t)); err == nil {
		t.Error("Extract() should surface generator errors")
	}

	if _, err := g.Extract(context.Background(), []byte("garbage")); err == nil {
		t.Error("Extract() should reject undecodable images")
	}
}

func TestTesseract_Extract(t *testing.T) {
	var gotArgs []string
	tess := &Tesseract{path: "tesseract", lang: "ara_number", maxDim: 100}

	tests := []struct {
		name    string
		output  string
		runErr  error
		wantNID string
		wantErr error
	}{
		{"arabic digits", "٢٩٠٠١٠١١٢٣٤٥٦٧\n", nil, "29001011234567", nil},
		{"id above a date", "٢٩٠٠١٠١١٢٣٤٥٦٧\n2027/05/12\n", nil, "29001011234567", nil},
		{"id in groups", "12 05 2027\n2900 1011 2345 67\n", nil, "29001011234567", nil},
		{"two different ids", "29001011234567\n29505051234567\n", nil, "", ErrNoNationalID},
		{"too short", "1234\n", nil, "", ErrNoNationalID},
		{"binary missing", "", errors.New("exec: not found"), "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tess.run = func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
				gotArgs = args
				if len(stdin) == 0 {
					t.Error("no image passed on stdin")
				}
				return []byte(tt.output), tt.runErr
			}

			res, err := tess.Extract(context.Background(), testCard(t))
			switch {
			case tt.runErr != nil:
				if err == nil {
					t.Fatal("Extract() should fail when tesseract fails")
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Extract() error = %v, want %v", err, tt.wantErr)
				}
			default:
				if err != nil || res.NationalID != tt.wantNID || res.FullName != "" {
					t.Fatalf("Extract() = %+v, %v", res, err)
				}
			}
		})
	}

	if !slices.Contains(gotArgs, "ara_number") || !strings.HasPrefix(gotArgs[len(gotArgs)-1], "tessedit_char_whitelist=") {
		t.Errorf("tesseract args = %v", gotArgs)
	}
}

func TestOtsuThreshold(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 10, 1))
	for i := range img.Pix {
		if i < 5 {
			img.Pix[i] = 30
		} else {
			img.Pix[i] = 220
		}
	}

	level := otsuThreshold(img)
	if level < 30 || level >= 220 {
		t.Fatalf("otsuThreshold() = %d, want between classes", level)
	}
	binarize(img, level)
	if img.Pix[0] != 0 || img.Pix[9] != 255 {
		t.Errorf("binarize() = %v", img.Pix)
	}
}
