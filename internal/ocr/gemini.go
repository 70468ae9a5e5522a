package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"time"

	"google.golang.org/genai"

	"github.com/your-org/gatepass/internal/config"
	"github.com/your-org/gatepass/internal/observability"
	"github.com/your-org/gatepass/internal/vision"
)

const extractionPrompt = `You read Egyptian national ID cards.
Return a JSON object with exactly two string fields:
  "full_name": the holder's full name as printed in Arabic, or "" if unreadable
  "national_id": the 14-digit national ID number as printed, or "" if unreadable
Do not guess missing digits.`

// generator is the part of the genai client the extractor needs.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini is the primary engine: one structured-output call per card.
type Gemini struct {
	models    generator
	model     string
	maxDim    int
	grayscale bool
}

func NewGemini(ctx context.Context, cfg config.OCRConfig) (*Gemini, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, errors.New("gemini api key is not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{
		models:    client.Models,
		model:     cfg.GeminiModel,
		maxDim:    cfg.MaxImageDim,
		grayscale: cfg.GrayscaleInput,
	}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// Extract returns whatever fields were readable. A missing or invalid
// national ID is not an error here: the caller decides about the fallback.
func (g *Gemini) Extract(ctx context.Context, img []byte) (*Result, error) {
	start := time.Now()
	res, err := g.extract(ctx, img)
	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case res.NationalID == "":
		status = "no_id"
	}
	observability.OCRDuration.WithLabelValues(g.Name(), status).Observe(time.Since(start).Seconds())
	return res, err
}

func (g *Gemini) extract(ctx context.Context, img []byte) (*Result, error) {
	data, err := g.prepare(img)
	if err != nil {
		return nil, err
	}

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: extractionPrompt},
			{InlineData: &genai.Blob{Data: data, MIMEType: "image/jpeg"}},
		},
	}}
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"full_name":   {Type: genai.TypeString},
				"national_id": {Type: genai.TypeString},
			},
			Required: []string{"full_name", "national_id"},
		},
	}

	resp, err := g.models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return nil, errors.New("gemini returned no content")
	}
	return parseExtraction(text, g.Name())
}

func (g *Gemini) prepare(data []byte) ([]byte, error) {
	rgba, err := vision.Decode(data)
	if err != nil {
		return nil, err
	}
	var img image.Image = vision.FitWithin(rgba, g.maxDim)
	if g.grayscale {
		gray := image.NewGray(img.Bounds())
		draw.Draw(gray, gray.Bounds(), img, img.Bounds().Min, draw.Src)
		img = gray
	}
	return vision.EncodeJPEG(img, 90)
}

type extraction struct {
	FullName   *string `json:"full_name"`
	NationalID *string `json:"national_id"`
}

// parseExtraction validates the model's JSON at the boundary: unknown or
// missing fields reject the whole answer.
func parseExtraction(text, engine string) (*Result, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()

	var ex extraction
	if err := dec.Decode(&ex); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", engine, err)
	}
	if ex.FullName == nil || ex.NationalID == nil {
		return nil, fmt.Errorf("parse %s response: missing field", engine)
	}

	res := &Result{FullName: NormalizeName(*ex.FullName), Engine: engine}
	if nid, err := ParseNationalID(*ex.NationalID); err == nil {
		res.NationalID = nid
	}
	return res, nil
}
