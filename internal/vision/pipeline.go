package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"runtime"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/gatepass/internal/config"
	"github.com/your-org/gatepass/internal/observability"
)

var (
	ErrNoFace = errors.New("no face found")
	// ErrMultipleFaces wraps ErrNoFace: a capture with several faces is as
	// unusable as one with none.
	ErrMultipleFaces = fmt.Errorf("%w: more than one face", ErrNoFace)
	// ErrUnreadableImage marks an upload that is not a decodable image.
	ErrUnreadableImage = errors.New("unreadable image")
)

// Face is the usable result of one capture.
type Face struct {
	Embedding []float32 // L2-normalized
	Quality   float32   // detector confidence
	BBox      [4]float32
	Crop      []byte // JPEG of the padded face region
}

// Pipeline turns a card capture into a face embedding. ONNX sessions are
// not safe for concurrent Run calls, so Embed is serialized.
type Pipeline struct {
	sem      chan struct{}
	detector *Detector
	embedder *Embedder
	maxDim   int
}

// InitRuntime loads the ONNX Runtime shared library. An empty path picks the
// platform default name.
func InitRuntime(libPath string) error {
	if libPath == "" {
		switch runtime.GOOS {
		case "windows":
			libPath = "onnxruntime.dll"
		case "darwin":
			libPath = "libonnxruntime.dylib"
		default:
			libPath = "libonnxruntime.so"
		}
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init onnx runtime: %w", err)
	}
	return nil
}

func DestroyRuntime() {
	if err := ort.DestroyEnvironment(); err != nil {
		slog.Warn("destroy onnx runtime", "error", err)
	}
}

// NewPipeline loads the detection and embedding models from cfg.ModelsDir.
func NewPipeline(cfg config.VisionConfig) (*Pipeline, error) {
	detPath := filepath.Join(cfg.ModelsDir, "det_10g.onnx")
	embPath := filepath.Join(cfg.ModelsDir, "w600k_r50.onnx")

	slog.Info("loading detection model", "path", detPath)
	det, err := NewDetector(detPath, float32(cfg.DetectionThreshold))
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	slog.Info("loading embedding model", "path", embPath)
	emb, err := NewEmbedder(embPath, cfg.EmbeddingDim)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}

	slog.Info("vision pipeline ready", "embedding_dim", cfg.EmbeddingDim)
	return &Pipeline{
		sem:      make(chan struct{}, 1),
		detector: det,
		embedder: emb,
		maxDim:   cfg.MaxImageDim,
	}, nil
}

// Embed detects exactly one face on the capture and returns its embedding.
func (p *Pipeline) Embed(ctx context.Context, data []byte) (*Face, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	img = FitWithin(img, p.maxDim)
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	start := time.Now()
	detInput := toCHW(img, p.detector.size, 127.5, 128.0)
	observability.InferenceDuration.WithLabelValues("preprocess").Observe(time.Since(start).Seconds())

	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start = time.Now()
	dets, err := p.detector.Detect(detInput, w, h)
	if err != nil {
		return nil, err
	}
	observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())

	best, err := singleFace(dets)
	if err != nil {
		return nil, err
	}

	crop := cropPadded(img, best.BBox)
	if crop == nil {
		return nil, ErrNoFace
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start = time.Now()
	raw, err := p.embedder.Extract(toCHW(crop, embedderInputSize, 127.5, 127.5))
	if err != nil {
		return nil, err
	}
	observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())

	vec := l2Normalize(raw)
	if vec == nil {
		return nil, fmt.Errorf("embed: zero vector")
	}

	jpegCrop, err := EncodeJPEG(crop, 90)
	if err != nil {
		return nil, err
	}

	return &Face{Embedding: vec, Quality: best.Confidence, BBox: best.BBox, Crop: jpegCrop}, nil
}

// acquire waits for the sessions or for ctx, whichever comes first.
func (p *Pipeline) acquire(ctx context.Context) (func(), error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		<-p.sem
		return nil, err
	}
	return func() { <-p.sem }, nil
}

// singleFace applies the one-face rule to detector output.
func singleFace(dets []Detection) (Detection, error) {
	switch len(dets) {
	case 0:
		return Detection{}, ErrNoFace
	case 1:
		return dets[0], nil
	}
	return Detection{}, ErrMultipleFaces
}

func l2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func (p *Pipeline) Dim() int {
	return p.embedder.Dim()
}

// Close releases all ONNX sessions.
func (p *Pipeline) Close() {
	p.detector.Close()
	p.embedder.Close()
}
