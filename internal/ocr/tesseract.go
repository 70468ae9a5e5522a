package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/your-org/gatepass/internal/config"
	"github.com/your-org/gatepass/internal/observability"
	"github.com/your-org/gatepass/internal/vision"
)

const digitWhitelist = "0123456789٠١٢٣٤٥٦٧٨٩"

// runner executes a command with stdin and returns its stdout.
type runner func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error)

func execRunner(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return out, nil
}

// Tesseract is the fallback engine. It reads digits only, so its Result
// never carries a name.
type Tesseract struct {
	path        string
	lang        string
	tessdataDir string
	maxDim      int
	run         runner
}

func NewTesseract(cfg config.OCRConfig) *Tesseract {
	lang := cfg.TesseractLang
	// The digits model is optional; the stock Arabic model reads digits too.
	if cfg.TessdataDir != "" {
		if _, err := os.Stat(filepath.Join(cfg.TessdataDir, lang+".traineddata")); err != nil {
			lang = "ara"
		}
	}
	return &Tesseract{
		path:        cfg.TesseractPath,
		lang:        lang,
		tessdataDir: cfg.TessdataDir,
		maxDim:      cfg.MaxImageDim,
		run:         execRunner,
	}
}

func (t *Tesseract) Name() string { return "tesseract" }

// Extract returns ErrNoNationalID when the digits read are not a valid ID.
func (t *Tesseract) Extract(ctx context.Context, img []byte) (*Result, error) {
	start := time.Now()
	res, err := t.extract(ctx, img)
	status := "ok"
	if err != nil {
		status = "error"
		if err == ErrNoNationalID {
			status = "no_id"
		}
	}
	observability.OCRDuration.WithLabelValues(t.Name(), status).Observe(time.Since(start).Seconds())
	return res, err
}

func (t *Tesseract) extract(ctx context.Context, img []byte) (*Result, error) {
	input, err := t.prepare(img)
	if err != nil {
		return nil, err
	}

	args := []string{"stdin", "stdout", "-l", t.lang, "--psm", "6",
		"-c", "tessedit_char_whitelist=" + digitWhitelist}
	if t.tessdataDir != "" {
		args = append(args, "--tessdata-dir", t.tessdataDir)
	}

	out, err := t.run(ctx, t.path, args, input)
	if err != nil {
		return nil, fmt.Errorf("run tesseract: %w", err)
	}

	nid, err := FindNationalID(string(out))
	if err != nil {
		return nil, err
	}
	return &Result{NationalID: nid, Engine: t.Name()}, nil
}

// prepare binarizes the card with an Otsu threshold and encodes it as PNG.
func (t *Tesseract) prepare(data []byte) ([]byte, error) {
	rgba, err := vision.Decode(data)
	if err != nil {
		return nil, err
	}
	src := vision.FitWithin(rgba, t.maxDim)
	gray := image.NewGray(src.Bounds())
	draw.Draw(gray, gray.Bounds(), src, src.Bounds().Min, draw.Src)
	binarize(gray, otsuThreshold(gray))

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// otsuThreshold picks the gray level that maximizes between-class variance.
func otsuThreshold(img *image.Gray) uint8 {
	var hist [256]int
	for _, p := range img.Pix {
		hist[p]++
	}
	total := len(img.Pix)
	if total == 0 {
		return 128
	}

	var sumAll float64
	for i, n := range hist {
		sumAll += float64(i * n)
	}

	var (
		sumBg    float64
		weightBg int
		best     float64
		level    uint8
	)
	for i, n := range hist {
		weightBg += n
		if weightBg == 0 {
			continue
		}
		weightFg := total - weightBg
		if weightFg == 0 {
			break
		}
		sumBg += float64(i * n)
		meanBg := sumBg / float64(weightBg)
		meanFg := (sumAll - sumBg) / float64(weightFg)
		between := float64(weightBg) * float64(weightFg) * (meanBg - meanFg) * (meanBg - meanFg)
		if between > best {
			best = between
			level = uint8(i)
		}
	}
	return level
}

func binarize(img *image.Gray, level uint8) {
	for i, p := range img.Pix {
		if p > level {
			img.Pix[i] = 255
		} else {
			img.Pix[i] = 0
		}
	}
}
