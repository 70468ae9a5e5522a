package vision

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
	"time"

	"github.com/your-org/gatepass/internal/models"
)

var (
	red  = color.RGBA{255, 0, 0, 255}
	blue = color.RGBA{0, 0, 255, 255}
)

// twoPixel returns a 2x1 image: red on the left, blue on the right.
func twoPixel() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, red)
	img.SetRGBA(1, 0, blue)
	return img
}

func TestRotate(t *testing.T) {
	tests := []struct {
		dir        models.Direction
		wantW      int
		wantH      int
		wantFirst  color.RGBA
		wantSecond color.RGBA // (1,0) for wide results, (0,1) for tall ones
	}{
		{models.DirectionLeft, 1, 2, blue, red},
		{models.DirectionRight, 1, 2, red, blue},
		{models.DirectionFlip, 2, 1, blue, red},
		{models.DirectionNone, 2, 1, red, blue},
	}

	for _, tt := range tests {
		t.Run(string(tt.dir), func(t *testing.T) {
			got := Rotate(twoPixel(), tt.dir)
			if got.Bounds().Dx() != tt.wantW || got.Bounds().Dy() != tt.wantH {
				t.Fatalf("size = %v, want %dx%d", got.Bounds(), tt.wantW, tt.wantH)
			}
			second := got.RGBAAt(1, 0)
			if tt.wantH == 2 {
				second = got.RGBAAt(0, 1)
			}
			if got.RGBAAt(0, 0) != tt.wantFirst || second != tt.wantSecond {
				t.Errorf("pixels = %v, %v; want %v, %v", got.RGBAAt(0, 0), second, tt.wantFirst, tt.wantSecond)
			}
		})
	}
}

func TestFitWithin(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2000, 1000))

	got := FitWithin(img, 640)
	if got.Bounds().Dx() != 640 || got.Bounds().Dy() != 320 {
		t.Errorf("FitWithin() size = %v, want 640x320", got.Bounds())
	}

	small := image.NewRGBA(image.Rect(0, 0, 100, 50))
	if FitWithin(small, 640) != small {
		t.Error("FitWithin() resized an image already within bounds")
	}
}

func TestDecode(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, twoPixel()); err != nil {
		t.Fatal(err)
	}

	img, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode(png) error = %v", err)
	}
	if img.RGBAAt(1, 0) != blue {
		t.Errorf("decoded pixel = %v, want blue", img.RGBAAt(1, 0))
	}

	if _, err := Decode([]byte("not an image")); !errors.Is(err, ErrUnreadableImage) {
		t.Errorf("Decode(garbage) error = %v, want ErrUnreadableImage", err)
	}
}

func TestPipelineAcquire(t *testing.T) {
	p := &Pipeline{sem: make(chan struct{}, 1)}

	release, err := p.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}

	// A second caller gives up when its deadline passes instead of queueing.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := p.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("acquire() while held error = %v, want DeadlineExceeded", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("acquire() waited %v past its deadline", waited)
	}

	release()
	release2, err := p.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire() after release error = %v", err)
	}
	release2()
}

func TestEncodeJPEG_RoundTrip(t *testing.T) {
	data, err := EncodeJPEG(image.NewRGBA(image.Rect(0, 0, 8, 8)), 90)
	if err != nil {
		t.Fatalf("EncodeJPEG() error = %v", err)
	}
	img, err := Decode(data)
	if err != nil || img.Bounds().Dx() != 8 {
		t.Fatalf("Decode(jpeg) = %v, %v", img.Bounds(), err)
	}
}

func TestCropPadded(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))

	crop := cropPadded(img, [4]float32{40, 40, 60, 60})
	if crop == nil || crop.Bounds().Dx() != 24 || crop.Bounds().Min != (image.Point{}) {
		t.Errorf("cropPadded() = %v, want 24x24 at origin", crop.Bounds())
	}

	edge := cropPadded(img, [4]float32{0, 0, 50, 50})
	if edge.Bounds().Dx() != 55 {
		t.Errorf("cropPadded() at edge width = %d, want 55", edge.Bounds().Dx())
	}

	if cropPadded(img, [4]float32{200, 200, 300, 300}) != nil {
		t.Error("cropPadded() outside image should be nil")
	}
}

func TestToCHW(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.SetRGBA(x, y, color.RGBA{255, 0, 128, 255})
		}
	}

	out := toCHW(img, 2, 127.5, 127.5)
	if len(out) != 12 {
		t.Fatalf("len = %d, want 12", len(out))
	}
	if math.Abs(float64(out[0]-1)) > 1e-3 {
		t.Errorf("R plane = %v, want 1", out[0])
	}
	if math.Abs(float64(out[4]+1)) > 1e-3 {
		t.Errorf("G plane = %v, want -1", out[4])
	}
}

func TestIoU(t *testing.T) {
	a := [4]float32{0, 0, 10, 10}
	tests := []struct {
		name string
		b    [4]float32
		want float32
	}{
		{"same", a, 1},
		{"disjoint", [4]float32{20, 20, 30, 30}, 0},
		{"half", [4]float32{5, 0, 15, 10}, 50.0 / 150.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := iou(a, tt.b); math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Errorf("iou() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSuppress(t *testing.T) {
	dets := []Detection{
		{BBox: [4]float32{0, 0, 10, 10}, Confidence: 0.7},
		{BBox: [4]float32{1, 1, 11, 11}, Confidence: 0.9},
		{BBox: [4]float32{50, 50, 60, 60}, Confidence: 0.6},
	}

	kept := suppress(dets, 0.4)
	if len(kept) != 2 {
		t.Fatalf("suppress() kept %d, want 2", len(kept))
	}
	if kept[0].Confidence != 0.9 || kept[1].Confidence != 0.6 {
		t.Errorf("suppress() = %+v", kept)
	}
}

func TestDecodeStride(t *testing.T) {
	// 2x2 grid at stride 8, two anchors per cell; only anchor 6 (cell 3:
	// x=1, y=1) clears the threshold.
	scores := make([]float32, 8)
	scores[6] = 0.8
	boxes := make([]float32, 32)
	copy(boxes[24:], []float32{1, 1, 1, 1})

	dets := decodeStride(scores, boxes, 8, 2, 0.5, 1, 1, 100, 100)
	if len(dets) != 1 {
		t.Fatalf("decodeStride() = %d detections, want 1", len(dets))
	}
	want := [4]float32{0, 0, 16, 16}
	if dets[0].BBox != want {
		t.Errorf("BBox = %v, want %v", dets[0].BBox, want)
	}
}

func TestSingleFace(t *testing.T) {
	if _, err := singleFace(nil); !errors.Is(err, ErrNoFace) {
		t.Errorf("no detections: error = %v", err)
	}

	two := []Detection{{Confidence: 0.9}, {Confidence: 0.8}}
	_, err := singleFace(two)
	if !errors.Is(err, ErrMultipleFaces) || !errors.Is(err, ErrNoFace) {
		t.Errorf("two detections: error = %v", err)
	}

	d, err := singleFace([]Detection{{Confidence: 0.7}})
	if err != nil || d.Confidence != 0.7 {
		t.Errorf("one detection = %+v, %v", d, err)
	}
}

func TestL2Normalize(t *testing.T) {
	if l2Normalize([]float32{0, 0}) != nil {
		t.Error("zero vector should normalize to nil")
	}
	v := l2Normalize([]float32{3, 4})
	if math.Abs(float64(v[0])-0.6) > 1e-6 {
		t.Errorf("l2Normalize() = %v", v)
	}
}
