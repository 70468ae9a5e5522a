package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	_ "golang.org/x/image/webp"

	"github.com/your-org/gatepass/internal/models"
)

// Decode reads a JPEG, PNG, WebP or BMP capture into an RGBA image whose
// bounds start at the origin.
func Decode(data []byte) (*image.RGBA, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w: %v", ErrUnreadableImage, err)
	}
	return toRGBA(img), nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// FitWithin downscales img so its longer side is at most maxDim. Smaller
// images are returned unchanged.
func FitWithin(img *image.RGBA, maxDim int) *image.RGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	long := max(w, h)
	if maxDim <= 0 || long <= maxDim {
		return img
	}
	nw, nh := max(1, w*maxDim/long), max(1, h*maxDim/long)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Rotate turns a card capture by the admin-requested direction: left is a
// quarter turn counter-clockwise, right clockwise, flip a half turn.
func Rotate(img *image.RGBA, dir models.Direction) *image.RGBA {
	w, h := float64(img.Bounds().Dx()), float64(img.Bounds().Dy())

	var m f64.Aff3
	var dst *image.RGBA
	switch dir {
	case models.DirectionLeft:
		m = f64.Aff3{0, 1, 0, -1, 0, w}
		dst = image.NewRGBA(image.Rect(0, 0, int(h), int(w)))
	case models.DirectionRight:
		m = f64.Aff3{0, -1, h, 1, 0, 0}
		dst = image.NewRGBA(image.Rect(0, 0, int(h), int(w)))
	case models.DirectionFlip:
		m = f64.Aff3{-1, 0, w, 0, -1, h}
		dst = image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	default:
		return img
	}
	draw.NearestNeighbor.Transform(dst, m, img, img.Bounds(), draw.Src, nil)
	return dst
}

// EncodeJPEG encodes an image as JPEG with the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// toCHW resizes img to size x size and lays it out as normalized planar RGB:
// (pixel - mean) / std.
func toCHW(img *image.RGBA, size int, mean, std float32) []float32 {
	resized := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	out := make([]float32, 3*plane)
	for y := range size {
		row := resized.Pix[y*resized.Stride:]
		for x := range size {
			px := row[x*4 : x*4+3]
			i := y*size + x
			out[i] = (float32(px[0]) - mean) / std
			out[plane+i] = (float32(px[1]) - mean) / std
			out[2*plane+i] = (float32(px[2]) - mean) / std
		}
	}
	return out
}

// cropPadded cuts bbox out of img with 10% padding on every side.
func cropPadded(img *image.RGBA, bbox [4]float32) *image.RGBA {
	padW := (bbox[2] - bbox[0]) * 0.1
	padH := (bbox[3] - bbox[1]) * 0.1
	r := image.Rect(
		int(bbox[0]-padW), int(bbox[1]-padH),
		int(bbox[2]+padW), int(bbox[3]+padH),
	).Intersect(img.Bounds())
	if r.Empty() {
		return nil
	}
	return toRGBA(img.SubImage(r))
}
