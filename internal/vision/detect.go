package vision

import (
	"fmt"
	"slices"

	ort "github.com/yalue/onnxruntime_go"
)

// Detection is one face found on a capture, in original image pixels.
type Detection struct {
	BBox       [4]float32 // x1, y1, x2, y2
	Confidence float32
}

func (d Detection) area() float32 {
	return max(0, d.BBox[2]-d.BBox[0]) * max(0, d.BBox[3]-d.BBox[1])
}

// Detector runs the RetinaFace det_10g model.
type Detector struct {
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	scores    []*ort.Tensor[float32]
	boxes     []*ort.Tensor[float32]
	others    []*ort.Tensor[float32]
	threshold float32
	size      int
}

const (
	detectorInputSize = 640
	anchorsPerCell    = 2
	nmsIoU            = 0.4
)

var detectorStrides = []int{8, 16, 32}

// det_10g output node names, per stride: scores, boxes, landmarks.
var detectorOutputs = [3][3]string{
	{"448", "451", "454"},
	{"471", "474", "477"},
	{"494", "497", "500"},
}

func NewDetector(modelPath string, threshold float32) (*Detector, error) {
	d := &Detector{threshold: threshold, size: detectorInputSize}

	var err error
	d.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, detectorInputSize, detectorInputSize))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	// Landmark outputs are bound because the session requires every output,
	// but they are not read.
	var names []string
	var values []ort.Value
	for i, stride := range detectorStrides {
		cells := int64(detectorInputSize/stride) * int64(detectorInputSize/stride) * anchorsPerCell
		for j, width := range []int64{1, 4, 10} {
			t, err := ort.NewEmptyTensor[float32](ort.NewShape(cells, width))
			if err != nil {
				d.Close()
				return nil, fmt.Errorf("create output tensor %s: %w", detectorOutputs[i][j], err)
			}
			switch j {
			case 0:
				d.scores = append(d.scores, t)
			case 1:
				d.boxes = append(d.boxes, t)
			default:
				d.others = append(d.others, t)
			}
			names = append(names, detectorOutputs[i][j])
			values = append(values, t)
		}
	}

	d.session, err = ort.NewAdvancedSession(modelPath,
		[]string{"input.1"}, names,
		[]ort.Value{d.input}, values, nil)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create detector session: %w", err)
	}
	return d, nil
}

// Detect runs the model on a CHW tensor of the detector's input size and
// returns NMS-filtered faces scaled back to origW x origH.
func (d *Detector) Detect(chw []float32, origW, origH int) ([]Detection, error) {
	copy(d.input.GetData(), chw)
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}

	sx := float32(origW) / float32(d.size)
	sy := float32(origH) / float32(d.size)

	var found []Detection
	for i, stride := range detectorStrides {
		found = append(found, decodeStride(
			d.scores[i].GetData(), d.boxes[i].GetData(),
			stride, d.size/stride, d.threshold, sx, sy, origW, origH)...)
	}
	return suppress(found, nmsIoU), nil
}

// decodeStride turns one stride's anchor outputs into detections. Box
// outputs are distances from the anchor center in stride units.
func decodeStride(scores, boxes []float32, stride, cells int, threshold, sx, sy float32, w, h int) []Detection {
	var out []Detection
	st := float32(stride)
	for idx, score := range scores {
		if score < threshold {
			continue
		}
		cell := idx / anchorsPerCell
		cx := float32(cell%cells) * st
		cy := float32(cell/cells) * st
		b := boxes[idx*4 : idx*4+4]
		out = append(out, Detection{
			BBox: [4]float32{
				clamp((cx-b[0]*st)*sx, 0, float32(w)),
				clamp((cy-b[1]*st)*sy, 0, float32(h)),
				clamp((cx+b[2]*st)*sx, 0, float32(w)),
				clamp((cy+b[3]*st)*sy, 0, float32(h)),
			},
			Confidence: score,
		})
	}
	return out
}

func (d *Detector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.input != nil {
		d.input.Destroy()
	}
	for _, group := range [][]*ort.Tensor[float32]{d.scores, d.boxes, d.others} {
		for _, t := range group {
			t.Destroy()
		}
	}
}

// suppress is greedy non-maximum suppression, highest confidence first.
func suppress(dets []Detection, iouThreshold float32) []Detection {
	slices.SortFunc(dets, func(a, b Detection) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		}
		return 0
	})

	var kept []Detection
	for _, cand := range dets {
		overlaps := false
		for _, k := range kept {
			if iou(cand.BBox, k.BBox) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, cand)
		}
	}
	return kept
}

func iou(a, b [4]float32) float32 {
	ix := max(0, min(a[2], b[2])-max(a[0], b[0]))
	iy := max(0, min(a[3], b[3])-max(a[1], b[1]))
	inter := ix * iy
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clamp(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}
