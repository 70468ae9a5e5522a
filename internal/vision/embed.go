package vision

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

const embedderInputSize = 112

// Embedder runs the ArcFace w600k_r50 model on 112x112 face crops.
type Embedder struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	dim     int
}

func NewEmbedder(modelPath string, dim int) (*Embedder, error) {
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, embedderInputSize, embedderInputSize))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(dim)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"}, []string{"683"},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create embedder session: %w", err)
	}

	return &Embedder{session: session, input: input, output: output, dim: dim}, nil
}

// Extract returns the raw embedding for a CHW face tensor. Callers normalize.
func (e *Embedder) Extract(chw []float32) ([]float32, error) {
	copy(e.input.GetData(), chw)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("run embedding: %w", err)
	}
	out := make([]float32, e.dim)
	copy(out, e.output.GetData())
	return out, nil
}

func (e *Embedder) Dim() int {
	return e.dim
}

func (e *Embedder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.input != nil {
		e.input.Destroy()
	}
	if e.output != nil {
		e.output.Destroy()
	}
}
