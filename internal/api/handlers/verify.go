package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/gatepass/internal/verify"
	"github.com/your-org/gatepass/pkg/dto"
)

const maxScanBytes = 10 << 20

type Verifier interface {
	Verify(ctx context.Context, scan verify.Scan) verify.Outcome
}

type VerifyHandler struct {
	engine Verifier
}

func NewVerifyHandler(engine Verifier) *VerifyHandler {
	return &VerifyHandler{engine: engine}
}

// Verify takes a multipart scan: the face capture in "image" and an
// optional "gate" number. Every decided scan answers 200; the guard reads
// the status field.
func (h *VerifyHandler) Verify(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxScanBytes)

	file, _, err := c.Request.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read image"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty image"})
		return
	}

	scan := verify.Scan{Image: data}
	if g := c.PostForm("gate"); g != "" {
		gate, err := strconv.Atoi(g)
		if err != nil || gate < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid gate"})
			return
		}
		scan.Gate = &gate
	}

	out := h.engine.Verify(c.Request.Context(), scan)
	c.JSON(statusFor(out), newVerifyResponse(out))
}

// statusFor maps infrastructure failures to 503 so gate clients and load
// balancers can tell them apart from a face that was simply not found.
func statusFor(out verify.Outcome) int {
	if out.Status != verify.StatusError {
		return http.StatusOK
	}
	switch out.Reason {
	case verify.ReasonNoFace, verify.ReasonUnreadableImage:
		return http.StatusUnprocessableEntity
	case verify.ReasonEmbeddingTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusServiceUnavailable
}

func newVerifyResponse(out verify.Outcome) dto.VerifyResponse {
	resp := dto.VerifyResponse{
		Status:     string(out.Status),
		IsNew:      out.IsNew,
		Reason:     out.Reason,
		Similarity: out.Similarity,
	}
	if out.Person != nil {
		id := out.Person.ID
		resp.PersonID = &id
		resp.FullName = out.Person.FullName
		resp.Visits = out.Person.Visits
		if out.Person.HasResolvedNationalID() {
			resp.NationalID = out.Person.NationalID
		}
	} else if out.PersonID != uuid.Nil {
		id := out.PersonID
		resp.PersonID = &id
	}
	return resp
}
