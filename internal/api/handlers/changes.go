package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/your-org/gatepass/internal/models"
	"github.com/your-org/gatepass/internal/notify"
	"github.com/your-org/gatepass/pkg/dto"
)

type ChangeFeed interface {
	Since(ctx context.Context, cursor notify.Cursor, limit int) ([]models.ChangeEvent, notify.Cursor, error)
}

type ChangesHandler struct {
	feed ChangeFeed
}

func NewChangesHandler(feed ChangeFeed) *ChangesHandler {
	return &ChangesHandler{feed: feed}
}

// List serves GET /v1/changes?cursor=&limit=. Clients poll with the returned
// cursor; an empty cursor starts from the beginning of the log.
func (h *ChangesHandler) List(c *gin.Context) {
	cursor, err := notify.ParseCursor(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}

	limit := notify.DefaultLimit
	if l := c.Query("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}

	events, next, err := h.feed.Since(c.Request.Context(), cursor, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := dto.ChangeListResponse{
		Events: make([]dto.ChangeEvent, 0, len(events)),
		Cursor: next.String(),
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, dto.NewChangeEvent(ev, notify.CursorOf(ev).String()))
	}
	c.JSON(http.StatusOK, resp)
}
