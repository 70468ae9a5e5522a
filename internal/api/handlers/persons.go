package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/gatepass/internal/models"
	"github.com/your-org/gatepass/internal/observability"
	"github.com/your-org/gatepass/internal/ocr"
	"github.com/your-org/gatepass/internal/storage"
	"github.com/your-org/gatepass/pkg/dto"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type PersonStore interface {
	GetPerson(ctx context.Context, id uuid.UUID) (*models.Person, error)
	ListPersons(ctx context.Context, query string, limit, offset int) ([]models.Person, int, error)
	UpdateIdentity(ctx context.Context, id uuid.UUID, nationalID, fullName *string) (*models.Person, error)
	SetBlocked(ctx context.Context, id uuid.UUID, blocked bool, reason string) (*models.Person, error)
	DeletePerson(ctx context.Context, id uuid.UUID) (*models.Person, error)
	ListEntries(ctx context.Context, personID uuid.UUID, limit int) ([]models.EntryLog, error)
}

type ObjectStore interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeleteObjects(ctx context.Context, keys ...string) error
}

// GalleryIndex is the in-memory face index the engine matches against.
type GalleryIndex interface {
	Remove(id uuid.UUID)
	Len() int
}

type ChangeNotifier interface {
	Publish(ctx context.Context, personID uuid.UUID, kind models.ChangeKind) error
}

type PersonHandler struct {
	store   PersonStore
	objects ObjectStore
	gallery GalleryIndex
	changes ChangeNotifier
}

func NewPersonHandler(store PersonStore, objects ObjectStore, gallery GalleryIndex, changes ChangeNotifier) *PersonHandler {
	return &PersonHandler{store: store, objects: objects, gallery: gallery, changes: changes}
}

func (h *PersonHandler) List(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultPageSize)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}
	limit = min(limit, maxPageSize)

	persons, total, err := h.store.ListPersons(c.Request.Context(), strings.TrimSpace(c.Query("q")), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := dto.PersonListResponse{Persons: make([]dto.PersonResponse, 0, len(persons)), Total: total}
	for i := range persons {
		resp.Persons = append(resp.Persons, dto.NewPersonResponse(&persons[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PersonHandler) Get(c *gin.Context) {
	person, ok := h.loadPerson(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.NewPersonResponse(person))
}

// Update applies an admin correction. The admin's value always wins over a
// reconciliation still in flight.
func (h *PersonHandler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req dto.UpdatePersonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.NationalID == nil && req.FullName == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}
	if req.NationalID != nil {
		nid, err := ocr.ParseNationalID(*req.NationalID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "national_id must be 14 digits"})
			return
		}
		req.NationalID = &nid
	}
	if req.FullName != nil {
		name := ocr.NormalizeName(*req.FullName)
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "full_name must not be empty"})
			return
		}
		req.FullName = &name
	}

	person, err := h.store.UpdateIdentity(c.Request.Context(), id, req.NationalID, req.FullName)
	if !h.checkStore(c, err) {
		return
	}
	h.notify(c, id, models.ChangePersonEdited)
	c.JSON(http.StatusOK, dto.NewPersonResponse(person))
}

func (h *PersonHandler) Block(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req dto.BlockRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	person, err := h.store.SetBlocked(c.Request.Context(), id, true, strings.TrimSpace(req.Reason))
	if !h.checkStore(c, err) {
		return
	}
	h.notify(c, id, models.ChangePersonBlocked)
	c.JSON(http.StatusOK, dto.NewPersonResponse(person))
}

func (h *PersonHandler) Unblock(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	person, err := h.store.SetBlocked(c.Request.Context(), id, false, "")
	if !h.checkStore(c, err) {
		return
	}
	h.notify(c, id, models.ChangePersonUnblocked)
	c.JSON(http.StatusOK, dto.NewPersonResponse(person))
}

// Delete removes the person with their history and images. The person
// drops out of the gallery right away so the next scan treats them as new.
func (h *PersonHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	person, err := h.store.DeletePerson(c.Request.Context(), id)
	if !h.checkStore(c, err) {
		return
	}

	h.gallery.Remove(id)
	observability.GallerySize.Set(float64(h.gallery.Len()))

	var keys []string
	for _, k := range []string{person.PhotoPath, person.CardPath} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		if err := h.objects.DeleteObjects(c.Request.Context(), keys...); err != nil {
			slog.Warn("delete person images", "person_id", id, "error", err)
		}
	}

	h.notify(c, id, models.ChangePersonDeleted)
	c.Status(http.StatusNoContent)
}

func (h *PersonHandler) Photo(c *gin.Context) {
	person, ok := h.loadPerson(c)
	if !ok {
		return
	}
	h.serveImage(c, person.PhotoPath)
}

func (h *PersonHandler) Card(c *gin.Context) {
	person, ok := h.loadPerson(c)
	if !ok {
		return
	}
	h.serveImage(c, person.CardPath)
}

func (h *PersonHandler) Entries(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", defaultPageSize)
	if !ok {
		return
	}

	if _, err := h.store.GetPerson(c.Request.Context(), id); !h.checkStore(c, err) {
		return
	}
	entries, err := h.store.ListEntries(c.Request.Context(), id, min(limit, maxPageSize))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.EntryResponse, 0, len(entries))
	for i := range entries {
		resp = append(resp, dto.NewEntryResponse(&entries[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PersonHandler) serveImage(c *gin.Context, key string) {
	if key == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return
	}
	data, err := h.objects.GetObject(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}

func (h *PersonHandler) loadPerson(c *gin.Context) (*models.Person, bool) {
	id, ok := parseID(c)
	if !ok {
		return nil, false
	}
	person, err := h.store.GetPerson(c.Request.Context(), id)
	if !h.checkStore(c, err) {
		return nil, false
	}
	return person, true
}

// checkStore maps store errors to responses and reports whether the
// handler may continue.
func (h *PersonHandler) checkStore(c *gin.Context, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "person not found"})
	case errors.Is(err, storage.ErrDuplicateNationalID):
		c.JSON(http.StatusConflict, gin.H{"error": "national_id already belongs to another person"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
	return false
}

func (h *PersonHandler) notify(c *gin.Context, id uuid.UUID, kind models.ChangeKind) {
	if err := h.changes.Publish(c.Request.Context(), id, kind); err != nil {
		slog.Error("record change", "person_id", id, "kind", kind, "error", err)
	}
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid person id"})
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, def int) (int, bool) {
	s := c.Query(name)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return n, true
}
