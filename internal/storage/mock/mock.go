// Package mock provides in-memory implementations of the storage layer for testing.
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/gatepass/internal/models"
	"github.com/your-org/gatepass/internal/storage"
)

// Store is an in-memory stand-in for storage.PostgresStore. It enforces the
// same unique national ID and conditional-update rules.
type Store struct {
	mu        sync.Mutex
	persons   map[uuid.UUID]*models.Person
	entries   []models.EntryLog
	jobs      map[uuid.UUID]*models.ReconciliationJob
	conflicts []models.IdentityConflict
	changes   []models.ChangeEvent
	settings  models.FaceMatchSettings
	now       func() time.Time

	// Error injection
	GetPersonError         error
	CreateProvisionalError error
	RecordVisitError       error
	ApplyError             error
	RecordAttemptError     error
	AppendChangeError      error
	CreateJobError         error
}

func NewStore() *Store {
	return &Store{
		persons:  make(map[uuid.UUID]*models.Person),
		jobs:     make(map[uuid.UUID]*models.ReconciliationJob),
		settings: models.FaceMatchSettings{Enabled: true, Threshold: 0.35},
		now:      time.Now,
	}
}

// AddPerson seeds a person. Embedding is kept as given.
func (m *Store) AddPerson(p models.Person) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
		p.UpdatedAt = p.CreatedAt
	}
	m.persons[p.ID] = &p
}

// Persons returns copies of all stored persons.
func (m *Store) Persons() []models.Person {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Person, 0, len(m.persons))
	for _, p := range m.persons {
		out = append(out, *p)
	}
	return out
}

func (m *Store) Entries() []models.EntryLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}

func (m *Store) Jobs() []models.ReconciliationJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ReconciliationJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	return out
}

func (m *Store) Conflicts() []models.IdentityConflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.conflicts)
}

func (m *Store) Changes() []models.ChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.changes)
}

func (m *Store) nidTakenLocked(nid string, except uuid.UUID) *models.Person {
	for _, p := range m.persons {
		if p.ID != except && p.NationalID == nid {
			return p
		}
	}
	return nil
}

func (m *Store) Ping(ctx context.Context) error { return nil }

func (m *Store) GetPerson(ctx context.Context, id uuid.UUID) (*models.Person, error) {
	if m.GetPersonError != nil {
		return nil, m.GetPersonError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.persons[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Store) GetPersonByNationalID(ctx context.Context, nationalID string) (*models.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.nidTakenLocked(nationalID, uuid.Nil); p != nil {
		cp := *p
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (m *Store) ListEmbeddings(ctx context.Context) ([]models.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Person
	for _, p := range m.persons {
		if len(p.Embedding) == 0 {
			continue
		}
		seen := p.CreatedAt
		if p.LastSeenAt != nil {
			seen = *p.LastSeenAt
		}
		out = append(out, models.Person{ID: p.ID, Embedding: slices.Clone(p.Embedding), LastSeenAt: &seen})
	}
	return out, nil
}

func (m *Store) ListPersons(ctx context.Context, query string, limit, offset int) ([]models.Person, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(strings.TrimSpace(query))
	var matched []models.Person
	for _, p := range m.persons {
		if q == "" || strings.HasPrefix(p.NationalID, q) || strings.Contains(strings.ToLower(p.FullName), q) {
			matched = append(matched, *p)
		}
	}
	slices.SortFunc(matched, func(a, b models.Person) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	total := len(matched)
	if limit <= 0 {
		limit = 50
	}
	if offset > total {
		offset = total
	}
	return matched[offset:min(offset+limit, total)], total, nil
}

func (m *Store) CreateProvisional(ctx context.Context, p *models.Person, entry *models.EntryLog, job *models.ReconciliationJob) error {
	if m.CreateProvisionalError != nil {
		return m.CreateProvisionalError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nidTakenLocked(p.NationalID, p.ID) != nil {
		return storage.ErrDuplicateNationalID
	}
	now := m.now()
	seen := entry.ScannedAt
	p.Visits = 1
	p.CreatedAt, p.UpdatedAt, p.LastSeenAt = now, now, &seen
	cp := *p
	cp.Embedding = slices.Clone(p.Embedding)
	m.persons[p.ID] = &cp

	entry.PersonID = p.ID
	entry.IsNew = true
	entry.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, *entry)

	job.PersonID = p.ID
	m.insertJobLocked(job)
	return nil
}

func (m *Store) RecordVisit(ctx context.Context, entry *models.EntryLog) (*models.Person, error) {
	if m.RecordVisitError != nil {
		return nil, m.RecordVisitError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.persons[entry.PersonID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if p.IsBlocked {
		return nil, storage.ErrBlocked
	}
	seen := entry.ScannedAt
	p.Visits++
	p.LastSeenAt = &seen
	p.UpdatedAt = m.now()
	if entry.GateNumber != nil {
		g := *entry.GateNumber
		p.GateNumber = &g
	}
	entry.IsNew = false
	entry.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, *entry)
	cp := *p
	return &cp, nil
}

func (m *Store) ReplaceFace(ctx context.Context, id uuid.UUID, embedding []float32, quality float32, photoPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.persons[id]
	if !ok || p.FaceQuality >= quality {
		return storage.ErrStalePrecondition
	}
	p.Embedding = slices.Clone(embedding)
	p.FaceQuality = quality
	p.PhotoPath = photoPath
	p.UpdatedAt = m.now()
	return nil
}

func (m *Store) ApplyReconciliation(ctx context.Context, id uuid.UUID, expectedNationalID, nationalID, fullName string) (*models.Person, error) {
	if m.ApplyError != nil {
		return nil, m.ApplyError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.persons[id]
	if !ok || p.NationalID != expectedNationalID {
		return nil, storage.ErrStalePrecondition
	}
	if m.nidTakenLocked(nationalID, id) != nil {
		return nil, storage.ErrDuplicateNationalID
	}
	p.NationalID = nationalID
	if p.FullName == "" {
		p.FullName = fullName
	}
	p.UpdatedAt = m.now()
	cp := *p
	return &cp, nil
}

func (m *Store) FillName(ctx context.Context, id uuid.UUID, fullName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.persons[id]
	if !ok || p.FullName != "" {
		return false, nil
	}
	p.FullName = fullName
	p.UpdatedAt = m.now()
	return true, nil
}

func (m *Store) UpdateIdentity(ctx context.Context, id uuid.UUID, nationalID, fullName *string) (*models.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.persons[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if nationalID != nil {
		if m.nidTakenLocked(*nationalID, id) != nil {
			return nil, storage.ErrDuplicateNationalID
		}
		p.NationalID = *nationalID
	}
	if fullName != nil {
		p.FullName = *fullName
	}
	p.UpdatedAt = m.now()
	cp := *p
	return &cp, nil
}

func (m *Store) SetBlocked(ctx context.Context, id uuid.UUID, blocked bool, reason string) (*models.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.persons[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !blocked {
		reason = ""
	}
	p.IsBlocked, p.BlockReason = blocked, reason
	p.UpdatedAt = m.now()
	cp := *p
	return &cp, nil
}

func (m *Store) DeletePerson(ctx context.Context, id uuid.UUID) (*models.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.persons[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(m.persons, id)
	for jid, j := range m.jobs {
		if j.PersonID == id {
			delete(m.jobs, jid)
		}
	}
	m.entries = slices.DeleteFunc(m.entries, func(e models.EntryLog) bool { return e.PersonID == id })
	return p, nil
}

func (m *Store) ListEntries(ctx context.Context, personID uuid.UUID, limit int) ([]models.EntryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EntryLog
	for i := len(m.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.entries[i].PersonID == personID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

// --- Jobs ---

func (m *Store) insertJobLocked(j *models.ReconciliationJob) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = models.JobStatusPending
	}
	j.CreatedAt = m.now()
	j.UpdatedAt = j.CreatedAt
	cp := *j
	m.jobs[j.ID] = &cp
}

func (m *Store) CreateJob(ctx context.Context, j *models.ReconciliationJob) error {
	if m.CreateJobError != nil {
		return m.CreateJobError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertJobLocked(j)
	return nil
}

func (m *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Store) MarkJobPublished(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.PublishedAt == nil {
		now := m.now()
		j.PublishedAt = &now
	}
	return nil
}

func (m *Store) ListUnpublishedJobs(ctx context.Context, olderThan time.Duration, limit int) ([]models.ReconciliationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	var out []models.ReconciliationJob
	for _, j := range m.jobs {
		if j.Status == models.JobStatusPending && j.PublishedAt == nil && !j.CreatedAt.After(cutoff) {
			out = append(out, *j)
		}
	}
	slices.SortFunc(out, func(a, b models.ReconciliationJob) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.ReconciliationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ReconciliationJob
	for _, j := range m.jobs {
		if status == "" || j.Status == status {
			out = append(out, *j)
		}
	}
	slices.SortFunc(out, func(a, b models.ReconciliationJob) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) RecordJobAttempt(ctx context.Context, id uuid.UUID, lastError string) (int, error) {
	if m.RecordAttemptError != nil {
		return 0, m.RecordAttemptError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return 0, storage.ErrNotFound
	}
	j.AttemptCount++
	j.LastError = lastError
	j.UpdatedAt = m.now()
	return j.AttemptCount, nil
}

func (m *Store) FinishJob(ctx context.Context, id uuid.UUID, status models.JobStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	j.Status = status
	j.LastError = lastError
	j.UpdatedAt = m.now()
	return nil
}

// --- Conflicts ---

func (m *Store) CreateConflict(ctx context.Context, c *models.IdentityConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = int64(len(m.conflicts) + 1)
	c.CreatedAt = m.now()
	m.conflicts = append(m.conflicts, *c)
	return nil
}

func (m *Store) ListConflicts(ctx context.Context, limit int) ([]models.IdentityConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.conflicts)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Changes ---

func (m *Store) AppendChange(ctx context.Context, personID uuid.UUID, kind models.ChangeKind) (*models.ChangeEvent, error) {
	if m.AppendChangeError != nil {
		return nil, m.AppendChangeError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := models.ChangeEvent{
		Seq:        int64(len(m.changes) + 1),
		PersonID:   personID,
		Kind:       kind,
		OccurredAt: m.now().Truncate(time.Microsecond),
	}
	m.changes = append(m.changes, ev)
	return &ev, nil
}

func (m *Store) ChangesSince(ctx context.Context, after time.Time, afterSeq int64, limit int) ([]models.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := slices.Clone(m.changes)
	slices.SortFunc(sorted, func(a, b models.ChangeEvent) int {
		if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
			return c
		}
		return int(a.Seq - b.Seq)
	})
	var out []models.ChangeEvent
	for _, ev := range sorted {
		if ev.OccurredAt.After(after) || (ev.OccurredAt.Equal(after) && ev.Seq > afterSeq) {
			out = append(out, ev)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// --- Settings ---

func (m *Store) GetFaceMatchSettings(ctx context.Context) (*models.FaceMatchSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.settings
	return &st, nil
}

func (m *Store) SaveFaceMatchSettings(ctx context.Context, st *models.FaceMatchSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.UpdatedAt = m.now()
	m.settings = *st
	return nil
}
