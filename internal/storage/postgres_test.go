//go:build integration

package storage

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/your-org/gatepass/internal/config"
	"github.com/your-org/gatepass/internal/models"
)

func setupTestContainer(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "gatepass",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil || container == nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	portNum, _ := strconv.Atoi(port.Port())

	store, err := NewPostgresStore(ctx, config.DatabaseConfig{
		Host: host, Port: portNum, Name: "gatepass", User: "test", Password: "test", MaxConns: 5,
	})
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	t.Cleanup(store.Close)

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// Second run must be a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() second run error = %v", err)
	}
	return store
}

func embedding(hot int) []float32 {
	v := make([]float32, 512)
	v[hot] = 1
	return v
}

func createProvisional(t *testing.T, s *PostgresStore, hot int) (*models.Person, *models.ReconciliationJob) {
	t.Helper()
	p := &models.Person{
		ID:          uuid.New(),
		NationalID:  models.NewPlaceholderNationalID(),
		Embedding:   embedding(hot),
		FaceQuality: 0.8,
	}
	entry := &models.EntryLog{ScannedAt: time.Now(), Similarity: 0}
	job := &models.ReconciliationJob{SourceImage: "cards/x.jpg"}
	if err := s.CreateProvisional(context.Background(), p, entry, job); err != nil {
		t.Fatalf("CreateProvisional() error = %v", err)
	}
	return p, job
}

func TestPostgresStore(t *testing.T) {
	s := setupTestContainer(t)
	ctx := context.Background()

	t.Run("ProvisionalPersonAndVisit", func(t *testing.T) {
		p, job := createProvisional(t, s, 0)

		got, err := s.GetPerson(ctx, p.ID)
		if err != nil {
			t.Fatalf("GetPerson() error = %v", err)
		}
		if got.Visits != 1 || !got.NeedsManualReview() {
			t.Errorf("new person = %+v", got)
		}

		storedJob, err := s.GetJob(ctx, job.ID)
		if err != nil || storedJob.PersonID != p.ID || storedJob.Status != models.JobStatusPending {
			t.Fatalf("GetJob() = %+v, %v", storedJob, err)
		}

		gate := 3
		visited, err := s.RecordVisit(ctx, &models.EntryLog{PersonID: p.ID, GateNumber: &gate, Similarity: 0.9, ScannedAt: time.Now()})
		if err != nil {
			t.Fatalf("RecordVisit() error = %v", err)
		}
		if visited.Visits != 2 || visited.GateNumber == nil || *visited.GateNumber != 3 {
			t.Errorf("after visit = %+v", visited)
		}
		if !visited.UpdatedAt.After(got.UpdatedAt) {
			t.Errorf("updated_at not advanced by visit: %v -> %v", got.UpdatedAt, visited.UpdatedAt)
		}

		entries, err := s.ListEntries(ctx, p.ID, 10)
		if err != nil || len(entries) != 2 {
			t.Fatalf("ListEntries() = %d entries, %v", len(entries), err)
		}
		if entries[0].IsNew || !entries[1].IsNew {
			t.Errorf("entries order/is_new wrong: %+v", entries)
		}
	})

	t.Run("BlockedPersonGetsNoVisit", func(t *testing.T) {
		p, _ := createProvisional(t, s, 1)
		if _, err := s.SetBlocked(ctx, p.ID, true, "stolen card"); err != nil {
			t.Fatalf("SetBlocked() error = %v", err)
		}
		_, err := s.RecordVisit(ctx, &models.EntryLog{PersonID: p.ID, ScannedAt: time.Now()})
		if !errors.Is(err, ErrBlocked) {
			t.Fatalf("RecordVisit() error = %v, want ErrBlocked", err)
		}
		got, _ := s.GetPerson(ctx, p.ID)
		if got.Visits != 1 {
			t.Errorf("Visits = %d, want 1", got.Visits)
		}
	})

	t.Run("ReconciliationPreconditions", func(t *testing.T) {
		a, _ := createProvisional(t, s, 2)
		b, _ := createProvisional(t, s, 3)

		merged, err := s.ApplyReconciliation(ctx, a.ID, a.NationalID, "29001011234567", "Ahmed Samir")
		if err != nil {
			t.Fatalf("ApplyReconciliation() error = %v", err)
		}
		if merged.NationalID != "29001011234567" || merged.FullName != "Ahmed Samir" {
			t.Errorf("merged = %+v", merged)
		}

		if _, err := s.ApplyReconciliation(ctx, a.ID, a.NationalID, "29001011234568", ""); !errors.Is(err, ErrStalePrecondition) {
			t.Errorf("stale apply error = %v, want ErrStalePrecondition", err)
		}
		if _, err := s.ApplyReconciliation(ctx, b.ID, b.NationalID, "29001011234567", ""); !errors.Is(err, ErrDuplicateNationalID) {
			t.Errorf("duplicate apply error = %v, want ErrDuplicateNationalID", err)
		}

		other, err := s.GetPersonByNationalID(ctx, "29001011234567")
		if err != nil || other.ID != a.ID {
			t.Errorf("GetPersonByNationalID() = %v, %v", other, err)
		}

		filled, err := s.FillName(ctx, b.ID, "Mona Adel")
		if err != nil || !filled {
			t.Fatalf("FillName() = %v, %v", filled, err)
		}
		filled, _ = s.FillName(ctx, b.ID, "Someone Else")
		if filled {
			t.Error("FillName() overwrote a non-empty name")
		}
	})

	t.Run("JobsLifecycle", func(t *testing.T) {
		_, job := createProvisional(t, s, 4)

		pending, err := s.ListUnpublishedJobs(ctx, 0, 100)
		if err != nil {
			t.Fatalf("ListUnpublishedJobs() error = %v", err)
		}
		found := false
		for _, j := range pending {
			found = found || j.ID == job.ID
		}
		if !found {
			t.Fatal("new job not listed as unpublished")
		}

		if err := s.MarkJobPublished(ctx, job.ID); err != nil {
			t.Fatalf("MarkJobPublished() error = %v", err)
		}
		n, err := s.RecordJobAttempt(ctx, job.ID, "ocr timeout")
		if err != nil || n != 1 {
			t.Fatalf("RecordJobAttempt() = %d, %v", n, err)
		}
		if err := s.FinishJob(ctx, job.ID, models.JobStatusExhausted, "ocr timeout"); err != nil {
			t.Fatalf("FinishJob() error = %v", err)
		}
		exhausted, _ := s.ListJobs(ctx, models.JobStatusExhausted, 10)
		if len(exhausted) == 0 || exhausted[0].ID != job.ID {
			t.Errorf("ListJobs(exhausted) = %+v", exhausted)
		}
	})

	t.Run("ChangesCursorOrder", func(t *testing.T) {
		id := uuid.New()
		first, err := s.AppendChange(ctx, id, models.ChangePersonCreated)
		if err != nil {
			t.Fatalf("AppendChange() error = %v", err)
		}
		_, _ = s.AppendChange(ctx, id, models.ChangePersonReconciled)

		events, err := s.ChangesSince(ctx, first.OccurredAt, first.Seq, 10)
		if err != nil {
			t.Fatalf("ChangesSince() error = %v", err)
		}
		if len(events) != 1 || events[0].Kind != models.ChangePersonReconciled {
			t.Errorf("ChangesSince() = %+v", events)
		}
	})

	t.Run("ChangesTailSeesEveryConcurrentAppend", func(t *testing.T) {
		start, err := s.AppendChange(ctx, uuid.New(), models.ChangePersonCreated)
		if err != nil {
			t.Fatal(err)
		}

		const writers, perWriter = 8, 25
		var wg sync.WaitGroup
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range perWriter {
					if _, err := s.AppendChange(ctx, uuid.New(), models.ChangePersonVisited); err != nil {
						t.Error(err)
						return
					}
				}
			}()
		}
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()

		// Tail the log while the writers run, always resuming from the last
		// event seen.
		seen := map[int64]bool{}
		at, seq := start.OccurredAt, start.Seq
		poll := func() {
			events, err := s.ChangesSince(ctx, at, seq, 1000)
			if err != nil {
				t.Fatalf("ChangesSince() error = %v", err)
			}
			for _, ev := range events {
				seen[ev.Seq] = true
				at, seq = ev.OccurredAt, ev.Seq
			}
		}
		for tailing := true; tailing; {
			select {
			case <-done:
				tailing = false
			default:
			}
			poll()
		}
		poll()

		if len(seen) != writers*perWriter {
			t.Errorf("tail saw %d events, want %d", len(seen), writers*perWriter)
		}
	})

	t.Run("Settings", func(t *testing.T) {
		st, err := s.GetFaceMatchSettings(ctx)
		if err != nil || !st.Enabled {
			t.Fatalf("GetFaceMatchSettings() = %+v, %v", st, err)
		}
		if err := s.SaveFaceMatchSettings(ctx, &models.FaceMatchSettings{Enabled: false, Threshold: 0.5}); err != nil {
			t.Fatalf("SaveFaceMatchSettings() error = %v", err)
		}
		st, _ = s.GetFaceMatchSettings(ctx)
		if st.Enabled || st.Threshold != 0.5 {
			t.Errorf("settings = %+v", st)
		}
	})

	t.Run("EmbeddingsAndDelete", func(t *testing.T) {
		p, _ := createProvisional(t, s, 5)
		all, err := s.ListEmbeddings(ctx)
		if err != nil {
			t.Fatalf("ListEmbeddings() error = %v", err)
		}
		var got []float32
		for _, e := range all {
			if e.ID == p.ID {
				got = e.Embedding
			}
		}
		if len(got) != 512 || got[5] != 1 {
			t.Fatalf("embedding round trip lost data: len=%d", len(got))
		}

		if err := s.ReplaceFace(ctx, p.ID, embedding(6), 0.5, "faces/x.jpg"); !errors.Is(err, ErrStalePrecondition) {
			t.Errorf("ReplaceFace(worse) error = %v, want ErrStalePrecondition", err)
		}
		if err := s.ReplaceFace(ctx, p.ID, embedding(6), 0.95, "faces/x.jpg"); err != nil {
			t.Errorf("ReplaceFace(better) error = %v", err)
		}

		if _, err := s.DeletePerson(ctx, p.ID); err != nil {
			t.Fatalf("DeletePerson() error = %v", err)
		}
		if _, err := s.GetPerson(ctx, p.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetPerson(deleted) error = %v, want ErrNotFound", err)
		}
	})
}
