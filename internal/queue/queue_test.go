package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/gatepass/internal/models"
	"github.com/your-org/gatepass/internal/storage/mock"
)

func TestBackoff(t *testing.T) {
	base, ceiling := 5*time.Second, 5*time.Minute
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{7, 5 * time.Minute},
		{100, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.attempt), func(t *testing.T) {
			if got := Backoff(tt.attempt, base, ceiling); got != tt.want {
				t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

type fakeMsg struct {
	acked, naked, termed bool
	delay                time.Duration
}

func (m *fakeMsg) Ack() error {
	m.acked = true
	return nil
}

func (m *fakeMsg) Nak() error {
	m.naked = true
	return nil
}

func (m *fakeMsg) Term() error {
	m.termed = true
	return nil
}

func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.naked = true
	m.delay = d
	return nil
}

func TestSettle(t *testing.T) {
	ok := &fakeMsg{}
	settle(ok, nil)
	if !ok.acked || ok.naked {
		t.Errorf("nil error: %+v", ok)
	}

	plain := &fakeMsg{}
	settle(plain, errors.New("db down"))
	if plain.acked || !plain.naked || plain.delay != 0 {
		t.Errorf("plain error: %+v", plain)
	}

	delayed := &fakeMsg{}
	err := fmt.Errorf("process: %w", &RetryError{Delay: 20 * time.Second, Err: errors.New("ocr timeout")})
	settle(delayed, err)
	if !delayed.naked || delayed.delay != 20*time.Second {
		t.Errorf("retry error: %+v", delayed)
	}
}

func TestRetryError_Unwrap(t *testing.T) {
	cause := errors.New("ocr timeout")
	err := &RetryError{Delay: time.Second, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("RetryError should unwrap to its cause")
	}
}

type fakePublisher struct {
	published []uuid.UUID
	failFor   uuid.UUID
}

func (p *fakePublisher) PublishJob(ctx context.Context, job *models.ReconciliationJob) error {
	if job.ID == p.failFor {
		return errors.New("nats unavailable")
	}
	p.published = append(p.published, job.ID)
	return nil
}

func TestRelay_Sweep(t *testing.T) {
	ctx := context.Background()
	store := mock.NewStore()

	pending := &models.ReconciliationJob{PersonID: uuid.New(), SourceImage: "cards/a.jpg"}
	failing := &models.ReconciliationJob{PersonID: uuid.New(), SourceImage: "cards/b.jpg"}
	done := &models.ReconciliationJob{PersonID: uuid.New(), SourceImage: "cards/c.jpg"}
	for _, j := range []*models.ReconciliationJob{pending, failing, done} {
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.MarkJobPublished(ctx, done.ID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	pub := &fakePublisher{failFor: failing.ID}
	relay := NewRelay(store, pub, time.Millisecond)

	n, err := relay.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 || len(pub.published) != 1 || pub.published[0] != pending.ID {
		t.Fatalf("Sweep() published %v (n=%d), want only %s", pub.published, n, pending.ID)
	}

	// The failed job stays in the outbox; the published one does not.
	pub.failFor = uuid.Nil
	time.Sleep(5 * time.Millisecond)
	n, err = relay.Sweep(ctx)
	if err != nil || n != 1 || pub.published[1] != failing.ID {
		t.Fatalf("second Sweep() = %d, %v; published %v", n, err, pub.published)
	}

	n, _ = relay.Sweep(ctx)
	if n != 0 {
		t.Errorf("third Sweep() republished %d jobs", n)
	}
}
