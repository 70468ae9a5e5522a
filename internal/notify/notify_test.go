package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/gatepass/internal/models"
	"github.com/your-org/gatepass/internal/storage/mock"
)

func TestCursor_RoundTrip(t *testing.T) {
	c := Cursor{At: time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC), Seq: 42}
	s := c.String()
	if s != "1772359200123456-42" {
		t.Fatalf("String() = %q", s)
	}
	got, err := ParseCursor(s)
	if err != nil {
		t.Fatalf("ParseCursor() error = %v", err)
	}
	if !got.At.Equal(c.At) || got.Seq != c.Seq {
		t.Errorf("ParseCursor() = %+v, want %+v", got, c)
	}
}

func TestParseCursor_Invalid(t *testing.T) {
	for _, s := range []string{"abc", "123", "-1-2", "12-x", "x-12", "12-"} {
		t.Run(s, func(t *testing.T) {
			if _, err := ParseCursor(s); !errors.Is(err, ErrInvalidCursor) {
				t.Errorf("ParseCursor(%q) error = %v, want ErrInvalidCursor", s, err)
			}
		})
	}

	zero, err := ParseCursor("")
	if err != nil || !zero.IsZero() || zero.String() != "" {
		t.Errorf("ParseCursor(\"\") = %+v, %v", zero, err)
	}
}

func TestCursor_Order(t *testing.T) {
	t0 := time.Unix(1000, 0)
	tests := []struct {
		name string
		a, b Cursor
		want bool
	}{
		{"earlier time", Cursor{At: t0, Seq: 9}, Cursor{At: t0.Add(time.Microsecond), Seq: 1}, true},
		{"same time lower seq", Cursor{At: t0, Seq: 1}, Cursor{At: t0, Seq: 2}, true},
		{"equal", Cursor{At: t0, Seq: 2}, Cursor{At: t0, Seq: 2}, false},
		{"later", Cursor{At: t0.Add(time.Second), Seq: 1}, Cursor{At: t0, Seq: 5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Before(tt.b); got != tt.want {
				t.Errorf("Before() = %v, want %v", got, tt.want)
			}
		})
	}
}

type recordingPublisher struct {
	events []models.ChangeEvent
	err    error
}

func (p *recordingPublisher) PublishChange(ctx context.Context, ev *models.ChangeEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, *ev)
	return nil
}

func TestNotifier_PublishAndSince(t *testing.T) {
	ctx := context.Background()
	store := mock.NewStore()
	pub := &recordingPublisher{}
	n := NewNotifier(store, pub)

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		if err := n.Publish(ctx, id, models.ChangePersonCreated); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if len(pub.events) != 3 {
		t.Fatalf("broadcast %d events, want 3", len(pub.events))
	}

	first, cur, err := n.Since(ctx, Cursor{}, 2)
	if err != nil {
		t.Fatalf("Since() error = %v", err)
	}
	if len(first) != 2 || first[0].PersonID != ids[0] || first[1].PersonID != ids[1] {
		t.Fatalf("Since(zero, 2) = %+v", first)
	}

	rest, cur2, err := n.Since(ctx, cur, 10)
	if err != nil || len(rest) != 1 || rest[0].PersonID != ids[2] {
		t.Fatalf("Since(cursor) = %+v, %v", rest, err)
	}
	if !cur.Before(cur2) {
		t.Errorf("cursor did not advance: %v -> %v", cur, cur2)
	}

	none, cur3, err := n.Since(ctx, cur2, 10)
	if err != nil || len(none) != 0 || cur3 != cur2 {
		t.Errorf("Since(last) = %+v, %v, %v", none, cur3, err)
	}
}

func TestNotifier_BroadcastFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	store := mock.NewStore()
	n := NewNotifier(store, &recordingPublisher{err: errors.New("nats down")})

	if err := n.Publish(ctx, uuid.New(), models.ChangePersonBlocked); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(store.Changes()) != 1 {
		t.Error("event should still be in the change log")
	}
}

func TestNotifier_LogFailure(t *testing.T) {
	store := mock.NewStore()
	store.AppendChangeError = errors.New("db down")
	pub := &recordingPublisher{}
	n := NewNotifier(store, pub)

	if err := n.Publish(context.Background(), uuid.New(), models.ChangePersonEdited); err == nil {
		t.Fatal("Publish() should fail when the log is unavailable")
	}
	if len(pub.events) != 0 {
		t.Error("nothing should be broadcast when the append failed")
	}
}
