// Package notify records person changes and fans them out to live subscribers.
//
// The person_changes table is the source of truth for replay; the CHANGES
// stream only carries the live tail. Subscribers may see an event twice.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/gatepass/internal/models"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type ChangeLog interface {
	AppendChange(ctx context.Context, personID uuid.UUID, kind models.ChangeKind) (*models.ChangeEvent, error)
	ChangesSince(ctx context.Context, after time.Time, afterSeq int64, limit int) ([]models.ChangeEvent, error)
}

type ChangePublisher interface {
	PublishChange(ctx context.Context, ev *models.ChangeEvent) error
}

type Notifier struct {
	log ChangeLog
	pub ChangePublisher
}

// NewNotifier wires the log and the live fan-out. pub may be nil when the
// process has no subscribers to feed.
func NewNotifier(log ChangeLog, pub ChangePublisher) *Notifier {
	return &Notifier{log: log, pub: pub}
}

// Publish appends the change to the log and then broadcasts it. A failed
// broadcast is only logged: the event is already replayable through Since.
func (n *Notifier) Publish(ctx context.Context, personID uuid.UUID, kind models.ChangeKind) error {
	ev, err := n.log.AppendChange(ctx, personID, kind)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	if n.pub == nil {
		return nil
	}
	if err := n.pub.PublishChange(ctx, ev); err != nil {
		slog.Warn("broadcast change failed", "person_id", personID, "kind", kind, "error", err)
	}
	return nil
}

// Since returns up to limit events strictly after cursor, oldest first,
// and the cursor to resume from. With no new events the cursor is returned
// unchanged.
func (n *Notifier) Since(ctx context.Context, cursor Cursor, limit int) ([]models.ChangeEvent, Cursor, error) {
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	events, err := n.log.ChangesSince(ctx, cursor.At, cursor.Seq, limit)
	if err != nil {
		return nil, cursor, fmt.Errorf("list changes: %w", err)
	}
	if len(events) == 0 {
		return events, cursor, nil
	}
	return events, CursorOf(events[len(events)-1]), nil
}
