package notify

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/your-org/gatepass/internal/models"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a position in the change log: "<unix_micro>-<seq>". The zero
// Cursor sits before every event.
type Cursor struct {
	At  time.Time
	Seq int64
}

func CursorOf(ev models.ChangeEvent) Cursor {
	return Cursor{At: ev.OccurredAt.Truncate(time.Microsecond), Seq: ev.Seq}
}

func (c Cursor) IsZero() bool {
	return c.At.IsZero() && c.Seq == 0
}

func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d-%d", c.At.UnixMicro(), c.Seq)
}

// Before reports whether c orders strictly before o.
func (c Cursor) Before(o Cursor) bool {
	if !c.At.Equal(o.At) {
		return c.At.Before(o.At)
	}
	return c.Seq < o.Seq
}

// ParseCursor accepts the String form; an empty string is the zero Cursor.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	ts, seq, ok := strings.Cut(s, "-")
	if !ok {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	micros, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || micros < 0 {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil || n < 0 {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	return Cursor{At: time.UnixMicro(micros).UTC(), Seq: n}, nil
}
