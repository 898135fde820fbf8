package asset

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timestamp is a ledger consensus time in fixed-point "seconds.nanoseconds" form.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

// ParseTimestamp parses "seconds.nanoseconds". The fractional part is read as
// an integer nanosecond count, the way the ledger and the marketplace write it.
func ParseTimestamp(s string) (Timestamp, error) {
	sec, nano, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || sec == "" || nano == "" {
		return Timestamp{}, fmt.Errorf("timestamp %q: missing fractional part: %w", s, ErrValidation)
	}
	secs, err := strconv.ParseInt(sec, 10, 64)
	if err != nil || secs < 0 {
		return Timestamp{}, fmt.Errorf("timestamp %q: bad seconds: %w", s, ErrValidation)
	}
	nanos, err := strconv.ParseInt(nano, 10, 32)
	if err != nil || nanos < 0 || nanos >= int64(time.Second) {
		return Timestamp{}, fmt.Errorf("timestamp %q: bad nanoseconds: %w", s, ErrValidation)
	}
	return Timestamp{Seconds: secs, Nanos: int32(nanos)}, nil
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%09d", t.Seconds, t.Nanos)
}

func (t Timestamp) IsZero() bool { return t.Seconds == 0 && t.Nanos == 0 }

// After reports whether t is strictly later than u.
func (t Timestamp) After(u Timestamp) bool {
	if t.Seconds != u.Seconds {
		return t.Seconds > u.Seconds
	}
	return t.Nanos > u.Nanos
}
