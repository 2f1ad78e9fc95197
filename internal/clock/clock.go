// Package clock provides the wall-clock source, the interval multiplier
// policy, and the persisted time format shared by every component.
package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Clock abstracts the wall clock so cycle logic can be tested with a
// controlled time source. Within one poll cycle all "now" reads must use a
// single captured instant; only cross-cycle comparisons read the clock fresh.
type Clock interface {
	Now() time.Time
}

// System is the production clock backed by time.Now.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set moves the fake clock to an absolute instant.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// Intervals scales every configured interval by a single multiplier.
// Production runs at 1.0; tests and development shrink it to speed up the
// scheduler without touching individual durations.
type Intervals struct {
	Multiplier float64
	// MinPoll clamps the next-poll delay. 5 minutes in production,
	// 6 seconds (0.1 min) under a reduced multiplier.
	MinPoll time.Duration
}

// NewIntervals builds the policy for the given multiplier, clamped to
// [0.001, 1.0].
func NewIntervals(multiplier float64) Intervals {
	if multiplier <= 0 || multiplier > 1.0 {
		multiplier = 1.0
	}
	if multiplier < 0.001 {
		multiplier = 0.001
	}
	min := 5 * time.Minute
	if multiplier < 1.0 {
		min = 6 * time.Second
	}
	return Intervals{Multiplier: multiplier, MinPoll: min}
}

// Scale multiplies d by the interval multiplier.
func (iv Intervals) Scale(d time.Duration) time.Duration {
	return time.Duration(float64(d) * iv.Multiplier)
}

// ScaleMinutes converts a configured minute count to a scaled duration.
func (iv Intervals) ScaleMinutes(minutes float64) time.Duration {
	return iv.Scale(time.Duration(minutes * float64(time.Minute)))
}

// ClampPoll applies the minimum next-poll delay.
func (iv Intervals) ClampPoll(d time.Duration) time.Duration {
	if d < iv.MinPoll {
		return iv.MinPoll
	}
	return d
}

// Persisted timestamps are ISO-8601 UTC with millisecond precision.
const persistedLayout = "2006-01-02T15:04:05.000Z"

// FormatUTC renders t in the persisted timestamp format.
func FormatUTC(t time.Time) string {
	return t.UTC().Format(persistedLayout)
}

// ParseUTC parses a persisted timestamp. Rows written by earlier versions may
// use a space instead of 'T' and may omit the trailing 'Z'; both are accepted.
func ParseUTC(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	s = strings.Replace(s, " ", "T", 1)
	if !strings.HasSuffix(s, "Z") {
		s += "Z"
	}
	for _, layout := range []string{persistedLayout, "2006-01-02T15:04:05Z", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
