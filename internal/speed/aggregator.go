// Package speed records periodic cumulative byte counters and computes
// average transfer speeds over a window.
package speed

import (
	"log/slog"
	"sync"
	"time"

	"boxpilot/internal/clock"
	"boxpilot/internal/storage"
)

// Direction selects which counter an average is computed over.
type Direction string

const (
	Download Direction = "download"
	Upload   Direction = "upload"
)

const (
	// DefaultRetention is how long samples are kept.
	DefaultRetention = 24 * time.Hour

	// pruneEvery amortizes pruning: one delete pass per N recorded samples.
	pruneEvery = 10
)

// Aggregator appends samples for active items and answers windowed averages.
type Aggregator struct {
	store     *storage.Store
	logger    *slog.Logger
	retention time.Duration

	mu      sync.Mutex
	counter int
}

func NewAggregator(store *storage.Store, logger *slog.Logger, retention time.Duration) *Aggregator {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Aggregator{store: store, logger: logger, retention: retention}
}

// RecordSample appends one cumulative counter reading and opportunistically
// prunes expired rows every pruneEvery-th call.
func (a *Aggregator) RecordSample(torrentID string, totalDownloaded, totalUploaded int64, ts time.Time) error {
	err := a.store.AddSpeedSample(storage.SpeedSample{
		TorrentID:       torrentID,
		Timestamp:       clock.FormatUTC(ts),
		TotalDownloaded: totalDownloaded,
		TotalUploaded:   totalUploaded,
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.counter++
	due := a.counter%pruneEvery == 0
	a.mu.Unlock()

	if due {
		cutoff := clock.FormatUTC(ts.Add(-a.retention))
		pruned, perr := a.store.PruneSpeedSamples(cutoff)
		if perr != nil {
			a.logger.Warn("speed sample prune failed", "error", perr)
		} else if pruned > 0 {
			a.logger.Debug("pruned speed samples", "rows", pruned)
		}
	}
	return nil
}

// AverageSpeed loads samples within [now-hours, now] and returns the
// endpoint-delta average in bytes/s. Returns 0 with fewer than two samples or
// a zero time delta.
func (a *Aggregator) AverageSpeed(torrentID string, hours float64, dir Direction, now time.Time) (float64, error) {
	since := clock.FormatUTC(now.Add(-time.Duration(hours * float64(time.Hour))))
	samples, err := a.store.GetSpeedSamples(torrentID, since)
	if err != nil {
		return 0, err
	}
	return AverageFromSamples(samples, dir), nil
}

// AverageFromSamples computes the endpoint-delta average over pre-loaded
// samples, which must be ordered by timestamp ascending. This is the shared
// path for the rule evaluator's bulk pre-load.
func AverageFromSamples(samples []storage.SpeedSample, dir Direction) float64 {
	if len(samples) < 2 {
		return 0
	}
	first, last := samples[0], samples[len(samples)-1]

	t0, err := clock.ParseUTC(first.Timestamp)
	if err != nil {
		return 0
	}
	t1, err := clock.ParseUTC(last.Timestamp)
	if err != nil {
		return 0
	}
	dt := t1.Sub(t0).Seconds()
	if dt <= 0 {
		return 0
	}

	var delta int64
	if dir == Upload {
		delta = last.TotalUploaded - first.TotalUploaded
	} else {
		delta = last.TotalDownloaded - first.TotalDownloaded
	}
	if delta < 0 {
		// Counters reset when the external service restarts an item.
		return 0
	}
	return float64(delta) / dt
}

// TrimWindow drops samples older than the window start, preserving order.
// Used when bulk-loaded samples cover a wider range than one condition asks
// for.
func TrimWindow(samples []storage.SpeedSample, hours float64, now time.Time) []storage.SpeedSample {
	since := clock.FormatUTC(now.Add(-time.Duration(hours * float64(time.Hour))))
	for i, s := range samples {
		if s.Timestamp >= since {
			return samples[i:]
		}
	}
	return nil
}
