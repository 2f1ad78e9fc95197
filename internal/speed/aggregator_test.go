package speed

import (
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"boxpilot/internal/clock"
	"boxpilot/internal/storage"
)

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func newTestAggregator(t *testing.T) (*Aggregator, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "user.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAggregator(store, logger, 24*time.Hour), store
}

func sample(ts time.Time, down, up int64) storage.SpeedSample {
	return storage.SpeedSample{
		TorrentID:       "1",
		Timestamp:       clock.FormatUTC(ts),
		TotalDownloaded: down,
		TotalUploaded:   up,
	}
}

func TestAverageFromSamplesEndpointDelta(t *testing.T) {
	// 1e9 bytes over 1000 seconds: exactly 1e6 bytes/s. Intermediate samples
	// must not affect the endpoint-delta average.
	samples := []storage.SpeedSample{
		sample(t0, 0, 0),
		sample(t0.Add(300*time.Second), 900_000_000, 0), // bursty middle
		sample(t0.Add(1000*time.Second), 1_000_000_000, 0),
	}

	avg := AverageFromSamples(samples, Download)
	if math.Abs(avg-1_000_000) > 1e-9 {
		t.Errorf("avg = %v, want 1e6", avg)
	}
}

func TestAverageFromSamplesEdgeCases(t *testing.T) {
	tests := []struct {
		name    string
		samples []storage.SpeedSample
	}{
		{"no samples", nil},
		{"single sample", []storage.SpeedSample{sample(t0, 100, 0)}},
		{"zero time delta", []storage.SpeedSample{sample(t0, 0, 0), sample(t0, 500, 0)}},
		{"counter reset", []storage.SpeedSample{sample(t0, 1000, 0), sample(t0.Add(time.Minute), 200, 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if avg := AverageFromSamples(tt.samples, Download); avg != 0 {
				t.Errorf("avg = %v, want 0", avg)
			}
		})
	}
}

func TestAverageUploadDirection(t *testing.T) {
	samples := []storage.SpeedSample{
		sample(t0, 0, 0),
		sample(t0.Add(100*time.Second), 9999, 5000),
	}
	if avg := AverageFromSamples(samples, Upload); avg != 50 {
		t.Errorf("upload avg = %v, want 50", avg)
	}
}

func TestRecordAndAverageThroughStore(t *testing.T) {
	a, _ := newTestAggregator(t)

	if err := a.RecordSample("1", 0, 0, t0); err != nil {
		t.Fatal(err)
	}
	if err := a.RecordSample("1", 600_000, 0, t0.Add(10*time.Minute)); err != nil {
		t.Fatal(err)
	}

	avg, err := a.AverageSpeed("1", 1, Download, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if avg != 1000 { // 600000 bytes over 600 seconds
		t.Errorf("avg = %v, want 1000", avg)
	}
}

func TestAverageWindowExcludesOldSamples(t *testing.T) {
	a, _ := newTestAggregator(t)

	now := t0.Add(3 * time.Hour)
	if err := a.RecordSample("1", 0, 0, t0); err != nil { // outside a 1h window
		t.Fatal(err)
	}
	if err := a.RecordSample("1", 1000, 0, now.Add(-30*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := a.RecordSample("1", 181_000, 0, now); err != nil {
		t.Fatal(err)
	}

	avg, err := a.AverageSpeed("1", 1, Download, now)
	if err != nil {
		t.Fatal(err)
	}
	if avg != 100 { // 180000 bytes over 1800s, old sample excluded
		t.Errorf("avg = %v, want 100", avg)
	}
}

func TestTrimWindow(t *testing.T) {
	samples := []storage.SpeedSample{
		sample(t0.Add(-2*time.Hour), 0, 0),
		sample(t0.Add(-30*time.Minute), 100, 0),
		sample(t0, 200, 0),
	}

	trimmed := TrimWindow(samples, 1, t0)
	if len(trimmed) != 2 {
		t.Fatalf("trimmed to %d samples, want 2", len(trimmed))
	}
	if trimmed[0].TotalDownloaded != 100 {
		t.Errorf("wrong window start: %+v", trimmed[0])
	}

	if got := TrimWindow(samples, 0.001, t0.Add(time.Hour)); got != nil {
		t.Errorf("fully-expired window should trim to nil, got %v", got)
	}
}

func TestPruneRunsEveryTenthSample(t *testing.T) {
	a, store := newTestAggregator(t)

	// One ancient sample, then ten fresh ones to cross the prune threshold.
	old := t0.Add(-48 * time.Hour)
	if err := store.AddSpeedSample(sample(old, 0, 0)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		ts := t0.Add(time.Duration(i) * time.Minute)
		if err := a.RecordSample("1", int64(i*1000), 0, ts); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := store.GetSpeedSamples("1", clock.FormatUTC(old.Add(-time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if r.Timestamp == clock.FormatUTC(old) {
			t.Error("expired sample survived the prune pass")
		}
	}
	if len(rows) != 10 {
		t.Errorf("expected the 10 fresh samples, got %d", len(rows))
	}
}
