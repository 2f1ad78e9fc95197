// Package telemetry derives per-item timestamps the API does not expose:
// when cumulative counters last moved, and since when an item has been
// stalled.
package telemetry

import (
	"log/slog"
	"time"

	"boxpilot/internal/clock"
	"boxpilot/internal/shadow"
	"boxpilot/internal/status"
	"boxpilot/internal/storage"
)

// DefaultStallWindow is how long counters must sit still before an item
// counts as stalled.
const DefaultStallWindow = 5 * time.Minute

// Engine writes telemetry rows from diff results.
type Engine struct {
	store       *storage.Store
	logger      *slog.Logger
	stallWindow time.Duration
}

func NewEngine(store *storage.Store, logger *slog.Logger, stallWindow time.Duration) *Engine {
	if stallWindow <= 0 {
		stallWindow = DefaultStallWindow
	}
	return &Engine{store: store, logger: logger, stallWindow: stallWindow}
}

// Apply updates telemetry from one cycle's diff. All writes use the cycle's
// captured instant so activity timestamps are never in the future.
func (e *Engine) Apply(res *shadow.Result, now time.Time) error {
	nowStr := clock.FormatUTC(now)

	for _, item := range res.New {
		row := storage.TorrentTelemetry{TorrentID: item.ItemID()}
		if item.TotalDownloaded > 0 {
			v := nowStr
			row.LastDownloadActivityAt = &v
		}
		if item.TotalUploaded > 0 {
			v := nowStr
			row.LastUploadActivityAt = &v
		}
		if err := e.store.UpsertTelemetry(row); err != nil {
			return err
		}
	}

	if len(res.Updated) > 0 {
		ids := make([]string, 0, len(res.Updated))
		for _, u := range res.Updated {
			ids = append(ids, u.Item.ItemID())
		}
		existing, err := e.store.GetTelemetry(ids)
		if err != nil {
			return err
		}

		for _, u := range res.Updated {
			id := u.Item.ItemID()
			row, ok := existing[id]
			if !ok {
				row = storage.TorrentTelemetry{TorrentID: id}
			}
			st := status.Classify(u.Item)

			if u.Diff.DownloadDelta > 0 {
				v := nowStr
				row.LastDownloadActivityAt = &v
				row.StalledSince = nil
			} else if row.StalledSince == nil && status.IsDownloadingFamily(st) && e.idleFor(row.LastDownloadActivityAt, now) {
				v := nowStr
				row.StalledSince = &v
			}

			if u.Diff.UploadDelta > 0 {
				v := nowStr
				row.LastUploadActivityAt = &v
				row.UploadStalledSince = nil
			} else if row.UploadStalledSince == nil && isUploadFamily(st) && e.idleFor(row.LastUploadActivityAt, now) {
				v := nowStr
				row.UploadStalledSince = &v
			}

			if err := e.store.UpsertTelemetry(row); err != nil {
				return err
			}
		}
	}

	for _, prev := range res.Removed {
		if err := e.store.DeleteTelemetry(prev.TorrentID); err != nil {
			return err
		}
	}

	return nil
}

// idleFor reports whether the last-activity timestamp is at least one stall
// window in the past. A missing timestamp counts as idle forever.
func (e *Engine) idleFor(lastActivity *string, now time.Time) bool {
	if lastActivity == nil {
		return true
	}
	t, err := clock.ParseUTC(*lastActivity)
	if err != nil {
		e.logger.Warn("unparseable activity timestamp", "value", *lastActivity, "error", err)
		return true
	}
	return now.Sub(t) >= e.stallWindow
}

// Upload stall tracking applies while the item is actually expected to
// upload.
func isUploadFamily(st status.Status) bool {
	return st == status.Seeding || st == status.Uploading || st == status.Downloading
}
