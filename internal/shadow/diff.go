// Package shadow maintains the per-item "last seen" state and computes the
// diff between the previous observation and a fresh snapshot.
package shadow

import (
	"log/slog"
	"time"

	"boxpilot/internal/clock"
	"boxpilot/internal/status"
	"boxpilot/internal/storage"
	"boxpilot/internal/torbox"
)

// Diff describes what changed for one item between two snapshots.
type Diff struct {
	HasChanges      bool
	StateChanged    bool
	DownloadChanged bool
	UploadChanged   bool
	DownloadDelta   int64
	UploadDelta     int64
}

// Updated pairs an item with its diff and the shadow row it was compared to.
type Updated struct {
	Item   *torbox.Item
	Diff   Diff
	Shadow storage.TorrentShadow
}

// Transition records a state change observed between snapshots.
type Transition struct {
	TorrentID string
	From      status.Status
	To        status.Status
	At        time.Time
}

// Result is the outcome of processing one snapshot.
type Result struct {
	New         []*torbox.Item
	Updated     []Updated
	Removed     []storage.TorrentShadow
	Transitions []Transition
}

// Engine diffs snapshots against the shadow table. Single-writer per user:
// the poller's in-progress flag guarantees no concurrent ProcessSnapshot for
// the same store.
type Engine struct {
	store  *storage.Store
	logger *slog.Logger
}

func NewEngine(store *storage.Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// ProcessSnapshot compares the fetched items against the shadow table and
// applies the updates. Storage errors are fatal to the cycle.
//
// Items classified terminal lose their shadow row and appear in Removed.
// Items absent from the snapshot appear in Removed but keep their row:
// absence alone is not authoritative (the API omits items transiently), so
// deletion waits until a terminal classification is actually observed.
func (e *Engine) ProcessSnapshot(items []torbox.Item, now time.Time) (*Result, error) {
	shadows, err := e.store.GetAllShadows()
	if err != nil {
		return nil, err
	}

	res := &Result{}
	seen := make(map[string]bool, len(items))
	nowStr := clock.FormatUTC(now)

	for i := range items {
		item := &items[i]
		id := item.ItemID()
		seen[id] = true
		st := status.Classify(item)

		if status.IsTerminal(st) {
			if prev, ok := shadows[id]; ok {
				res.Removed = append(res.Removed, prev)
				if err := e.store.DeleteShadow(id); err != nil {
					return nil, err
				}
			}
			continue
		}

		prev, ok := shadows[id]
		if !ok {
			row := storage.TorrentShadow{
				TorrentID:           id,
				LastTotalDownloaded: item.TotalDownloaded,
				LastTotalUploaded:   item.TotalUploaded,
				LastState:           string(st),
				UpdatedAt:           nowStr,
			}
			if err := e.store.UpsertShadow(row); err != nil {
				return nil, err
			}
			res.New = append(res.New, item)
			continue
		}

		diff := Diff{
			StateChanged:    prev.LastState != string(st),
			DownloadDelta:   item.TotalDownloaded - prev.LastTotalDownloaded,
			UploadDelta:     item.TotalUploaded - prev.LastTotalUploaded,
			DownloadChanged: item.TotalDownloaded != prev.LastTotalDownloaded,
			UploadChanged:   item.TotalUploaded != prev.LastTotalUploaded,
		}
		diff.HasChanges = diff.StateChanged || diff.DownloadChanged || diff.UploadChanged

		// Unchanged items still flow downstream: stall detection triggers on
		// counters NOT moving, so it must see the quiet cycles too. Only the
		// shadow write is skipped.
		res.Updated = append(res.Updated, Updated{Item: item, Diff: diff, Shadow: prev})
		if !diff.HasChanges {
			continue
		}

		row := storage.TorrentShadow{
			TorrentID:           id,
			LastTotalDownloaded: item.TotalDownloaded,
			LastTotalUploaded:   item.TotalUploaded,
			LastState:           string(st),
			UpdatedAt:           nowStr,
		}
		if err := e.store.UpsertShadow(row); err != nil {
			return nil, err
		}

		if diff.StateChanged {
			res.Transitions = append(res.Transitions, Transition{
				TorrentID: id,
				From:      status.Status(prev.LastState),
				To:        st,
				At:        now,
			})
		}
	}

	for id, prev := range shadows {
		if !seen[id] {
			res.Removed = append(res.Removed, prev)
		}
	}

	e.logger.Debug("snapshot processed",
		"items", len(items),
		"new", len(res.New),
		"updated", len(res.Updated),
		"removed", len(res.Removed),
		"transitions", len(res.Transitions))

	return res, nil
}
