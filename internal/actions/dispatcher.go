// Package actions executes the side effects of matched rules against the
// external API and the user's local database.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"boxpilot/internal/clock"
	"boxpilot/internal/status"
	"boxpilot/internal/storage"
	"boxpilot/internal/torbox"
)

// Action types.
const (
	TypeStopSeeding = "stop_seeding"
	TypeDelete      = "delete"
	TypeArchive     = "archive"
	TypeForceStart  = "force_start"
	TypeAddTag      = "add_tag"
	TypeRemoveTag   = "remove_tag"
)

// Action is a rule's parsed action_config.
type Action struct {
	Type   string `json:"type"`
	TagIDs []uint `json:"tagIds"`
}

// actionAlias tolerates the snake_case key some rule writers use.
type actionAlias struct {
	Type       string `json:"type"`
	TagIDs     []uint `json:"tagIds"`
	TagIDsSnake []uint `json:"tag_ids"`
}

// ParseAction decodes a rule's action_config JSON.
func ParseAction(raw string) (Action, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return Action{}, fmt.Errorf("empty action_config")
	}
	var alias actionAlias
	if err := json.Unmarshal([]byte(raw), &alias); err != nil {
		return Action{}, fmt.Errorf("bad action_config: %w", err)
	}
	a := Action{Type: alias.Type, TagIDs: alias.TagIDs}
	if len(a.TagIDs) == 0 {
		a.TagIDs = alias.TagIDsSnake
	}
	if a.Type == "" {
		return Action{}, fmt.Errorf("action_config missing type")
	}
	return a, nil
}

// ControlAPI is the slice of the external client the dispatcher uses.
type ControlAPI interface {
	ControlItem(ctx context.Context, itemID, operation string) error
	ControlQueued(ctx context.Context, itemID, operation string) error
	DeleteItem(ctx context.Context, itemID string) error
}

// Result counts per-item outcomes of one dispatch.
type Result struct {
	Processed    int
	SuccessCount int
	ErrorCount   int
	// LastError carries the most recent per-item failure for the execution
	// log; it never aborts the batch.
	LastError error
}

// Dispatcher maps matched items to side effects. Items are executed serially;
// a single item's failure is counted and the batch continues.
type Dispatcher struct {
	store  *storage.Store
	api    ControlAPI
	logger *slog.Logger
}

func NewDispatcher(store *storage.Store, api ControlAPI, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: store, api: api, logger: logger}
}

// PreFilter drops items for which the action would be a no-op.
func (d *Dispatcher) PreFilter(action Action, items []*torbox.Item) ([]*torbox.Item, error) {
	switch action.Type {
	case TypeAddTag, TypeRemoveTag:
		ids := make([]string, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ItemID())
		}
		assigned, err := d.store.GetTagAssignments(ids)
		if err != nil {
			return nil, err
		}
		var keep []*torbox.Item
		for _, it := range items {
			set := make(map[uint]bool)
			for _, id := range assigned[it.ItemID()] {
				set[id] = true
			}
			if action.Type == TypeAddTag {
				// Skip items already carrying every target tag.
				missing := false
				for _, id := range action.TagIDs {
					if !set[id] {
						missing = true
						break
					}
				}
				if missing {
					keep = append(keep, it)
				}
			} else {
				// Skip items carrying none of the target tags.
				any := false
				for _, id := range action.TagIDs {
					if set[id] {
						any = true
						break
					}
				}
				if any {
					keep = append(keep, it)
				}
			}
		}
		return keep, nil

	case TypeStopSeeding:
		var keep []*torbox.Item
		for _, it := range items {
			if status.Classify(it) == status.Seeding {
				keep = append(keep, it)
			}
		}
		return keep, nil

	case TypeForceStart:
		// Queued items will start on their own; forcing them is the no-op.
		var keep []*torbox.Item
		for _, it := range items {
			if status.Classify(it) != status.Queued {
				keep = append(keep, it)
			}
		}
		return keep, nil

	case TypeArchive, TypeDelete:
		return items, nil
	}

	return nil, fmt.Errorf("unknown action type %q", action.Type)
}

// Dispatch executes the action on each item serially.
func (d *Dispatcher) Dispatch(ctx context.Context, action Action, items []*torbox.Item, now time.Time) (Result, error) {
	res := Result{Processed: len(items)}

	// Tag actions mutate local state only; validate the targets up front and
	// fail the whole action when a tag id does not exist.
	if action.Type == TypeAddTag || action.Type == TypeRemoveTag {
		ok, err := d.store.TagsExist(action.TagIDs)
		if err != nil {
			return res, err
		}
		if !ok {
			return res, fmt.Errorf("action %s references missing tag ids %v", action.Type, action.TagIDs)
		}
	}

	for _, it := range items {
		if err := d.executeOne(ctx, action, it, now); err != nil {
			res.ErrorCount++
			res.LastError = err
			d.logger.Warn("action failed for item",
				"action", action.Type, "item_id", it.ItemID(), "error", err)
			continue
		}
		res.SuccessCount++
	}
	return res, nil
}

func (d *Dispatcher) executeOne(ctx context.Context, action Action, it *torbox.Item, now time.Time) error {
	id := it.ItemID()

	switch action.Type {
	case TypeStopSeeding:
		return d.api.ControlItem(ctx, id, torbox.OpStopSeeding)

	case TypeForceStart:
		return d.api.ControlItem(ctx, id, "force_start")

	case TypeDelete:
		if it.Queued {
			return d.api.ControlQueued(ctx, id, torbox.OpDelete)
		}
		return d.api.DeleteItem(ctx, id)

	case TypeArchive:
		inserted, err := d.store.ArchiveDownload(storage.ArchivedDownload{
			TorrentID:  id,
			Hash:       it.Hash,
			Tracker:    it.Tracker,
			Name:       it.Name,
			ArchivedAt: clock.FormatUTC(now),
		})
		if err != nil {
			return err
		}
		if !inserted {
			// Already archived on a previous cycle; the external delete
			// already happened (or is happening). Re-deleting would double
			// count, so skip.
			return nil
		}
		if it.Queued {
			return d.api.ControlQueued(ctx, id, torbox.OpDelete)
		}
		return d.api.DeleteItem(ctx, id)

	case TypeAddTag:
		return d.store.AssignTags(id, action.TagIDs)

	case TypeRemoveTag:
		return d.store.RemoveTags(id, action.TagIDs)
	}

	return fmt.Errorf("unknown action type %q", action.Type)
}
