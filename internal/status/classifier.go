// Package status maps a raw item record to its status tag. The mapping is
// part of the observable contract: automation rules reference these values,
// so the priority order below must stay stable across versions (guarded by a
// golden-master test).
package status

import (
	"strings"

	"boxpilot/internal/torbox"
)

// Status is an item's classified state.
type Status string

const (
	Downloading Status = "downloading"
	Uploading   Status = "uploading"
	Seeding     Status = "seeding"
	Queued      Status = "queued"
	Stalled     Status = "stalled"
	Completed   Status = "completed"
	Failed      Status = "failed"
	Inactive    Status = "inactive"
	Cached      Status = "cached"
)

// IsTerminal reports whether s excludes the item from shadow and telemetry.
func IsTerminal(s Status) bool {
	return s == Completed || s == Failed || s == Inactive
}

// IsDownloadingFamily reports whether s counts as "still downloading" for
// stall tracking.
func IsDownloadingFamily(s Status) bool {
	return s == Downloading || s == Stalled || s == Queued
}

// Classify is total and deterministic. Evaluation order, highest priority
// first:
//
//  1. failure markers in download_state
//  2. queued endpoint origin or a queued-like download_state
//  3. finished and no longer active -> completed
//  4. progress complete: uploading if bytes are moving up, else seeding
//  5. active mid-download: stalled when no speed and no seeds, else downloading
//  6. cached but not active
//  7. everything else inactive
func Classify(it *torbox.Item) Status {
	state := strings.ToLower(it.DownloadState)

	if strings.Contains(state, "error") || strings.Contains(state, "failed") || strings.Contains(state, "missingfiles") {
		return Failed
	}

	if it.Queued || state == "queued" || state == "checking" || state == "allocating" || state == "metadl" {
		return Queued
	}

	if it.DownloadFinished.Value() && !it.Active.Value() {
		return Completed
	}

	if it.Progress >= 1 {
		if !it.Active.Value() {
			return Completed
		}
		if it.UploadSpeed > 0 {
			return Uploading
		}
		return Seeding
	}

	if it.Active.Value() {
		if strings.Contains(state, "stalled") {
			return Stalled
		}
		if it.DownloadSpeed == 0 && it.Seeds == 0 {
			return Stalled
		}
		return Downloading
	}

	if it.Cached.Value() {
		return Cached
	}

	return Inactive
}
