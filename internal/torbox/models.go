// Package torbox wraps the external TorBox HTTP API: typed item fetches,
// control calls, and error classification.
package torbox

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Bool tolerates the wire shapes the API uses for booleans: true, 1, "true".
// Normalization happens here at the ingress so the rule evaluator never sees
// raw wire values.
type Bool bool

func (b *Bool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "true", "1", `"true"`, `"1"`:
		*b = true
		return nil
	case "false", "0", `"false"`, `"0"`, "null", `""`:
		*b = false
		return nil
	}
	var v bool
	if err := json.Unmarshal(data, &v); err != nil {
		*b = false
		return nil
	}
	*b = Bool(v)
	return nil
}

func (b Bool) Value() bool {
	return bool(b)
}

// File is a single file inside an item.
type File struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	ShortName string `json:"short_name"`
}

// Item is one download as reported by the API. The controller never owns
// these; they are transient references valid for a single poll cycle.
type Item struct {
	ID               int64    `json:"id"`
	Hash             string   `json:"hash"`
	Name             string   `json:"name"`
	Size             int64    `json:"size"`
	Progress         float64  `json:"progress"`
	DownloadSpeed    float64  `json:"download_speed"`
	UploadSpeed      float64  `json:"upload_speed"`
	TotalDownloaded  int64    `json:"total_downloaded"`
	TotalUploaded    int64    `json:"total_uploaded"`
	Seeds            int      `json:"seeds"`
	Peers            int      `json:"peers"`
	Ratio            *float64 `json:"ratio"`
	ETA              int64    `json:"eta"` // seconds
	DownloadState    string   `json:"download_state"`
	DownloadFinished Bool     `json:"download_finished"`
	DownloadPresent  Bool     `json:"download_present"`
	Active           Bool     `json:"active"`
	Private          Bool     `json:"private"`
	Cached           Bool     `json:"cached"`
	SeedTorrent      Bool     `json:"seed_torrent"`
	LongTermSeeding  Bool     `json:"long_term_seeding"`
	AllowZipped      Bool     `json:"allow_zipped"`
	Availability     float64  `json:"availability"`
	Tracker          string   `json:"tracker"`
	CreatedAt        string   `json:"created_at"`
	CachedAt         string   `json:"cached_at"`
	ExpiresAt        string   `json:"expires_at"`
	Files            []File   `json:"files"`

	// Queued is set locally when the item came from the queued endpoint.
	Queued bool `json:"-"`
}

// ItemID returns the stringified opaque id used as the key in local tables.
func (it *Item) ItemID() string {
	return strconv.FormatInt(it.ID, 10)
}

// EffectiveRatio returns the reported ratio, or derives it from cumulative
// totals, or 0 when nothing was ever downloaded.
func (it *Item) EffectiveRatio() float64 {
	if it.Ratio != nil {
		return *it.Ratio
	}
	if it.TotalDownloaded > 0 {
		return float64(it.TotalUploaded) / float64(it.TotalDownloaded)
	}
	return 0
}

// FileCount returns len(files), with missing files treated as 0.
func (it *Item) FileCount() int {
	return len(it.Files)
}

// envelope is the API's uniform response schema.
type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Detail  string          `json:"detail"`
	Data    json.RawMessage `json:"data"`
}
