package rules

import (
	"strings"
	"time"

	"boxpilot/internal/clock"
	"boxpilot/internal/speed"
	"boxpilot/internal/status"
	"boxpilot/internal/torbox"
)

// Comparison units. "MB" throughout rule values means mebibytes.
const (
	bytesPerMB       = 1024 * 1024
	secondsPerMinute = 60
)

// matchCondition evaluates one validated condition for one item.
func (ev *Evaluator) matchCondition(c Condition, item *torbox.Item, e *env) bool {
	if c.Kind == KindInvalid {
		ev.logOnce("invalid:"+c.Type+":"+c.Operator+":"+c.InvalidReason,
			"skipping invalid condition", "type", c.Type, "operator", c.Operator, "reason", c.InvalidReason)
		return false
	}

	switch c.Kind {
	case KindNumeric:
		return ev.matchNumeric(c, item, e)
	case KindString:
		return matchString(c, item)
	case KindBool:
		return matchBool(c, item)
	case KindStatusList:
		return matchStatusList(c, item)
	case KindTagList:
		return matchTagList(c, e.tags[item.ItemID()])
	}
	return false
}

func (ev *Evaluator) matchNumeric(c Condition, item *torbox.Item, e *env) bool {
	id := item.ItemID()
	tel, hasTel := e.telemetry[id]

	switch c.Type {
	case TypeSeedingTime:
		h, ok := hoursSince(item.CachedAt, e.now)
		return ok && compare(h, c.Operator, c.Number)

	case TypeAge:
		h, ok := hoursSince(item.CreatedAt, e.now)
		return ok && compare(h, c.Operator, c.Number)

	case TypeLastDownloadActivityAt:
		var ts *string
		if hasTel {
			ts = tel.LastDownloadActivityAt
		}
		return matchActivityAge(ts, c, e)

	case TypeLastUploadActivityAt:
		var ts *string
		if hasTel {
			ts = tel.LastUploadActivityAt
		}
		return matchActivityAge(ts, c, e)

	case TypeProgress:
		return compare(item.Progress, c.Operator, c.Number)

	case TypeDownloadSpeed:
		return compare(item.DownloadSpeed/bytesPerMB, c.Operator, c.Number)

	case TypeUploadSpeed:
		return compare(item.UploadSpeed/bytesPerMB, c.Operator, c.Number)

	case TypeAvgDownloadSpeed, TypeAvgUploadSpeed:
		dir := speed.Download
		if c.Type == TypeAvgUploadSpeed {
			dir = speed.Upload
		}
		window := speed.TrimWindow(e.samples[id], c.Hours, e.now)
		avg := speed.AverageFromSamples(window, dir)
		return compare(avg/bytesPerMB, c.Operator, c.Number)

	case TypeETA:
		return compare(float64(item.ETA)/secondsPerMinute, c.Operator, c.Number)

	case TypeDownloadStalledTime:
		var ts *string
		if hasTel {
			ts = tel.StalledSince
		}
		return matchStalledAge(ts, c, e)

	case TypeUploadStalledTime:
		var ts *string
		if hasTel {
			ts = tel.UploadStalledSince
		}
		return matchStalledAge(ts, c, e)

	case TypeSeeds:
		return compare(float64(item.Seeds), c.Operator, c.Number)

	case TypePeers:
		return compare(float64(item.Peers), c.Operator, c.Number)

	case TypeRatio:
		return compare(item.EffectiveRatio(), c.Operator, c.Number)

	case TypeTotalUploaded:
		return compare(float64(item.TotalUploaded)/bytesPerMB, c.Operator, c.Number)

	case TypeTotalDownloaded:
		return compare(float64(item.TotalDownloaded)/bytesPerMB, c.Operator, c.Number)

	case TypeFileSize:
		return compare(float64(item.Size)/bytesPerMB, c.Operator, c.Number)

	case TypeFileCount:
		return compare(float64(item.FileCount()), c.Operator, c.Number)

	case TypeAvailability:
		return compare(item.Availability, c.Operator, c.Number)

	case TypeExpiresAt:
		t, err := clock.ParseUTC(item.ExpiresAt)
		if err != nil {
			return false
		}
		remaining := t.Sub(e.now).Hours()
		// An already-expired item can never satisfy "expires in more than X".
		if remaining < 0 && (c.Operator == "gt" || c.Operator == "gte") {
			return false
		}
		return compare(remaining, c.Operator, c.Number)
	}

	ev.logOnce("unknown-numeric:"+c.Type, "unknown numeric condition type", "type", c.Type)
	return false
}

// matchActivityAge compares minutes since the last activity timestamp.
// Missing telemetry means "no activity ever": infinitely long ago, so only
// gt/gte can match.
func matchActivityAge(ts *string, c Condition, e *env) bool {
	if ts == nil {
		return c.Operator == "gt" || c.Operator == "gte"
	}
	t, err := clock.ParseUTC(*ts)
	if err != nil {
		return c.Operator == "gt" || c.Operator == "gte"
	}
	minutes := e.now.Sub(t).Minutes()
	return compare(minutes, c.Operator, c.Number)
}

// matchStalledAge compares minutes since the stall began. No stall record
// means the item is not stalled: no-match regardless of operator.
func matchStalledAge(ts *string, c Condition, e *env) bool {
	if ts == nil {
		return false
	}
	t, err := clock.ParseUTC(*ts)
	if err != nil {
		return false
	}
	minutes := e.now.Sub(t).Minutes()
	return compare(minutes, c.Operator, c.Number)
}

func matchString(c Condition, item *torbox.Item) bool {
	var field string
	switch c.Type {
	case TypeName:
		field = item.Name
	case TypeTracker:
		field = item.Tracker
	default:
		return false
	}
	actual := strings.ToLower(field)

	switch c.Operator {
	case "contains":
		return strings.Contains(actual, c.Text)
	case "not_contains":
		return !strings.Contains(actual, c.Text)
	case "equals":
		return actual == c.Text
	case "not_equals":
		return actual != c.Text
	case "starts_with":
		return strings.HasPrefix(actual, c.Text)
	case "ends_with":
		return strings.HasSuffix(actual, c.Text)
	}
	return false
}

func matchBool(c Condition, item *torbox.Item) bool {
	var actual bool
	switch c.Type {
	case TypePrivate:
		actual = item.Private.Value()
	case TypeCached:
		actual = item.Cached.Value()
	case TypeAllowZip:
		actual = item.AllowZipped.Value()
	case TypeIsActive:
		actual = item.Active.Value()
	case TypeSeedingEnabled:
		actual = item.SeedTorrent.Value()
	case TypeLongTermSeeding:
		actual = item.LongTermSeeding.Value()
	default:
		return false
	}

	if c.BoolNumeric {
		n := 0.0
		if actual {
			n = 1.0
		}
		return compare(n, c.Operator, c.BoolCmp)
	}
	return actual == c.Bool
}

func matchStatusList(c Condition, item *torbox.Item) bool {
	st := string(status.Classify(item))
	found := false
	for _, v := range c.Values {
		if v == st {
			found = true
			break
		}
	}
	if c.Operator == "is_none_of" {
		return !found
	}
	return found
}

func matchTagList(c Condition, assigned []uint) bool {
	set := make(map[uint]bool, len(assigned))
	for _, id := range assigned {
		set[id] = true
	}
	switch c.Operator {
	case "has_any":
		for _, id := range c.TagIDs {
			if set[id] {
				return true
			}
		}
		return false
	case "has_all":
		for _, id := range c.TagIDs {
			if !set[id] {
				return false
			}
		}
		return len(c.TagIDs) > 0
	case "has_none":
		for _, id := range c.TagIDs {
			if set[id] {
				return false
			}
		}
		return true
	}
	return false
}

// compare applies a numeric operator. Unknown operators were rejected at
// load time, so the default arm is unreachable in practice.
func compare(actual float64, op string, want float64) bool {
	switch op {
	case "gt":
		return actual > want
	case "lt":
		return actual < want
	case "gte":
		return actual >= want
	case "lte":
		return actual <= want
	case "eq":
		return actual == want
	}
	return false
}

// hoursSince parses a persisted timestamp and returns hours elapsed. ok is
// false when the field is missing or unparseable.
func hoursSince(ts string, now time.Time) (float64, bool) {
	t, err := clock.ParseUTC(ts)
	if err != nil {
		return 0, false
	}
	return now.Sub(t).Hours(), true
}
