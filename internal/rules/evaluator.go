package rules

import (
	"log/slog"
	"sync"
	"time"

	"boxpilot/internal/clock"
	"boxpilot/internal/storage"
	"boxpilot/internal/torbox"
)

// speedPreloadHeadroom widens the bulk speed-sample load beyond the largest
// condition window so boundary samples are never missed.
const speedPreloadHeadroom = 1.5

// Evaluator matches rules against item batches. Telemetry, tag assignments
// and speed history are bulk-loaded per rule to avoid per-item queries.
type Evaluator struct {
	store     *storage.Store
	intervals clock.Intervals
	logger    *slog.Logger

	mu     sync.Mutex
	logged map[string]bool // one validation log per unique condition shape
}

func NewEvaluator(store *storage.Store, intervals clock.Intervals, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		store:     store,
		intervals: intervals,
		logger:    logger,
		logged:    make(map[string]bool),
	}
}

// Evaluate returns the items matching the rule. evaluated is false when the
// rule's interval trigger gated this call; in that case last_evaluated_at
// must not be updated.
func (ev *Evaluator) Evaluate(rule *Rule, items []*torbox.Item, now time.Time) (matched []*torbox.Item, evaluated bool, err error) {
	if gated := ev.triggerGated(rule, now); gated {
		return nil, false, nil
	}

	// Legacy flat rules with zero conditions match everything; the new
	// structure with no groups matches nothing.
	if rule.ConditionCount() == 0 {
		if rule.Legacy {
			return items, true, nil
		}
		return nil, true, nil
	}

	env, err := ev.preload(rule, items, now)
	if err != nil {
		return nil, false, err
	}

	for _, item := range items {
		if ev.matches(rule, item, env) {
			matched = append(matched, item)
		}
	}
	return matched, true, nil
}

// triggerGated applies the interval trigger: a rule with an interval of V
// minutes is not evaluated again until V (scaled by the multiplier) has
// passed since last_evaluated_at. A missing timestamp means never evaluated.
func (ev *Evaluator) triggerGated(rule *Rule, now time.Time) bool {
	if rule.Trigger == nil || rule.Trigger.Type != "interval" {
		return false
	}
	if rule.LastEvaluatedAt == "" {
		return false
	}
	last, err := clock.ParseUTC(rule.LastEvaluatedAt)
	if err != nil {
		ev.logger.Warn("unparseable last_evaluated_at, evaluating rule",
			"rule_id", rule.ID, "value", rule.LastEvaluatedAt)
		return false
	}
	minutes := rule.Trigger.Value
	if minutes < 1 {
		minutes = 1
	}
	return now.Sub(last) < ev.intervals.ScaleMinutes(minutes)
}

// env carries the bulk pre-loads for one Evaluate call.
type env struct {
	now       time.Time
	telemetry map[string]storage.TorrentTelemetry
	tags      map[string][]uint
	samples   map[string][]storage.SpeedSample
}

func (ev *Evaluator) preload(rule *Rule, items []*torbox.Item, now time.Time) (*env, error) {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ItemID())
	}

	e := &env{now: now}

	var err error
	e.telemetry, err = ev.store.GetTelemetry(ids)
	if err != nil {
		return nil, err
	}

	if rule.HasConditionType(TypeTags) {
		e.tags, err = ev.store.GetTagAssignments(ids)
		if err != nil {
			return nil, err
		}
	}

	if maxHours := rule.MaxAvgSpeedHours(); maxHours > 0 {
		since := clock.FormatUTC(now.Add(-time.Duration(maxHours * speedPreloadHeadroom * float64(time.Hour))))
		e.samples, err = ev.store.GetSpeedSamplesBulk(ids, since)
		if err != nil {
			return nil, err
		}
	}

	return e, nil
}

// matches evaluates all groups for one item and combines the results with
// the rule's top-level operator. An empty group matches no item.
func (ev *Evaluator) matches(rule *Rule, item *torbox.Item, e *env) bool {
	anyGroup := false
	allGroups := true

	for _, g := range rule.Groups {
		r := ev.matchGroup(g, item, e)
		anyGroup = anyGroup || r
		allGroups = allGroups && r
	}

	if len(rule.Groups) == 0 {
		return false
	}
	if rule.LogicOperator == "or" {
		return anyGroup
	}
	return allGroups
}

func (ev *Evaluator) matchGroup(g Group, item *torbox.Item, e *env) bool {
	if len(g.Conditions) == 0 {
		return false
	}
	if g.LogicOperator == "or" {
		for _, c := range g.Conditions {
			if ev.matchCondition(c, item, e) {
				return true
			}
		}
		return false
	}
	for _, c := range g.Conditions {
		if !ev.matchCondition(c, item, e) {
			return false
		}
	}
	return true
}

// logOnce emits one debug record per unique invalid-condition shape.
func (ev *Evaluator) logOnce(key, msg string, args ...any) {
	ev.mu.Lock()
	seen := ev.logged[key]
	ev.logged[key] = true
	ev.mu.Unlock()
	if !seen {
		ev.logger.Debug(msg, args...)
	}
}
