package poller

import (
	"time"

	"boxpilot/internal/clock"
	"boxpilot/internal/rules"
)

// Base delays before scaling and clamping.
const (
	noRulesDelay      = 60 * time.Minute
	idleDelay         = 60 * time.Minute
	activeDefault     = 5 * time.Minute
	activeNoItemsWait = 30 * time.Minute
)

// NextPollInput gathers the signals that select the scheduling mode.
type NextPollInput struct {
	HasActiveRules    bool
	ExecutedThisCycle bool
	// RecentExecution is true when a rule-execution record exists within the
	// lookback window (one scaled hour).
	RecentExecution  bool
	EnabledRules     []*rules.Rule
	NonTerminalCount int
	// Stagger spreads users across the global cap; zero means none.
	Stagger time.Duration
}

// ComputeNextPoll picks the delay before this user's next cycle.
//
// Mode selection: no-rules falls back to the idle delay. Otherwise the user
// is "active" when this cycle executed a rule or one executed recently, and
// "idle" otherwise. Idle deliberately ignores rule intervals: users whose
// rules never fire are polled hourly no matter how aggressive their intervals
// are.
func ComputeNextPoll(in NextPollInput, iv clock.Intervals) time.Duration {
	var base time.Duration

	switch {
	case !in.HasActiveRules:
		base = noRulesDelay

	case in.ExecutedThisCycle || in.RecentExecution:
		base = minRuleInterval(in.EnabledRules)
		if base == 0 {
			if in.NonTerminalCount > 0 {
				base = activeDefault
			} else {
				base = activeNoItemsWait
			}
		}

	default:
		base = idleDelay
	}

	return iv.ClampPoll(iv.Scale(base)) + in.Stagger
}

// minRuleInterval returns the smallest interval trigger across enabled rules,
// or 0 when no rule carries one.
func minRuleInterval(enabled []*rules.Rule) time.Duration {
	var min time.Duration
	for _, r := range enabled {
		if r.Trigger == nil || r.Trigger.Type != "interval" {
			continue
		}
		minutes := r.Trigger.Value
		if minutes < 1 {
			minutes = 1
		}
		d := time.Duration(minutes * float64(time.Minute))
		if min == 0 || d < min {
			min = d
		}
	}
	return min
}
