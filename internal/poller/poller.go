// Package poller orchestrates one poll cycle for one user:
// fetch -> diff -> derive -> speed -> evaluate -> dispatch -> reschedule.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"boxpilot/internal/actions"
	"boxpilot/internal/clock"
	"boxpilot/internal/observability"
	"boxpilot/internal/registry"
	"boxpilot/internal/rules"
	"boxpilot/internal/shadow"
	"boxpilot/internal/speed"
	"boxpilot/internal/status"
	"boxpilot/internal/storage"
	"boxpilot/internal/telemetry"
	"boxpilot/internal/torbox"
)

// Outcome classifies one cycle for metrics and the scheduler.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeAuthError    Outcome = "auth_error"
	OutcomeFetchError   Outcome = "fetch_error"
	OutcomeStorageError Outcome = "storage_error"
)

// API is the slice of the external client one cycle needs.
type API interface {
	GetItems(ctx context.Context, bypassCache bool) ([]torbox.Item, error)
	actions.ControlAPI
}

// UserPoller runs poll cycles for a single user. The scheduler guarantees at
// most one RunCycle is in flight per user at a time.
type UserPoller struct {
	authID string
	reg    *registry.Registry
	store  *storage.Store
	api    API
	clk    clock.Clock
	iv     clock.Intervals
	logger *slog.Logger

	stallWindow time.Duration
	stagger     time.Duration

	diffEngine *shadow.Engine
	derive     *telemetry.Engine
	speeds     *speed.Aggregator
	evaluator  *rules.Evaluator
	dispatcher *actions.Dispatcher
}

// Options tune a poller; zero values take defaults.
type Options struct {
	StallWindow    time.Duration
	SpeedRetention time.Duration
	Stagger        time.Duration
}

// New wires the per-cycle engines for one user.
func New(authID string, reg *registry.Registry, store *storage.Store, api API,
	clk clock.Clock, iv clock.Intervals, logger *slog.Logger, opts Options) *UserPoller {

	logger = logger.With("auth_id", authID)
	return &UserPoller{
		authID:      authID,
		reg:         reg,
		store:       store,
		api:         api,
		clk:         clk,
		iv:          iv,
		logger:      logger,
		stallWindow: opts.StallWindow,
		stagger:     opts.Stagger,
		diffEngine:  shadow.NewEngine(store, logger),
		derive:      telemetry.NewEngine(store, logger, opts.StallWindow),
		speeds:      speed.NewAggregator(store, logger, opts.SpeedRetention),
		evaluator:   rules.NewEvaluator(store, iv, logger),
		dispatcher:  actions.NewDispatcher(store, api, logger),
	}
}

// RunCycle executes one full poll cycle. Storage errors abort the cycle and
// surface; the scheduler will reselect the user on a later tick.
func (p *UserPoller) RunCycle(ctx context.Context) (Outcome, error) {
	cycleStart := time.Now()
	cycleID := uuid.NewString()
	log := p.logger.With("cycle_id", cycleID)

	entry, err := p.reg.Entry(p.authID)
	if err != nil {
		return OutcomeStorageError, err
	}
	if !entry.HasActiveRules || entry.Status != registry.StatusActive {
		log.Debug("cycle skipped", "has_active_rules", entry.HasActiveRules, "status", entry.Status)
		observability.PollCycles.WithLabelValues(string(OutcomeSkipped)).Inc()
		return OutcomeSkipped, nil
	}

	items, err := p.api.GetItems(ctx, true)
	if err != nil {
		if torbox.IsAuthError(err) {
			log.Warn("auth rejected by external API, deactivating user", "error", err)
			observability.APIErrors.WithLabelValues("auth").Inc()
			observability.PollCycles.WithLabelValues(string(OutcomeAuthError)).Inc()
			if merr := p.reg.MarkInactive(p.authID); merr != nil {
				return OutcomeStorageError, merr
			}
			return OutcomeAuthError, nil
		}
		observability.APIErrors.WithLabelValues("other").Inc()
		observability.PollCycles.WithLabelValues(string(OutcomeFetchError)).Inc()
		return OutcomeFetchError, err
	}
	observability.ItemsSeen.Observe(float64(len(items)))

	// One captured instant for the whole cycle keeps diffs consistent.
	now := p.clk.Now()

	diff, err := p.diffEngine.ProcessSnapshot(items, now)
	if err != nil {
		observability.PollCycles.WithLabelValues(string(OutcomeStorageError)).Inc()
		return OutcomeStorageError, err
	}

	if err := p.derive.Apply(diff, now); err != nil {
		observability.PollCycles.WithLabelValues(string(OutcomeStorageError)).Inc()
		return OutcomeStorageError, err
	}

	for _, u := range diff.Updated {
		if !u.Item.Active.Value() {
			continue
		}
		if err := p.speeds.RecordSample(u.Item.ItemID(), u.Item.TotalDownloaded, u.Item.TotalUploaded, now); err != nil {
			observability.PollCycles.WithLabelValues(string(OutcomeStorageError)).Inc()
			return OutcomeStorageError, err
		}
	}

	executed, enabled, err := p.runRules(ctx, log, items, now)
	if err != nil {
		observability.PollCycles.WithLabelValues(string(OutcomeStorageError)).Inc()
		return OutcomeStorageError, err
	}

	nonTerminal := 0
	for i := range items {
		if !status.IsTerminal(status.Classify(&items[i])) {
			nonTerminal++
		}
	}

	recent, err := p.store.HasExecutionSince(clock.FormatUTC(now.Add(-p.iv.Scale(time.Hour))))
	if err != nil {
		return OutcomeStorageError, err
	}

	next := ComputeNextPoll(NextPollInput{
		HasActiveRules:    len(enabled) > 0,
		ExecutedThisCycle: executed,
		RecentExecution:   recent,
		EnabledRules:      enabled,
		NonTerminalCount:  nonTerminal,
		Stagger:           p.stagger,
	}, p.iv)

	if err := p.reg.UpdateAfterPoll(p.authID, clock.FormatUTC(now.Add(next)), nonTerminal); err != nil {
		return OutcomeStorageError, err
	}

	observability.PollCycles.WithLabelValues(string(OutcomeOK)).Inc()
	observability.PollCycleDuration.Observe(time.Since(cycleStart).Seconds())
	log.Info("cycle complete",
		"items", len(items),
		"new", len(diff.New),
		"updated", len(diff.Updated),
		"removed", len(diff.Removed),
		"non_terminal", nonTerminal,
		"next_poll_in", next.String())
	return OutcomeOK, nil
}

// runRules evaluates and dispatches every enabled rule. Returns whether any
// rule executed an action this cycle plus the parsed enabled rules (for
// next-poll interval selection).
func (p *UserPoller) runRules(ctx context.Context, log *slog.Logger, items []torbox.Item, now time.Time) (bool, []*rules.Rule, error) {
	rows, err := p.store.GetEnabledRules()
	if err != nil {
		return false, nil, err
	}

	// Rules see pointers into the snapshot slice; it outlives them within
	// the cycle.
	refs := make([]*torbox.Item, 0, len(items))
	for i := range items {
		refs = append(refs, &items[i])
	}

	executed := false
	parsed := make([]*rules.Rule, 0, len(rows))

	for _, row := range rows {
		rule, err := rules.ParseRule(row)
		if err != nil {
			log.Warn("skipping malformed rule", "rule_id", row.ID, "error", err)
			continue
		}
		parsed = append(parsed, rule)

		matched, evaluated, err := p.evaluator.Evaluate(rule, refs, now)
		if err != nil {
			observability.RuleEvaluations.WithLabelValues("error").Inc()
			return false, nil, err
		}
		if !evaluated {
			observability.RuleEvaluations.WithLabelValues("gated").Inc()
			continue
		}
		observability.RuleEvaluations.WithLabelValues("evaluated").Inc()
		observability.RuleMatches.Add(float64(len(matched)))

		if err := p.store.UpdateRuleEvaluated(rule.ID, clock.FormatUTC(now)); err != nil {
			return false, nil, err
		}

		if len(matched) == 0 {
			continue
		}

		action, err := actions.ParseAction(rule.ActionConfig)
		if err != nil {
			log.Warn("rule has malformed action, skipping dispatch", "rule_id", rule.ID, "error", err)
			continue
		}

		targets, err := p.dispatcher.PreFilter(action, matched)
		if err != nil {
			return false, nil, err
		}
		if len(targets) == 0 {
			continue
		}

		res, err := p.dispatcher.Dispatch(ctx, action, targets, now)
		logRow := storage.RuleExecutionLog{
			RuleID:         rule.ID,
			RuleName:       rule.Name,
			ExecutionType:  action.Type,
			ItemsProcessed: res.Processed,
			Success:        err == nil && res.ErrorCount == 0,
			ExecutedAt:     clock.FormatUTC(now),
		}
		switch {
		case err != nil:
			logRow.ErrorMessage = err.Error()
		case res.LastError != nil:
			logRow.ErrorMessage = res.LastError.Error()
		}
		if lerr := p.store.AddExecutionLog(logRow); lerr != nil {
			return false, nil, lerr
		}

		observability.ActionResults.WithLabelValues(action.Type, "success").Add(float64(res.SuccessCount))
		observability.ActionResults.WithLabelValues(action.Type, "error").Add(float64(res.ErrorCount))

		if err != nil {
			// The action as a whole failed (e.g. missing tag ids). Logged
			// above; the remaining rules still run.
			log.Warn("action dispatch failed", "rule_id", rule.ID, "action", action.Type, "error", err)
			continue
		}

		executed = true
		if err := p.store.UpdateRuleExecuted(rule.ID, clock.FormatUTC(now)); err != nil {
			return false, nil, err
		}
		log.Info("rule executed",
			"rule_id", rule.ID,
			"rule", rule.Name,
			"action", action.Type,
			"processed", res.Processed,
			"succeeded", res.SuccessCount,
			"failed", res.ErrorCount)
	}

	return executed, parsed, nil
}
