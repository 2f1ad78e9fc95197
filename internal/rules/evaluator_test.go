package rules

import (
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"boxpilot/internal/clock"
	"boxpilot/internal/storage"
	"boxpilot/internal/torbox"
)

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func newTestEvaluator(t *testing.T) (*Evaluator, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "user.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEvaluator(store, clock.NewIntervals(1.0), logger), store
}

func mustParse(t *testing.T, row storage.AutomationRule) *Rule {
	t.Helper()
	rule, err := ParseRule(row)
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	return rule
}

func seedingItem(id int64) *torbox.Item {
	return &torbox.Item{ID: id, Active: true, Progress: 1}
}

func TestTriggerGate(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	row := storage.AutomationRule{
		ID:            1,
		Enabled:       true,
		TriggerConfig: `{"type":"interval","value":30}`,
		Conditions:    `{"groups":[{"conditions":[{"type":"PROGRESS","operator":"gte","value":0}],"logicOperator":"and"}]}`,
	}

	t.Run("gated inside the interval", func(t *testing.T) {
		rule := mustParse(t, row)
		rule.LastEvaluatedAt = clock.FormatUTC(t0.Add(-10 * time.Minute))
		_, evaluated, err := ev.Evaluate(rule, []*torbox.Item{seedingItem(1)}, t0)
		if err != nil {
			t.Fatal(err)
		}
		if evaluated {
			t.Error("rule must be gated 10 minutes into a 30 minute interval")
		}
	})

	t.Run("due after the interval", func(t *testing.T) {
		rule := mustParse(t, row)
		rule.LastEvaluatedAt = clock.FormatUTC(t0.Add(-31 * time.Minute))
		matched, evaluated, err := ev.Evaluate(rule, []*torbox.Item{seedingItem(1)}, t0)
		if err != nil {
			t.Fatal(err)
		}
		if !evaluated || len(matched) != 1 {
			t.Errorf("evaluated=%v matched=%d", evaluated, len(matched))
		}
	})

	t.Run("never evaluated means due", func(t *testing.T) {
		rule := mustParse(t, row)
		_, evaluated, err := ev.Evaluate(rule, nil, t0)
		if err != nil {
			t.Fatal(err)
		}
		if !evaluated {
			t.Error("a rule with no last_evaluated_at must evaluate immediately")
		}
	})

	t.Run("interval floored at one minute", func(t *testing.T) {
		rule := mustParse(t, row)
		rule.Trigger.Value = 0.001
		rule.LastEvaluatedAt = clock.FormatUTC(t0.Add(-30 * time.Second))
		_, evaluated, err := ev.Evaluate(rule, nil, t0)
		if err != nil {
			t.Fatal(err)
		}
		if evaluated {
			t.Error("sub-minute intervals clamp to one minute")
		}
	})
}

func TestTriggerGateScaledByMultiplier(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "user.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ev := NewEvaluator(store, clock.NewIntervals(0.01), logger)

	rule := mustParse(t, storage.AutomationRule{
		ID:            1,
		TriggerConfig: `{"type":"interval","value":30}`,
		Conditions:    `{"groups":[],"logicOperator":"and"}`,
	})
	// 30 scaled minutes = 18s; 20s have passed.
	rule.LastEvaluatedAt = clock.FormatUTC(t0.Add(-20 * time.Second))
	_, evaluated, err := ev.Evaluate(rule, nil, t0)
	if err != nil {
		t.Fatal(err)
	}
	if !evaluated {
		t.Error("scaled interval should already have elapsed")
	}
}

func TestZeroConditionSemantics(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	items := []*torbox.Item{seedingItem(1), seedingItem(2)}

	t.Run("legacy flat empty matches everything", func(t *testing.T) {
		rule := mustParse(t, storage.AutomationRule{ID: 1, Conditions: `[]`})
		matched, _, err := ev.Evaluate(rule, items, t0)
		if err != nil {
			t.Fatal(err)
		}
		if len(matched) != 2 {
			t.Errorf("matched %d, want all items", len(matched))
		}
	})

	t.Run("new structure without groups matches nothing", func(t *testing.T) {
		rule := mustParse(t, storage.AutomationRule{ID: 2, Conditions: `{"groups":[],"logicOperator":"and"}`})
		matched, _, err := ev.Evaluate(rule, items, t0)
		if err != nil {
			t.Fatal(err)
		}
		if len(matched) != 0 {
			t.Errorf("matched %d, want none", len(matched))
		}
	})

	t.Run("empty group matches nothing", func(t *testing.T) {
		rule := mustParse(t, storage.AutomationRule{ID: 3,
			Conditions: `{"groups":[{"conditions":[],"logicOperator":"and"}],"logicOperator":"and"}`})
		matched, _, err := ev.Evaluate(rule, items, t0)
		if err != nil {
			t.Fatal(err)
		}
		if len(matched) != 0 {
			t.Errorf("matched %d, want none", len(matched))
		}
	})
}

func TestGroupCombination(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	// Group one matches (seeds > 5), group two does not (ratio < 1).
	ratio := 2.0
	item := &torbox.Item{ID: 1, Active: true, Progress: 1, Seeds: 10, Ratio: &ratio}

	t.Run("or across groups", func(t *testing.T) {
		rule := mustParse(t, storage.AutomationRule{ID: 1,
			Conditions: `{"groups":[{"conditions":[{"type":"SEEDS","operator":"gt","value":5}],"logicOperator":"and"},{"conditions":[{"type":"RATIO","operator":"lt","value":1}],"logicOperator":"and"}],"logicOperator":"or"}`})
		matched, _, err := ev.Evaluate(rule, []*torbox.Item{item}, t0)
		if err != nil {
			t.Fatal(err)
		}
		if len(matched) != 1 {
			t.Error("or should match when one group matches")
		}
	})

	t.Run("and across groups", func(t *testing.T) {
		rule := mustParse(t, storage.AutomationRule{ID: 2,
			Conditions: `{"groups":[{"conditions":[{"type":"SEEDS","operator":"gt","value":5}],"logicOperator":"and"},{"conditions":[{"type":"RATIO","operator":"lt","value":1}],"logicOperator":"and"}],"logicOperator":"and"}`})
		matched, _, err := ev.Evaluate(rule, []*torbox.Item{item}, t0)
		if err != nil {
			t.Fatal(err)
		}
		if len(matched) != 0 {
			t.Error("and should fail when one group fails")
		}
	})

	t.Run("or within a group", func(t *testing.T) {
		rule := mustParse(t, storage.AutomationRule{ID: 3,
			Conditions: `{"groups":[{"conditions":[{"type":"SEEDS","operator":"gt","value":100},{"type":"RATIO","operator":"gte","value":2}],"logicOperator":"or"}],"logicOperator":"and"}`})
		matched, _, err := ev.Evaluate(rule, []*torbox.Item{item}, t0)
		if err != nil {
			t.Fatal(err)
		}
		if len(matched) != 1 {
			t.Error("or within a group should match on the second condition")
		}
	})
}

func TestLegacyFlatConditionsMigrate(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	rule := mustParse(t, storage.AutomationRule{ID: 1,
		Conditions: `{"conditions":[{"type":"SEEDS","operator":"gte","value":1}],"logicOperator":"and"}`})
	if !rule.Legacy {
		t.Fatal("flat form should be marked legacy")
	}
	if len(rule.Groups) != 1 || len(rule.Groups[0].Conditions) != 1 {
		t.Fatalf("flat form should migrate to one implicit group: %+v", rule.Groups)
	}

	item := &torbox.Item{ID: 1, Active: true, Progress: 0.3, Seeds: 4, DownloadSpeed: 10}
	matched, _, err := ev.Evaluate(rule, []*torbox.Item{item}, t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 1 {
		t.Error("migrated rule should evaluate normally")
	}
}

func TestInvalidConditionDegradesToNoMatch(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	// Bad operator for a numeric type: invalid, but the rule still parses.
	rule := mustParse(t, storage.AutomationRule{ID: 1,
		Conditions: `{"groups":[{"conditions":[{"type":"SEEDS","operator":"contains","value":5}],"logicOperator":"and"}],"logicOperator":"and"}`})

	if rule.Groups[0].Conditions[0].Kind != KindInvalid {
		t.Fatal("condition should be tagged invalid")
	}

	matched, evaluated, err := ev.Evaluate(rule, []*torbox.Item{seedingItem(1)}, t0)
	if err != nil {
		t.Fatal(err)
	}
	if !evaluated {
		t.Error("an invalid condition must not block evaluation")
	}
	if len(matched) != 0 {
		t.Error("invalid conditions evaluate to no-match")
	}
}

func TestMalformedDocumentsFailParse(t *testing.T) {
	for _, doc := range []string{`{`, `[{"type":}]`, `{"groups":"nope"}`} {
		if _, err := ParseRule(storage.AutomationRule{ID: 1, Conditions: doc}); err == nil {
			t.Errorf("expected parse error for %q", doc)
		}
	}
	if _, err := ParseRule(storage.AutomationRule{ID: 1, TriggerConfig: `{"type":1}`}); err == nil {
		t.Error("expected parse error for bad trigger")
	}
}

func TestAvgSpeedCondition(t *testing.T) {
	ev, store := newTestEvaluator(t)

	// 1e9 bytes over 1000s: 1e6 bytes/s = ~0.954 MB/s.
	add := func(ts time.Time, down int64) {
		t.Helper()
		if err := store.AddSpeedSample(storage.SpeedSample{
			TorrentID: "1", Timestamp: clock.FormatUTC(ts), TotalDownloaded: down,
		}); err != nil {
			t.Fatal(err)
		}
	}
	add(t0.Add(-1000*time.Second), 0)
	add(t0, 1_000_000_000)

	item := &torbox.Item{ID: 1, Active: true, Progress: 0.5, DownloadSpeed: 10, Seeds: 1}

	run := func(op string, value float64) int {
		t.Helper()
		rule := mustParse(t, storage.AutomationRule{ID: 1,
			Conditions: `{"groups":[{"conditions":[{"type":"AVG_DOWNLOAD_SPEED","operator":"` + op + `","value":` + strconv.FormatFloat(value, 'f', -1, 64) + `,"hours":1}],"logicOperator":"and"}],"logicOperator":"and"}`})
		matched, _, err := ev.Evaluate(rule, []*torbox.Item{item}, t0)
		if err != nil {
			t.Fatal(err)
		}
		return len(matched)
	}

	// MB means 1024*1024 bytes: 1e6 B/s is below 1.0 MB/s.
	if run("gte", 1.0) != 0 {
		t.Error("0.954 MB/s must not satisfy gte 1.0")
	}
	if run("lt", 1.0) != 1 {
		t.Error("0.954 MB/s should satisfy lt 1.0")
	}
	if run("gt", 0.9) != 1 {
		t.Error("0.954 MB/s should satisfy gt 0.9")
	}
}
