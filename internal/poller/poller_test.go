package poller

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"boxpilot/internal/clock"
	"boxpilot/internal/registry"
	"boxpilot/internal/storage"
	"boxpilot/internal/torbox"
)

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

// fakeAPI serves a scripted snapshot and records control traffic.
type fakeAPI struct {
	items   []torbox.Item
	err     error
	deleted []string
	control []string
}

func (f *fakeAPI) GetItems(ctx context.Context, bypassCache bool) ([]torbox.Item, error) {
	return f.items, f.err
}

func (f *fakeAPI) ControlItem(ctx context.Context, itemID, operation string) error {
	f.control = append(f.control, operation+":"+itemID)
	return nil
}

func (f *fakeAPI) ControlQueued(ctx context.Context, itemID, operation string) error {
	f.control = append(f.control, "queued/"+operation+":"+itemID)
	return nil
}

func (f *fakeAPI) DeleteItem(ctx context.Context, itemID string) error {
	f.deleted = append(f.deleted, itemID)
	return nil
}

type fixture struct {
	poller *UserPoller
	store  *storage.Store
	reg    *registry.Registry
	api    *fakeAPI
	clk    *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	clk := clock.NewFake(t0)

	reg, err := registry.Open(filepath.Join(dir, "registry.db"), clk)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	store, err := storage.Open(filepath.Join(dir, "user.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	if err := reg.Upsert(registry.Entry{
		AuthID:         "u1",
		DBPath:         filepath.Join(dir, "user.db"),
		APIKey:         "k",
		Status:         registry.StatusActive,
		HasActiveRules: true,
	}); err != nil {
		t.Fatal(err)
	}

	api := &fakeAPI{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New("u1", reg, store, api, clk, clock.NewIntervals(1.0), logger, Options{})
	return &fixture{poller: p, store: store, reg: reg, api: api, clk: clk}
}

func seedRule(t *testing.T, store *storage.Store, conditions, action string) {
	t.Helper()
	if err := store.DB.Create(&storage.AutomationRule{
		Name:         "test rule",
		Enabled:      true,
		Conditions:   conditions,
		ActionConfig: action,
	}).Error; err != nil {
		t.Fatal(err)
	}
}

func TestCycleSkippedWithoutActiveRules(t *testing.T) {
	f := newFixture(t)
	if err := f.reg.SetHasActiveRules("u1", false); err != nil {
		t.Fatal(err)
	}

	outcome, err := f.poller.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeSkipped {
		t.Errorf("outcome = %s, want skipped", outcome)
	}
}

func TestCycleDeactivatesUserOnAuthError(t *testing.T) {
	f := newFixture(t)
	f.api.err = &torbox.AuthError{Status: 403, Code: "BAD_TOKEN"}

	outcome, err := f.poller.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeAuthError {
		t.Fatalf("outcome = %s, want auth_error", outcome)
	}

	e, err := f.reg.Entry("u1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != registry.StatusInactive {
		t.Error("user must be deactivated after an auth rejection")
	}
}

func TestCycleEndToEnd(t *testing.T) {
	f := newFixture(t)

	// One seeding item; a rule matching seeding items fires stop_seeding.
	f.api.items = []torbox.Item{
		{ID: 1, Active: true, Progress: 1, TotalDownloaded: 1000, TotalUploaded: 2000},
		{ID: 2, Active: true, Progress: 0.3, DownloadSpeed: 500, Seeds: 2, TotalDownloaded: 100},
	}
	seedRule(t, f.store,
		`{"groups":[{"conditions":[{"type":"STATUS","operator":"is_any_of","value":["seeding"]}],"logicOperator":"and"}],"logicOperator":"and"}`,
		`{"type":"stop_seeding"}`)

	outcome, err := f.poller.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeOK {
		t.Fatalf("outcome = %s, want ok", outcome)
	}

	// The action hit exactly the seeding item.
	if len(f.api.control) != 1 || f.api.control[0] != "stop_seeding:1" {
		t.Errorf("control calls: %v", f.api.control)
	}

	// Shadows created for both non-terminal items.
	shadows, err := f.store.GetAllShadows()
	if err != nil {
		t.Fatal(err)
	}
	if len(shadows) != 2 {
		t.Errorf("expected 2 shadows, got %d", len(shadows))
	}

	// Rule bookkeeping: evaluated, executed, logged.
	enabled, err := f.store.GetEnabledRules()
	if err != nil {
		t.Fatal(err)
	}
	if enabled[0].LastEvaluatedAt == "" || enabled[0].LastExecutedAt == "" {
		t.Errorf("rule timestamps not stamped: %+v", enabled[0])
	}
	if enabled[0].ExecutionCount != 1 {
		t.Errorf("execution count = %d", enabled[0].ExecutionCount)
	}
	has, err := f.store.HasExecutionSince(clock.FormatUTC(t0.Add(-time.Minute)))
	if err != nil || !has {
		t.Error("execution log entry missing")
	}

	// Registry write-back: next_poll_at set, non-terminal count recorded.
	e, err := f.reg.Entry("u1")
	if err != nil {
		t.Fatal(err)
	}
	if e.NextPollAt == "" {
		t.Error("next_poll_at not written")
	}
	next, err := clock.ParseUTC(e.NextPollAt)
	if err != nil {
		t.Fatal(err)
	}
	// Active mode, no interval rules, items pending: 5 minute base.
	if want := t0.Add(5 * time.Minute); !next.Equal(want) {
		t.Errorf("next poll at %v, want %v", next, want)
	}
	if e.NonTerminalTorrentCount != 2 {
		t.Errorf("non-terminal count = %d", e.NonTerminalTorrentCount)
	}
}

func TestCycleGatedRuleDoesNotStampEvaluation(t *testing.T) {
	f := newFixture(t)
	f.api.items = []torbox.Item{{ID: 1, Active: true, Progress: 1}}

	if err := f.store.DB.Create(&storage.AutomationRule{
		Name:            "gated",
		Enabled:         true,
		TriggerConfig:   `{"type":"interval","value":30}`,
		Conditions:      `[]`,
		ActionConfig:    `{"type":"stop_seeding"}`,
		LastEvaluatedAt: clock.FormatUTC(t0.Add(-5 * time.Minute)),
	}).Error; err != nil {
		t.Fatal(err)
	}

	if _, err := f.poller.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	enabled, err := f.store.GetEnabledRules()
	if err != nil {
		t.Fatal(err)
	}
	if enabled[0].LastEvaluatedAt != clock.FormatUTC(t0.Add(-5*time.Minute)) {
		t.Error("gated rule must keep its previous last_evaluated_at")
	}
	if len(f.api.control) != 0 {
		t.Errorf("gated rule must not dispatch: %v", f.api.control)
	}
}

func TestCycleSpeedSamplesRecordedForActiveItems(t *testing.T) {
	f := newFixture(t)

	// First cycle establishes shadows; second records samples for updated
	// active items.
	f.api.items = []torbox.Item{
		{ID: 1, Active: true, Progress: 0.2, DownloadSpeed: 100, Seeds: 1, TotalDownloaded: 100},
	}
	if _, err := f.poller.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.clk.Advance(time.Minute)
	f.api.items[0].TotalDownloaded = 700
	if _, err := f.poller.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	samples, err := f.store.GetSpeedSamples("1", clock.FormatUTC(t0))
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample (new items produce none), got %d", len(samples))
	}
	if samples[0].TotalDownloaded != 700 {
		t.Errorf("sample counter = %d", samples[0].TotalDownloaded)
	}
}

func TestCycleMalformedRuleSkipped(t *testing.T) {
	f := newFixture(t)
	f.api.items = []torbox.Item{{ID: 1, Active: true, Progress: 1}}

	seedRule(t, f.store, `{not json`, `{"type":"delete"}`)
	seedRule(t, f.store,
		`{"groups":[{"conditions":[{"type":"STATUS","operator":"is_any_of","value":["seeding"]}],"logicOperator":"and"}],"logicOperator":"and"}`,
		`{"type":"stop_seeding"}`)

	outcome, err := f.poller.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeOK {
		t.Fatalf("outcome = %s", outcome)
	}
	// The healthy rule still ran.
	if len(f.api.control) != 1 {
		t.Errorf("control calls: %v", f.api.control)
	}
}
