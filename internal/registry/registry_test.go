package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxpilot/internal/clock"
)

var testStart = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func openTestRegistry(t *testing.T) (*Registry, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testStart)
	r, err := Open(filepath.Join(t.TempDir(), "registry.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, clk
}

func seedUser(t *testing.T, r *Registry, authID string, hasRules bool, nextPollAt string) {
	t.Helper()
	require.NoError(t, r.Upsert(Entry{
		AuthID:         authID,
		DBPath:         "/data/" + authID + ".db",
		APIKey:         "key-" + authID,
		Status:         StatusActive,
		HasActiveRules: hasRules,
		NextPollAt:     nextPollAt,
	}))
}

func TestDueUsersSelection(t *testing.T) {
	r, clk := openTestRegistry(t)

	seedUser(t, r, "never-polled", true, "")
	seedUser(t, r, "overdue", true, clock.FormatUTC(testStart.Add(-10*time.Minute)))
	seedUser(t, r, "not-yet", true, clock.FormatUTC(testStart.Add(30*time.Minute)))
	seedUser(t, r, "no-rules", false, "")

	due, err := r.DueUsers()
	require.NoError(t, err)

	ids := make([]string, 0, len(due))
	for _, e := range due {
		ids = append(ids, e.AuthID)
	}
	assert.ElementsMatch(t, []string{"never-polled", "overdue"}, ids)

	// Once the clock passes next_poll_at the deferred user becomes due.
	clk.Advance(31 * time.Minute)
	due, err = r.DueUsers()
	require.NoError(t, err)
	assert.Len(t, due, 3)
}

func TestDueUsersOrderedByNextPoll(t *testing.T) {
	r, _ := openTestRegistry(t)

	seedUser(t, r, "newer", true, clock.FormatUTC(testStart.Add(-1*time.Minute)))
	seedUser(t, r, "older", true, clock.FormatUTC(testStart.Add(-60*time.Minute)))

	due, err := r.DueUsers()
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "older", due[0].AuthID, "longest-waiting user should come first")
}

func TestMarkInactiveExcludesUser(t *testing.T) {
	r, _ := openTestRegistry(t)
	seedUser(t, r, "u1", true, "")

	require.NoError(t, r.MarkInactive("u1"))

	due, err := r.DueUsers()
	require.NoError(t, err)
	assert.Empty(t, due)

	e, err := r.Entry("u1")
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, e.Status)
}

func TestUpdateAfterPoll(t *testing.T) {
	r, _ := openTestRegistry(t)
	seedUser(t, r, "u1", true, "")

	next := clock.FormatUTC(testStart.Add(5 * time.Minute))
	require.NoError(t, r.UpdateAfterPoll("u1", next, 3))

	e, err := r.Entry("u1")
	require.NoError(t, err)
	assert.Equal(t, next, e.NextPollAt)
	assert.Equal(t, 3, e.NonTerminalTorrentCount)

	// next_poll_at in the future: no longer due.
	due, err := r.DueUsers()
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestEntryCacheInvalidation(t *testing.T) {
	r, _ := openTestRegistry(t)
	seedUser(t, r, "u1", true, "")

	e, err := r.Entry("u1")
	require.NoError(t, err)
	assert.True(t, e.HasActiveRules)

	require.NoError(t, r.SetHasActiveRules("u1", false))

	e, err = r.Entry("u1")
	require.NoError(t, err)
	assert.False(t, e.HasActiveRules, "cache must be invalidated by writes")
}

func TestEntryUnknownUser(t *testing.T) {
	r, _ := openTestRegistry(t)
	_, err := r.Entry("ghost")
	assert.Error(t, err)
}

func TestActiveUsers(t *testing.T) {
	r, _ := openTestRegistry(t)
	seedUser(t, r, "u1", true, "")
	seedUser(t, r, "u2", false, "")
	seedUser(t, r, "u3", true, "")
	require.NoError(t, r.MarkInactive("u3"))

	active, err := r.ActiveUsers()
	require.NoError(t, err)
	// Active ignores the rules flag but respects status.
	assert.Len(t, active, 2)
}
