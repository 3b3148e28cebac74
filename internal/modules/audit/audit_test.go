package audit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clarity_testing "github.com/clarityhq/clarity/internal/testing"
)

func setupRepo(t *testing.T) (*Repository, func()) {
	t.Helper()
	db, cleanup := clarity_testing.NewTestDB(t, "audit")
	return NewRepository(db.Conn(), zerolog.Nop()), cleanup
}

func TestInsertAndList_Ordering(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	// Insert out of chronological order; List must return (created_at, id) order.
	for i, offset := range []int{2, 0, 1} {
		_, err := repo.Insert(&Entry{
			EventID:    "ev-" + string(rune('a'+i)),
			BusinessID: "biz-1",
			EventType:  "signal_detected",
			EntityType: "signal",
			EntityID:   "sig-1",
			CreatedAt:  base.Add(time.Duration(offset) * time.Minute),
		})
		require.NoError(t, err)
	}

	entries, err := repo.List("biz-1", ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		ordered := prev.CreatedAt.Before(cur.CreatedAt) ||
			(prev.CreatedAt.Equal(cur.CreatedAt) && prev.ID < cur.ID)
		assert.True(t, ordered, "entries must be ordered by (created_at, id)")
	}
}

func TestInsert_TieBreakByID(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()

	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	first, err := repo.Insert(&Entry{EventID: "e1", BusinessID: "biz-1", EventType: "x", EntityType: "t", EntityID: "1", CreatedAt: at})
	require.NoError(t, err)
	second, err := repo.Insert(&Entry{EventID: "e2", BusinessID: "biz-1", EventType: "x", EntityType: "t", EntityID: "1", CreatedAt: at})
	require.NoError(t, err)

	entries, err := repo.List("biz-1", ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].ID)
	assert.Equal(t, second.ID, entries[1].ID)
}

func TestList_Filters(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	seed := []struct {
		eventType string
		entityID  string
		at        time.Time
	}{
		{"signal_detected", "sig-1", base},
		{"signal_resolved", "sig-1", base.Add(time.Hour)},
		{"case_created", "case-1", base.Add(2 * time.Hour)},
		{"signal_detected", "sig-2", base.Add(3 * time.Hour)},
	}
	for i, s := range seed {
		_, err := repo.Insert(&Entry{
			EventID: "ev", BusinessID: "biz-1", EventType: s.eventType,
			EntityType: "signal", EntityID: s.entityID, CreatedAt: s.at,
		})
		require.NoError(t, err, "seed %d", i)
	}

	byType, err := repo.List("biz-1", ListFilter{EventTypes: []string{"signal_detected"}})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byEntity, err := repo.List("biz-1", ListFilter{EntityID: "sig-1"})
	require.NoError(t, err)
	assert.Len(t, byEntity, 2)

	since, err := repo.List("biz-1", ListFilter{Since: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := repo.List("biz-1", ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	other, err := repo.List("biz-2", ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, other, "scoping by business is strict")
}

func TestCountTransitions(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()

	base := time.Now().UTC().Add(-10 * 24 * time.Hour)
	for i := 0; i < 3; i++ {
		_, err := repo.Insert(&Entry{
			EventID: "ev", BusinessID: "biz-1", EventType: "signal_status_changed",
			EntityType: "signal", EntityID: "sig-flap", CreatedAt: base.Add(time.Duration(i) * 24 * time.Hour),
		})
		require.NoError(t, err)
	}
	// One old transition outside the window.
	_, err := repo.Insert(&Entry{
		EventID: "ev", BusinessID: "biz-1", EventType: "signal_status_changed",
		EntityType: "signal", EntityID: "sig-flap", CreatedAt: time.Now().UTC().Add(-30 * 24 * time.Hour),
	})
	require.NoError(t, err)

	count, err := repo.CountTransitions("biz-1", "signal", "sig-flap",
		[]string{"signal_status_changed"}, time.Now().UTC().Add(-14*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	none, err := repo.CountTransitions("biz-1", "signal", "sig-flap", nil, base)
	require.NoError(t, err)
	assert.Zero(t, none, "empty type list counts nothing")
}

func TestWriter_RecordSnapshotsStates(t *testing.T) {
	db, cleanup := clarity_testing.NewTestDB(t, "audit")
	defer cleanup()
	repo := NewRepository(db.Conn(), zerolog.Nop())
	writer := NewWriter(repo, zerolog.Nop())

	before := map[string]string{"status": "open"}
	after := map[string]string{"status": "resolved"}
	writer.Record("biz-1", "signal_resolved", "signal", "sig-9", before, after, map[string]interface{}{"via": "reconcile"})

	entries, err := repo.List("biz-1", ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.NotEmpty(t, e.EventID, "writer assigns a uuid event id")
	assert.JSONEq(t, `{"status":"open"}`, string(e.BeforeState))
	assert.JSONEq(t, `{"status":"resolved"}`, string(e.AfterState))
	assert.Equal(t, "reconcile", e.Detail["via"])
}

func TestWriter_NilStates(t *testing.T) {
	db, cleanup := clarity_testing.NewTestDB(t, "audit")
	defer cleanup()
	repo := NewRepository(db.Conn(), zerolog.Nop())
	writer := NewWriter(repo, zerolog.Nop())

	writer.Record("biz-1", "signal_detected", "signal", "sig-1", nil, map[string]string{"status": "open"}, nil)

	entries, err := repo.List("biz-1", ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].BeforeState, "create transitions have no before state")
	assert.NotNil(t, entries[0].AfterState)
}

func TestDeleteByBusiness(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()

	for _, biz := range []string{"biz-1", "biz-1", "biz-2"} {
		_, err := repo.Insert(&Entry{EventID: "ev", BusinessID: biz, EventType: "x", EntityType: "t", EntityID: "1"})
		require.NoError(t, err)
	}

	deleted, err := repo.DeleteByBusiness("biz-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	remaining, err := repo.List("biz-2", ListFilter{})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
