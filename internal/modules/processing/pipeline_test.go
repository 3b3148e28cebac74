package processing

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/audit"
	"github.com/clarityhq/clarity/internal/modules/categories"
	"github.com/clarityhq/clarity/internal/modules/rawevents"
	clarity_testing "github.com/clarityhq/clarity/internal/testing"
)

type fixture struct {
	pipeline *Pipeline
	repo     *Repository
	store    *rawevents.Store
	cats     *categories.Service
	cleanup  func()
}

func setupPipeline(t *testing.T) *fixture {
	t.Helper()
	stores, cleanup := clarity_testing.NewTestStores(t)

	log := zerolog.Nop()
	auditRepo := audit.NewRepository(stores.Audit.Conn(), log)
	auditor := audit.NewWriter(auditRepo, log)
	bus := events.NewBus(log)

	store := rawevents.NewStore(stores.Ledger.Conn(), log)
	repo := NewRepository(stores.Core.Conn(), log)
	catRepo := categories.NewRepository(stores.Core.Conn(), log)
	cats := categories.NewService(catRepo, auditor, log)
	require.NoError(t, cats.EnsureDefaultChart("biz-1"))

	return &fixture{
		pipeline: NewPipeline(repo, store, cats, auditor, bus, log),
		repo:     repo,
		store:    store,
		cats:     cats,
		cleanup:  cleanup,
	}
}

func ingest(t *testing.T, store *rawevents.Store, id, date string, amount float64, description, counterparty string) {
	t.Helper()
	_, err := store.Insert(rawevents.InsertRequest{
		BusinessID:    "biz-1",
		Source:        "sim",
		SourceEventID: id,
		OccurredAt:    mustUnix(date),
		PayloadJSON:   clarity_testing.RawEventPayload(amount, description, counterparty),
	})
	require.NoError(t, err)
}

func mustUnix(date string) int64 {
	ts, err := time.Parse("2006-01-02", date)
	if err != nil {
		panic(err)
	}
	return ts.Unix()
}

func TestProcessNewEvents_CategorizesByRule(t *testing.T) {
	f := setupPipeline(t)
	defer f.cleanup()

	ingest(t, f.store, "evt-1", "2026-01-05", -2400, "Monthly rent January", "Property LLC")
	ingest(t, f.store, "evt-2", "2026-01-06", -180, "AWS hosting", "Amazon Web Services")
	ingest(t, f.store, "evt-3", "2026-01-07", 900, "Invoice 42", "Client A")

	result, err := f.pipeline.ProcessNewEvents("biz-1", nil)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Candidates)
	assert.Equal(t, 3, result.Normalized)
	assert.Equal(t, 2, result.Categorized, "rent and aws match default rules")
	assert.Equal(t, 0, result.Errored)

	// Rent landed on the mapped category.
	c, err := f.repo.GetCategorization("biz-1", "evt-1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, categories.SourceRule, c.Source)

	// The revenue row has no matching rule and stays uncategorized.
	c, err = f.repo.GetCategorization("biz-1", "evt-3")
	require.NoError(t, err)
	assert.Nil(t, c)

	state, err := f.repo.GetState("biz-1", "evt-3")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, StatusNormalized, state.Status)
}

func TestProcessNewEvents_Idempotent(t *testing.T) {
	f := setupPipeline(t)
	defer f.cleanup()

	ingest(t, f.store, "evt-1", "2026-01-05", -2400, "rent payment", "Property LLC")

	first, err := f.pipeline.ProcessNewEvents("biz-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Categorized)

	second, err := f.pipeline.ProcessNewEvents("biz-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped, "terminal events are skipped on re-entry")
	assert.Equal(t, 0, second.Categorized)
}

func TestProcessNewEvents_BadEventDoesNotBlockSiblings(t *testing.T) {
	f := setupPipeline(t)
	defer f.cleanup()

	// An event whose payload has no transaction block fails to parse.
	_, err := f.store.Insert(rawevents.InsertRequest{
		BusinessID:    "biz-1",
		Source:        "sim",
		SourceEventID: "evt-bad",
		OccurredAt:    mustUnix("2026-01-05"),
		PayloadJSON:   `{"meta":{}}`,
	})
	require.NoError(t, err)
	ingest(t, f.store, "evt-good", "2026-01-06", -50, "aws bill", "Amazon")

	result, err := f.pipeline.ProcessNewEvents("biz-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Errored)
	assert.Equal(t, 1, result.Categorized)

	state, err := f.repo.GetState("biz-1", "evt-bad")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, StatusError, state.Status)
	assert.Equal(t, "missing_transaction", state.ErrorCode)
}

func TestResetErrors_AllowsRetry(t *testing.T) {
	f := setupPipeline(t)
	defer f.cleanup()

	_, err := f.store.Insert(rawevents.InsertRequest{
		BusinessID:    "biz-1",
		Source:        "sim",
		SourceEventID: "evt-bad",
		OccurredAt:    mustUnix("2026-01-05"),
		PayloadJSON:   `{"meta":{}}`,
	})
	require.NoError(t, err)

	_, err = f.pipeline.ProcessNewEvents("biz-1", nil)
	require.NoError(t, err)

	n, err := f.repo.ResetErrors("biz-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	result, err := f.pipeline.ProcessNewEvents("biz-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Skipped, "reset events are candidates again")
	assert.Equal(t, 1, result.Errored)
}

func TestManualCategorization_WinsOverRules(t *testing.T) {
	f := setupPipeline(t)
	defer f.cleanup()

	ingest(t, f.store, "evt-1", "2026-01-05", -2400, "rent payment", "Property LLC")
	_, err := f.pipeline.ProcessNewEvents("biz-1", nil)
	require.NoError(t, err)

	chart, err := f.cats.GetChart("biz-1")
	require.NoError(t, err)
	var softwareID int64
	for _, e := range chart.Map {
		if e.SystemKey == "software" {
			softwareID = e.CategoryID
		}
	}
	require.NotZero(t, softwareID)

	require.NoError(t, f.pipeline.Categorize("biz-1", "evt-1", softwareID, "actually a coworking sub"))

	// A rerun must not clobber the manual assignment.
	_, err = f.pipeline.ProcessNewEvents("biz-1", nil)
	require.NoError(t, err)

	c, err := f.repo.GetCategorization("biz-1", "evt-1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, categories.SourceManual, c.Source)
	assert.Equal(t, softwareID, c.CategoryID)
}

func TestUncategorizedCount(t *testing.T) {
	f := setupPipeline(t)
	defer f.cleanup()

	ingest(t, f.store, "evt-1", "2026-01-05", -2400, "rent payment", "Property LLC")
	ingest(t, f.store, "evt-2", "2026-01-06", 900, "Invoice 42", "Client A")

	_, err := f.pipeline.ProcessNewEvents("biz-1", nil)
	require.NoError(t, err)

	n, err := f.pipeline.UncategorizedCount("biz-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
