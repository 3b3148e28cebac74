package briefs

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/ledger"
	clarity_testing "github.com/clarityhq/clarity/internal/testing"
	"github.com/clarityhq/clarity/internal/utils"
)

type stubLedger struct {
	rows []ledger.Row
}

func (s *stubLedger) Query(businessID string, params ledger.QueryParams) (*ledger.QueryResult, error) {
	result := &ledger.QueryResult{}
	balance := 0.0
	for _, row := range s.rows {
		if params.EndDate != "" && row.Date > params.EndDate {
			continue
		}
		if params.StartDate != "" && row.Date < params.StartDate {
			balance += row.Amount
			continue
		}
		result.Rows = append(result.Rows, row)
		balance += row.Amount
		if row.Direction == domain.DirectionInflow {
			result.Summary.TotalIn += row.Amount
		} else {
			result.Summary.TotalOut += -row.Amount
		}
	}
	result.Summary.EndBalance = utils.RoundCents(balance)
	result.Summary.TotalIn = utils.RoundCents(result.Summary.TotalIn)
	result.Summary.TotalOut = utils.RoundCents(result.Summary.TotalOut)
	result.Summary.RowCount = len(result.Rows)
	return result, nil
}

func (s *stubLedger) ComputeCashFlow(businessID, startDate, endDate string) (*ledger.CashFlowResult, error) {
	result, err := s.Query(businessID, ledger.QueryParams{StartDate: startDate, EndDate: endDate})
	if err != nil {
		return nil, err
	}
	return &ledger.CashFlowResult{
		Inflow:  result.Summary.TotalIn,
		Outflow: result.Summary.TotalOut,
		Net:     utils.RoundCents(result.Summary.TotalIn - result.Summary.TotalOut),
	}, nil
}

type stubSignals struct {
	active int
}

func (s *stubSignals) CountActive(businessID string) (int, error) {
	return s.active, nil
}

type stubScores struct {
	score float64
}

func (s *stubScores) HealthScore(businessID string) (float64, error) {
	return s.score, nil
}

var briefDate = "2026-03-31"

func dateRow(date string, direction domain.Direction, amount float64, categorized bool) ledger.Row {
	signed := amount
	if direction == domain.DirectionOutflow {
		signed = -amount
	}
	row := ledger.Row{Date: date, Direction: direction, Amount: signed}
	if categorized {
		id := int64(1)
		row.CategoryID = &id
	}
	return row
}

func setupService(t *testing.T) (*Service, *Repository, *stubLedger, func()) {
	t.Helper()
	stores, cleanup := clarity_testing.NewTestStores(t)

	log := zerolog.Nop()
	repo := NewRepository(stores.Core.Conn(), log)
	led := &stubLedger{}
	service := NewService(repo, led, &stubSignals{active: 2}, events.NewBus(log), log)
	service.SetScoreSource(&stubScores{score: 78.5})
	return service, repo, led, cleanup
}

func TestGenerateDailyComputesMetrics(t *testing.T) {
	service, _, led, cleanup := setupService(t)
	defer cleanup()

	led.rows = []ledger.Row{
		dateRow("2026-01-15", domain.DirectionInflow, 10000, true), // pre-window cash
		dateRow("2026-03-05", domain.DirectionOutflow, 3000, true), // in 30d window only
		dateRow("2026-03-28", domain.DirectionInflow, 1000, true),  // in 7d window
		dateRow("2026-03-30", domain.DirectionOutflow, 500, false), // in 7d window, uncategorized
	}

	brief, err := service.GenerateDaily("biz-1", briefDate)
	require.NoError(t, err)

	assert.Equal(t, 7500.0, brief.Metrics[MetricCash])
	assert.Equal(t, 1000.0, brief.Metrics[MetricInflow7d])
	assert.Equal(t, 500.0, brief.Metrics[MetricOutflow7d])
	assert.Equal(t, -2500.0, brief.Metrics[MetricNet30d])
	assert.InDelta(t, 83.33, brief.Metrics[MetricBurnPerDay30d], 0.01)
	assert.InDelta(t, 7500.0/83.33, brief.Metrics[MetricRunwayDays], 0.1)
	assert.Equal(t, 1.0, brief.Metrics[MetricUncategorized])
	assert.Equal(t, 2.0, brief.Metrics[MetricOpenSignalCount])
	assert.Equal(t, 78.5, brief.Metrics[MetricHealthScore])
	assert.Equal(t, "Cash 7500.00, 30d net -2500.00, 2 open signals", brief.Headline)
}

func TestGenerateDailyCashPositiveRunwayIsCapped(t *testing.T) {
	service, _, led, cleanup := setupService(t)
	defer cleanup()

	led.rows = []ledger.Row{
		dateRow("2026-03-20", domain.DirectionInflow, 5000, true),
	}

	brief, err := service.GenerateDaily("biz-1", briefDate)
	require.NoError(t, err)
	assert.Equal(t, 3650.0, brief.Metrics[MetricRunwayDays])
}

func TestGenerateDailyIsIdempotent(t *testing.T) {
	service, repo, led, cleanup := setupService(t)
	defer cleanup()

	led.rows = []ledger.Row{dateRow("2026-03-20", domain.DirectionInflow, 5000, true)}

	first, err := service.GenerateDaily("biz-1", briefDate)
	require.NoError(t, err)

	// New data lands, regeneration replaces the row instead of duplicating.
	led.rows = append(led.rows, dateRow("2026-03-30", domain.DirectionOutflow, 1000, true))
	second, err := service.GenerateDaily("biz-1", briefDate)
	require.NoError(t, err)
	assert.Equal(t, 4000.0, second.Metrics[MetricCash])

	all, err := repo.List("biz-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first.ID, all[0].ID)
}

func TestGenerateDailyRejectsBadDate(t *testing.T) {
	service, _, _, cleanup := setupService(t)
	defer cleanup()

	_, err := service.GenerateDaily("biz-1", "March 31")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestListRangeOrdersOldestFirst(t *testing.T) {
	service, repo, led, cleanup := setupService(t)
	defer cleanup()

	led.rows = []ledger.Row{dateRow("2026-03-01", domain.DirectionInflow, 100, true)}
	for _, date := range []string{"2026-03-29", "2026-03-30", "2026-03-31"} {
		_, err := service.GenerateDaily("biz-1", date)
		require.NoError(t, err)
	}

	window, err := repo.ListRange("biz-1", "2026-03-29", "2026-03-30")
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "2026-03-29", window[0].BriefDate)
	assert.Equal(t, "2026-03-30", window[1].BriefDate)

	newest, err := repo.List("biz-1", 1)
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, "2026-03-31", newest[0].BriefDate)
}
