package briefs

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/ledger"
	"github.com/clarityhq/clarity/internal/utils"
)

// Metric keys persisted in each brief. Plans reference these by name.
const (
	MetricCash            = "cash"
	MetricInflow7d        = "inflow_7d"
	MetricOutflow7d       = "outflow_7d"
	MetricNet30d          = "net_30d"
	MetricBurnPerDay30d   = "burn_per_day_30d"
	MetricRunwayDays      = "runway_days"
	MetricUncategorized   = "uncategorized_count"
	MetricOpenSignalCount = "open_signal_count"
	MetricHealthScore     = "health_score"
)

// runwayCap bounds runway_days for cash-positive businesses so the metric
// stays finite and polarity-correct (higher is better).
const runwayCap = 3650.0

// LedgerReader is the windowed ledger view the brief reads.
type LedgerReader interface {
	Query(businessID string, params ledger.QueryParams) (*ledger.QueryResult, error)
	ComputeCashFlow(businessID, startDate, endDate string) (*ledger.CashFlowResult, error)
}

// SignalCounter reports how many signals still demand attention.
type SignalCounter interface {
	CountActive(businessID string) (int, error)
}

// ScoreSource supplies the current health score. Implemented by the health
// engine; nil until wired, in which case the metric is omitted.
type ScoreSource interface {
	HealthScore(businessID string) (float64, error)
}

// Service generates and serves daily briefs.
type Service struct {
	repo    *Repository
	ledger  LedgerReader
	signals SignalCounter
	scores  ScoreSource
	bus     *events.Bus
	log     zerolog.Logger
}

// NewService creates a brief service.
func NewService(repo *Repository, ledgerReader LedgerReader, signals SignalCounter, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		ledger:  ledgerReader,
		signals: signals,
		bus:     bus,
		log:     log.With().Str("service", "briefs").Logger(),
	}
}

// SetScoreSource wires the health engine in after construction.
func (s *Service) SetScoreSource(src ScoreSource) {
	s.scores = src
}

// GenerateDaily computes the metric set as of one calendar date and upserts
// the brief row. Re-generating the same date replaces the row in place.
func (s *Service) GenerateDaily(businessID, date string) (*Brief, error) {
	if _, err := utils.DateToUnix(date); err != nil {
		return nil, domain.Validationf("invalid brief date %q", date)
	}

	metrics, err := s.computeMetrics(businessID, date)
	if err != nil {
		return nil, err
	}

	brief := &Brief{
		BusinessID: businessID,
		BriefDate:  date,
		Headline:   headline(metrics),
		Metrics:    metrics,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.Upsert(brief); err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.Emit("briefs", &events.BriefGeneratedData{
			BusinessID:  businessID,
			BriefDate:   date,
			HealthScore: metrics[MetricHealthScore],
		})
	}
	s.log.Debug().Str("business_id", businessID).Str("date", date).Msg("Daily brief generated")
	return brief, nil
}

// List returns the newest briefs first.
func (s *Service) List(businessID string, limit int) ([]Brief, error) {
	return s.repo.List(businessID, limit)
}

func (s *Service) computeMetrics(businessID, date string) (map[string]float64, error) {
	asOf, err := s.ledger.Query(businessID, ledger.QueryParams{EndDate: date})
	if err != nil {
		return nil, err
	}
	cash := asOf.Summary.EndBalance

	week, err := s.ledger.ComputeCashFlow(businessID, shiftDate(date, -6), date)
	if err != nil {
		return nil, err
	}
	month, err := s.ledger.ComputeCashFlow(businessID, shiftDate(date, -29), date)
	if err != nil {
		return nil, err
	}

	burnPerDay := utils.RoundCents((month.Outflow - month.Inflow) / 30)
	runway := runwayCap
	if burnPerDay > 0 {
		runway = utils.RoundCents(cash / burnPerDay)
		if runway > runwayCap {
			runway = runwayCap
		}
		if runway < 0 {
			runway = 0
		}
	}

	uncategorized := 0
	windowed, err := s.ledger.Query(businessID, ledger.QueryParams{
		StartDate: shiftDate(date, -29),
		EndDate:   date,
	})
	if err != nil {
		return nil, err
	}
	for _, row := range windowed.Rows {
		if row.CategoryID == nil {
			uncategorized++
		}
	}

	openSignals, err := s.signals.CountActive(businessID)
	if err != nil {
		return nil, err
	}

	metrics := map[string]float64{
		MetricCash:            cash,
		MetricInflow7d:        week.Inflow,
		MetricOutflow7d:       week.Outflow,
		MetricNet30d:          month.Net,
		MetricBurnPerDay30d:   burnPerDay,
		MetricRunwayDays:      runway,
		MetricUncategorized:   float64(uncategorized),
		MetricOpenSignalCount: float64(openSignals),
	}

	if s.scores != nil {
		score, err := s.scores.HealthScore(businessID)
		if err != nil {
			return nil, err
		}
		metrics[MetricHealthScore] = score
	}
	return metrics, nil
}

// headline is deterministic from the metrics so regeneration is stable.
func headline(m map[string]float64) string {
	return fmt.Sprintf("Cash %.2f, 30d net %.2f, %d open signals",
		m[MetricCash], m[MetricNet30d], int(m[MetricOpenSignalCount]))
}

func shiftDate(date string, days int) string {
	ts, err := utils.DateToUnix(date)
	if err != nil {
		return date
	}
	return utils.UnixToDate(time.Unix(ts, 0).UTC().Add(time.Duration(days) * 24 * time.Hour).Unix())
}
