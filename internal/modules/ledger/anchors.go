package ledger

import (
	"math"
	"sort"
	"strings"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/utils"
)

// Evidence metric naming: the key suffix picks the aggregation applied to the
// anchor query's rows. Anything without a recognized suffix sums absolute
// amounts, which is what *_total keys expect.
func metricFromRows(key string, rows []Row) float64 {
	switch {
	case strings.HasSuffix(key, "_count") || key == "count":
		return float64(len(rows))
	case strings.HasSuffix(key, "_net") || key == "net":
		sum := 0.0
		for _, row := range rows {
			sum += row.Amount
		}
		return utils.RoundCents(sum)
	case strings.HasSuffix(key, "_mean") || key == "mean":
		if len(rows) == 0 {
			return 0
		}
		sum := 0.0
		for _, row := range rows {
			sum += math.Abs(row.Amount)
		}
		return utils.RoundCents(sum / float64(len(rows)))
	default:
		sum := 0.0
		for _, row := range rows {
			sum += math.Abs(row.Amount)
		}
		return utils.RoundCents(sum)
	}
}

func queryFromAnchor(q domain.AnchorQuery) QueryParams {
	return QueryParams{
		StartDate:      q.StartDate,
		EndDate:        q.EndDate,
		Vendors:        q.Vendors,
		Categories:     q.Categories,
		Direction:      q.Direction,
		SourceEventIDs: q.SourceEventIDs,
	}
}

// EvaluateAnchor re-runs an anchor's query and recomputes every evidence
// metric from the returned rows.
func (s *Service) EvaluateAnchor(businessID string, anchor domain.LedgerAnchor) (map[string]float64, []Row, error) {
	result, err := s.Query(businessID, queryFromAnchor(anchor.Query))
	if err != nil {
		return nil, nil, err
	}

	metrics := make(map[string]float64, len(anchor.EvidenceKeys))
	for key := range anchor.EvidenceKeys {
		metrics[key] = metricFromRows(key, result.Rows)
	}
	return metrics, result.Rows, nil
}

// AnchorCheck compares one stored evidence value against its recomputation
type AnchorCheck struct {
	Key        string  `json:"key"`
	Stored     float64 `json:"stored"`
	Recomputed float64 `json:"recomputed"`
	Match      bool    `json:"match"`
}

// VerifyAnchor recomputes an anchor's evidence and reports per-key agreement
// to cent precision. A mismatch means the stored claim no longer reconciles
// against the raw event log.
func (s *Service) VerifyAnchor(businessID string, anchor domain.LedgerAnchor) ([]AnchorCheck, []Row, error) {
	metrics, rows, err := s.EvaluateAnchor(businessID, anchor)
	if err != nil {
		return nil, nil, err
	}

	checks := make([]AnchorCheck, 0, len(anchor.EvidenceKeys))
	for key, stored := range anchor.EvidenceKeys {
		recomputed := metrics[key]
		checks = append(checks, AnchorCheck{
			Key:        key,
			Stored:     utils.RoundCents(stored),
			Recomputed: recomputed,
			Match:      utils.SameCents(stored, recomputed),
		})
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Key < checks[j].Key })
	return checks, rows, nil
}
