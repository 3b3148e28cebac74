package health

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/audit"
	"github.com/clarityhq/clarity/internal/utils"
)

// SignalSource supplies the non-resolved signal snapshot the score is
// computed over. Implemented by the signals repository.
type SignalSource interface {
	ListNonResolved(businessID string) ([]domain.SignalState, error)
}

// ChangeSource supplies the audit window ExplainChange replays. Implemented
// by the audit repository.
type ChangeSource interface {
	List(businessID string, filter audit.ListFilter) ([]audit.Entry, error)
}

// Engine computes health scores and change explanations.
type Engine struct {
	signals SignalSource
	changes ChangeSource
	log     zerolog.Logger
}

// NewEngine creates a health score engine.
func NewEngine(signals SignalSource, changes ChangeSource, log zerolog.Logger) *Engine {
	return &Engine{
		signals: signals,
		changes: changes,
		log:     log.With().Str("service", "health_engine").Logger(),
	}
}

// Contributor is one signal's share of the penalty sum.
type Contributor struct {
	SignalID   string              `json:"signal_id"`
	SignalType string              `json:"signal_type"`
	Domain     domain.SignalDomain `json:"domain"`
	Severity   domain.Severity     `json:"severity"`
	Status     domain.SignalStatus `json:"status"`
	AgeDays    int                 `json:"age_days"`
	Penalty    float64             `json:"penalty"`
}

// DomainScore groups contributors by domain.
type DomainScore struct {
	Domain  domain.SignalDomain `json:"domain"`
	Penalty float64             `json:"penalty"`
	Members []Contributor       `json:"members"`
}

// ScoreMeta carries the aggregate facts of a score computation.
type ScoreMeta struct {
	SignalCount  int     `json:"signal_count"`
	TotalPenalty float64 `json:"total_penalty"`
}

// ScoreResult is one health score computation. Two computations over the same
// signal snapshot differ only in GeneratedAt.
type ScoreResult struct {
	GeneratedAt  time.Time     `json:"generated_at"`
	BusinessID   string        `json:"business_id"`
	Domains      []DomainScore `json:"domains"`
	Contributors []Contributor `json:"contributors"`
	Meta         ScoreMeta     `json:"meta"`
	Score        float64       `json:"score"`
}

// ComputeScore computes the current health score.
func (e *Engine) ComputeScore(businessID string) (*ScoreResult, error) {
	return e.ComputeScoreAt(businessID, time.Now().UTC())
}

// ComputeScoreAt computes the health score against a reference time. The
// reference only feeds the persistence multiplier, so replays are
// deterministic.
func (e *Engine) ComputeScoreAt(businessID string, now time.Time) (*ScoreResult, error) {
	states, err := e.signals.ListNonResolved(businessID)
	if err != nil {
		return nil, err
	}

	contributors := make([]Contributor, 0, len(states))
	total := 0.0
	for _, state := range states {
		c := contributorFor(&state, now)
		if c == nil {
			continue
		}
		contributors = append(contributors, *c)
		total += c.Penalty
	}
	sortContributors(contributors)

	byDomain := map[domain.SignalDomain]*DomainScore{}
	var domainOrder []domain.SignalDomain
	for _, c := range contributors {
		ds, ok := byDomain[c.Domain]
		if !ok {
			ds = &DomainScore{Domain: c.Domain}
			byDomain[c.Domain] = ds
			domainOrder = append(domainOrder, c.Domain)
		}
		ds.Penalty = utils.RoundCents(ds.Penalty + c.Penalty)
		ds.Members = append(ds.Members, c)
	}

	domains := make([]DomainScore, 0, len(domainOrder))
	for _, d := range domainOrder {
		domains = append(domains, *byDomain[d])
	}
	sort.SliceStable(domains, func(i, j int) bool {
		if domains[i].Penalty != domains[j].Penalty {
			return domains[i].Penalty > domains[j].Penalty
		}
		return domains[i].Domain < domains[j].Domain
	})

	total = utils.RoundCents(total)
	score := utils.RoundCents(100 - total)
	if score < 0 {
		score = 0
	}

	return &ScoreResult{
		GeneratedAt:  now,
		BusinessID:   businessID,
		Score:        score,
		Domains:      domains,
		Contributors: contributors,
		Meta: ScoreMeta{
			SignalCount:  len(contributors),
			TotalPenalty: total,
		},
	}, nil
}

// HealthScore returns just the score. Satisfies the briefs score source.
func (e *Engine) HealthScore(businessID string) (float64, error) {
	result, err := e.ComputeScore(businessID)
	if err != nil {
		return 0, err
	}
	return result.Score, nil
}

// ComputeRiskSnapshot inverts the health score into the risk posture cases
// record at open time. Satisfies cases.RiskComputer.
func (e *Engine) ComputeRiskSnapshot(businessID string) (*domain.RiskSnapshot, error) {
	result, err := e.ComputeScore(businessID)
	if err != nil {
		return nil, err
	}

	var top []string
	for _, d := range result.Domains {
		if d.Penalty <= 0 || len(top) == 3 {
			break
		}
		top = append(top, string(d.Domain))
	}

	return &domain.RiskSnapshot{
		Score:      utils.RoundCents(100 - result.Score),
		TopDomains: top,
		ComputedAt: result.GeneratedAt,
	}, nil
}

func contributorFor(state *domain.SignalState, now time.Time) *Contributor {
	multiplier := statusMultipliers[state.Status]
	if multiplier == 0 {
		return nil
	}

	signalDomain := domain.DomainOf(state.SignalType)
	ageDays := utils.DaysBetween(state.DetectedAt, now)
	if ageDays < 0 {
		ageDays = 0
	}

	penalty := domainWeights[signalDomain] *
		severityWeights[state.Severity] *
		profileWeight(state.SignalType) *
		multiplier *
		persistenceMultiplier(ageDays)

	return &Contributor{
		SignalID:   state.SignalID,
		SignalType: state.SignalType,
		Domain:     signalDomain,
		Severity:   state.Severity,
		Status:     state.Status,
		AgeDays:    ageDays,
		Penalty:    utils.RoundCents(penalty),
	}
}

func sortContributors(contributors []Contributor) {
	sort.SliceStable(contributors, func(i, j int) bool {
		a, b := contributors[i], contributors[j]
		if a.Penalty != b.Penalty {
			return a.Penalty > b.Penalty
		}
		if a.Domain != b.Domain {
			return a.Domain < b.Domain
		}
		return a.SignalID < b.SignalID
	})
}

const (
	maxExplainHours = 720
	maxExplainLimit = 20

	defaultExplainHours = 24
	defaultExplainLimit = 10
)

// Change is one audit transition's effect on the score. Delta is the score
// movement the transition caused: negative when the change cost points.
type Change struct {
	OccurredAt    time.Time `json:"occurred_at"`
	SignalID      string    `json:"signal_id"`
	ChangeType    string    `json:"change_type"`
	PenaltyBefore float64   `json:"penalty_before"`
	PenaltyAfter  float64   `json:"penalty_after"`
	Delta         float64   `json:"delta"`
}

// ExplainResult is one ExplainChange response.
type ExplainResult struct {
	GeneratedAt time.Time `json:"generated_at"`
	BusinessID  string    `json:"business_id"`
	Headline    string    `json:"headline"`
	Changes     []Change  `json:"changes"`
	SinceHours  int       `json:"since_hours"`
	ChangeCount int       `json:"change_count"`
	NetDelta    float64   `json:"net_delta"`
}

// ExplainChange replays the audit window and re-prices each signal transition
// with the current formula. Zero sinceHours/limit take the defaults.
func (e *Engine) ExplainChange(businessID string, sinceHours, limit int, now time.Time) (*ExplainResult, error) {
	now = now.UTC()
	if sinceHours <= 0 {
		sinceHours = defaultExplainHours
	}
	if sinceHours > maxExplainHours {
		return nil, domain.Validationf("since_hours must be at most %d", maxExplainHours)
	}
	if limit <= 0 {
		limit = defaultExplainLimit
	}
	if limit > maxExplainLimit {
		return nil, domain.Validationf("limit must be at most %d", maxExplainLimit)
	}

	entries, err := e.changes.List(businessID, audit.ListFilter{
		Since:      now.Add(-time.Duration(sinceHours) * time.Hour),
		EntityType: "signal",
		EventTypes: []string{
			string(events.SignalDetected),
			string(events.SignalUpdated),
			string(events.SignalResolved),
			string(events.SignalStatusChanged),
		},
	})
	if err != nil {
		return nil, err
	}

	changes := make([]Change, 0, len(entries))
	net := 0.0
	for _, entry := range entries {
		before := penaltyFromSnapshot(entry.BeforeState, now)
		after := penaltyFromSnapshot(entry.AfterState, now)
		if before == after {
			continue
		}
		delta := utils.RoundCents(before - after)
		net += delta
		changes = append(changes, Change{
			OccurredAt:    entry.CreatedAt,
			SignalID:      entry.EntityID,
			ChangeType:    entry.EventType,
			PenaltyBefore: before,
			PenaltyAfter:  after,
			Delta:         delta,
		})
	}
	net = utils.RoundCents(net)

	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		da, db := absFloat(a.Delta), absFloat(b.Delta)
		if da != db {
			return da > db
		}
		if a.ChangeType != b.ChangeType {
			return a.ChangeType < b.ChangeType
		}
		return a.SignalID < b.SignalID
	})
	total := len(changes)
	if len(changes) > limit {
		changes = changes[:limit]
	}

	return &ExplainResult{
		GeneratedAt: now,
		BusinessID:  businessID,
		SinceHours:  sinceHours,
		Headline:    fmt.Sprintf("Health score moved %+.2f over the last %dh (%d changes)", net, sinceHours, total),
		NetDelta:    net,
		ChangeCount: total,
		Changes:     changes,
	}, nil
}

// penaltyFromSnapshot prices an audit before/after snapshot. Unreadable or
// absent snapshots price as zero (creates and deletes).
func penaltyFromSnapshot(raw json.RawMessage, now time.Time) float64 {
	if len(raw) == 0 {
		return 0
	}
	var state domain.SignalState
	if err := json.Unmarshal(raw, &state); err != nil {
		return 0
	}
	c := contributorFor(&state, now)
	if c == nil {
		return 0
	}
	return c.Penalty
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
