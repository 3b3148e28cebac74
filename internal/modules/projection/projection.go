package projection

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/rawevents"
)

// EventSource is the slice of the raw event store the projector needs
type EventSource interface {
	LatestPerCanonical(businessID, source string, includeRemoved bool) ([]rawevents.RawEvent, error)
}

// Projector turns the raw event log into ordered posted transactions
type Projector struct {
	store EventSource
	log   zerolog.Logger
}

// NewProjector creates a new projector
func NewProjector(store EventSource, log zerolog.Logger) *Projector {
	return &Projector{
		store: store,
		log:   log.With().Str("component", "projection").Logger(),
	}
}

// PostedTransactions projects the full posted history for a business.
// Tombstoned canonical ids never appear. Events that fail to parse are
// returned separately and excluded; one bad payload never drops the batch.
// Output order is (occurred_at, source_event_id) ascending, which every
// downstream consumer relies on.
func (p *Projector) PostedTransactions(businessID string) ([]domain.PostedTransaction, []ParseFailure, error) {
	events, err := p.store.LatestPerCanonical(businessID, "", false)
	if err != nil {
		return nil, nil, err
	}
	txns, fails := Project(events)
	if len(fails) > 0 {
		p.log.Warn().
			Str("business_id", businessID).
			Int("failed", len(fails)).
			Int("projected", len(txns)).
			Msg("Some events failed to project")
	}
	return txns, fails, nil
}

// Project parses and orders a projection basis that has already been fetched
func Project(events []rawevents.RawEvent) ([]domain.PostedTransaction, []ParseFailure) {
	txns := make([]domain.PostedTransaction, 0, len(events))
	var fails []ParseFailure
	for _, event := range events {
		txn, fail := ParseEvent(event)
		if fail != nil {
			fails = append(fails, *fail)
			continue
		}
		txns = append(txns, *txn)
	}
	sortTxns(txns)
	return txns, fails
}

func sortTxns(txns []domain.PostedTransaction) {
	sort.SliceStable(txns, func(i, j int) bool {
		if !txns[i].OccurredAt.Equal(txns[j].OccurredAt) {
			return txns[i].OccurredAt.Before(txns[j].OccurredAt)
		}
		return txns[i].SourceEventID < txns[j].SourceEventID
	})
}
