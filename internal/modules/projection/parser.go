// Package projection derives posted transactions from the latest raw event
// per canonical id. The projection is never stored; it is recomputed from the
// raw log so replays and revisions land deterministically.
package projection

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/rawevents"
	"github.com/clarityhq/clarity/internal/utils"
)

// Parse failure codes recorded on ProcessingEventState
const (
	ErrCodeBadPayload         = "bad_payload"
	ErrCodeMissingTransaction = "missing_transaction"
	ErrCodeInvalidAmount      = "invalid_amount"
	ErrCodeInvalidDirection   = "invalid_direction"
)

// ParseFailure marks one event that could not be projected. The sibling
// events still project; pipelines surface these as per-event error states.
type ParseFailure struct {
	SourceEventID string
	Code          string
	Detail        string
}

type txnPayload struct {
	Amount       *float64 `json:"amount"`
	Direction    string   `json:"direction"`
	Description  string   `json:"description"`
	Counterparty string   `json:"counterparty"`
	MerchantKey  string   `json:"merchant_key"`
	CategoryHint string   `json:"category_hint"`
	Currency     string   `json:"currency"`
}

type eventPayload struct {
	Transaction *txnPayload `json:"transaction"`
}

// ParseEvent converts one raw event row into a posted transaction.
// Sign convention when the payload carries no explicit direction:
// non-negative amounts are inflows, negative amounts are outflows.
// The stored amount is always absolute.
func ParseEvent(event rawevents.RawEvent) (*domain.PostedTransaction, *ParseFailure) {
	var payload eventPayload
	if err := json.Unmarshal([]byte(event.PayloadJSON), &payload); err != nil {
		return nil, &ParseFailure{
			SourceEventID: event.SourceEventID,
			Code:          ErrCodeBadPayload,
			Detail:        err.Error(),
		}
	}
	if payload.Transaction == nil {
		return nil, &ParseFailure{
			SourceEventID: event.SourceEventID,
			Code:          ErrCodeMissingTransaction,
			Detail:        "payload has no transaction block",
		}
	}

	txn := payload.Transaction
	if txn.Amount == nil || math.IsNaN(*txn.Amount) || math.IsInf(*txn.Amount, 0) {
		return nil, &ParseFailure{
			SourceEventID: event.SourceEventID,
			Code:          ErrCodeInvalidAmount,
			Detail:        "amount is missing or not a finite number",
		}
	}

	amount := *txn.Amount
	direction := domain.Direction(txn.Direction)
	switch txn.Direction {
	case "":
		if amount < 0 {
			direction = domain.DirectionOutflow
		} else {
			direction = domain.DirectionInflow
		}
	case string(domain.DirectionInflow), string(domain.DirectionOutflow):
		// explicit direction, amount sign is ignored
	default:
		return nil, &ParseFailure{
			SourceEventID: event.SourceEventID,
			Code:          ErrCodeInvalidDirection,
			Detail:        fmt.Sprintf("unknown direction %q", txn.Direction),
		}
	}

	// Payload-supplied keys normalize the same as derived ones. Anchor
	// queries filter on normalized vendors, so a raw key here would make
	// stored evidence irreproducible.
	merchantKey := txn.MerchantKey
	if merchantKey == "" {
		merchantKey = txn.Counterparty
		if merchantKey == "" {
			merchantKey = txn.Description
		}
	}
	merchantKey = utils.NormalizeVendor(merchantKey)

	currency := txn.Currency
	if currency == "" {
		currency = "USD"
	}

	return &domain.PostedTransaction{
		BusinessID:    event.BusinessID,
		Source:        event.Source,
		SourceEventID: event.SourceEventID,
		CanonicalID:   event.CanonicalID,
		OccurredAt:    time.Unix(event.OccurredAt, 0).UTC(),
		Amount:        utils.RoundCents(math.Abs(amount)),
		Direction:     direction,
		Description:   txn.Description,
		Counterparty:  txn.Counterparty,
		MerchantKey:   merchantKey,
		CategoryHint:  txn.CategoryHint,
		Currency:      currency,
		EventVersion:  event.EventVersion,
	}, nil
}
