package integrations

import (
	"net/http"
	"time"
)

// ProviderEvent is one event pulled from a provider feed, already shaped for
// the raw event log.
type ProviderEvent struct {
	SourceEventID string `json:"source_event_id"`
	PayloadJSON   string `json:"payload_json"`
	OccurredAt    int64  `json:"occurred_at"`
}

// ExchangeResult is the durable handle a token exchange yields.
type ExchangeResult struct {
	ItemID      string
	AccessToken string
}

// WebhookVerdict is the outcome of webhook signature verification.
type WebhookVerdict struct {
	Reason string
	OK     bool
}

// Provider is the contract every integration source implements. Stub
// providers accept all webhooks and serve deterministic data.
type Provider interface {
	Name() string
	CreateLinkToken(businessID string) (string, error)
	ExchangeToken(businessID, publicToken string) (*ExchangeResult, error)
	FetchEvents(conn *Connection, since *time.Time) ([]ProviderEvent, error)
	VerifyWebhook(headers http.Header, body []byte) WebhookVerdict
}
