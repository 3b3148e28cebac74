package integrations

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const simProviderName = "sim"

// SimProvider is the in-process simulator source. Scenario runners and the
// live stream push events into its queue; sync drains whatever is pending.
// It has no credentials and accepts every webhook.
type SimProvider struct {
	mu      sync.Mutex
	pending map[string][]ProviderEvent // keyed by business id
	log     zerolog.Logger
}

// NewSimProvider creates the simulator provider.
func NewSimProvider(log zerolog.Logger) *SimProvider {
	return &SimProvider{
		pending: make(map[string][]ProviderEvent),
		log:     log.With().Str("component", "sim_provider").Logger(),
	}
}

// Name returns the provider name.
func (p *SimProvider) Name() string {
	return simProviderName
}

// CreateLinkToken returns a fixed token; the simulator has no link flow.
func (p *SimProvider) CreateLinkToken(businessID string) (string, error) {
	return "sim-link-" + businessID, nil
}

// ExchangeToken completes the no-op link flow.
func (p *SimProvider) ExchangeToken(businessID, publicToken string) (*ExchangeResult, error) {
	return &ExchangeResult{
		ItemID:      "sim-item-" + businessID,
		AccessToken: "sim-token-" + businessID,
	}, nil
}

// Push queues events for the next sync of a business.
func (p *SimProvider) Push(businessID string, events ...ProviderEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[businessID] = append(p.pending[businessID], events...)
}

// FetchEvents drains the queued events for the connection's business.
func (p *SimProvider) FetchEvents(conn *Connection, since *time.Time) ([]ProviderEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := p.pending[conn.BusinessID]
	delete(p.pending, conn.BusinessID)
	return events, nil
}

// VerifyWebhook accepts everything; the simulator signs nothing.
func (p *SimProvider) VerifyWebhook(headers http.Header, body []byte) WebhookVerdict {
	return WebhookVerdict{OK: true}
}
