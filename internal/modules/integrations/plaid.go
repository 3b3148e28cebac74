package integrations

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/config"
	"github.com/clarityhq/clarity/internal/utils"
)

const (
	plaidProviderName  = "plaid"
	plaidDialTimeout   = 30 * time.Second
	plaidStubBatchSize = 3
)

// PlaidProvider talks to the Plaid API, or serves deterministic sandbox data
// when the stub is enabled. Transport failures are retried once; provider
// rejections are not.
type PlaidProvider struct {
	cfg        config.PlaidConfig
	httpClient *http.Client
	log        zerolog.Logger
}

// NewPlaidProvider creates the plaid provider from config.
func NewPlaidProvider(cfg config.PlaidConfig, log zerolog.Logger) *PlaidProvider {
	return &PlaidProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: plaidDialTimeout},
		log:        log.With().Str("component", "plaid_provider").Logger(),
	}
}

// Name returns the provider name.
func (p *PlaidProvider) Name() string {
	return plaidProviderName
}

// CreateLinkToken starts a link flow for the business.
func (p *PlaidProvider) CreateLinkToken(businessID string) (string, error) {
	if p.cfg.UseStub {
		return "link-stub-" + uuid.New().String(), nil
	}

	var resp struct {
		LinkToken string `json:"link_token"`
	}
	err := p.post("/link/token/create", map[string]interface{}{
		"client_id": p.cfg.ClientID,
		"secret":    p.cfg.Secret,
		"user":      map[string]string{"client_user_id": businessID},
		"products":  []string{"transactions"},
		"webhook":   p.cfg.WebhookURL,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.LinkToken, nil
}

// ExchangeToken swaps a public token for the durable access token and item id.
func (p *PlaidProvider) ExchangeToken(businessID, publicToken string) (*ExchangeResult, error) {
	if p.cfg.UseStub {
		return &ExchangeResult{
			ItemID:      "item-stub-" + businessID,
			AccessToken: "access-stub-" + uuid.New().String(),
		}, nil
	}

	var resp struct {
		ItemID      string `json:"item_id"`
		AccessToken string `json:"access_token"`
	}
	err := p.post("/item/public_token/exchange", map[string]interface{}{
		"client_id":    p.cfg.ClientID,
		"secret":       p.cfg.Secret,
		"public_token": publicToken,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &ExchangeResult{ItemID: resp.ItemID, AccessToken: resp.AccessToken}, nil
}

// FetchEvents pulls the transaction feed for a connection. The stub serves a
// small deterministic batch per UTC day, so repeated syncs dedupe in the raw
// event store instead of growing the ledger.
func (p *PlaidProvider) FetchEvents(conn *Connection, since *time.Time) ([]ProviderEvent, error) {
	if p.cfg.UseStub {
		return p.stubEvents(conn, time.Now().UTC()), nil
	}

	var resp struct {
		Added []struct {
			TransactionID string  `json:"transaction_id"`
			Amount        float64 `json:"amount"`
			Date          string  `json:"date"`
			Name          string  `json:"name"`
			MerchantName  string  `json:"merchant_name"`
		} `json:"added"`
	}
	err := p.post("/transactions/sync", map[string]interface{}{
		"client_id":    p.cfg.ClientID,
		"secret":       p.cfg.Secret,
		"access_token": conn.AccessToken,
	}, &resp)
	if err != nil {
		return nil, err
	}

	events := make([]ProviderEvent, 0, len(resp.Added))
	for _, tx := range resp.Added {
		// Plaid reports outflows as positive amounts; the ledger convention
		// is the opposite sign.
		payload, err := json.Marshal(map[string]interface{}{
			"transaction": map[string]interface{}{
				"transaction_id": tx.TransactionID,
				"amount":         -tx.Amount,
				"description":    tx.Name,
				"counterparty":   tx.MerchantName,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode transaction payload: %w", err)
		}
		occurred, err := utils.DateToUnix(tx.Date)
		if err != nil {
			return nil, fmt.Errorf("provider sent unparseable date: %w", err)
		}
		events = append(events, ProviderEvent{
			SourceEventID: tx.TransactionID,
			PayloadJSON:   string(payload),
			OccurredAt:    occurred,
		})
	}
	return events, nil
}

// VerifyWebhook checks the webhook signature. The stub accepts everything;
// live mode requires the Plaid verification header unless verification is
// disabled by config.
func (p *PlaidProvider) VerifyWebhook(headers http.Header, body []byte) WebhookVerdict {
	if p.cfg.UseStub || p.cfg.WebhookVerifyDisabled {
		return WebhookVerdict{OK: true}
	}
	if headers.Get("Plaid-Verification") == "" {
		return WebhookVerdict{OK: false, Reason: "missing Plaid-Verification header"}
	}
	return WebhookVerdict{OK: true}
}

// stubEvents builds today's sandbox batch. Event ids carry the business and
// day, so a second sync on the same day inserts nothing new.
func (p *PlaidProvider) stubEvents(conn *Connection, now time.Time) []ProviderEvent {
	day := utils.UnixToDate(now.Unix())
	occurred := utils.StartOfDayUTC(now).Unix()

	rows := []struct {
		amount       float64
		description  string
		counterparty string
	}{
		{-120.50, "Card purchase - office supplies", "Staples"},
		{-49.99, "SaaS subscription", "Notion Labs"},
		{1500.00, "Customer payment", "Acme Corp"},
	}

	events := make([]ProviderEvent, 0, plaidStubBatchSize)
	for i, row := range rows {
		payload, _ := json.Marshal(map[string]interface{}{
			"transaction": map[string]interface{}{
				"amount":       row.amount,
				"description":  row.description,
				"counterparty": row.counterparty,
			},
		})
		events = append(events, ProviderEvent{
			SourceEventID: fmt.Sprintf("plaid-stub-%s-%s-%d", conn.BusinessID, day, i+1),
			PayloadJSON:   string(payload),
			OccurredAt:    occurred,
		})
	}
	return events
}

// post sends one API request, retrying once on transport errors. Non-2xx
// responses are provider rejections and surface immediately.
func (p *PlaidProvider) post(path string, body interface{}, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	url := p.cfg.PlaidHost() + path

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := p.httpClient.Post(url, "application/json", bytes.NewReader(encoded))
		if err != nil {
			lastErr = err
			p.log.Warn().Err(err).Str("path", path).Int("attempt", attempt+1).Msg("Provider request failed")
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode provider response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("provider unreachable after retry: %w", lastErr)
}
