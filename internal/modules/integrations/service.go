package integrations

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/actions"
	"github.com/clarityhq/clarity/internal/modules/audit"
	"github.com/clarityhq/clarity/internal/modules/processing"
	"github.com/clarityhq/clarity/internal/modules/rawevents"
)

// EventSink appends provider events to the raw event log. Implemented by the
// raw event store.
type EventSink interface {
	Insert(req rawevents.InsertRequest) (bool, error)
	LatestPerCanonical(businessID, source string, includeRemoved bool) ([]rawevents.RawEvent, error)
}

// Processor drives ingested events to their terminal state. Implemented by
// the processing pipeline.
type Processor interface {
	ProcessNewEvents(businessID string, sourceEventIDs []string) (*processing.Result, error)
}

// SyncResult summarizes one sync run.
type SyncResult struct {
	Processed  *processing.Result `json:"processed,omitempty"`
	Provider   string             `json:"provider"`
	Inserted   int                `json:"inserted"`
	Duplicates int                `json:"duplicates"`
}

// WebhookResult is the outcome of an accepted webhook delivery.
type WebhookResult struct {
	Sync       *SyncResult `json:"sync,omitempty"`
	BusinessID string      `json:"business_id"`
	Provider   string      `json:"provider"`
}

// Service orchestrates link, sync and webhook flows across providers.
type Service struct {
	repo            *Repository
	providers       map[string]Provider
	sink            EventSink
	processor       Processor
	auditor         *audit.Writer
	bus             *events.Bus
	plaintextTokens bool
	log             zerolog.Logger
}

// NewService creates the integrations service. plaintextTokens gates whether
// exchanged access tokens are persisted; when false the token lives only for
// the request and stub providers carry syncs without it.
func NewService(repo *Repository, providers []Provider, sink EventSink, processor Processor, auditor *audit.Writer, bus *events.Bus, plaintextTokens bool, log zerolog.Logger) *Service {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Service{
		repo:            repo,
		providers:       byName,
		sink:            sink,
		processor:       processor,
		auditor:         auditor,
		bus:             bus,
		plaintextTokens: plaintextTokens,
		log:             log.With().Str("service", "integrations").Logger(),
	}
}

// Provider resolves a provider by name.
func (s *Service) Provider(name string) (Provider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrNotFound, name)
	}
	return p, nil
}

// CreateLinkToken starts a provider link flow.
func (s *Service) CreateLinkToken(businessID, provider string) (string, error) {
	p, err := s.Provider(provider)
	if err != nil {
		return "", err
	}
	return p.CreateLinkToken(businessID)
}

// Exchange completes a link flow and persists the connection. Re-linking an
// already connected provider replaces the item and token.
func (s *Service) Exchange(businessID, provider, publicToken string) (*Connection, error) {
	p, err := s.Provider(provider)
	if err != nil {
		return nil, err
	}

	result, err := p.ExchangeToken(businessID, publicToken)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	token := result.AccessToken
	if !s.plaintextTokens {
		token = ""
		s.log.Warn().Str("provider", provider).Msg("Plaintext token storage disabled, connection stored without token")
	}

	conn := &Connection{
		BusinessID:  businessID,
		Provider:    provider,
		Status:      StatusConnected,
		ItemID:      result.ItemID,
		AccessToken: token,
	}
	if err := s.repo.Upsert(conn); err != nil {
		return nil, err
	}

	s.auditor.Record(businessID, "integration_connected", "integration", provider, nil, nil,
		map[string]interface{}{"item_id": result.ItemID})
	s.log.Info().Str("business_id", businessID).Str("provider", provider).Msg("Integration connected")
	return conn, nil
}

// Sync pulls the provider feed into the raw event log and runs processing
// over whatever was new. Fetch failures land on the connection row.
func (s *Service) Sync(businessID, provider string, now time.Time) (*SyncResult, error) {
	p, err := s.Provider(provider)
	if err != nil {
		return nil, err
	}
	conn, err := s.repo.GetByProvider(businessID, provider)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: no %s connection for business %s", domain.ErrNotFound, provider, businessID)
	}

	fetched, err := p.FetchEvents(conn, conn.LastSyncAt)
	if err != nil {
		if markErr := s.repo.MarkError(businessID, provider, err.Error(), now); markErr != nil {
			s.log.Error().Err(markErr).Msg("Failed to record sync error on connection")
		}
		return nil, fmt.Errorf("provider fetch failed: %w", err)
	}

	result, err := s.ingest(businessID, provider, fetched)
	if err != nil {
		return nil, err
	}

	if err := s.repo.MarkSynced(businessID, provider, now); err != nil {
		return nil, err
	}

	s.auditor.Record(businessID, "integration_synced", "integration", provider, nil, nil,
		map[string]interface{}{"inserted": result.Inserted, "duplicates": result.Duplicates})
	s.emitSynced(businessID, result)
	s.log.Info().
		Str("business_id", businessID).
		Str("provider", provider).
		Int("inserted", result.Inserted).
		Int("duplicates", result.Duplicates).
		Msg("Integration synced")
	return result, nil
}

// Ingest pushes externally delivered events (the live stream) through the
// same insert-then-process path as a pull sync.
func (s *Service) Ingest(businessID, provider string, fetched []ProviderEvent) (*SyncResult, error) {
	result, err := s.ingest(businessID, provider, fetched)
	if err != nil {
		return nil, err
	}
	if result.Inserted > 0 {
		s.emitSynced(businessID, result)
	}
	return result, nil
}

func (s *Service) ingest(businessID, provider string, fetched []ProviderEvent) (*SyncResult, error) {
	result := &SyncResult{Provider: provider}
	var newIDs []string
	for _, event := range fetched {
		inserted, err := s.sink.Insert(rawevents.InsertRequest{
			BusinessID:    businessID,
			Source:        provider,
			SourceEventID: event.SourceEventID,
			PayloadJSON:   event.PayloadJSON,
			OccurredAt:    event.OccurredAt,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to ingest event %s: %w", event.SourceEventID, err)
		}
		if inserted {
			result.Inserted++
			newIDs = append(newIDs, event.SourceEventID)
		} else {
			result.Duplicates++
		}
	}

	if len(newIDs) > 0 {
		processed, err := s.processor.ProcessNewEvents(businessID, newIDs)
		if err != nil {
			return nil, err
		}
		result.Processed = processed
	}
	return result, nil
}

// Replay reruns processing over the provider's full projection basis. Gated
// behind dev ops at the route layer; states already terminal are skipped by
// the pipeline.
func (s *Service) Replay(businessID, provider string) (*processing.Result, error) {
	if _, err := s.Provider(provider); err != nil {
		return nil, err
	}
	rows, err := s.sink.LatestPerCanonical(businessID, provider, false)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &processing.Result{BusinessID: businessID}, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.SourceEventID)
	}
	return s.processor.ProcessNewEvents(businessID, ids)
}

// HandleWebhook verifies and dispatches one provider delivery. The business
// is resolved from the payload's business_id, or through the item when the
// provider only sends an item reference.
func (s *Service) HandleWebhook(provider string, headers http.Header, body []byte, now time.Time) (*WebhookResult, error) {
	p, err := s.Provider(provider)
	if err != nil {
		return nil, err
	}

	verdict := p.VerifyWebhook(headers, body)
	if !verdict.OK {
		return nil, fmt.Errorf("%w: webhook verification failed: %s", domain.ErrForbidden, verdict.Reason)
	}

	var payload struct {
		BusinessID string `json:"business_id"`
		ItemID     string `json:"item_id"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("%w: webhook body is not valid JSON", domain.ErrValidation)
		}
	}

	businessID := payload.BusinessID
	if businessID == "" && payload.ItemID != "" {
		conn, err := s.repo.GetByItemID(provider, payload.ItemID)
		if err != nil {
			return nil, err
		}
		if conn != nil {
			businessID = conn.BusinessID
		}
	}
	if businessID == "" {
		return nil, fmt.Errorf("%w: webhook carries no resolvable business", domain.ErrValidation)
	}

	sync, err := s.Sync(businessID, provider, now)
	if err != nil {
		return nil, err
	}
	return &WebhookResult{BusinessID: businessID, Provider: provider, Sync: sync}, nil
}

// ListIntegrations exposes connection state to the action policy.
func (s *Service) ListIntegrations(businessID string) ([]actions.IntegrationStatus, error) {
	connections, err := s.repo.ListByBusiness(businessID)
	if err != nil {
		return nil, err
	}
	statuses := make([]actions.IntegrationStatus, 0, len(connections))
	for _, conn := range connections {
		statuses = append(statuses, actions.IntegrationStatus{
			LastSyncAt: conn.LastSyncAt,
			Provider:   conn.Provider,
			Status:     conn.Status,
		})
	}
	return statuses, nil
}

// Connections returns the stored connections for a business.
func (s *Service) Connections(businessID string) ([]Connection, error) {
	return s.repo.ListByBusiness(businessID)
}

// DeleteByBusiness removes all connection rows for a business.
func (s *Service) DeleteByBusiness(businessID string) (int64, error) {
	return s.repo.DeleteByBusiness(businessID)
}

func (s *Service) emitSynced(businessID string, result *SyncResult) {
	if s.bus == nil {
		return
	}
	s.bus.Emit("integrations", &events.IntegrationSyncedData{
		BusinessID: businessID,
		Provider:   result.Provider,
		Inserted:   result.Inserted,
		Duplicates: result.Duplicates,
	})
}
