package business

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/audit"
)

// Purger deletes every row a module holds for one business.
// Used by the delete cascade to enable testing with mocks.
type Purger interface {
	DeleteByBusiness(businessID string) (int64, error)
}

// NamedPurger pairs a purger with the table family it clears, for reporting.
type NamedPurger struct {
	Name   string
	Purger Purger
}

// Service implements business lifecycle operations.
type Service struct {
	repo    *Repository
	auditor *audit.Writer
	purgers []NamedPurger
	log     zerolog.Logger
}

// NewService creates a business service. Purgers run in registration order on
// delete; register children before parents where it matters.
func NewService(repo *Repository, auditor *audit.Writer, purgers []NamedPurger, log zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		auditor: auditor,
		purgers: purgers,
		log:     log.With().Str("service", "business").Logger(),
	}
}

// Create registers a new business. The id is generated when absent so that
// callers (and tests) may pin ids.
func (s *Service) Create(orgID, name, timezone string) (*domain.Business, error) {
	if name == "" {
		return nil, domain.Validationf("business name is required")
	}

	b := &domain.Business{
		ID:       uuid.New().String(),
		OrgID:    orgID,
		Name:     name,
		Timezone: timezone,
	}

	created, err := s.repo.Create(b)
	if err != nil {
		return nil, err
	}

	s.auditor.Record(created.ID, "business_created", "business", created.ID, nil, created, nil)
	s.log.Info().Str("business_id", created.ID).Str("name", name).Msg("Business created")

	return created, nil
}

// Get returns a business, or ErrNotFound.
func (s *Service) Get(id string) (*domain.Business, error) {
	b, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, domain.NotFoundf("business %s", id)
	}
	return b, nil
}

// List returns all businesses.
func (s *Service) List() ([]domain.Business, error) {
	return s.repo.List()
}

// DeleteResult reports what the cascade removed.
type DeleteResult struct {
	RowsByFamily map[string]int64 `json:"rows_by_family"`
	BusinessID   string           `json:"business_id"`
	TotalRows    int64            `json:"total_rows"`
}

// Delete hard-deletes a business and every scoped row. The feature gate
// (ALLOW_BUSINESS_DELETE) is enforced at the HTTP layer; this method is the
// unguarded machinery.
func (s *Service) Delete(id string) (*DeleteResult, error) {
	existing, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, domain.NotFoundf("business %s", id)
	}

	result := &DeleteResult{
		BusinessID:   id,
		RowsByFamily: make(map[string]int64, len(s.purgers)),
	}

	for _, p := range s.purgers {
		n, err := p.Purger.DeleteByBusiness(id)
		if err != nil {
			return nil, fmt.Errorf("purging %s for business %s: %w", p.Name, id, err)
		}
		result.RowsByFamily[p.Name] = n
		result.TotalRows += n
	}

	deleted, err := s.repo.Delete(id)
	if err != nil {
		return nil, err
	}
	if deleted {
		result.TotalRows++
	}

	s.auditor.Record(id, "business_deleted", "business", id, existing, nil,
		map[string]interface{}{"rows_removed": result.TotalRows})
	s.log.Info().Str("business_id", id).Int64("rows_removed", result.TotalRows).Msg("Business deleted")

	return result, nil
}
