package business

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/audit"
	clarity_testing "github.com/clarityhq/clarity/internal/testing"
)

// MockPurger mocks a module's scoped-row purger
type MockPurger struct {
	mock.Mock
}

func (m *MockPurger) DeleteByBusiness(businessID string) (int64, error) {
	args := m.Called(businessID)
	return args.Get(0).(int64), args.Error(1)
}

func setupService(t *testing.T, purgers []NamedPurger) (*Service, *audit.Repository, func()) {
	t.Helper()
	stores, cleanup := clarity_testing.NewTestStores(t)

	auditRepo := audit.NewRepository(stores.Audit.Conn(), zerolog.Nop())
	writer := audit.NewWriter(auditRepo, zerolog.Nop())
	repo := NewRepository(stores.Core.Conn(), zerolog.Nop())
	svc := NewService(repo, writer, purgers, zerolog.Nop())

	return svc, auditRepo, cleanup
}

func TestCreateAndGet(t *testing.T) {
	svc, auditRepo, cleanup := setupService(t, nil)
	defer cleanup()

	created, err := svc.Create("org-1", "Blue Bottle Books", "UTC")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := svc.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Blue Bottle Books", got.Name)
	assert.Equal(t, "org-1", got.OrgID)

	entries, err := auditRepo.List(created.ID, audit.ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "business_created", entries[0].EventType)
}

func TestCreate_RequiresName(t *testing.T) {
	svc, _, cleanup := setupService(t, nil)
	defer cleanup()

	_, err := svc.Create("org-1", "", "UTC")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestGet_NotFound(t *testing.T) {
	svc, _, cleanup := setupService(t, nil)
	defer cleanup()

	_, err := svc.Get("missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestDelete_CascadesThroughPurgers(t *testing.T) {
	signalPurger := new(MockPurger)
	casePurger := new(MockPurger)
	purgers := []NamedPurger{
		{Name: "signals", Purger: signalPurger},
		{Name: "cases", Purger: casePurger},
	}

	svc, auditRepo, cleanup := setupService(t, purgers)
	defer cleanup()

	created, err := svc.Create("org-1", "Corner Deli", "UTC")
	require.NoError(t, err)

	signalPurger.On("DeleteByBusiness", created.ID).Return(int64(4), nil)
	casePurger.On("DeleteByBusiness", created.ID).Return(int64(2), nil)

	result, err := svc.Delete(created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.RowsByFamily["signals"])
	assert.Equal(t, int64(2), result.RowsByFamily["cases"])
	assert.Equal(t, int64(7), result.TotalRows, "4 signals + 2 cases + business row")

	signalPurger.AssertExpectations(t)
	casePurger.AssertExpectations(t)

	_, err = svc.Get(created.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	entries, err := auditRepo.List(created.ID, audit.ListFilter{EventTypes: []string{"business_deleted"}})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDelete_MissingBusiness(t *testing.T) {
	svc, _, cleanup := setupService(t, nil)
	defer cleanup()

	_, err := svc.Delete("nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestDelete_PurgerFailureAborts(t *testing.T) {
	failing := new(MockPurger)
	svc, _, cleanup := setupService(t, []NamedPurger{{Name: "work", Purger: failing}})
	defer cleanup()

	created, err := svc.Create("org-1", "Corner Deli", "UTC")
	require.NoError(t, err)

	failing.On("DeleteByBusiness", created.ID).Return(int64(0), errors.New("disk full"))

	_, err = svc.Delete(created.ID)
	require.Error(t, err)

	// Business row survives a failed cascade.
	got, err := svc.Get(created.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}
