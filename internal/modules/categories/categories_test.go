package categories

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/audit"
	clarity_testing "github.com/clarityhq/clarity/internal/testing"
)

func setup(t *testing.T) (*Service, *Repository, func()) {
	t.Helper()
	stores, cleanup := clarity_testing.NewTestStores(t)

	repo := NewRepository(stores.Core.Conn(), zerolog.Nop())
	auditRepo := audit.NewRepository(stores.Audit.Conn(), zerolog.Nop())
	svc := NewService(repo, audit.NewWriter(auditRepo, zerolog.Nop()), zerolog.Nop())

	return svc, repo, cleanup
}

func TestCategoryRequiresAnchorAccount(t *testing.T) {
	svc, _, cleanup := setup(t)
	defer cleanup()

	_, err := svc.CreateCategory("biz-1", "Rent", 999)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	account, err := svc.CreateAccount("biz-1", "Operating Expenses", AccountTypeExpense, "")
	require.NoError(t, err)

	category, err := svc.CreateCategory("biz-1", "Rent", account.ID)
	require.NoError(t, err)
	assert.Equal(t, account.ID, category.AccountID)
}

func TestMapSystemKey_RejectsDuplicateKey(t *testing.T) {
	svc, _, cleanup := setup(t)
	defer cleanup()

	account, err := svc.CreateAccount("biz-1", "Operating Expenses", AccountTypeExpense, "")
	require.NoError(t, err)
	rent, err := svc.CreateCategory("biz-1", "Rent", account.ID)
	require.NoError(t, err)
	other, err := svc.CreateCategory("biz-1", "Office Rent", account.ID)
	require.NoError(t, err)

	_, err = svc.MapSystemKey("biz-1", "rent", rent.ID)
	require.NoError(t, err)

	_, err = svc.MapSystemKey("biz-1", "rent", other.ID)
	assert.True(t, errors.Is(err, domain.ErrConflict), "duplicate system key must conflict")
}

func TestMapSystemKey_RejectsDuplicateCategory(t *testing.T) {
	svc, _, cleanup := setup(t)
	defer cleanup()

	account, err := svc.CreateAccount("biz-1", "Operating Expenses", AccountTypeExpense, "")
	require.NoError(t, err)
	rent, err := svc.CreateCategory("biz-1", "Rent", account.ID)
	require.NoError(t, err)

	_, err = svc.MapSystemKey("biz-1", "rent", rent.ID)
	require.NoError(t, err)

	_, err = svc.MapSystemKey("biz-1", "office_rent", rent.ID)
	assert.True(t, errors.Is(err, domain.ErrConflict), "a category carries at most one system key")
}

func TestMapSystemKey_ScopedPerBusiness(t *testing.T) {
	svc, _, cleanup := setup(t)
	defer cleanup()

	for _, biz := range []string{"biz-1", "biz-2"} {
		account, err := svc.CreateAccount(biz, "Operating Expenses", AccountTypeExpense, "")
		require.NoError(t, err)
		rent, err := svc.CreateCategory(biz, "Rent", account.ID)
		require.NoError(t, err)
		_, err = svc.MapSystemKey(biz, "rent", rent.ID)
		require.NoError(t, err, "same key in another business is fine")
	}
}

func TestResolve_HintBeatsRules(t *testing.T) {
	svc, _, cleanup := setup(t)
	defer cleanup()

	require.NoError(t, svc.EnsureDefaultChart("biz-1"))

	res, err := svc.Resolve("biz-1", "GUSTO PAYROLL 0923", "Gusto", "software")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, SourceVendorMap, res.Source)
	assert.Equal(t, "software", res.SystemKey)
}

func TestResolve_RulePriorityOrder(t *testing.T) {
	svc, _, cleanup := setup(t)
	defer cleanup()

	require.NoError(t, svc.EnsureDefaultChart("biz-1"))

	// "gusto payroll" description matches both seeded rules; the
	// higher-priority one wins.
	res, err := svc.Resolve("biz-1", "GUSTO PAYROLL 0923", "", "")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, SourceRule, res.Source)
	assert.Equal(t, "payroll", res.SystemKey)
}

func TestResolve_CounterpartyField(t *testing.T) {
	svc, _, cleanup := setup(t)
	defer cleanup()

	require.NoError(t, svc.EnsureDefaultChart("biz-1"))
	_, err := svc.AddRule("biz-1", "landlord", RuleFieldCounterparty, "rent", 100)
	require.NoError(t, err)

	res, err := svc.Resolve("biz-1", "ACH TRANSFER", "Oak Street Landlord LLC", "")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "rent", res.SystemKey)
}

func TestResolve_NoMatch(t *testing.T) {
	svc, _, cleanup := setup(t)
	defer cleanup()

	require.NoError(t, svc.EnsureDefaultChart("biz-1"))

	res, err := svc.Resolve("biz-1", "MYSTERY VENDOR 42", "", "")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestEnsureDefaultChart_Idempotent(t *testing.T) {
	svc, repo, cleanup := setup(t)
	defer cleanup()

	require.NoError(t, svc.EnsureDefaultChart("biz-1"))
	require.NoError(t, svc.EnsureDefaultChart("biz-1"))

	accounts, err := repo.ListAccounts("biz-1")
	require.NoError(t, err)
	assert.Len(t, accounts, 3)

	entries, err := repo.ListMapEntries("biz-1")
	require.NoError(t, err)
	assert.Len(t, entries, 11)
}

func TestAccountTypeByCategoryID(t *testing.T) {
	svc, repo, cleanup := setup(t)
	defer cleanup()

	require.NoError(t, svc.EnsureDefaultChart("biz-1"))

	entry, err := repo.GetMapEntry("biz-1", "inventory")
	require.NoError(t, err)
	require.NotNil(t, entry)

	types, err := repo.AccountTypeByCategoryID("biz-1")
	require.NoError(t, err)
	assert.Equal(t, [2]string{AccountTypeExpense, AccountSubtypeCOGS}, types[entry.CategoryID])
}

func TestDeleteByBusiness(t *testing.T) {
	svc, repo, cleanup := setup(t)
	defer cleanup()

	require.NoError(t, svc.EnsureDefaultChart("biz-1"))
	require.NoError(t, svc.EnsureDefaultChart("biz-2"))

	n, err := repo.DeleteByBusiness("biz-1")
	require.NoError(t, err)
	assert.Greater(t, n, int64(0))

	accounts, err := repo.ListAccounts("biz-1")
	require.NoError(t, err)
	assert.Empty(t, accounts)

	kept, err := repo.ListAccounts("biz-2")
	require.NoError(t, err)
	assert.Len(t, kept, 3)
}
