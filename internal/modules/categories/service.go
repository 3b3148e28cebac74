package categories

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/audit"
)

// Categorization sources, recorded on every TxnCategorization row
const (
	SourceManual    = "manual"
	SourceRule      = "rule"
	SourceVendorMap = "vendor_map"
	SourceSim       = "sim"
)

// Resolution is the outcome of resolving a transaction to a category
type Resolution struct {
	SystemKey  string
	Source     string
	CategoryID int64
	Confidence float64
}

// Service enforces chart-of-accounts invariants on top of the repository:
// a category anchors to exactly one existing account, and each system key
// and each category appear at most once in the business map.
type Service struct {
	repo    *Repository
	auditor *audit.Writer
	log     zerolog.Logger
}

// NewService creates a new categories service
func NewService(repo *Repository, auditor *audit.Writer, log zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		auditor: auditor,
		log:     log.With().Str("service", "categories").Logger(),
	}
}

var validAccountTypes = map[string]bool{
	AccountTypeCash:    true,
	AccountTypeRevenue: true,
	AccountTypeExpense: true,
	AccountTypeOther:   true,
}

// CreateAccount validates and inserts an account
func (s *Service) CreateAccount(businessID, name, accType, subtype string) (*Account, error) {
	if name == "" {
		return nil, domain.Validationf("account name is required")
	}
	if !validAccountTypes[accType] {
		return nil, domain.Validationf("invalid account type %q", accType)
	}

	account, err := s.repo.CreateAccount(Account{
		BusinessID: businessID,
		Name:       name,
		Type:       accType,
		Subtype:    subtype,
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, domain.Conflictf("account %q already exists", name)
		}
		return nil, err
	}
	return account, nil
}

// CreateCategory validates the anchor account and inserts a category
func (s *Service) CreateCategory(businessID, name string, accountID int64) (*Category, error) {
	if name == "" {
		return nil, domain.Validationf("category name is required")
	}

	anchor, err := s.repo.GetAccount(businessID, accountID)
	if err != nil {
		return nil, err
	}
	if anchor == nil {
		return nil, domain.Validationf("anchor account %d does not exist", accountID)
	}

	category, err := s.repo.CreateCategory(Category{
		BusinessID: businessID,
		Name:       name,
		AccountID:  accountID,
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, domain.Conflictf("category %q already exists", name)
		}
		return nil, err
	}
	return category, nil
}

// MapSystemKey binds a system key to a category. Each system key maps to at
// most one category, and each category carries at most one system key.
func (s *Service) MapSystemKey(businessID, systemKey string, categoryID int64) (*MapEntry, error) {
	if systemKey == "" {
		return nil, domain.Validationf("system key is required")
	}

	category, err := s.repo.GetCategory(businessID, categoryID)
	if err != nil {
		return nil, err
	}
	if category == nil {
		return nil, domain.Validationf("category %d does not exist", categoryID)
	}

	existing, err := s.repo.GetMapEntry(businessID, systemKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domain.Conflictf("system key %q is already mapped to category %d", systemKey, existing.CategoryID)
	}

	entry, err := s.repo.InsertMapEntry(MapEntry{
		BusinessID: businessID,
		SystemKey:  systemKey,
		CategoryID: categoryID,
	})
	if err != nil {
		// Covers the (business_id, category_id) constraint and the
		// system-key race the pre-check cannot close.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, domain.Conflictf("category %d or system key %q is already mapped", categoryID, systemKey)
		}
		return nil, err
	}

	s.auditor.Record(businessID, "category_mapped", "map_entry", systemKey, nil, entry, map[string]interface{}{
		"category_id": categoryID,
	})
	return entry, nil
}

// AddRule validates and inserts a substring match rule
func (s *Service) AddRule(businessID, matchTerm, field, systemKey string, priority int) (*Rule, error) {
	if matchTerm == "" {
		return nil, domain.Validationf("match term is required")
	}
	if field != "" && field != RuleFieldDescription && field != RuleFieldCounterparty {
		return nil, domain.Validationf("invalid rule field %q", field)
	}
	if systemKey == "" {
		return nil, domain.Validationf("system key is required")
	}

	return s.repo.CreateRule(Rule{
		BusinessID: businessID,
		MatchTerm:  matchTerm,
		Field:      field,
		SystemKey:  systemKey,
		Priority:   priority,
	})
}

// Resolve maps a transaction to a category. Category hints matched against
// the business map win over rules; rules apply highest priority first.
// Returns nil when nothing matches (the row stays uncategorized).
func (s *Service) Resolve(businessID, description, counterparty, categoryHint string) (*Resolution, error) {
	if categoryHint != "" {
		entry, err := s.repo.GetMapEntry(businessID, strings.ToLower(categoryHint))
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return &Resolution{
				CategoryID: entry.CategoryID,
				SystemKey:  entry.SystemKey,
				Source:     SourceVendorMap,
				Confidence: 0.9,
			}, nil
		}
	}

	rules, err := s.repo.ListRules(businessID)
	if err != nil {
		return nil, err
	}

	descLower := strings.ToLower(description)
	cpLower := strings.ToLower(counterparty)
	for _, rule := range rules {
		haystack := descLower
		if rule.Field == RuleFieldCounterparty {
			haystack = cpLower
		}
		if !strings.Contains(haystack, rule.MatchTerm) {
			continue
		}
		entry, err := s.repo.GetMapEntry(businessID, rule.SystemKey)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			s.log.Debug().
				Str("business_id", businessID).
				Str("system_key", rule.SystemKey).
				Msg("Rule matched an unmapped system key, skipping")
			continue
		}
		return &Resolution{
			CategoryID: entry.CategoryID,
			SystemKey:  entry.SystemKey,
			Source:     SourceRule,
			Confidence: 0.75,
		}, nil
	}

	return nil, nil
}

// Chart is the combined chart-of-accounts view for one business
type Chart struct {
	Accounts   []Account  `json:"accounts"`
	Categories []Category `json:"categories"`
	Map        []MapEntry `json:"map"`
	Rules      []Rule     `json:"rules"`
}

// GetChart returns the full chart for a business
func (s *Service) GetChart(businessID string) (*Chart, error) {
	accounts, err := s.repo.ListAccounts(businessID)
	if err != nil {
		return nil, err
	}
	categories, err := s.repo.ListCategories(businessID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListMapEntries(businessID)
	if err != nil {
		return nil, err
	}
	rules, err := s.repo.ListRules(businessID)
	if err != nil {
		return nil, err
	}
	return &Chart{Accounts: accounts, Categories: categories, Map: entries, Rules: rules}, nil
}

// defaultChart seeds every new business with the same starter chart.
// Keys follow the canonical system-key vocabulary used by detectors
// and the income statement.
var defaultChart = []struct {
	account    string
	accType    string
	subtype    string
	categories []struct {
		name string
		key  string
	}
}{
	{
		account: "Revenue", accType: AccountTypeRevenue,
		categories: []struct{ name, key string }{
			{"Sales", "sales"},
			{"Other Income", "other_income"},
		},
	},
	{
		account: "Operating Expenses", accType: AccountTypeExpense,
		categories: []struct{ name, key string }{
			{"Rent", "rent"},
			{"Payroll", "payroll"},
			{"Software", "software"},
			{"Utilities", "utilities"},
			{"Supplies", "supplies"},
			{"Insurance", "insurance"},
			{"Marketing", "marketing"},
			{"Fees", "fees"},
		},
	},
	{
		account: "Cost of Goods", accType: AccountTypeExpense, subtype: AccountSubtypeCOGS,
		categories: []struct{ name, key string }{
			{"Inventory", "inventory"},
		},
	},
}

var defaultRules = []struct {
	term string
	key  string
}{
	{"payroll", "payroll"},
	{"gusto", "payroll"},
	{"rent", "rent"},
	{"aws", "software"},
	{"saas", "software"},
	{"insurance", "insurance"},
	{"electric", "utilities"},
	{"internet", "utilities"},
}

// EnsureDefaultChart seeds the starter chart for a business. Idempotent:
// businesses that already have accounts are left alone.
func (s *Service) EnsureDefaultChart(businessID string) error {
	accounts, err := s.repo.ListAccounts(businessID)
	if err != nil {
		return err
	}
	if len(accounts) > 0 {
		return nil
	}

	for _, group := range defaultChart {
		account, err := s.repo.CreateAccount(Account{
			BusinessID: businessID,
			Name:       group.account,
			Type:       group.accType,
			Subtype:    group.subtype,
		})
		if err != nil {
			return fmt.Errorf("failed to seed account %q: %w", group.account, err)
		}
		for _, cat := range group.categories {
			category, err := s.repo.CreateCategory(Category{
				BusinessID: businessID,
				Name:       cat.name,
				AccountID:  account.ID,
			})
			if err != nil {
				return fmt.Errorf("failed to seed category %q: %w", cat.name, err)
			}
			if _, err := s.repo.InsertMapEntry(MapEntry{
				BusinessID: businessID,
				SystemKey:  cat.key,
				CategoryID: category.ID,
			}); err != nil {
				return fmt.Errorf("failed to seed map entry %q: %w", cat.key, err)
			}
		}
	}

	for i, rule := range defaultRules {
		if _, err := s.repo.CreateRule(Rule{
			BusinessID: businessID,
			MatchTerm:  rule.term,
			Field:      RuleFieldDescription,
			SystemKey:  rule.key,
			Priority:   len(defaultRules) - i,
		}); err != nil {
			return fmt.Errorf("failed to seed rule %q: %w", rule.term, err)
		}
	}

	s.log.Info().Str("business_id", businessID).Msg("Seeded default chart of accounts")
	return nil
}
