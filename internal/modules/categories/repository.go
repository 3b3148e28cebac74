// Package categories manages the per-business chart of accounts: accounts,
// categories anchored to accounts, substring rules, and the single mapping
// table from canonical system keys to category rows.
package categories

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Account is a ledger bucket. Type drives income-statement grouping.
type Account struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Subtype    string `json:"subtype,omitempty"`
	ID         int64  `json:"id"`
	BusinessID string `json:"business_id"`
	CreatedAt  int64  `json:"created_at"`
}

// Account types
const (
	AccountTypeCash    = "cash"
	AccountTypeRevenue = "revenue"
	AccountTypeExpense = "expense"
	AccountTypeOther   = "other"

	AccountSubtypeCOGS = "cogs"
)

// Category is a named bucket anchored to exactly one account.
type Category struct {
	Name       string `json:"name"`
	BusinessID string `json:"business_id"`
	ID         int64  `json:"id"`
	AccountID  int64  `json:"account_id"`
	CreatedAt  int64  `json:"created_at"`
}

// Rule matches a substring against a transaction field and names the
// system key whose mapped category should apply.
type Rule struct {
	MatchTerm  string `json:"match_term"`
	Field      string `json:"field"`
	SystemKey  string `json:"system_key"`
	BusinessID string `json:"business_id"`
	ID         int64  `json:"id"`
	Priority   int    `json:"priority"`
	CreatedAt  int64  `json:"created_at"`
}

// Rule match fields
const (
	RuleFieldDescription  = "description"
	RuleFieldCounterparty = "counterparty"
)

// MapEntry binds a system key to a category for one business.
type MapEntry struct {
	SystemKey  string `json:"system_key"`
	BusinessID string `json:"business_id"`
	ID         int64  `json:"id"`
	CategoryID int64  `json:"category_id"`
	CreatedAt  int64  `json:"created_at"`
}

// Repository handles chart-of-accounts persistence in the core database
type Repository struct {
	coreDB *sql.DB
	log    zerolog.Logger
}

// NewRepository creates a new categories repository
func NewRepository(coreDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		coreDB: coreDB,
		log:    log.With().Str("repo", "categories").Logger(),
	}
}

// CreateAccount inserts an account and returns it with its id set
func (r *Repository) CreateAccount(a Account) (*Account, error) {
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().Unix()
	}
	result, err := r.coreDB.Exec(`
		INSERT INTO accounts (business_id, name, type, subtype, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.BusinessID, a.Name, a.Type, nullableString(a.Subtype), a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	a.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get account id: %w", err)
	}
	return &a, nil
}

// GetAccount fetches one account by id, scoped to the business.
// Returns nil when not found.
func (r *Repository) GetAccount(businessID string, id int64) (*Account, error) {
	row := r.coreDB.QueryRow(`
		SELECT id, business_id, name, type, COALESCE(subtype, ''), created_at
		FROM accounts WHERE business_id = ? AND id = ?`, businessID, id)

	var a Account
	err := row.Scan(&a.ID, &a.BusinessID, &a.Name, &a.Type, &a.Subtype, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// ListAccounts returns all accounts for a business ordered by id
func (r *Repository) ListAccounts(businessID string) ([]Account, error) {
	rows, err := r.coreDB.Query(`
		SELECT id, business_id, name, type, COALESCE(subtype, ''), created_at
		FROM accounts WHERE business_id = ? ORDER BY id`, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.BusinessID, &a.Name, &a.Type, &a.Subtype, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// CreateCategory inserts a category anchored to an account
func (r *Repository) CreateCategory(c Category) (*Category, error) {
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().Unix()
	}
	result, err := r.coreDB.Exec(`
		INSERT INTO categories (business_id, name, account_id, created_at)
		VALUES (?, ?, ?, ?)`,
		c.BusinessID, c.Name, c.AccountID, c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create category: %w", err)
	}
	c.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get category id: %w", err)
	}
	return &c, nil
}

// GetCategory fetches one category by id. Returns nil when not found.
func (r *Repository) GetCategory(businessID string, id int64) (*Category, error) {
	row := r.coreDB.QueryRow(`
		SELECT id, business_id, name, account_id, created_at
		FROM categories WHERE business_id = ? AND id = ?`, businessID, id)

	var c Category
	err := row.Scan(&c.ID, &c.BusinessID, &c.Name, &c.AccountID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	return &c, nil
}

// GetCategoryByName fetches one category by name. Returns nil when not found.
func (r *Repository) GetCategoryByName(businessID, name string) (*Category, error) {
	row := r.coreDB.QueryRow(`
		SELECT id, business_id, name, account_id, created_at
		FROM categories WHERE business_id = ? AND name = ?`, businessID, name)

	var c Category
	err := row.Scan(&c.ID, &c.BusinessID, &c.Name, &c.AccountID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get category by name: %w", err)
	}
	return &c, nil
}

// ListCategories returns all categories for a business ordered by id
func (r *Repository) ListCategories(businessID string) ([]Category, error) {
	rows, err := r.coreDB.Query(`
		SELECT id, business_id, name, account_id, created_at
		FROM categories WHERE business_id = ? ORDER BY id`, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var categories []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.BusinessID, &c.Name, &c.AccountID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// CreateRule inserts a substring match rule
func (r *Repository) CreateRule(rule Rule) (*Rule, error) {
	if rule.CreatedAt == 0 {
		rule.CreatedAt = time.Now().Unix()
	}
	if rule.Field == "" {
		rule.Field = RuleFieldDescription
	}
	result, err := r.coreDB.Exec(`
		INSERT INTO category_rules (business_id, match_term, field, system_key, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rule.BusinessID, strings.ToLower(rule.MatchTerm), rule.Field, rule.SystemKey, rule.Priority, rule.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	rule.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get rule id: %w", err)
	}
	return &rule, nil
}

// ListRules returns rules for a business, highest priority first.
// Ties break by id so resolution stays deterministic.
func (r *Repository) ListRules(businessID string) ([]Rule, error) {
	rows, err := r.coreDB.Query(`
		SELECT id, business_id, match_term, field, system_key, priority, created_at
		FROM category_rules WHERE business_id = ?
		ORDER BY priority DESC, id ASC`, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var rule Rule
		if err := rows.Scan(&rule.ID, &rule.BusinessID, &rule.MatchTerm, &rule.Field,
			&rule.SystemKey, &rule.Priority, &rule.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// InsertMapEntry binds a system key to a category. The UNIQUE constraints on
// (business_id, system_key) and (business_id, category_id) reject duplicates.
func (r *Repository) InsertMapEntry(e MapEntry) (*MapEntry, error) {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	result, err := r.coreDB.Exec(`
		INSERT INTO business_category_map (business_id, system_key, category_id, created_at)
		VALUES (?, ?, ?, ?)`,
		e.BusinessID, e.SystemKey, e.CategoryID, e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to map system key: %w", err)
	}
	e.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get map entry id: %w", err)
	}
	return &e, nil
}

// GetMapEntry fetches the mapping for a system key. Returns nil when unmapped.
func (r *Repository) GetMapEntry(businessID, systemKey string) (*MapEntry, error) {
	row := r.coreDB.QueryRow(`
		SELECT id, business_id, system_key, category_id, created_at
		FROM business_category_map WHERE business_id = ? AND system_key = ?`,
		businessID, systemKey)

	var e MapEntry
	err := row.Scan(&e.ID, &e.BusinessID, &e.SystemKey, &e.CategoryID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get map entry: %w", err)
	}
	return &e, nil
}

// ListMapEntries returns the full system-key mapping for a business
func (r *Repository) ListMapEntries(businessID string) ([]MapEntry, error) {
	rows, err := r.coreDB.Query(`
		SELECT id, business_id, system_key, category_id, created_at
		FROM business_category_map WHERE business_id = ? ORDER BY system_key`, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list map entries: %w", err)
	}
	defer rows.Close()

	var entries []MapEntry
	for rows.Next() {
		var e MapEntry
		if err := rows.Scan(&e.ID, &e.BusinessID, &e.SystemKey, &e.CategoryID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan map entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AccountTypeByCategoryID returns category_id -> (account type, subtype) for
// income-statement grouping. One query instead of N.
func (r *Repository) AccountTypeByCategoryID(businessID string) (map[int64][2]string, error) {
	rows, err := r.coreDB.Query(`
		SELECT c.id, a.type, COALESCE(a.subtype, '')
		FROM categories c JOIN accounts a ON a.id = c.account_id
		WHERE c.business_id = ?`, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account types: %w", err)
	}
	defer rows.Close()

	result := make(map[int64][2]string)
	for rows.Next() {
		var id int64
		var accType, subtype string
		if err := rows.Scan(&id, &accType, &subtype); err != nil {
			return nil, fmt.Errorf("failed to scan account type: %w", err)
		}
		result[id] = [2]string{accType, subtype}
	}
	return result, rows.Err()
}

// DeleteByBusiness removes all chart rows for a business and reports the count
func (r *Repository) DeleteByBusiness(businessID string) (int64, error) {
	var total int64
	for _, table := range []string{"business_category_map", "category_rules", "categories", "accounts"} {
		result, err := r.coreDB.Exec("DELETE FROM "+table+" WHERE business_id = ?", businessID)
		if err != nil {
			return total, fmt.Errorf("failed to delete from %s: %w", table, err)
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
