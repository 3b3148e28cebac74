// Package integrations owns provider connections and the sync path that
// moves provider events into the raw event log. A business holds at most one
// connection per provider; sync failures land on the connection row so the
// action policy can surface stale or broken integrations.
package integrations

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Connection statuses
const (
	StatusConnected    = "connected"
	StatusError        = "error"
	StatusDisconnected = "disconnected"
)

// Connection is one provider link for a business.
type Connection struct {
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
	BusinessID  string     `json:"business_id"`
	Provider    string     `json:"provider"`
	Status      string     `json:"status"`
	ItemID      string     `json:"item_id,omitempty"`
	AccessToken string     `json:"-"`
	LastError   string     `json:"last_error,omitempty"`
	ID          int64      `json:"id"`
	CreatedAt   int64      `json:"created_at"`
	UpdatedAt   int64      `json:"updated_at"`
}

// Repository handles integration connection persistence in the core database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new integration connection repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "integrations").Logger(),
	}
}

const connectionColumns = `id, business_id, provider, status, item_id, access_token,
	last_sync_at, last_error, last_error_at, created_at, updated_at`

// Upsert creates or refreshes the connection for (business, provider). A
// re-exchange replaces the item and token and resets the status to connected.
func (r *Repository) Upsert(conn *Connection) error {
	now := time.Now().UTC().Unix()
	if conn.Status == "" {
		conn.Status = StatusConnected
	}
	_, err := r.db.Exec(`
		INSERT INTO integration_connections (business_id, provider, status, item_id, access_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (business_id, provider) DO UPDATE SET
			status = excluded.status,
			item_id = excluded.item_id,
			access_token = excluded.access_token,
			last_error = NULL,
			last_error_at = NULL,
			updated_at = excluded.updated_at
	`, conn.BusinessID, conn.Provider, conn.Status, conn.ItemID, conn.AccessToken, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}

	stored, err := r.GetByProvider(conn.BusinessID, conn.Provider)
	if err != nil {
		return err
	}
	*conn = *stored
	return nil
}

// GetByProvider returns the connection or nil when the business has none.
func (r *Repository) GetByProvider(businessID, provider string) (*Connection, error) {
	row := r.db.QueryRow(`
		SELECT `+connectionColumns+`
		FROM integration_connections
		WHERE business_id = ? AND provider = ?
	`, businessID, provider)
	return r.scanConnection(row)
}

// GetByItemID resolves a provider item reference back to its connection.
// Webhooks identify the link by item, not by business.
func (r *Repository) GetByItemID(provider, itemID string) (*Connection, error) {
	row := r.db.QueryRow(`
		SELECT `+connectionColumns+`
		FROM integration_connections
		WHERE provider = ? AND item_id = ?
	`, provider, itemID)
	return r.scanConnection(row)
}

// ListByBusiness returns all connections for a business ordered by provider.
func (r *Repository) ListByBusiness(businessID string) ([]Connection, error) {
	rows, err := r.db.Query(`
		SELECT `+connectionColumns+`
		FROM integration_connections
		WHERE business_id = ?
		ORDER BY provider ASC
	`, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var connections []Connection
	for rows.Next() {
		conn, err := r.scanConnectionRows(rows)
		if err != nil {
			return nil, err
		}
		connections = append(connections, *conn)
	}
	return connections, rows.Err()
}

// MarkSynced records a successful sync and clears any previous error.
func (r *Repository) MarkSynced(businessID, provider string, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE integration_connections
		SET status = ?, last_sync_at = ?, last_error = NULL, last_error_at = NULL, updated_at = ?
		WHERE business_id = ? AND provider = ?
	`, StatusConnected, at.UTC().Unix(), time.Now().UTC().Unix(), businessID, provider)
	if err != nil {
		return fmt.Errorf("failed to mark connection synced: %w", err)
	}
	return nil
}

// MarkError records a failed sync on the connection.
func (r *Repository) MarkError(businessID, provider, message string, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE integration_connections
		SET status = ?, last_error = ?, last_error_at = ?, updated_at = ?
		WHERE business_id = ? AND provider = ?
	`, StatusError, message, at.UTC().Unix(), time.Now().UTC().Unix(), businessID, provider)
	if err != nil {
		return fmt.Errorf("failed to mark connection errored: %w", err)
	}
	return nil
}

// Disconnect marks the connection disconnected and drops the stored token.
func (r *Repository) Disconnect(businessID, provider string) error {
	_, err := r.db.Exec(`
		UPDATE integration_connections
		SET status = ?, access_token = '', updated_at = ?
		WHERE business_id = ? AND provider = ?
	`, StatusDisconnected, time.Now().UTC().Unix(), businessID, provider)
	if err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}

// DeleteByBusiness removes all connections for a business.
func (r *Repository) DeleteByBusiness(businessID string) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM integration_connections WHERE business_id = ?`, businessID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete connections: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanConnection(row *sql.Row) (*Connection, error) {
	conn, err := scanConnectionFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return conn, err
}

func (r *Repository) scanConnectionRows(rows *sql.Rows) (*Connection, error) {
	return scanConnectionFrom(rows)
}

func scanConnectionFrom(s rowScanner) (*Connection, error) {
	var conn Connection
	var itemID, accessToken, lastError sql.NullString
	var lastSyncAt, lastErrorAt sql.NullInt64

	err := s.Scan(&conn.ID, &conn.BusinessID, &conn.Provider, &conn.Status, &itemID, &accessToken,
		&lastSyncAt, &lastError, &lastErrorAt, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	conn.ItemID = itemID.String
	conn.AccessToken = accessToken.String
	conn.LastError = lastError.String
	if lastSyncAt.Valid {
		ts := time.Unix(lastSyncAt.Int64, 0).UTC()
		conn.LastSyncAt = &ts
	}
	if lastErrorAt.Valid {
		ts := time.Unix(lastErrorAt.Int64, 0).UTC()
		conn.LastErrorAt = &ts
	}
	return &conn, nil
}
