package matrix

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Hibiki/common/crypto"
)

// Credentials identify a logged-in device.
type Credentials struct {
	Homeserver  string
	UserID      id.UserID
	DeviceID    id.DeviceID
	AccessToken string
}

// Valid reports whether c can authenticate requests.
func (c Credentials) Valid() bool {
	return c.UserID != "" && c.AccessToken != ""
}

// CredentialStore keeps the credentials obtained through pairing in the
// matrix_credentials table. With a master key the access token is sealed
// before it is written.
type CredentialStore struct {
	db  *sql.DB
	key []byte
}

// CredentialOption configures a CredentialStore.
type CredentialOption func(*CredentialStore)

// WithMasterKey seals the stored access token under key. A nil key stores
// it in the clear.
func WithMasterKey(key []byte) CredentialOption {
	return func(s *CredentialStore) { s.key = key }
}

// NewCredentialStore returns a CredentialStore backed by db.
func NewCredentialStore(db *sql.DB, opts ...CredentialOption) *CredentialStore {
	s := &CredentialStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the stored credentials. Missing rows yield zero fields, so
// callers check Valid.
func (s *CredentialStore) Load(ctx context.Context) (Credentials, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM matrix_credentials`)
	if err != nil {
		return Credentials{}, fmt.Errorf("matrix: load credentials: %w", err)
	}
	defer rows.Close()

	var c Credentials
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Credentials{}, fmt.Errorf("matrix: scan credentials: %w", err)
		}
		switch key {
		case "homeserver":
			c.Homeserver = value
		case "user_id":
			c.UserID = id.UserID(value)
		case "device_id":
			c.DeviceID = id.DeviceID(value)
		case "access_token":
			token, err := crypto.Open(s.key, value)
			if err != nil {
				return Credentials{}, fmt.Errorf("matrix: open access token: %w", err)
			}
			c.AccessToken = token
		}
	}
	return c, rows.Err()
}

// Save replaces the stored credentials.
func (s *CredentialStore) Save(ctx context.Context, c Credentials) error {
	token := c.AccessToken
	if len(s.key) > 0 {
		sealed, err := crypto.Seal(s.key, token)
		if err != nil {
			return fmt.Errorf("matrix: seal access token: %w", err)
		}
		token = sealed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("matrix: save credentials: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM matrix_credentials`); err != nil {
		return fmt.Errorf("matrix: save credentials: %w", err)
	}
	now := time.Now().UTC()
	for key, value := range map[string]string{
		"homeserver":   c.Homeserver,
		"user_id":      c.UserID.String(),
		"device_id":    c.DeviceID.String(),
		"access_token": token,
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO matrix_credentials (key, value, updated_at) VALUES (?, ?, ?)`,
			key, value, now); err != nil {
			return fmt.Errorf("matrix: save credentials: %w", err)
		}
	}
	return tx.Commit()
}

// Clear deletes the stored credentials.
func (s *CredentialStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM matrix_credentials`); err != nil {
		return fmt.Errorf("matrix: clear credentials: %w", err)
	}
	return nil
}
