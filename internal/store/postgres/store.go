// Package postgres implements the auth stores on PostgreSQL through
// database/sql and the pgx stdlib driver.
package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"machine-auth/internal/auth"
)

var (
	_ auth.ClientStore       = (*Store)(nil)
	_ auth.ClientProvisioner = (*Store)(nil)
	_ auth.RefreshTokenStore = (*Store)(nil)
	_ auth.RevocationStore   = (*Store)(nil)
	_ auth.LoginAttemptStore = (*Store)(nil)
)

// defaultPurgeBatchSize bounds one cleanup DELETE when the caller gives none.
const defaultPurgeBatchSize = 500

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func encodeScopes(scopes []string) ([]byte, error) {
	if scopes == nil {
		scopes = []string{}
	}
	encoded, err := json.Marshal(scopes)
	if err != nil {
		return nil, fmt.Errorf("encode scopes: %w", err)
	}
	return encoded, nil
}

func decodeScopes(raw []byte) ([]string, error) {
	scopes := []string{}
	if len(raw) == 0 {
		return scopes, nil
	}
	if err := json.Unmarshal(raw, &scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	return scopes, nil
}
