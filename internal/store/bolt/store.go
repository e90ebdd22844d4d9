// Package bolt stores auth state in a single bbolt file for single-node
// deployments. bbolt serializes write transactions, which is what makes
// MarkConsumed atomic here.
package bolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"machine-auth/internal/auth"
)

const (
	dirPerm     = fs.FileMode(0o700)
	filePerm    = fs.FileMode(0o600)
	openTimeout = 5 * time.Second
)

var (
	clientsBucket     = []byte("clients")
	clientIDsBucket   = []byte("client_ids")
	refreshBucket     = []byte("refresh_tokens")
	revocationsBucket = []byte("revoked_tokens")
	attemptsBucket    = []byte("login_attempts")
)

var (
	_ auth.ClientStore       = (*Store)(nil)
	_ auth.ClientProvisioner = (*Store)(nil)
	_ auth.RefreshTokenStore = (*Store)(nil)
	_ auth.RevocationStore   = (*Store)(nil)
	_ auth.LoginAttemptStore = (*Store)(nil)
)

type Store struct {
	db *bolt.DB
}

// Open creates the database file and its buckets when missing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{clientsBucket, clientIDsBucket, refreshBucket, revocationsBucket, attemptsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bolt store: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type clientDoc struct {
	ID                int64      `json:"id"`
	ClientID          string     `json:"client_id"`
	SecretHash        string     `json:"secret_hash"`
	AllowedScopes     []string   `json:"allowed_scopes"`
	Status            string     `json:"status"`
	RefreshTTLSeconds *int64     `json:"refresh_ttl_seconds,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (d clientDoc) toClient() *auth.ApiClient {
	return &auth.ApiClient{
		ID:                d.ID,
		ClientID:          d.ClientID,
		SecretHash:        d.SecretHash,
		AllowedScopes:     d.AllowedScopes,
		Status:            auth.ClientStatus(d.Status),
		RefreshTTLSeconds: d.RefreshTTLSeconds,
		LastUsedAt:        d.LastUsedAt,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

type refreshDoc struct {
	ID              string     `json:"id"`
	ClientID        int64      `json:"client_id"`
	JTI             string     `json:"jti"`
	TokenHash       string     `json:"token_hash"`
	LinkedAccessJTI string     `json:"linked_access_jti"`
	Scopes          []string   `json:"scopes"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ConsumedAt      *time.Time `json:"consumed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (d refreshDoc) toRecord() *auth.RefreshTokenRecord {
	return &auth.RefreshTokenRecord{
		ID:              d.ID,
		ClientID:        d.ClientID,
		JTI:             d.JTI,
		TokenHash:       d.TokenHash,
		LinkedAccessJTI: d.LinkedAccessJTI,
		Scopes:          d.Scopes,
		ExpiresAt:       d.ExpiresAt,
		ConsumedAt:      d.ConsumedAt,
		CreatedAt:       d.CreatedAt,
	}
}

type revocationDoc struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
	RevokedAt time.Time `json:"revoked_at"`
	Reason    string    `json:"reason"`
}

type attemptDoc struct {
	ClientID       string     `json:"client_id"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (d attemptDoc) toAttempt() auth.LoginAttempt {
	return auth.LoginAttempt{
		ClientID:       d.ClientID,
		FailedAttempts: d.FailedAttempts,
		LockedUntil:    d.LockedUntil,
		UpdatedAt:      d.UpdatedAt,
	}
}

func newAttemptDoc(a auth.LoginAttempt) attemptDoc {
	return attemptDoc{
		ClientID:       a.ClientID,
		FailedAttempts: a.FailedAttempts,
		LockedUntil:    a.LockedUntil,
		UpdatedAt:      a.UpdatedAt,
	}
}

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func getJSON(b *bolt.Bucket, key []byte, dst any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

func putJSON(b *bolt.Bucket, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return b.Put(key, data)
}
