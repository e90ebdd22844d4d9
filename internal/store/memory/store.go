// Package memory keeps all auth state in process. It backs STORE_DRIVER=memory
// and the service tests; state is lost on restart.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"machine-auth/internal/auth"
)

var (
	_ auth.ClientStore       = (*Store)(nil)
	_ auth.ClientProvisioner = (*Store)(nil)
	_ auth.RefreshTokenStore = (*Store)(nil)
	_ auth.RevocationStore   = (*Store)(nil)
	_ auth.LoginAttemptStore = (*Store)(nil)
)

var errDuplicateJTI = errors.New("refresh token jti already exists")

type Store struct {
	mu          sync.RWMutex
	nextID      int64
	clients     map[int64]*auth.ApiClient
	clientIDs   map[string]int64
	refresh     map[string]*auth.RefreshTokenRecord
	revocations map[string]auth.RevocationEntry
	attempts    map[string]auth.LoginAttempt
}

func New() *Store {
	return &Store{
		clients:     make(map[int64]*auth.ApiClient),
		clientIDs:   make(map[string]int64),
		refresh:     make(map[string]*auth.RefreshTokenRecord),
		revocations: make(map[string]auth.RevocationEntry),
		attempts:    make(map[string]auth.LoginAttempt),
	}
}

func copyClient(c *auth.ApiClient) *auth.ApiClient {
	out := *c
	out.AllowedScopes = append([]string(nil), c.AllowedScopes...)
	if c.RefreshTTLSeconds != nil {
		ttl := *c.RefreshTTLSeconds
		out.RefreshTTLSeconds = &ttl
	}
	if c.LastUsedAt != nil {
		at := *c.LastUsedAt
		out.LastUsedAt = &at
	}
	return &out
}

func copyRecord(r *auth.RefreshTokenRecord) *auth.RefreshTokenRecord {
	out := *r
	out.Scopes = append([]string(nil), r.Scopes...)
	if r.ConsumedAt != nil {
		at := *r.ConsumedAt
		out.ConsumedAt = &at
	}
	return &out
}

func (s *Store) FindByClientID(_ context.Context, clientID string) (*auth.ApiClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.clientIDs[clientID]
	if !ok {
		return nil, auth.ErrClientNotFound
	}
	return copyClient(s.clients[id]), nil
}

func (s *Store) FindByID(_ context.Context, id int64) (*auth.ApiClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[id]
	if !ok {
		return nil, auth.ErrClientNotFound
	}
	return copyClient(client), nil
}

func (s *Store) TouchLastUsed(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[id]
	if !ok {
		return auth.ErrClientNotFound
	}
	at = at.UTC()
	if client.LastUsedAt == nil || at.After(*client.LastUsedAt) {
		client.LastUsedAt = &at
	}
	return nil
}

func (s *Store) UpsertClient(_ context.Context, client auth.ApiClient) (*auth.ApiClient, error) {
	return s.saveClient(client, false), nil
}

func (s *Store) EnsureClient(_ context.Context, client auth.ApiClient) (*auth.ApiClient, error) {
	return s.saveClient(client, true), nil
}

// saveClient inserts or replaces client. keepPolicy preserves the existing
// status and refresh TTL on replace.
func (s *Store) saveClient(client auth.ApiClient, keepPolicy bool) *auth.ApiClient {
	s.mu.Lock()
	defer s.mu.Unlock()

	if client.Status == "" {
		client.Status = auth.ClientActive
	}
	now := time.Now().UTC()

	if id, ok := s.clientIDs[client.ClientID]; ok {
		existing := s.clients[id]
		client.ID = id
		client.CreatedAt = existing.CreatedAt
		client.LastUsedAt = existing.LastUsedAt
		if keepPolicy {
			client.Status = existing.Status
			client.RefreshTTLSeconds = existing.RefreshTTLSeconds
		}
	} else {
		s.nextID++
		client.ID = s.nextID
		client.CreatedAt = now
		s.clientIDs[client.ClientID] = client.ID
	}
	client.UpdatedAt = now

	stored := copyClient(&client)
	s.clients[client.ID] = stored
	return copyClient(stored)
}

func (s *Store) CreateRefreshToken(_ context.Context, record auth.RefreshTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refresh[record.JTI]; exists {
		return errDuplicateJTI
	}
	s.refresh[record.JTI] = copyRecord(&record)
	return nil
}

func (s *Store) FindActiveByJTI(_ context.Context, jti string, now time.Time) (*auth.RefreshTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.refresh[jti]
	if !ok || !record.ActiveAt(now) {
		return nil, auth.ErrRefreshTokenNotFound
	}
	return copyRecord(record), nil
}

func (s *Store) FindByJTI(_ context.Context, jti string) (*auth.RefreshTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.refresh[jti]
	if !ok {
		return nil, auth.ErrRefreshTokenNotFound
	}
	return copyRecord(record), nil
}

func (s *Store) MarkConsumed(_ context.Context, jti string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refresh[jti]
	if !ok || !record.ActiveAt(now) {
		return auth.ErrRefreshTokenConsumed
	}
	consumedAt := now.UTC()
	record.ConsumedAt = &consumedAt
	return nil
}

func (s *Store) PurgeRefreshTokens(_ context.Context, cutoff time.Time, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for jti, record := range s.refresh {
		if batchSize > 0 && deleted >= int64(batchSize) {
			break
		}
		stale := record.ExpiresAt.Before(cutoff) || (record.ConsumedAt != nil && record.ConsumedAt.Before(cutoff))
		if stale {
			delete(s.refresh, jti)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) Revoke(_ context.Context, entry auth.RevocationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.revocations[entry.JTI]; !exists {
		s.revocations[entry.JTI] = entry
	}
	return nil
}

func (s *Store) IsRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, revoked := s.revocations[jti]
	return revoked, nil
}

func (s *Store) PurgeRevocations(_ context.Context, now time.Time, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for jti, entry := range s.revocations {
		if batchSize > 0 && deleted >= int64(batchSize) {
			break
		}
		if entry.ExpiresAt.Before(now) {
			delete(s.revocations, jti)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) GetLoginAttempt(_ context.Context, clientID string) (auth.LoginAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempt, ok := s.attempts[clientID]
	if !ok {
		return auth.LoginAttempt{ClientID: clientID}, nil
	}
	return copyAttempt(attempt), nil
}

func (s *Store) RegisterFailedAttempt(_ context.Context, clientID string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts[clientID]
	if !ok {
		attempt = auth.LoginAttempt{ClientID: clientID}
	}
	next, lockedUntil := attempt.RecordFailure(maxAttempts, lockDuration, now)
	s.attempts[clientID] = next
	return lockedUntil, nil
}

func (s *Store) ResetLoginAttempts(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.attempts, clientID)
	return nil
}

func (s *Store) PurgeLoginAttempts(_ context.Context, cutoff time.Time, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for clientID, attempt := range s.attempts {
		if batchSize > 0 && deleted >= int64(batchSize) {
			break
		}
		if attempt.StaleAt(cutoff) {
			delete(s.attempts, clientID)
			deleted++
		}
	}
	return deleted, nil
}

func copyAttempt(a auth.LoginAttempt) auth.LoginAttempt {
	if a.LockedUntil != nil {
		until := *a.LockedUntil
		a.LockedUntil = &until
	}
	return a
}
