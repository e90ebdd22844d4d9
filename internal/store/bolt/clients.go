package bolt

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"

	"machine-auth/internal/auth"
)

func (s *Store) FindByClientID(_ context.Context, clientID string) (*auth.ApiClient, error) {
	var doc clientDoc
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx.Bucket(clientsBucket), []byte(clientID), &doc)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, auth.ErrClientNotFound
	}
	return doc.toClient(), nil
}

func (s *Store) FindByID(_ context.Context, id int64) (*auth.ApiClient, error) {
	var doc clientDoc
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		clientID := tx.Bucket(clientIDsBucket).Get(idKey(id))
		if clientID == nil {
			return nil
		}
		var err error
		found, err = getJSON(tx.Bucket(clientsBucket), clientID, &doc)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, auth.ErrClientNotFound
	}
	return doc.toClient(), nil
}

func (s *Store) TouchLastUsed(_ context.Context, id int64, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		clientID := tx.Bucket(clientIDsBucket).Get(idKey(id))
		if clientID == nil {
			return auth.ErrClientNotFound
		}

		clients := tx.Bucket(clientsBucket)
		var doc clientDoc
		found, err := getJSON(clients, clientID, &doc)
		if err != nil {
			return err
		}
		if !found {
			return auth.ErrClientNotFound
		}

		at = at.UTC()
		if doc.LastUsedAt != nil && !at.After(*doc.LastUsedAt) {
			return nil
		}
		doc.LastUsedAt = &at
		return putJSON(clients, clientID, doc)
	})
}

func (s *Store) UpsertClient(_ context.Context, client auth.ApiClient) (*auth.ApiClient, error) {
	return s.saveClient(client, false)
}

func (s *Store) EnsureClient(_ context.Context, client auth.ApiClient) (*auth.ApiClient, error) {
	return s.saveClient(client, true)
}

// saveClient inserts or replaces client. keepPolicy preserves the existing
// status and refresh TTL on replace.
func (s *Store) saveClient(client auth.ApiClient, keepPolicy bool) (*auth.ApiClient, error) {
	if client.Status == "" {
		client.Status = auth.ClientActive
	}

	var stored clientDoc
	err := s.db.Update(func(tx *bolt.Tx) error {
		clients := tx.Bucket(clientsBucket)
		now := time.Now().UTC()

		var existing clientDoc
		found, err := getJSON(clients, []byte(client.ClientID), &existing)
		if err != nil {
			return err
		}

		stored = clientDoc{
			ClientID:          client.ClientID,
			SecretHash:        client.SecretHash,
			AllowedScopes:     auth.FilterScopes(client.AllowedScopes),
			Status:            string(client.Status),
			RefreshTTLSeconds: client.RefreshTTLSeconds,
			UpdatedAt:         now,
		}
		if found {
			stored.ID = existing.ID
			stored.CreatedAt = existing.CreatedAt
			stored.LastUsedAt = existing.LastUsedAt
			if keepPolicy {
				stored.Status = existing.Status
				stored.RefreshTTLSeconds = existing.RefreshTTLSeconds
			}
		} else {
			seq, err := clients.NextSequence()
			if err != nil {
				return err
			}
			stored.ID = int64(seq)
			stored.CreatedAt = now
			if err := tx.Bucket(clientIDsBucket).Put(idKey(stored.ID), []byte(client.ClientID)); err != nil {
				return err
			}
		}

		return putJSON(clients, []byte(client.ClientID), stored)
	})
	if err != nil {
		return nil, err
	}
	return stored.toClient(), nil
}
