package bolt

import (
	"context"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"

	"machine-auth/internal/auth"
)

var errDuplicateJTI = errors.New("refresh token jti already exists")

func (s *Store) CreateRefreshToken(_ context.Context, record auth.RefreshTokenRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(refreshBucket)
		if b.Get([]byte(record.JTI)) != nil {
			return errDuplicateJTI
		}
		return putJSON(b, []byte(record.JTI), refreshDoc{
			ID:              record.ID,
			ClientID:        record.ClientID,
			JTI:             record.JTI,
			TokenHash:       record.TokenHash,
			LinkedAccessJTI: record.LinkedAccessJTI,
			Scopes:          record.Scopes,
			ExpiresAt:       record.ExpiresAt.UTC(),
			CreatedAt:       record.CreatedAt.UTC(),
		})
	})
}

func (s *Store) FindByJTI(_ context.Context, jti string) (*auth.RefreshTokenRecord, error) {
	var doc refreshDoc
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx.Bucket(refreshBucket), []byte(jti), &doc)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, auth.ErrRefreshTokenNotFound
	}
	return doc.toRecord(), nil
}

func (s *Store) FindActiveByJTI(ctx context.Context, jti string, now time.Time) (*auth.RefreshTokenRecord, error) {
	record, err := s.FindByJTI(ctx, jti)
	if err != nil {
		return nil, err
	}
	if !record.ActiveAt(now) {
		return nil, auth.ErrRefreshTokenNotFound
	}
	return record, nil
}

func (s *Store) MarkConsumed(_ context.Context, jti string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(refreshBucket)
		var doc refreshDoc
		found, err := getJSON(b, []byte(jti), &doc)
		if err != nil {
			return err
		}
		if !found || !doc.toRecord().ActiveAt(now) {
			return auth.ErrRefreshTokenConsumed
		}

		consumedAt := now.UTC()
		doc.ConsumedAt = &consumedAt
		return putJSON(b, []byte(jti), doc)
	})
}

func (s *Store) PurgeRefreshTokens(_ context.Context, cutoff time.Time, batchSize int) (int64, error) {
	var deleted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(refreshBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if batchSize > 0 && len(stale) >= batchSize {
				return nil
			}
			var doc refreshDoc
			if _, err := getJSON(b, k, &doc); err != nil {
				return err
			}
			if doc.ExpiresAt.Before(cutoff) || (doc.ConsumedAt != nil && doc.ConsumedAt.Before(cutoff)) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = int64(len(stale))
		return nil
	})
	return deleted, err
}

func (s *Store) Revoke(_ context.Context, entry auth.RevocationEntry) error {
	revokedAt := entry.RevokedAt
	if revokedAt.IsZero() {
		revokedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(revocationsBucket)
		if b.Get([]byte(entry.JTI)) != nil {
			return nil
		}
		return putJSON(b, []byte(entry.JTI), revocationDoc{
			JTI:       entry.JTI,
			ExpiresAt: entry.ExpiresAt.UTC(),
			RevokedAt: revokedAt.UTC(),
			Reason:    string(entry.Reason),
		})
	})
}

func (s *Store) IsRevoked(_ context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.View(func(tx *bolt.Tx) error {
		revoked = tx.Bucket(revocationsBucket).Get([]byte(jti)) != nil
		return nil
	})
	return revoked, err
}

func (s *Store) PurgeRevocations(_ context.Context, now time.Time, batchSize int) (int64, error) {
	var deleted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(revocationsBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if batchSize > 0 && len(stale) >= batchSize {
				return nil
			}
			var doc revocationDoc
			if _, err := getJSON(b, k, &doc); err != nil {
				return err
			}
			if doc.ExpiresAt.Before(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = int64(len(stale))
		return nil
	})
	return deleted, err
}
