package bolt

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"

	"machine-auth/internal/auth"
)

func (s *Store) GetLoginAttempt(_ context.Context, clientID string) (auth.LoginAttempt, error) {
	var doc attemptDoc
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx.Bucket(attemptsBucket), []byte(clientID), &doc)
		return err
	})
	if err != nil {
		return auth.LoginAttempt{}, err
	}
	if !found {
		return auth.LoginAttempt{ClientID: clientID}, nil
	}
	return doc.toAttempt(), nil
}

func (s *Store) RegisterFailedAttempt(_ context.Context, clientID string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	var lockedUntil *time.Time
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(attemptsBucket)
		doc := attemptDoc{ClientID: clientID}
		if _, err := getJSON(b, []byte(clientID), &doc); err != nil {
			return err
		}

		var next auth.LoginAttempt
		next, lockedUntil = doc.toAttempt().RecordFailure(maxAttempts, lockDuration, now)
		return putJSON(b, []byte(clientID), newAttemptDoc(next))
	})
	if err != nil {
		return nil, err
	}
	return lockedUntil, nil
}

func (s *Store) ResetLoginAttempts(_ context.Context, clientID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(attemptsBucket).Delete([]byte(clientID))
	})
}

func (s *Store) PurgeLoginAttempts(_ context.Context, cutoff time.Time, batchSize int) (int64, error) {
	var deleted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(attemptsBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if batchSize > 0 && len(stale) >= batchSize {
				return nil
			}
			var doc attemptDoc
			if _, err := getJSON(b, k, &doc); err != nil {
				return err
			}
			if doc.toAttempt().StaleAt(cutoff) {
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
