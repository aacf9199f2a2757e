// Package idempotency persists (context_id, idempotency_key) -> turn_id
// so a client that retries append_turn after a dropped response observes
// the original Turn rather than creating a duplicate (spec section 3
// "Idempotency Key", Open Question 2).
//
// It is backed by badger, exactly as the teacher's internal/keyValStore
// wraps badger for its chunk table, but used here only for this small
// side table rather than for the Blob Store or Turn Store's core files —
// those have spec-mandated on-disk layouts a generic KV store cannot
// produce.
package idempotency

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// Store is a badger-backed idempotency table. Entries expire on their
// own via badger's native TTL, so no separate sweep goroutine is needed.
type Store struct {
	db  *badger.DB
	ttl time.Duration
	log logrus.FieldLogger
}

// Open opens (or creates) the idempotency table rooted at dir, retaining
// entries for ttl after they are recorded (spec section 3 default: 24h).
func Open(dir string, ttl time.Duration, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.ValueLogFileSize = 64 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("idempotency: opening badger at %s: %w", dir, err)
	}
	return &Store{db: db, ttl: ttl, log: log.WithField("component", "idempotency")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup satisfies turnstore.IdempotencyIndex.
func (s *Store) Lookup(contextID uint64, key string) (uint64, bool, error) {
	var turnID uint64
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey(contextID, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("idempotency: corrupt value for context %d key %q", contextID, key)
			}
			turnID = binary.LittleEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		return 0, false, err
	}
	return turnID, found, nil
}

// Record satisfies turnstore.IdempotencyIndex.
func (s *Store) Record(contextID uint64, key string, turnID uint64) error {
	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, turnID)
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(dbKey(contextID, key), val)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
}

func dbKey(contextID uint64, key string) []byte {
	buf := make([]byte, 8+len(key))
	binary.LittleEndian.PutUint64(buf[:8], contextID)
	copy(buf[8:], key)
	return buf
}
