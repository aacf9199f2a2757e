// Package fsattach implements ATTACH_FS as a stub side table keyed by
// turn_id, recording an fs_root_hash without validating that the
// referenced merkle tree actually exists — the fs-tree format itself is
// out of scope here (spec section 9, Open Question 4).
//
// Backed by badger, the same idiom as internal/idempotency and grounded
// on the same teacher file (internal/keyValStore/keyValStore.go).
package fsattach

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/cxdb/cxdb/internal/model"
)

// Store maps turn_id -> fs_root_hash.
type Store struct {
	db  *badger.DB
	log logrus.FieldLogger
}

func Open(dir string, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.ValueLogFileSize = 16 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("fsattach: opening badger at %s: %w", dir, err)
	}
	return &Store{db: db, log: log.WithField("component", "fsattach")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Attach records root for turnID, overwriting any prior value. No
// attempt is made to validate that the fs tree root actually exists.
func (s *Store) Attach(turnID uint64, root model.Hash) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyFor(turnID), root[:])
	})
}

// Get returns the root previously attached to turnID, if any.
func (s *Store) Get(turnID uint64) (model.Hash, bool, error) {
	var h model.Hash
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyFor(turnID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			if len(val) != 32 {
				return fmt.Errorf("fsattach: corrupt value for turn %d", turnID)
			}
			copy(h[:], val)
			return nil
		})
	})
	if err != nil {
		return model.Hash{}, false, err
	}
	return h, found, nil
}

func keyFor(turnID uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, turnID)
	return buf
}
