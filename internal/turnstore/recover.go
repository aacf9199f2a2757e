package turnstore

import (
	"os"

	"github.com/cxdb/cxdb/internal/model"
)

func fileSize(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// recover rebuilds every in-memory index from the on-disk files, per
// spec section 4.B "Crash recovery". Corrupt tails are truncated rather
// than rejected outright, so a process that crashed mid-write can always
// restart and keep appending.
func (s *Store) recover() error {
	maxTurnID, err := s.recoverTurnLog()
	if err != nil {
		return err
	}
	if err := s.recoverMeta(); err != nil {
		return err
	}
	maxContextID, err := s.recoverHeads()
	if err != nil {
		return err
	}

	s.nextTurnID.Store(maxTurnID)
	s.nextContextID.Store(maxContextID)
	return nil
}

func (s *Store) recoverTurnLog() (uint64, error) {
	size, err := fileSize(s.files.log)
	if err != nil {
		return 0, err
	}
	slots := size / turnRecordSize

	var maxTurnID uint64
	var goodSlots int64
	buf := make([]byte, turnRecordSize)

	for i := int64(0); i < slots; i++ {
		if _, err := s.files.log.ReadAt(buf, i*turnRecordSize); err != nil {
			break
		}
		turnID, core, ok := decodeTurnRecord(buf)
		if !ok {
			s.log.Warnf("turnstore: recovery: crc mismatch in turns.log slot %d, stopping scan", i)
			break
		}
		s.core[turnID] = core
		s.offsets[turnID] = uint64(i * turnRecordSize)
		if turnID > maxTurnID {
			maxTurnID = turnID
		}
		goodSlots = i + 1
	}

	validBytes := goodSlots * turnRecordSize
	if validBytes != size {
		s.log.Warnf("turnstore: recovery: truncating turns.log from %d to %d bytes", size, validBytes)
		if err := s.files.log.Truncate(validBytes); err != nil {
			return 0, err
		}
	}

	return s.rewriteIdx()
}

// rewriteIdx regenerates turns.idx from the recovered offsets map, since
// it is an atomically-rewritable index rather than a source of truth
// (spec section 6 "Persisted state layout").
func (s *Store) rewriteIdx() (uint64, error) {
	if err := s.files.idx.Truncate(0); err != nil {
		return 0, err
	}
	if _, err := s.files.idx.Seek(0, 0); err != nil {
		return 0, err
	}
	var maxTurnID uint64
	for turnID, offset := range s.offsets {
		if err := s.files.appendIdxEntry(turnID, offset); err != nil {
			return 0, err
		}
		if turnID > maxTurnID {
			maxTurnID = turnID
		}
	}
	return maxTurnID, nil
}

func (s *Store) recoverMeta() error {
	size, err := fileSize(s.files.meta)
	if err != nil {
		return err
	}

	var pos int64
	for pos < size {
		rec, next, ok := readMetaRecord(s.files.meta, pos, size)
		if !ok {
			break
		}
		if _, known := s.core[rec.turnID]; known {
			s.metas[rec.turnID] = turnMeta{
				DeclaredTypeID:      rec.typeID,
				DeclaredTypeVersion: rec.typeVersion,
				Encoding:            rec.encoding,
				Compression:         rec.compression,
				UncompressedLen:     rec.uncompressedLen,
			}
		}
		pos = next
	}

	if pos != size {
		s.log.Warnf("turnstore: recovery: truncating turns.meta from %d to %d bytes", size, pos)
		if err := s.files.meta.Truncate(pos); err != nil {
			return err
		}
	}
	return nil
}

// recoverHeads scans heads.tbl in fixed 36-byte slots, truncating at the
// first invalid record, then keeps the last valid entry seen per
// context_id (last-write-wins). An entry referencing an unknown turn_id
// is ignored rather than adopted, so a context fails open to whatever
// earlier valid head it had, or stays absent if it never had one.
func (s *Store) recoverHeads() (uint64, error) {
	size, err := fileSize(s.files.head)
	if err != nil {
		return 0, err
	}
	slots := size / headRecordSize

	latest := make(map[uint64]model.ContextHead)
	var goodSlots int64
	buf := make([]byte, headRecordSize)

	for i := int64(0); i < slots; i++ {
		if _, err := s.files.head.ReadAt(buf, i*headRecordSize); err != nil {
			break
		}
		h, ok := decodeHeadRecord(buf)
		if !ok {
			s.log.Warnf("turnstore: recovery: crc mismatch in heads.tbl slot %d, stopping scan", i)
			break
		}
		if h.HeadTurnID == 0 {
			latest[h.ContextID] = h
		} else if _, known := s.core[h.HeadTurnID]; known {
			latest[h.ContextID] = h
		} else {
			s.log.Warnf("turnstore: recovery: heads.tbl entry for context %d points at unknown turn %d, ignoring this entry", h.ContextID, h.HeadTurnID)
		}
		goodSlots = i + 1
	}

	validBytes := goodSlots * headRecordSize
	if validBytes != size {
		s.log.Warnf("turnstore: recovery: truncating heads.tbl from %d to %d bytes", size, validBytes)
		if err := s.files.head.Truncate(validBytes); err != nil {
			return 0, err
		}
	}

	var maxContextID uint64
	for contextID, h := range latest {
		s.contexts[contextID] = &contextEntry{head: h}
		if contextID > maxContextID {
			maxContextID = contextID
		}
	}

	return maxContextID, nil
}
