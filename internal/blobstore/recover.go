package blobstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/cxdb/cxdb/internal/model"
)

// recover scans blobs.idx sequentially, validating each entry's implied
// pack extent against the actual pack contents, and truncates both
// files at the first invalid entry (spec section 4.A "Crash recovery").
func (s *Store) recover() error {
	idxSize, err := fileSize(s.idxF)
	if err != nil {
		return fmt.Errorf("blobstore: stat idx: %w", err)
	}
	packSize, err := fileSize(s.packF)
	if err != nil {
		return fmt.Errorf("blobstore: stat pack: %w", err)
	}

	validIdxEntries := idxSize / indexEntrySize
	var lastGoodIdxOffset int64
	var lastGoodPackOffset int64

	buf := make([]byte, indexEntrySize)
	for i := int64(0); i < validIdxEntries; i++ {
		if _, err := s.idxF.ReadAt(buf, i*indexEntrySize); err != nil {
			break
		}
		entry := decodeIndexEntry(buf)

		headerSize := int64(4 + 2 + 2 + 4 + 4 + 32)
		recordLen := headerSize + int64(entry.StoredLen) + 4
		recordEnd := int64(entry.PackOffset) + recordLen

		if recordEnd > packSize {
			s.log.Warnf("blobstore: recovery: truncated record at idx entry %d (pack offset %d), stopping scan", i, entry.PackOffset)
			break
		}

		rec := make([]byte, recordLen)
		if _, err := s.packF.ReadAt(rec, int64(entry.PackOffset)); err != nil {
			break
		}
		magic := binary.LittleEndian.Uint32(rec[0:4])
		version := binary.LittleEndian.Uint16(rec[4:6])
		if magic != recordMagic || version != recordVersion {
			s.log.Warnf("blobstore: recovery: bad magic/version at pack offset %d, stopping scan", entry.PackOffset)
			break
		}
		wantCRC := binary.LittleEndian.Uint32(rec[recordLen-4:])
		if crc32.ChecksumIEEE(rec[:recordLen-4]) != wantCRC {
			s.log.Warnf("blobstore: recovery: crc mismatch at pack offset %d, stopping scan", entry.PackOffset)
			break
		}

		sh := s.shards[shardIndex(entry.Hash)]
		sh.entries[entry.Hash] = entry

		lastGoodIdxOffset = (i + 1) * indexEntrySize
		lastGoodPackOffset = recordEnd
	}

	if lastGoodIdxOffset != idxSize {
		s.log.Warnf("blobstore: recovery: truncating blobs.idx from %d to %d bytes", idxSize, lastGoodIdxOffset)
		if err := s.idxF.Truncate(lastGoodIdxOffset); err != nil {
			return fmt.Errorf("blobstore: truncating idx: %w", err)
		}
	}
	if lastGoodPackOffset != packSize {
		s.log.Warnf("blobstore: recovery: truncating blobs.pack from %d to %d bytes", packSize, lastGoodPackOffset)
		if err := s.packF.Truncate(lastGoodPackOffset); err != nil {
			return fmt.Errorf("blobstore: truncating pack: %w", err)
		}
	}

	return nil
}

func decodeIndexEntry(buf []byte) indexEntry {
	var e indexEntry
	copy(e.Hash[:], buf[0:32])
	e.PackOffset = binary.LittleEndian.Uint64(buf[32:40])
	e.RawLen = binary.LittleEndian.Uint32(buf[40:44])
	e.StoredLen = binary.LittleEndian.Uint32(buf[44:48])
	e.Codec = model.Codec(binary.LittleEndian.Uint16(buf[48:50]))
	return e
}

func fileSize(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
