// Package blobstore implements CXDB's content-addressed blob store (spec
// section 4.A): an append-only pack file of compressed blob records, a
// fixed-stride on-disk index, and a 16-shard in-memory hash index.
//
// The on-disk record layout, the index stride, and the compression
// policy are specified exactly; this package's job is to provide a
// crash-safe, concurrency-correct Go implementation of them in the
// idiom the teacher used for its own shard-locked map
// (internal/blockstore/blockstore.go): a struct wrapping a
// sync.RWMutex-guarded map, with a compile-time interface assertion
// documenting the contract.
package blobstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/cxdb/cxdb/internal/cxdberr"
	"github.com/cxdb/cxdb/internal/model"
)

const (
	recordMagic   uint32 = 0x42534C42 // "BSLB"
	recordVersion uint16 = 1

	indexEntrySize = 32 + 8 + 4 + 4 + 2 + 2 // 52 bytes
	numShards      = 16

	// smallBlobThreshold mirrors spec section 4.A: blobs under this
	// size are always stored raw, since zstd's framing overhead would
	// not save bytes and decompression would only cost more than it saves.
	smallBlobThreshold = 128
)

// indexEntry mirrors the 52-byte blobs.idx record in spec section 4.A.
type indexEntry struct {
	Hash        model.Hash
	PackOffset  uint64
	RawLen      uint32
	StoredLen   uint32
	Codec       model.Codec
	reserved    uint16
}

// shard is one of the 16 independently-locked partitions of the
// in-memory hash index, keyed by H[0] mod 16 (spec section 4.A
// "Concurrency").
type shard struct {
	mu      sync.RWMutex
	entries map[model.Hash]indexEntry
}

// Store is the Blob Store. It owns blobs.pack and blobs.idx exclusively
// (spec section 3 "Ownership").
type Store struct {
	log logrus.FieldLogger

	dir     string
	packF   *os.File
	idxF    *os.File
	packMu  sync.Mutex // serializes pack appends across shards (spec 5)

	shards [numShards]*shard

	encoder *zstd.Encoder
	decoder *zstd.Decoder
	cache   *ristretto.Cache

	maxRawLen int64
}

// Open opens or creates the blob store rooted at dir (typically
// "<data>/blobs"), running crash recovery (spec section 4.A "Crash
// recovery") before returning.
func Open(dir string, maxRawLen int64, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: creating %s: %w", dir, err)
	}

	packF, err := os.OpenFile(filepath.Join(dir, "blobs.pack"), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blobstore: opening blobs.pack: %w", err)
	}
	idxF, err := os.OpenFile(filepath.Join(dir, "blobs.idx"), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		packF.Close()
		return nil, fmt.Errorf("blobstore: opening blobs.idx: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("blobstore: creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: creating zstd decoder: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: creating read cache: %w", err)
	}

	s := &Store{
		log:       log.WithField("component", "blobstore"),
		dir:       dir,
		packF:     packF,
		idxF:      idxF,
		encoder:   encoder,
		decoder:   decoder,
		cache:     cache,
		maxRawLen: maxRawLen,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[model.Hash]indexEntry)}
	}

	if err := s.recover(); err != nil {
		packF.Close()
		idxF.Close()
		return nil, err
	}

	return s, nil
}

// Count returns the number of distinct blobs currently indexed, summed
// across shards. Used by the operator CLI's fsck/stats reporting.
func (s *Store) Count() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

func (s *Store) Close() error {
	s.cache.Close()
	errPack := s.packF.Close()
	errIdx := s.idxF.Close()
	if errPack != nil {
		return errPack
	}
	return errIdx
}

func shardIndex(h model.Hash) int {
	return int(h[0]) % numShards
}

// Contains reports whether H is already present, via an index lookup
// only (spec section 4.A).
func (s *Store) Contains(h model.Hash) bool {
	sh := s.shards[shardIndex(h)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.entries[h]
	return ok
}

// Put stores bytes under hash H, deduplicating against the in-memory
// index with the double-checked-locking discipline spec section 4.A
// requires: a fast check under the shard read lock, then a re-check
// under the shard write lock
// before any I/O.
func (s *Store) Put(h model.Hash, raw []byte) (model.PutResult, error) {
	sum := blake3.Sum256(raw)
	if sum != h {
		return 0, cxdberr.New(cxdberr.Conflict, "blobstore: hash mismatch: computed %x, want %x", sum, h)
	}
	if int64(len(raw)) > s.maxRawLen {
		return 0, cxdberr.New(cxdberr.Unprocessable, "blobstore: payload %d bytes exceeds max_blob_size %d", len(raw), s.maxRawLen)
	}

	if s.Contains(h) {
		return model.AlreadyPresent, nil
	}

	sh := s.shards[shardIndex(h)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.entries[h]; ok {
		return model.AlreadyPresent, nil
	}

	codec, stored := s.chooseCodec(raw)

	s.packMu.Lock()
	offset, err := s.appendRecord(h, codec, uint32(len(raw)), stored)
	s.packMu.Unlock()
	if err != nil {
		return 0, cxdberr.Wrap(cxdberr.Internal, fmt.Errorf("blobstore: appending record: %w", err))
	}

	entry := indexEntry{
		Hash:       h,
		PackOffset: offset,
		RawLen:     uint32(len(raw)),
		StoredLen:  uint32(len(stored)),
		Codec:      codec,
	}
	if err := s.appendIndexEntry(entry); err != nil {
		return 0, cxdberr.Wrap(cxdberr.Internal, fmt.Errorf("blobstore: appending index entry: %w", err))
	}
	sh.entries[h] = entry

	return model.Stored, nil
}

// chooseCodec implements spec section 4.A's compression policy: blobs
// under smallBlobThreshold are stored raw; otherwise zstd is attempted
// and kept only if it actually shrinks the payload.
func (s *Store) chooseCodec(raw []byte) (model.Codec, []byte) {
	if len(raw) < smallBlobThreshold {
		return model.CodecNone, raw
	}
	compressed := s.encoder.EncodeAll(raw, make([]byte, 0, len(raw)))
	if len(compressed) < len(raw) {
		return model.CodecZstd, compressed
	}
	return model.CodecNone, raw
}

// appendRecord writes one blob record (spec section 4.A layout) and
// flushes it before returning, per spec section 5's durability
// guarantee ("all ... writes ... flushed ... before the
// acknowledgement is emitted").
func (s *Store) appendRecord(h model.Hash, codec model.Codec, rawLen uint32, stored []byte) (uint64, error) {
	offset, err := s.packF.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	buf.Grow(4 + 2 + 2 + 4 + 4 + 32 + len(stored) + 4)
	writeU32(&buf, recordMagic)
	writeU16(&buf, recordVersion)
	writeU16(&buf, uint16(codec))
	writeU32(&buf, rawLen)
	writeU32(&buf, uint32(len(stored)))
	buf.Write(h[:])
	buf.Write(stored)

	sum := crc32.ChecksumIEEE(buf.Bytes())
	writeU32(&buf, sum)

	if _, err := s.packF.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	if err := s.packF.Sync(); err != nil {
		return 0, err
	}
	return uint64(offset), nil
}

func (s *Store) appendIndexEntry(e indexEntry) error {
	buf := make([]byte, indexEntrySize)
	copy(buf[0:32], e.Hash[:])
	binary.LittleEndian.PutUint64(buf[32:40], e.PackOffset)
	binary.LittleEndian.PutUint32(buf[40:44], e.RawLen)
	binary.LittleEndian.PutUint32(buf[44:48], e.StoredLen)
	binary.LittleEndian.PutUint16(buf[48:50], uint16(e.Codec))
	binary.LittleEndian.PutUint16(buf[50:52], 0)

	if _, err := s.idxF.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if _, err := s.idxF.Write(buf); err != nil {
		return err
	}
	return s.idxF.Sync()
}

// Get retrieves and decompresses the blob identified by H, verifying
// both the record CRC and the content hash of the decompressed result
// (spec section 4.A). Hits the read cache when possible.
func (s *Store) Get(h model.Hash) ([]byte, error) {
	if v, ok := s.cache.Get(h[:]); ok {
		return v.([]byte), nil
	}

	sh := s.shards[shardIndex(h)]
	sh.mu.RLock()
	entry, ok := sh.entries[h]
	sh.mu.RUnlock()
	if !ok {
		return nil, cxdberr.New(cxdberr.NotFound, "blobstore: %x not found", h)
	}

	raw, err := s.readAndVerify(entry)
	if err != nil {
		return nil, err
	}

	s.cache.Set(h[:], raw, int64(len(raw)))
	return raw, nil
}

func (s *Store) readAndVerify(entry indexEntry) ([]byte, error) {
	headerSize := int64(4 + 2 + 2 + 4 + 4 + 32)
	recordLen := headerSize + int64(entry.StoredLen) + 4

	buf := make([]byte, recordLen)
	if _, err := s.packF.ReadAt(buf, int64(entry.PackOffset)); err != nil {
		return nil, cxdberr.Wrap(cxdberr.Internal, fmt.Errorf("blobstore: reading record at %d: %w", entry.PackOffset, err))
	}

	body := buf[:recordLen-4]
	wantCRC := binary.LittleEndian.Uint32(buf[recordLen-4:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, cxdberr.Fatalf(cxdberr.Internal, "blobstore: corruption: crc mismatch for record at offset %d", entry.PackOffset)
	}

	stored := buf[headerSize : headerSize+int64(entry.StoredLen)]

	var raw []byte
	switch entry.Codec {
	case model.CodecNone:
		raw = append([]byte(nil), stored...)
	case model.CodecZstd:
		var err error
		raw, err = s.decoder.DecodeAll(stored, make([]byte, 0, entry.RawLen))
		if err != nil {
			return nil, cxdberr.Fatalf(cxdberr.Internal, "blobstore: corruption: zstd decode failed for record at offset %d: %v", entry.PackOffset, err)
		}
	default:
		return nil, cxdberr.Fatalf(cxdberr.Internal, "blobstore: corruption: unknown codec %d at offset %d", entry.Codec, entry.PackOffset)
	}

	if uint32(len(raw)) != entry.RawLen {
		return nil, cxdberr.Fatalf(cxdberr.Internal, "blobstore: corruption: decoded length %d != recorded %d", len(raw), entry.RawLen)
	}
	if blake3.Sum256(raw) != entry.Hash {
		return nil, cxdberr.Fatalf(cxdberr.Internal, "blobstore: corruption: content hash mismatch for %x", entry.Hash)
	}
	return raw, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}
