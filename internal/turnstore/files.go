package turnstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cxdb/cxdb/internal/model"
)

func nowUnixMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

const (
	// turnRecordSize is the fixed on-disk size of one turns.log slot.
	// The explicitly named fields below (turn_id through
	// created_at_unix_ms) total 76 bytes; a 24-byte reserved block pads
	// them to 100 bytes and the 4-byte CRC completes the fixed 104-byte
	// stride so every slot,
	// including future-reserved fields, can be located by simple
	// multiplication without a separate length table.
	turnRecordSize   = 104
	turnRecordHeader = 76 // bytes before the reserved padding
	turnRecordCRCAt  = 100

	idxEntrySize = 16 // turn_id u64 + offset u64

	headRecordSize  = 36 // context_id,head_turn_id,head_depth,flags,created_at,crc32
	headRecordCRCAt = 32
)

// storeFiles owns the four files that make up the Turn Store's on-disk
// state (spec section 4.B).
type storeFiles struct {
	log  *os.File
	idx  *os.File
	meta *os.File
	head *os.File
}

func openStoreFiles(dir string) (*storeFiles, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("turnstore: creating %s: %w", dir, err)
	}
	open := func(name string) (*os.File, error) {
		return os.OpenFile(filepath.Join(dir, name), os.O_RDWR|os.O_CREATE, 0o644)
	}
	logF, err := open("turns.log")
	if err != nil {
		return nil, err
	}
	idxF, err := open("turns.idx")
	if err != nil {
		logF.Close()
		return nil, err
	}
	metaF, err := open("turns.meta")
	if err != nil {
		logF.Close()
		idxF.Close()
		return nil, err
	}
	headF, err := open("heads.tbl")
	if err != nil {
		logF.Close()
		idxF.Close()
		metaF.Close()
		return nil, err
	}
	return &storeFiles{log: logF, idx: idxF, meta: metaF, head: headF}, nil
}

func (f *storeFiles) close() error {
	var firstErr error
	for _, c := range []*os.File{f.log, f.idx, f.meta, f.head} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// encodeTurnRecord serializes a Turn into its fixed 104-byte wire/disk
// form (spec section 4.B "Turn record").
func encodeTurnRecord(t model.Turn) []byte {
	buf := make([]byte, turnRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], t.TurnID)
	binary.LittleEndian.PutUint64(buf[8:16], t.ParentTurnID)
	binary.LittleEndian.PutUint32(buf[16:20], t.Depth)
	// bytes 20:24 codec, reserved, write 0
	// bytes 24:32 type_tag, reserved, write 0
	copy(buf[32:64], t.PayloadHash[:])
	// bytes 64:68 flags, reserved, write 0
	binary.LittleEndian.PutUint64(buf[68:76], t.CreatedAtUnixMs)
	// bytes 76:100 reserved padding, left zero
	crc := crc32.ChecksumIEEE(buf[:turnRecordCRCAt])
	binary.LittleEndian.PutUint32(buf[turnRecordCRCAt:turnRecordSize], crc)
	return buf
}

// decodeTurnRecord parses a 104-byte slot, returning the core fields and
// whether its CRC validated.
func decodeTurnRecord(buf []byte) (turnID uint64, core turnCore, ok bool) {
	if len(buf) != turnRecordSize {
		return 0, turnCore{}, false
	}
	crc := binary.LittleEndian.Uint32(buf[turnRecordCRCAt:turnRecordSize])
	if crc32.ChecksumIEEE(buf[:turnRecordCRCAt]) != crc {
		return 0, turnCore{}, false
	}
	turnID = binary.LittleEndian.Uint64(buf[0:8])
	core.ParentTurnID = binary.LittleEndian.Uint64(buf[8:16])
	core.Depth = binary.LittleEndian.Uint32(buf[16:20])
	copy(core.PayloadHash[:], buf[32:64])
	core.CreatedAtUnixMs = binary.LittleEndian.Uint64(buf[68:76])
	return turnID, core, true
}

func (f *storeFiles) appendTurnRecord(t model.Turn) (uint64, error) {
	offset, err := f.log.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	buf := encodeTurnRecord(t)
	if _, err := f.log.Write(buf); err != nil {
		return 0, err
	}
	if err := f.log.Sync(); err != nil {
		return 0, err
	}
	return uint64(offset), nil
}

func (f *storeFiles) appendIdxEntry(turnID, offset uint64) error {
	buf := make([]byte, idxEntrySize)
	binary.LittleEndian.PutUint64(buf[0:8], turnID)
	binary.LittleEndian.PutUint64(buf[8:16], offset)
	if _, err := f.idx.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if _, err := f.idx.Write(buf); err != nil {
		return err
	}
	return f.idx.Sync()
}

// appendMetaRecord serializes the variable-length metadata record (spec
// section 4.B "turns.meta").
func (f *storeFiles) appendMetaRecord(t model.Turn) error {
	typeID := []byte(t.DeclaredTypeID)
	buf := make([]byte, 8+4+len(typeID)+4+4+4+4)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:off+8], t.TurnID)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(typeID)))
	off += 4
	copy(buf[off:off+len(typeID)], typeID)
	off += len(typeID)
	binary.LittleEndian.PutUint32(buf[off:off+4], t.DeclaredTypeVersion)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], t.Encoding)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], t.CompressionHint)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], t.UncompressedLen)

	if _, err := f.meta.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if _, err := f.meta.Write(buf); err != nil {
		return err
	}
	return f.meta.Sync()
}

// metaRecord is the decoded form of one turns.meta entry, used only
// during recovery.
type metaRecord struct {
	turnID          uint64
	typeID          string
	typeVersion     uint32
	encoding        uint32
	compression     uint32
	uncompressedLen uint32
}

// readMetaRecord decodes one variable-length record starting at pos. It
// returns ok=false if fewer than a full record's worth of bytes remain
// before size, which recoverMeta treats as a torn tail to truncate.
func readMetaRecord(f *os.File, pos, size int64) (metaRecord, int64, bool) {
	const fixedHeader = 8 + 4 // turn_id + type_id_len
	if pos+fixedHeader > size {
		return metaRecord{}, pos, false
	}
	head := make([]byte, fixedHeader)
	if _, err := f.ReadAt(head, pos); err != nil {
		return metaRecord{}, pos, false
	}
	turnID := binary.LittleEndian.Uint64(head[0:8])
	typeIDLen := int64(binary.LittleEndian.Uint32(head[8:12]))

	const tail = 4 + 4 + 4 + 4 // type_version + encoding + compression + uncompressed_len
	total := fixedHeader + typeIDLen + tail
	if pos+total > size {
		return metaRecord{}, pos, false
	}

	rest := make([]byte, typeIDLen+tail)
	if _, err := f.ReadAt(rest, pos+fixedHeader); err != nil {
		return metaRecord{}, pos, false
	}

	rec := metaRecord{
		turnID: turnID,
		typeID: string(rest[:typeIDLen]),
	}
	off := typeIDLen
	rec.typeVersion = binary.LittleEndian.Uint32(rest[off : off+4])
	off += 4
	rec.encoding = binary.LittleEndian.Uint32(rest[off : off+4])
	off += 4
	rec.compression = binary.LittleEndian.Uint32(rest[off : off+4])
	off += 4
	rec.uncompressedLen = binary.LittleEndian.Uint32(rest[off : off+4])

	return rec, pos + total, true
}

// encodeHeadRecord serializes a heads.tbl record (spec section 4.B).
func encodeHeadRecord(h model.ContextHead) []byte {
	buf := make([]byte, headRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.ContextID)
	binary.LittleEndian.PutUint64(buf[8:16], h.HeadTurnID)
	binary.LittleEndian.PutUint32(buf[16:20], h.HeadDepth)
	// bytes 20:24 flags, reserved, write 0
	binary.LittleEndian.PutUint64(buf[24:32], nowUnixMs())
	crc := crc32.ChecksumIEEE(buf[:headRecordCRCAt])
	binary.LittleEndian.PutUint32(buf[headRecordCRCAt:headRecordSize], crc)
	return buf
}

func decodeHeadRecord(buf []byte) (model.ContextHead, bool) {
	if len(buf) != headRecordSize {
		return model.ContextHead{}, false
	}
	crc := binary.LittleEndian.Uint32(buf[headRecordCRCAt:headRecordSize])
	if crc32.ChecksumIEEE(buf[:headRecordCRCAt]) != crc {
		return model.ContextHead{}, false
	}
	var h model.ContextHead
	h.ContextID = binary.LittleEndian.Uint64(buf[0:8])
	h.HeadTurnID = binary.LittleEndian.Uint64(buf[8:16])
	h.HeadDepth = binary.LittleEndian.Uint32(buf[16:20])
	return h, true
}

func (f *storeFiles) appendHead(h model.ContextHead) error {
	buf := encodeHeadRecord(h)
	if _, err := f.head.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if _, err := f.head.Write(buf); err != nil {
		return err
	}
	return f.head.Sync()
}
