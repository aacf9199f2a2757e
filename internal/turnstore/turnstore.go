// Package turnstore implements CXDB's append-only Turn DAG (spec section
// 4.B): fixed-size turn records, a rebuildable offset index, variable-length
// per-turn metadata, and a last-write-wins context head table.
//
// The in-memory side mirrors the teacher's internal/wal append-then-flush
// discipline (internal/wal/wal.go): every mutation is written to its file,
// flushed, and only then reflected in an in-memory map — but where the
// teacher buffers writes in badger and seals them into large blocks later,
// this store writes each turn directly to its fixed-layout file, because
// the wire protocol and crash-recovery invariants here are defined in terms
// of those exact files.
package turnstore

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/cxdb/cxdb/internal/cxdberr"
	"github.com/cxdb/cxdb/internal/model"
)

// BlobChecker is the narrow view of the Blob Store the Turn Store needs:
// confirming a payload hash was actually stored before a Turn may
// reference it (spec section 4.B step 3).
type BlobChecker interface {
	Contains(h model.Hash) bool
}

// IdempotencyIndex persists (context_id, idempotency_key) -> turn_id so a
// retried append_turn within the TTL window returns the original Turn
// (spec section 3 "Idempotency Key").
type IdempotencyIndex interface {
	Lookup(contextID uint64, key string) (turnID uint64, ok bool, err error)
	Record(contextID uint64, key string, turnID uint64) error
}

// turnCore is the small, fixed-size part of a Turn kept fully in memory
// for O(1) parent/depth/hash lookups without reading turns.log.
type turnCore struct {
	ParentTurnID    uint64
	Depth           uint32
	PayloadHash     model.Hash
	CreatedAtUnixMs uint64
}

// turnMeta is the variable-length part of a Turn (declared schema
// identity), kept separately exactly as turns.meta stores it.
type turnMeta struct {
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	Compression         uint32
	UncompressedLen     uint32
}

type contextEntry struct {
	mu   sync.Mutex
	head model.ContextHead
}

// Store is the Turn Store. It owns turns.log, turns.idx, turns.meta, and
// heads.tbl exclusively (spec section 3 "Ownership").
type Store struct {
	log logrus.FieldLogger

	files *storeFiles

	// appendMu serializes the turn-id allocation together with the
	// turns.log/turns.meta/heads.tbl writes it gates, so log offsets
	// stay strictly increasing across contexts (spec section 5).
	appendMu sync.Mutex

	nextTurnID    atomic.Uint64
	nextContextID atomic.Uint64

	coreMu  sync.RWMutex
	core    map[uint64]turnCore
	offsets map[uint64]uint64
	metas   map[uint64]turnMeta

	ctxMu    sync.RWMutex
	contexts map[uint64]*contextEntry

	blobs BlobChecker
	idem  IdempotencyIndex
}

// Options configures a Store.
type Options struct {
	BlobChecker BlobChecker
	Idempotency IdempotencyIndex
	Logger      logrus.FieldLogger
}

// Open opens or creates the turn store rooted at dir (typically
// "<data>/turns"), running crash recovery before returning.
func Open(dir string, opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	files, err := openStoreFiles(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		log:      log.WithField("component", "turnstore"),
		files:    files,
		core:     make(map[uint64]turnCore),
		offsets:  make(map[uint64]uint64),
		metas:    make(map[uint64]turnMeta),
		contexts: make(map[uint64]*contextEntry),
		blobs:    opts.BlobChecker,
		idem:     opts.Idempotency,
	}

	if err := s.recover(); err != nil {
		files.close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.files.close()
}

// Stats reports the current turn and context counts, for the operator
// CLI's fsck/stats reporting.
func (s *Store) Stats() (turns int, contexts int) {
	s.coreMu.RLock()
	turns = len(s.core)
	s.coreMu.RUnlock()
	s.ctxMu.RLock()
	contexts = len(s.contexts)
	s.ctxMu.RUnlock()
	return turns, contexts
}

// CreateContext allocates a new context whose head is empty (base=0) or
// forked from an existing turn (base!=0). CTX_CREATE and CTX_FORK are the
// same operation, distinguished only by whether base is nonzero (spec
// section 4.B).
func (s *Store) CreateContext(baseTurnID uint64) (model.ContextHead, error) {
	var depth uint32
	if baseTurnID != 0 {
		s.coreMu.RLock()
		base, ok := s.core[baseTurnID]
		s.coreMu.RUnlock()
		if !ok {
			return model.ContextHead{}, cxdberr.New(cxdberr.NotFound, "turnstore: base turn %d not found", baseTurnID)
		}
		depth = base.Depth
	}

	contextID := s.nextContextID.Add(1)
	head := model.ContextHead{ContextID: contextID, HeadTurnID: baseTurnID, HeadDepth: depth}

	s.appendMu.Lock()
	err := s.files.appendHead(head)
	s.appendMu.Unlock()
	if err != nil {
		return model.ContextHead{}, cxdberr.Wrap(cxdberr.Internal, err)
	}

	s.ctxMu.Lock()
	s.contexts[contextID] = &contextEntry{head: head}
	s.ctxMu.Unlock()

	return head, nil
}

// GetHead returns the current head of context_id.
func (s *Store) GetHead(contextID uint64) (model.ContextHead, error) {
	entry, err := s.contextFor(contextID)
	if err != nil {
		return model.ContextHead{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.head, nil
}

func (s *Store) contextFor(contextID uint64) (*contextEntry, error) {
	s.ctxMu.RLock()
	entry, ok := s.contexts[contextID]
	s.ctxMu.RUnlock()
	if !ok {
		return nil, cxdberr.New(cxdberr.NotFound, "turnstore: context %d not found", contextID)
	}
	return entry, nil
}

// AppendRequest carries everything append_turn needs (spec section 4.B).
type AppendRequest struct {
	ContextID           uint64
	ParentTurnID        uint64
	PayloadHash         model.Hash
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	CompressionHint     uint32
	UncompressedLen     uint32
	IdempotencyKey      string
}

// AppendTurn implements spec section 4.B's append_turn operation,
// including the idempotency short-circuit, mid-chain-append handling
// (Open Question 1), and the strict blob->log->meta->heads write order.
func (s *Store) AppendTurn(req AppendRequest) (model.Turn, error) {
	if req.IdempotencyKey != "" && s.idem != nil {
		if turnID, ok, err := s.idem.Lookup(req.ContextID, req.IdempotencyKey); err != nil {
			return model.Turn{}, cxdberr.Wrap(cxdberr.Internal, err)
		} else if ok {
			if t, ok2 := s.turnByID(turnID); ok2 {
				return t, nil
			}
		}
	}

	entry, err := s.contextFor(req.ContextID)
	if err != nil {
		return model.Turn{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	chosenParent := req.ParentTurnID
	if chosenParent == 0 {
		chosenParent = entry.head.HeadTurnID
	}

	var parentDepth uint32
	if chosenParent != 0 {
		s.coreMu.RLock()
		parentCore, ok := s.core[chosenParent]
		s.coreMu.RUnlock()
		if !ok {
			return model.Turn{}, cxdberr.New(cxdberr.Conflict, "turnstore: parent turn %d not found", chosenParent)
		}
		parentDepth = parentCore.Depth
	}

	if !s.blobs.Contains(req.PayloadHash) {
		return model.Turn{}, cxdberr.New(cxdberr.FailedDependency, "turnstore: payload %x not present in blob store", req.PayloadHash)
	}

	depth := uint32(1)
	if chosenParent != 0 {
		depth = parentDepth + 1
	}

	headMoves := chosenParent == entry.head.HeadTurnID

	s.appendMu.Lock()
	turnID := s.nextTurnID.Add(1)
	turn := model.Turn{
		TurnID:              turnID,
		ParentTurnID:        chosenParent,
		Depth:               depth,
		PayloadHash:         req.PayloadHash,
		CreatedAtUnixMs:     nowUnixMs(),
		DeclaredTypeID:      req.DeclaredTypeID,
		DeclaredTypeVersion: req.DeclaredTypeVersion,
		Encoding:            req.Encoding,
		CompressionHint:     req.CompressionHint,
		UncompressedLen:     req.UncompressedLen,
	}

	offset, err := s.files.appendTurnRecord(turn)
	if err != nil {
		s.appendMu.Unlock()
		return model.Turn{}, cxdberr.Wrap(cxdberr.Internal, err)
	}
	if err := s.files.appendIdxEntry(turnID, offset); err != nil {
		s.appendMu.Unlock()
		return model.Turn{}, cxdberr.Wrap(cxdberr.Internal, err)
	}
	if err := s.files.appendMetaRecord(turn); err != nil {
		s.appendMu.Unlock()
		return model.Turn{}, cxdberr.Wrap(cxdberr.Internal, err)
	}

	newHead := entry.head
	if headMoves {
		newHead = model.ContextHead{ContextID: entry.head.ContextID, HeadTurnID: turnID, HeadDepth: depth}
		if err := s.files.appendHead(newHead); err != nil {
			s.appendMu.Unlock()
			return model.Turn{}, cxdberr.Wrap(cxdberr.Internal, err)
		}
	}
	s.appendMu.Unlock()

	s.coreMu.Lock()
	s.core[turnID] = turnCore{ParentTurnID: turn.ParentTurnID, Depth: turn.Depth, PayloadHash: turn.PayloadHash, CreatedAtUnixMs: turn.CreatedAtUnixMs}
	s.offsets[turnID] = offset
	s.metas[turnID] = turnMeta{
		DeclaredTypeID:      turn.DeclaredTypeID,
		DeclaredTypeVersion: turn.DeclaredTypeVersion,
		Encoding:            turn.Encoding,
		Compression:         turn.CompressionHint,
		UncompressedLen:     turn.UncompressedLen,
	}
	s.coreMu.Unlock()

	if headMoves {
		entry.head = newHead
	}

	if req.IdempotencyKey != "" && s.idem != nil {
		if err := s.idem.Record(req.ContextID, req.IdempotencyKey, turnID); err != nil {
			s.log.WithError(err).Warn("turnstore: failed to persist idempotency record")
		}
	}

	return turn, nil
}

func (s *Store) turnByID(turnID uint64) (model.Turn, bool) {
	s.coreMu.RLock()
	core, ok := s.core[turnID]
	meta := s.metas[turnID]
	s.coreMu.RUnlock()
	if !ok {
		return model.Turn{}, false
	}
	return model.Turn{
		TurnID:              turnID,
		ParentTurnID:        core.ParentTurnID,
		Depth:               core.Depth,
		PayloadHash:         core.PayloadHash,
		CreatedAtUnixMs:     core.CreatedAtUnixMs,
		DeclaredTypeID:      meta.DeclaredTypeID,
		DeclaredTypeVersion: meta.DeclaredTypeVersion,
		Encoding:            meta.Encoding,
		CompressionHint:     meta.Compression,
		UncompressedLen:     meta.UncompressedLen,
	}, true
}

// GetLast walks parents from the context head up to limit hops, returning
// them oldest-first (spec section 4.B get_last).
func (s *Store) GetLast(contextID uint64, limit uint32) ([]model.Turn, error) {
	entry, err := s.contextFor(contextID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	head := entry.head
	entry.mu.Unlock()

	var turns []model.Turn
	cur := head.HeadTurnID
	for cur != 0 && uint32(len(turns)) < limit {
		t, ok := s.turnByID(cur)
		if !ok {
			break
		}
		turns = append(turns, t)
		cur = t.ParentTurnID
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// WalkToRoot returns the parent chain from turnID to the root, inclusive,
// oldest-first.
func (s *Store) WalkToRoot(turnID uint64) ([]model.Turn, error) {
	var turns []model.Turn
	cur := turnID
	for cur != 0 {
		t, ok := s.turnByID(cur)
		if !ok {
			return nil, cxdberr.New(cxdberr.NotFound, "turnstore: turn %d not found", cur)
		}
		turns = append(turns, t)
		cur = t.ParentTurnID
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
