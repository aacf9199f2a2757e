// Package model holds the domain types shared between the blob store,
// the turn store, and the wire protocol: a Turn's wire shape is the same
// struct the turn store persists, so the protocol layer never re-declares
// field layouts the storage layer already owns.
package model

// Hash is a 32-byte BLAKE3-256 content digest, the primary key of the
// Blob Store and the integrity witness carried on every Turn.
type Hash [32]byte

// Codec identifies how a Blob's stored_bytes are compressed.
type Codec uint16

const (
	CodecNone Codec = 0
	CodecZstd Codec = 1
)

// Turn is a single immutable node in the conversation DAG (spec section 3).
type Turn struct {
	TurnID               uint64
	ParentTurnID         uint64
	Depth                uint32
	PayloadHash          Hash
	CreatedAtUnixMs      uint64
	DeclaredTypeID       string
	DeclaredTypeVersion  uint32
	Encoding             uint32
	CompressionHint      uint32
	UncompressedLen      uint32
}

// ContextHead is the mutable branch pointer a Context maintains over the
// immutable Turn DAG.
type ContextHead struct {
	ContextID   uint64
	HeadTurnID  uint64
	HeadDepth   uint32
}

// PutResult distinguishes a first-write from a deduplicated write, per
// the Blob Store's put() contract in spec section 4.A.
type PutResult int

const (
	Stored PutResult = iota
	AlreadyPresent
)
