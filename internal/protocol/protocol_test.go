package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello frame")
	require.NoError(t, WriteFrame(&buf, MsgAppendTurn, FlagFSRootHash, 42, payload))

	h, got, err := ReadFrame(&buf, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, MsgAppendTurn, h.MsgType)
	assert.Equal(t, FlagFSRootHash, h.Flags)
	assert.EqualValues(t, 42, h.ReqID)
	assert.Equal(t, payload, got)
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, MsgPutBlob, 0, 1, make([]byte, 100)))
	_, _, err := ReadFrame(&buf, 10)
	require.Error(t, err)
}

func TestAppendTurnRequestRoundTripWithFSRoot(t *testing.T) {
	var w writer
	w.u64(1)
	w.u64(0)
	w.lenPrefixed([]byte("com.example.Message"))
	w.u32(1)
	w.u32(0)
	w.u32(0)
	w.u32(5)
	var hash [32]byte
	hash[0] = 0xAA
	w.raw(hash[:])
	w.lenPrefixed([]byte("hello"))
	w.lenPrefixed([]byte("key1"))
	var fsRoot [32]byte
	fsRoot[0] = 0xBB
	w.raw(fsRoot[:])

	req, err := DecodeAppendTurnRequest(w.bytes(), FlagFSRootHash)
	require.NoError(t, err)
	assert.EqualValues(t, 1, req.ContextID)
	assert.Equal(t, "com.example.Message", req.TypeID)
	assert.Equal(t, []byte("hello"), req.Payload)
	assert.Equal(t, "key1", req.IdempotencyKey)
	require.NotNil(t, req.FSRootHash)
	assert.Equal(t, fsRoot, *req.FSRootHash)
}

func TestAppendTurnRequestWithoutFSRoot(t *testing.T) {
	var w writer
	w.u64(1)
	w.u64(0)
	w.lenPrefixed([]byte("t"))
	w.u32(1)
	w.u32(0)
	w.u32(0)
	w.u32(1)
	var hash [32]byte
	w.raw(hash[:])
	w.lenPrefixed([]byte("x"))
	w.lenPrefixed(nil)

	req, err := DecodeAppendTurnRequest(w.bytes(), 0)
	require.NoError(t, err)
	assert.Nil(t, req.FSRootHash)
}

func TestGetLastResponseRoundTrip(t *testing.T) {
	items := []TurnItem{
		{TurnID: 1, Depth: 1, DeclaredTypeID: "a"},
		{TurnID: 2, ParentTurnID: 1, Depth: 2, DeclaredTypeID: "b", Payload: []byte("hi")},
	}
	enc := EncodeGetLastResponse(items, true)

	r := newReader(enc)
	count, err := r.u32()
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	enc := EncodeError(404, "turn not found")
	got, err := DecodeError(enc)
	require.NoError(t, err)
	assert.EqualValues(t, 404, got.Code)
	assert.Equal(t, "turn not found", got.Detail)
}

func TestPutBlobRequestRoundTrip(t *testing.T) {
	var w writer
	var hash [32]byte
	hash[5] = 9
	w.raw(hash[:])
	w.lenPrefixed([]byte("payload bytes"))

	req, err := DecodePutBlobRequest(w.bytes())
	require.NoError(t, err)
	assert.Equal(t, hash, req.ContentHash)
	assert.Equal(t, []byte("payload bytes"), req.RawBytes)
}
