package blobstore

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/cxdb/cxdb/internal/cxdberr"
	"github.com/cxdb/cxdb/internal/model"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func mustOpen(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, 10<<20, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := mustOpen(t)
	payload := []byte("hello, content-addressed world, short enough to be stored raw")
	h := model.Hash(blake3.Sum256(payload))

	res, err := s.Put(h, payload)
	require.NoError(t, err)
	assert.Equal(t, model.Stored, res)

	got, err := s.Get(h)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPutDeduplicates(t *testing.T) {
	s := mustOpen(t)
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	h := model.Hash(blake3.Sum256(payload))

	res1, err := s.Put(h, payload)
	require.NoError(t, err)
	assert.Equal(t, model.Stored, res1)

	res2, err := s.Put(h, payload)
	require.NoError(t, err)
	assert.Equal(t, model.AlreadyPresent, res2)

	info, err := s.packF.Stat()
	require.NoError(t, err)
	sizeAfterOne := info.Size()

	res3, err := s.Put(h, payload)
	require.NoError(t, err)
	assert.Equal(t, model.AlreadyPresent, res3)

	info2, err := s.packF.Stat()
	require.NoError(t, err)
	assert.Equal(t, sizeAfterOne, info2.Size(), "pack file must not grow on duplicate put")
}

func TestPutHashMismatchRejected(t *testing.T) {
	s := mustOpen(t)
	var zero model.Hash
	_, err := s.Put(zero, []byte("hello"))
	require.Error(t, err)
	kind, _, _ := cxdberr.As(err)
	assert.Equal(t, cxdberr.Conflict, kind)

	_, err = s.Get(zero)
	require.Error(t, err)
	kind, _, _ = cxdberr.As(err)
	assert.Equal(t, cxdberr.NotFound, kind)
}

func TestSmallBlobsStoredRaw(t *testing.T) {
	s := mustOpen(t)
	payload := []byte("tiny")
	h := model.Hash(blake3.Sum256(payload))
	_, err := s.Put(h, payload)
	require.NoError(t, err)

	sh := s.shards[shardIndex(h)]
	sh.mu.RLock()
	entry := sh.entries[h]
	sh.mu.RUnlock()
	assert.Equal(t, model.CodecNone, entry.Codec)
}

func TestRecoveryTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 10<<20, testLogger())
	require.NoError(t, err)

	payload := []byte("a payload whose record is torn off the end of the pack file below")
	h := model.Hash(blake3.Sum256(payload))
	_, err = s.Put(h, payload)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Tear the tail off the pack file to simulate a crash mid-write.
	packPath := dir + "/blobs.pack"
	info, err := os.Stat(packPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(packPath, info.Size()-3))

	s2, err := Open(dir, 10<<20, testLogger())
	require.NoError(t, err)
	defer s2.Close()

	assert.False(t, s2.Contains(h), "torn record must not survive recovery")

	// A fresh append after recovery must still succeed and dedup cleanly.
	payload2 := []byte("a second payload, appended after recovery has run")
	h2 := model.Hash(blake3.Sum256(payload2))
	res, err := s2.Put(h2, payload2)
	require.NoError(t, err)
	assert.Equal(t, model.Stored, res)
}
