package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/cxdb/cxdb/internal/blobstore"
	"github.com/cxdb/cxdb/internal/fsattach"
	"github.com/cxdb/cxdb/internal/protocol"
	"github.com/cxdb/cxdb/internal/turnstore"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// harness spins up a real Server on a loopback listener and returns a
// dialed client connection plus a cancel func to shut it down.
func harness(t *testing.T) (net.Conn, func()) {
	t.Helper()
	dir := t.TempDir()

	blobs, err := blobstore.Open(dir+"/blobs", 10<<20, testLogger())
	require.NoError(t, err)

	turns, err := turnstore.Open(dir+"/turns", turnstore.Options{
		BlobChecker: blobs,
		Logger:      testLogger(),
	})
	require.NoError(t, err)

	fsa, err := fsattach.Open(dir+"/fsattach", testLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(Config{
		Listener:    ln,
		Blobs:       blobs,
		Turns:       turns,
		FSAttach:    fsa,
		MaxBlobSize: 10 << 20,
		ServerTag:   "cxdb-test",
		Logger:      testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)

	cleanup := func() {
		conn.Close()
		cancel()
		<-done
		blobs.Close()
		turns.Close()
		fsa.Close()
	}
	return conn, cleanup
}

func hello(t *testing.T, conn net.Conn) uint64 {
	t.Helper()
	var w cursorWriter
	w.u32(protocol.ProtocolVersion)
	w.lenPrefixed([]byte("test-client"))
	require.NoError(t, protocol.WriteFrame(conn, protocol.MsgHello, 0, 1, w.buf))

	h, payload, err := protocol.ReadFrame(conn, 1<<20)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgHello, h.MsgType)
	_ = payload
	return h.ReqID
}

// cursorWriter mirrors the unexported protocol.writer just enough for
// tests outside that package to build request payloads.
type cursorWriter struct{ buf []byte }

func (w *cursorWriter) u32(v uint32) {
	w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (w *cursorWriter) u64(v uint64) {
	for i := 0; i < 8; i++ {
		w.buf = append(w.buf, byte(v>>(8*i)))
	}
}

func (w *cursorWriter) raw(b []byte) { w.buf = append(w.buf, b...) }

func (w *cursorWriter) lenPrefixed(b []byte) {
	w.u32(uint32(len(b)))
	w.raw(b)
}

func TestHandshakeThenCtxCreateAndAppend(t *testing.T) {
	conn, cleanup := harness(t)
	defer cleanup()

	hello(t, conn)

	var w cursorWriter
	w.u64(0)
	require.NoError(t, protocol.WriteFrame(conn, protocol.MsgCtxCreate, 0, 2, w.buf))

	h, payload, err := protocol.ReadFrame(conn, 1<<20)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgCtxCreate, h.MsgType)
	require.EqualValues(t, 2, h.ReqID)

	r := newReaderForTest(payload)
	contextID := r.u64()
	headTurnID := r.u64()
	assert.EqualValues(t, 1, contextID)
	assert.Zero(t, headTurnID)

	payloadBytes := []byte("hello world, a payload for the append round trip")
	hash := blake3.Sum256(payloadBytes)

	var aw cursorWriter
	aw.u64(contextID)
	aw.u64(0)
	aw.lenPrefixed([]byte("com.example.Message"))
	aw.u32(1)
	aw.u32(0)
	aw.u32(0)
	aw.u32(uint32(len(payloadBytes)))
	aw.raw(hash[:])
	aw.lenPrefixed(payloadBytes)
	aw.lenPrefixed(nil)
	require.NoError(t, protocol.WriteFrame(conn, protocol.MsgAppendTurn, 0, 3, aw.buf))

	h2, payload2, err := protocol.ReadFrame(conn, 1<<20)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgAppendTurn, h2.MsgType)

	r2 := newReaderForTest(payload2)
	_ = r2.u64() // context_id
	newTurnID := r2.u64()
	assert.EqualValues(t, 1, newTurnID)
}

func TestUnknownMessageTypeReturnsError(t *testing.T) {
	conn, cleanup := harness(t)
	defer cleanup()
	hello(t, conn)

	require.NoError(t, protocol.WriteFrame(conn, protocol.MsgType(200), 0, 9, nil))
	h, payload, err := protocol.ReadFrame(conn, 1<<20)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgError, h.MsgType)
	errPayload, err := protocol.DecodeError(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 400, errPayload.Code)
}

// readerForTest is a tiny read-only cursor for assembling assertions
// against raw response payloads in these tests.
type readerForTest struct {
	buf []byte
	pos int
}

func newReaderForTest(buf []byte) *readerForTest { return &readerForTest{buf: buf} }

func (r *readerForTest) u64() uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(r.buf[r.pos+i]) << (8 * i)
	}
	r.pos += 8
	return v
}
