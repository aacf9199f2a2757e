package turnstore

import (
	"os"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cxdb/cxdb/internal/model"
)

type alwaysHasBlob struct{}

func (alwaysHasBlob) Contains(model.Hash) bool { return true }

type memIdem struct {
	entries map[[2]string]uint64
}

func newMemIdem() *memIdem {
	return &memIdem{entries: make(map[[2]string]uint64)}
}

func (m *memIdem) Lookup(contextID uint64, key string) (uint64, bool, error) {
	id, ok := m.entries[keyFor(contextID, key)]
	return id, ok, nil
}

func (m *memIdem) Record(contextID uint64, key string, turnID uint64) error {
	m.entries[keyFor(contextID, key)] = turnID
	return nil
}

func keyFor(contextID uint64, key string) [2]string {
	return [2]string{strconv.FormatUint(contextID, 10), key}
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func mustOpen(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, Options{BlobChecker: alwaysHasBlob{}, Idempotency: newMemIdem(), Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func aHash(b byte) model.Hash {
	var h model.Hash
	h[0] = b
	return h
}

// TestSequentialAppendsAdvanceHead mirrors scenario S1: appends with
// parent=0 on a freshly created context always attach to, and move, the
// head.
func TestSequentialAppendsAdvanceHead(t *testing.T) {
	s := mustOpen(t)
	head, err := s.CreateContext(0)
	require.NoError(t, err)
	require.Zero(t, head.HeadTurnID)

	t1, err := s.AppendTurn(AppendRequest{ContextID: head.ContextID, PayloadHash: aHash(1)})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), t1.Depth)

	t2, err := s.AppendTurn(AppendRequest{ContextID: head.ContextID, PayloadHash: aHash(2)})
	require.NoError(t, err)
	assert.Equal(t, t1.TurnID, t2.ParentTurnID)
	assert.Equal(t, uint32(2), t2.Depth)

	got, err := s.GetHead(head.ContextID)
	require.NoError(t, err)
	assert.Equal(t, t2.TurnID, got.HeadTurnID)
	assert.EqualValues(t, 2, got.HeadDepth)
}

// TestForkThenAppendMovesForkedHead mirrors scenario S4: forking off an
// earlier turn creates an independent context whose own head then moves
// on append, leaving the original context's head untouched.
func TestForkThenAppendMovesForkedHead(t *testing.T) {
	s := mustOpen(t)
	base, err := s.CreateContext(0)
	require.NoError(t, err)
	root, err := s.AppendTurn(AppendRequest{ContextID: base.ContextID, PayloadHash: aHash(1)})
	require.NoError(t, err)

	fork, err := s.CreateContext(root.TurnID)
	require.NoError(t, err)
	assert.Equal(t, root.TurnID, fork.HeadTurnID)
	assert.Equal(t, root.Depth, fork.HeadDepth)

	leaf, err := s.AppendTurn(AppendRequest{ContextID: fork.ContextID, PayloadHash: aHash(2)})
	require.NoError(t, err)
	assert.Equal(t, root.TurnID, leaf.ParentTurnID)
	assert.Equal(t, root.Depth+1, leaf.Depth)

	forkHead, err := s.GetHead(fork.ContextID)
	require.NoError(t, err)
	assert.Equal(t, leaf.TurnID, forkHead.HeadTurnID)

	baseHead, err := s.GetHead(base.ContextID)
	require.NoError(t, err)
	assert.Equal(t, root.TurnID, baseHead.HeadTurnID, "forking must not move the original context's head")
}

func TestMidChainAppendPersistsWithoutMovingHead(t *testing.T) {
	s := mustOpen(t)
	ctx, err := s.CreateContext(0)
	require.NoError(t, err)

	t1, err := s.AppendTurn(AppendRequest{ContextID: ctx.ContextID, PayloadHash: aHash(1)})
	require.NoError(t, err)
	t2, err := s.AppendTurn(AppendRequest{ContextID: ctx.ContextID, PayloadHash: aHash(2)})
	require.NoError(t, err)

	// Explicitly target t1 even though the head has since moved to t2.
	branch, err := s.AppendTurn(AppendRequest{ContextID: ctx.ContextID, ParentTurnID: t1.TurnID, PayloadHash: aHash(3)})
	require.NoError(t, err)
	assert.Equal(t, t1.TurnID, branch.ParentTurnID)
	assert.Equal(t, t1.Depth+1, branch.Depth)

	head, err := s.GetHead(ctx.ContextID)
	require.NoError(t, err)
	assert.Equal(t, t2.TurnID, head.HeadTurnID, "append against a stale parent must not move the head")
}

func TestIdempotencyKeyReturnsOriginalTurn(t *testing.T) {
	s := mustOpen(t)
	ctx, err := s.CreateContext(0)
	require.NoError(t, err)

	req := AppendRequest{ContextID: ctx.ContextID, PayloadHash: aHash(9), IdempotencyKey: "retry-me"}
	first, err := s.AppendTurn(req)
	require.NoError(t, err)

	second, err := s.AppendTurn(req)
	require.NoError(t, err)
	assert.Equal(t, first.TurnID, second.TurnID)

	head, err := s.GetHead(ctx.ContextID)
	require.NoError(t, err)
	assert.Equal(t, first.TurnID, head.HeadTurnID)
}

func TestAppendRejectsMissingBlob(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{BlobChecker: missingBlob{}, Logger: testLogger()})
	require.NoError(t, err)
	defer s.Close()

	ctx, err := s.CreateContext(0)
	require.NoError(t, err)
	_, err = s.AppendTurn(AppendRequest{ContextID: ctx.ContextID, PayloadHash: aHash(1)})
	require.Error(t, err)
}

type missingBlob struct{}

func (missingBlob) Contains(model.Hash) bool { return false }

// TestRecoveryTruncatesTornLog mirrors scenario S6: a crash mid-write to
// turns.log must leave every earlier turn intact and allow the id
// sequence to resume cleanly, without resurrecting the torn record.
func TestRecoveryTruncatesTornLog(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{BlobChecker: alwaysHasBlob{}, Logger: testLogger()})
	require.NoError(t, err)

	ctx, err := s.CreateContext(0)
	require.NoError(t, err)

	const n = 20
	var last model.Turn
	for i := 0; i < n; i++ {
		last, err = s.AppendTurn(AppendRequest{ContextID: ctx.ContextID, PayloadHash: aHash(byte(i + 1))})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	logPath := dir + "/turns.log"
	info, err := os.Stat(logPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(logPath, info.Size()-3))

	s2, err := Open(dir, Options{BlobChecker: alwaysHasBlob{}, Logger: testLogger()})
	require.NoError(t, err)
	defer s2.Close()

	_, ok := s2.turnByID(last.TurnID)
	assert.False(t, ok, "torn final turn must not survive recovery")
	_, ok = s2.turnByID(last.TurnID - 1)
	assert.True(t, ok, "earlier turns must survive recovery")

	ctx2, err := s2.CreateContext(0)
	require.NoError(t, err)
	next, err := s2.AppendTurn(AppendRequest{ContextID: ctx2.ContextID, PayloadHash: aHash(99)})
	require.NoError(t, err)
	assert.Equal(t, last.TurnID, next.TurnID, "id sequence must resume right after the last surviving turn")
}

func TestGetLastReturnsOldestFirst(t *testing.T) {
	s := mustOpen(t)
	ctx, err := s.CreateContext(0)
	require.NoError(t, err)

	var turns []model.Turn
	for i := 0; i < 5; i++ {
		tn, err := s.AppendTurn(AppendRequest{ContextID: ctx.ContextID, PayloadHash: aHash(byte(i + 1))})
		require.NoError(t, err)
		turns = append(turns, tn)
	}

	last, err := s.GetLast(ctx.ContextID, 3)
	require.NoError(t, err)
	require.Len(t, last, 3)
	assert.Equal(t, turns[2].TurnID, last[0].TurnID)
	assert.Equal(t, turns[3].TurnID, last[1].TurnID)
	assert.Equal(t, turns[4].TurnID, last[2].TurnID)
}
