package idempotency

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func mustOpen(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), time.Hour, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordThenLookup(t *testing.T) {
	s := mustOpen(t)
	_, ok, err := s.Lookup(1, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Record(1, "abc", 42))

	turnID, ok, err := s.Lookup(1, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 42, turnID)
}

func TestKeysAreScopedPerContext(t *testing.T) {
	s := mustOpen(t)
	require.NoError(t, s.Record(1, "abc", 10))
	require.NoError(t, s.Record(2, "abc", 20))

	got1, ok, err := s.Lookup(1, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 10, got1)

	got2, ok, err := s.Lookup(2, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 20, got2)
}
