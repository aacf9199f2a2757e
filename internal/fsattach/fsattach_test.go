package fsattach

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cxdb/cxdb/internal/model"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestAttachThenGet(t *testing.T) {
	s, err := Open(t.TempDir(), testLogger())
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Get(7)
	require.NoError(t, err)
	assert.False(t, ok)

	var root model.Hash
	root[0] = 0xAB
	require.NoError(t, s.Attach(7, root))

	got, ok, err := s.Get(7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, root, got)
}

func TestAttachOverwrites(t *testing.T) {
	s, err := Open(t.TempDir(), testLogger())
	require.NoError(t, err)
	defer s.Close()

	var r1, r2 model.Hash
	r1[0] = 1
	r2[0] = 2
	require.NoError(t, s.Attach(1, r1))
	require.NoError(t, s.Attach(1, r2))

	got, ok, err := s.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r2, got)
}
