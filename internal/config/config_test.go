package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultBind, cfg.Bind)
	assert.EqualValues(t, DefaultMaxBlobSize, cfg.MaxBlobSize)
	assert.Equal(t, DefaultCompressionLevel, cfg.CompressionLevel)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CXDB_BIND", "127.0.0.1:9100")
	t.Setenv("CXDB_MAX_BLOB_SIZE", "2048")
	t.Setenv("CXDB_DATA_DIR", "/tmp/cxdb-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9100", cfg.Bind)
	assert.EqualValues(t, 2048, cfg.MaxBlobSize)
	assert.Equal(t, "/tmp/cxdb-test", cfg.DataDir)
}

func TestLoadRejectsNonPositiveMaxBlobSize(t *testing.T) {
	t.Setenv("CXDB_MAX_BLOB_SIZE", "0")
	_, err := Load()
	require.Error(t, err)
}
