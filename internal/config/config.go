// Package config loads CXDB's server configuration the way the teacher's
// internal/config package did: defaults, then an optional YAML file,
// then — since spec section 6 calls for "configuration (environment
// style)" rather than positional CLI arguments — environment variable
// overrides take the final word.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

const (
	DefaultBind              = ":9009"
	DefaultMaxBlobSize       = 10 * 1024 * 1024
	DefaultCompressionLevel  = 3
	DefaultIdempotencyTTLSec = 24 * 60 * 60
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

// Config holds every setting spec section 6 recognizes.
type Config struct {
	DataDir            string `yaml:"data_dir"`
	Bind               string `yaml:"bind"`
	HTTPBind           string `yaml:"http_bind"`
	MaxBlobSize        int64  `yaml:"max_blob_size"`
	CompressionLevel   int    `yaml:"compression_level"`
	LogLevel           string `yaml:"log_level"`
	LogFormat          string `yaml:"log_format"`
	IdempotencyTTLSec  int64  `yaml:"idempotency_ttl_seconds"`
}

// defaults returns a Config with every field set to its documented
// default (spec section 6).
func defaults() Config {
	return Config{
		DataDir:           "./data",
		Bind:              DefaultBind,
		HTTPBind:          "",
		MaxBlobSize:       DefaultMaxBlobSize,
		CompressionLevel:  DefaultCompressionLevel,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
		IdempotencyTTLSec: DefaultIdempotencyTTLSec,
	}
}

// Load builds a Config from defaults, an optional YAML file named by
// CXDB_CONFIG_FILE, and environment variable overrides, in that order.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("CXDB_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvString("CXDB_DATA_DIR", &cfg.DataDir)
	applyEnvString("CXDB_BIND", &cfg.Bind)
	applyEnvString("CXDB_HTTP_BIND", &cfg.HTTPBind)
	applyEnvString("CXDB_LOG_LEVEL", &cfg.LogLevel)
	applyEnvString("CXDB_LOG_FORMAT", &cfg.LogFormat)
	if err := applyEnvInt64("CXDB_MAX_BLOB_SIZE", &cfg.MaxBlobSize); err != nil {
		return Config{}, err
	}
	if err := applyEnvInt("CXDB_COMPRESSION_LEVEL", &cfg.CompressionLevel); err != nil {
		return Config{}, err
	}
	if err := applyEnvInt64("CXDB_IDEMPOTENCY_TTL", &cfg.IdempotencyTTLSec); err != nil {
		return Config{}, err
	}

	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("data_dir must not be empty")
	}
	if cfg.MaxBlobSize <= 0 {
		return Config{}, fmt.Errorf("max_blob_size must be positive")
	}

	return cfg, nil
}

func applyEnvString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func applyEnvInt64(name string, dst *int64) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", name, v, err)
	}
	*dst = n
	return nil
}

func applyEnvInt(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", name, v, err)
	}
	*dst = n
	return nil
}
