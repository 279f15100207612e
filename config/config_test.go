//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "valuegraph.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "v1", cfg.ProtocolVersion)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 15, cfg.HeartbeatIntervalS)
	assert.Equal(t, 256, cfg.SubscriberQueueCapacity)
	assert.Equal(t, 10000, cfg.ReplayBufferCapacity)
	assert.Equal(t, 25, cfg.RecursionLimit)
	assert.Equal(t, 1, cfg.RetryDefaultMaxAttempts)
	assert.Equal(t, 0.5, cfg.RetryDefaultInitialIntervalS)
	assert.Equal(t, 2.0, cfg.RetryDefaultBackoffFactor)
	assert.Equal(t, 7*24*3600, cfg.ArtifactRetentionS)
}

func TestLoadFromTOML(t *testing.T) {
	path := writeConfig(t, `
database_url = "sqlite:///var/lib/valuegraph/checkpoints.db"
blob_store_url = "file:///var/lib/valuegraph/artifacts"
listen_addr = ":9090"
log_level = "debug"
heartbeat_interval_s = 5
retry_default_max_attempts = 3
retry_default_jitter = 0.25
encryption_key_current = "aa"
encryption_key_retired = ["bb", "cc"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite:///var/lib/valuegraph/checkpoints.db", cfg.DatabaseURL)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5, cfg.HeartbeatIntervalS)
	assert.Equal(t, 3, cfg.RetryDefaultMaxAttempts)
	assert.Equal(t, 0.25, cfg.RetryDefaultJitter)
	assert.Equal(t, []string{"bb", "cc"}, cfg.EncryptionKeyRetired)

	// Untouched keys keep their defaults.
	assert.Equal(t, 256, cfg.SubscriberQueueCapacity)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
database_url = "sqlite://db"
blob_store_url = "mem://"
heartbeet_interval_s = 5
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config keys")
	assert.Contains(t, err.Error(), "heartbeet_interval_s")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode config")
}

func TestEnvOverridesWin(t *testing.T) {
	path := writeConfig(t, `
database_url = "sqlite://from-file"
blob_store_url = "mem://"
replay_buffer_capacity = 100
`)
	t.Setenv("VALUEGRAPH_DATABASE_URL", "postgres://from-env")
	t.Setenv("VALUEGRAPH_REPLAY_BUFFER_CAPACITY", "5000")
	t.Setenv("VALUEGRAPH_RETRY_DEFAULT_JITTER", "0.1")
	t.Setenv("VALUEGRAPH_ENCRYPTION_KEY_RETIRED", "aa, bb,")
	t.Setenv("VALUEGRAPH_ENCRYPTION_KEY_CURRENT", "cc")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://from-env", cfg.DatabaseURL)
	assert.Equal(t, 5000, cfg.ReplayBufferCapacity)
	assert.Equal(t, 0.1, cfg.RetryDefaultJitter)
	assert.Equal(t, []string{"aa", "bb"}, cfg.EncryptionKeyRetired)
}

func TestEnvOverrideRejectsMalformedNumber(t *testing.T) {
	path := writeConfig(t, `
database_url = "sqlite://db"
blob_store_url = "mem://"
`)
	t.Setenv("VALUEGRAPH_RECURSION_LIMIT", "plenty")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VALUEGRAPH_RECURSION_LIMIT")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.DatabaseURL = "sqlite://db"
		cfg.BlobStoreURL = "mem://"
		return cfg
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.DatabaseURL = ""
	assert.ErrorContains(t, cfg.Validate(), "database_url")

	cfg = base()
	cfg.BlobStoreURL = ""
	assert.ErrorContains(t, cfg.Validate(), "blob_store_url")

	cfg = base()
	cfg.HeartbeatIntervalS = 0
	assert.ErrorContains(t, cfg.Validate(), "heartbeat_interval_s")

	cfg = base()
	cfg.RecursionLimit = -1
	assert.ErrorContains(t, cfg.Validate(), "recursion_limit")

	cfg = base()
	cfg.RetryDefaultMaxAttempts = 0
	assert.ErrorContains(t, cfg.Validate(), "retry_default_max_attempts")

	cfg = base()
	cfg.RetryDefaultBackoffFactor = 0.5
	assert.ErrorContains(t, cfg.Validate(), "retry_default_backoff_factor")

	cfg = base()
	cfg.EncryptionKeyRetired = []string{"aa"}
	assert.ErrorContains(t, cfg.Validate(), "encryption_key_current")
}
