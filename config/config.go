//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

// Package config loads deployment configuration from a TOML file with
// VALUEGRAPH_* environment overrides applied on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds every recognized deployment key.
type Config struct {
	// DatabaseURL is the checkpoint store connection string. The scheme
	// selects the saver: postgres://, redis://, or a sqlite file path.
	DatabaseURL string `toml:"database_url"`
	// BlobStoreURL is the artifact store location: a filesystem path or
	// mem:// for the in-memory store.
	BlobStoreURL string `toml:"blob_store_url"`
	// ProtocolVersion is constant per build; overriding it is only useful
	// for rollout testing.
	ProtocolVersion string `toml:"protocol_version"`

	ListenAddr string `toml:"listen_addr"`
	LogLevel   string `toml:"log_level"`

	HeartbeatIntervalS      int `toml:"heartbeat_interval_s"`
	SubscriberQueueCapacity int `toml:"subscriber_queue_capacity"`
	ReplayBufferCapacity    int `toml:"replay_buffer_capacity"`
	NodeDefaultTimeoutS     int `toml:"node_default_timeout_s"`
	ExecutionTimeoutS       int `toml:"execution_timeout_s"`
	RecursionLimit          int `toml:"recursion_limit"`

	RetryDefaultMaxAttempts      int     `toml:"retry_default_max_attempts"`
	RetryDefaultInitialIntervalS float64 `toml:"retry_default_initial_interval_s"`
	RetryDefaultBackoffFactor    float64 `toml:"retry_default_backoff_factor"`
	RetryDefaultJitter           float64 `toml:"retry_default_jitter"`

	// EncryptionKeyCurrent and EncryptionKeyRetired are hex-encoded 32-byte
	// AES keys. When the current key is set, checkpoint blobs are sealed at
	// rest; retired keys stay readable for rotation.
	EncryptionKeyCurrent string   `toml:"encryption_key_current"`
	EncryptionKeyRetired []string `toml:"encryption_key_retired"`

	// ArtifactThresholdBytes offloads state values larger than this to the
	// blob store; zero disables offloading.
	ArtifactThresholdBytes int `toml:"artifact_threshold_bytes"`
	// ArtifactRetentionS is the sweep retention window for artifacts.
	ArtifactRetentionS int `toml:"artifact_retention_s"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		ProtocolVersion:              "v1",
		ListenAddr:                   ":8080",
		LogLevel:                     "info",
		HeartbeatIntervalS:           15,
		SubscriberQueueCapacity:      256,
		ReplayBufferCapacity:         10000,
		RecursionLimit:               25,
		RetryDefaultMaxAttempts:      1,
		RetryDefaultInitialIntervalS: 0.5,
		RetryDefaultBackoffFactor:    2.0,
		ArtifactRetentionS:           7 * 24 * 3600,
	}
}

// Load reads the TOML file at path (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from VALUEGRAPH_<UPPER_KEY> variables. The list
// variable VALUEGRAPH_ENCRYPTION_KEY_RETIRED is comma separated.
func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv("VALUEGRAPH_" + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv("VALUEGRAPH_" + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VALUEGRAPH_%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	fnum := func(key string, dst *float64) error {
		v, ok := os.LookupEnv("VALUEGRAPH_" + key)
		if !ok {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("VALUEGRAPH_%s: %w", key, err)
		}
		*dst = f
		return nil
	}

	str("DATABASE_URL", &c.DatabaseURL)
	str("BLOB_STORE_URL", &c.BlobStoreURL)
	str("PROTOCOL_VERSION", &c.ProtocolVersion)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("ENCRYPTION_KEY_CURRENT", &c.EncryptionKeyCurrent)
	if v, ok := os.LookupEnv("VALUEGRAPH_ENCRYPTION_KEY_RETIRED"); ok {
		c.EncryptionKeyRetired = nil
		for _, key := range strings.Split(v, ",") {
			if key = strings.TrimSpace(key); key != "" {
				c.EncryptionKeyRetired = append(c.EncryptionKeyRetired, key)
			}
		}
	}
	for key, dst := range map[string]*int{
		"HEARTBEAT_INTERVAL_S":       &c.HeartbeatIntervalS,
		"SUBSCRIBER_QUEUE_CAPACITY":  &c.SubscriberQueueCapacity,
		"REPLAY_BUFFER_CAPACITY":     &c.ReplayBufferCapacity,
		"NODE_DEFAULT_TIMEOUT_S":     &c.NodeDefaultTimeoutS,
		"EXECUTION_TIMEOUT_S":        &c.ExecutionTimeoutS,
		"RECURSION_LIMIT":            &c.RecursionLimit,
		"RETRY_DEFAULT_MAX_ATTEMPTS": &c.RetryDefaultMaxAttempts,
		"ARTIFACT_THRESHOLD_BYTES":   &c.ArtifactThresholdBytes,
		"ARTIFACT_RETENTION_S":       &c.ArtifactRetentionS,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	if err := fnum("RETRY_DEFAULT_INITIAL_INTERVAL_S", &c.RetryDefaultInitialIntervalS); err != nil {
		return err
	}
	if err := fnum("RETRY_DEFAULT_BACKOFF_FACTOR", &c.RetryDefaultBackoffFactor); err != nil {
		return err
	}
	if err := fnum("RETRY_DEFAULT_JITTER", &c.RetryDefaultJitter); err != nil {
		return err
	}
	return nil
}

// Validate checks required keys and value ranges.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url is required")
	}
	if c.BlobStoreURL == "" {
		return errors.New("blob_store_url is required")
	}
	if c.HeartbeatIntervalS <= 0 {
		return errors.New("heartbeat_interval_s must be positive")
	}
	if c.SubscriberQueueCapacity <= 0 {
		return errors.New("subscriber_queue_capacity must be positive")
	}
	if c.ReplayBufferCapacity <= 0 {
		return errors.New("replay_buffer_capacity must be positive")
	}
	if c.RecursionLimit <= 0 {
		return errors.New("recursion_limit must be positive")
	}
	if c.RetryDefaultMaxAttempts < 1 {
		return errors.New("retry_default_max_attempts must be at least 1")
	}
	if c.RetryDefaultBackoffFactor < 1 {
		return errors.New("retry_default_backoff_factor must be at least 1")
	}
	if len(c.EncryptionKeyRetired) > 0 && c.EncryptionKeyCurrent == "" {
		return errors.New("encryption_key_retired requires encryption_key_current")
	}
	return nil
}
