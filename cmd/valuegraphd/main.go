//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

// valuegraphd serves the valuation pipeline over HTTP/SSE. The checkpoint
// backend is chosen from the database_url scheme, optionally sealed with
// AES-GCM when encryption keys are configured.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisv9 "github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/valuegraph/valuegraph/artifact"
	"github.com/valuegraph/valuegraph/config"
	"github.com/valuegraph/valuegraph/graph"
	"github.com/valuegraph/valuegraph/graph/checkpoint/postgres"
	redissaver "github.com/valuegraph/valuegraph/graph/checkpoint/redis"
	"github.com/valuegraph/valuegraph/graph/checkpoint/sealed"
	"github.com/valuegraph/valuegraph/graph/checkpoint/sqlite"
	"github.com/valuegraph/valuegraph/internal/valuation"
	"github.com/valuegraph/valuegraph/log"
	"github.com/valuegraph/valuegraph/runner"
	"github.com/valuegraph/valuegraph/server"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Errorf("valuegraphd: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	codec, err := blobCodec(cfg)
	if err != nil {
		return err
	}
	saver, err := openSaver(ctx, cfg, codec)
	if err != nil {
		return err
	}
	defer saver.Close()

	artifacts, err := openArtifacts(cfg)
	if err != nil {
		return err
	}

	pipeline, err := valuation.Build()
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	execOpts := []graph.ExecutorOption{
		graph.WithRecursionLimit(cfg.RecursionLimit),
		graph.WithDefaultRetryPolicy(&graph.RetryPolicy{
			MaxAttempts:     cfg.RetryDefaultMaxAttempts,
			InitialInterval: time.Duration(cfg.RetryDefaultInitialIntervalS * float64(time.Second)),
			BackoffFactor:   cfg.RetryDefaultBackoffFactor,
			Jitter:          cfg.RetryDefaultJitter,
		}),
	}
	if cfg.NodeDefaultTimeoutS > 0 {
		execOpts = append(execOpts, graph.WithDefaultNodeTimeout(time.Duration(cfg.NodeDefaultTimeoutS)*time.Second))
	}
	if cfg.ExecutionTimeoutS > 0 {
		execOpts = append(execOpts, graph.WithExecutionTimeout(time.Duration(cfg.ExecutionTimeoutS)*time.Second))
	}

	runnerOpts := []runner.Option{
		runner.WithHeartbeatInterval(time.Duration(cfg.HeartbeatIntervalS) * time.Second),
		runner.WithQueueCapacity(cfg.SubscriberQueueCapacity),
		runner.WithReplayCapacity(cfg.ReplayBufferCapacity),
	}
	if cfg.ArtifactThresholdBytes > 0 {
		runnerOpts = append(runnerOpts, runner.WithArtifactStore(artifacts, cfg.ArtifactThresholdBytes))
	}

	engine, err := runner.NewRunner(pipeline, saver, runnerOpts, execOpts...)
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}
	defer engine.Close()

	go sweepArtifacts(ctx, artifacts, time.Duration(cfg.ArtifactRetentionS)*time.Second)

	srv := server.New(engine,
		server.WithProtocolVersion(cfg.ProtocolVersion),
		server.WithInputChannel(valuation.ChannelInput),
	)
	log.Infof("valuegraphd listening on %s", cfg.ListenAddr)
	return srv.ListenAndServe(ctx, cfg.ListenAddr)
}

// blobCodec builds the at-rest encryption codec from the configured keys,
// or nil when encryption is off.
func blobCodec(cfg *config.Config) (graph.BlobCodec, error) {
	if cfg.EncryptionKeyCurrent == "" {
		return nil, nil
	}
	current, err := hex.DecodeString(cfg.EncryptionKeyCurrent)
	if err != nil {
		return nil, fmt.Errorf("encryption_key_current: %w", err)
	}
	retired := make([][]byte, 0, len(cfg.EncryptionKeyRetired))
	for i, raw := range cfg.EncryptionKeyRetired {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("encryption_key_retired[%d]: %w", i, err)
		}
		retired = append(retired, key)
	}
	return sealed.NewCodec(current, retired...)
}

func openSaver(ctx context.Context, cfg *config.Config, codec graph.BlobCodec) (graph.Saver, error) {
	url := cfg.DatabaseURL
	switch {
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		var opts []postgres.Option
		if codec != nil {
			opts = append(opts, postgres.WithBlobCodec(codec))
		}
		return postgres.NewSaver(ctx, pool, opts...)
	case strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://"):
		redisOpts, err := redisv9.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		var opts []redissaver.Option
		if codec != nil {
			opts = append(opts, redissaver.WithBlobCodec(codec))
		}
		return redissaver.NewSaver(redisv9.NewClient(redisOpts), opts...), nil
	default:
		path := strings.TrimPrefix(url, "sqlite://")
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		var opts []sqlite.Option
		if codec != nil {
			opts = append(opts, sqlite.WithBlobCodec(codec))
		}
		return sqlite.NewSaver(db, opts...)
	}
}

func openArtifacts(cfg *config.Config) (artifact.Service, error) {
	if cfg.BlobStoreURL == "mem://" {
		return artifact.NewInMemoryService(), nil
	}
	return artifact.NewLocalService(strings.TrimPrefix(cfg.BlobStoreURL, "file://"))
}

// sweepArtifacts reclaims expired artifacts on a fixed cadence.
func sweepArtifacts(ctx context.Context, svc artifact.Service, retention time.Duration) {
	sweeper, ok := svc.(artifact.Sweeper)
	if !ok || retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sweeper.Sweep(ctx, retention); err != nil {
				log.Warnf("artifact sweep: %v", err)
			}
		}
	}
}
