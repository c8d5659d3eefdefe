// Package config loads the worker's runtime configuration from the
// environment. Database settings live in pkg/database; everything else —
// Redis streams, MinIO object storage and pipeline tuning — is here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the ingestion and dead-letter streams.
type RedisConfig struct {
	URL           string
	Stream        string
	ConsumerGroup string
	ConsumerName  string
	DLQStream     string
	BatchSize     int64
	Block         time.Duration
	// DLQMaxLen trims the dead-letter stream approximately; zero keeps it
	// unbounded.
	DLQMaxLen int64
}

// Options parses the Redis URL into client options.
func (c RedisConfig) Options() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return opts, nil
}

// MinIOConfig describes the object store holding drop packages.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// IngestConfig tunes the pipeline and its background maintenance.
type IngestConfig struct {
	WorkerCount     int
	MaxRetries      int
	JobTimeout      time.Duration
	MaxFileSizeMB   int64
	MaxDropAge      time.Duration
	ScratchDir      string
	SweepInterval   time.Duration
	ScratchMaxAge   time.Duration
	ShutdownTimeout time.Duration
	// NLPServiceURL enables legacy enrichment when set.
	NLPServiceURL string
	NLPTimeout    time.Duration
}

// MaxFileSizeBytes converts the configured cap to bytes.
func (c IngestConfig) MaxFileSizeBytes() int64 {
	return c.MaxFileSizeMB * 1024 * 1024
}

// LoadRedisFromEnv loads the Redis stream configuration.
func LoadRedisFromEnv() (RedisConfig, error) {
	batch, err := strconv.ParseInt(getEnvOrDefault("REDIS_BATCH_SIZE", "10"), 10, 64)
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_BATCH_SIZE: %w", err)
	}
	blockMS, err := strconv.Atoi(getEnvOrDefault("REDIS_BLOCK_MS", "5000"))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_BLOCK_MS: %w", err)
	}
	dlqMaxLen, err := strconv.ParseInt(getEnvOrDefault("REDIS_DLQ_MAX_LEN", "0"), 10, 64)
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_DLQ_MAX_LEN: %w", err)
	}

	return RedisConfig{
		URL:           getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		Stream:        getEnvOrDefault("REDIS_STREAM_INGESTION", "audio.ingestion"),
		ConsumerGroup: getEnvOrDefault("REDIS_CONSUMER_GROUP", "rag-ingestion"),
		ConsumerName:  getEnvOrDefault("REDIS_CONSUMER_NAME", "consumer-1"),
		DLQStream:     getEnvOrDefault("REDIS_DLQ_STREAM", "audio.ingestion.deadletter"),
		BatchSize:     batch,
		Block:         time.Duration(blockMS) * time.Millisecond,
		DLQMaxLen:     dlqMaxLen,
	}, nil
}

// LoadMinIOFromEnv loads the object storage configuration.
func LoadMinIOFromEnv() (MinIOConfig, error) {
	useSSL, err := strconv.ParseBool(getEnvOrDefault("MINIO_USE_SSL", "false"))
	if err != nil {
		return MinIOConfig{}, fmt.Errorf("invalid MINIO_USE_SSL: %w", err)
	}

	return MinIOConfig{
		Endpoint:  getEnvOrDefault("MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: getEnvOrDefault("MINIO_ACCESS_KEY", "minioadmin"),
		SecretKey: getEnvOrDefault("MINIO_SECRET_KEY", "minioadmin"),
		UseSSL:    useSSL,
		Bucket:    getEnvOrDefault("MINIO_BUCKET_INGESTION", "ingestion"),
	}, nil
}

// LoadIngestFromEnv loads the pipeline configuration.
func LoadIngestFromEnv() (IngestConfig, error) {
	workers, err := strconv.Atoi(getEnvOrDefault("INGEST_WORKER_COUNT", "4"))
	if err != nil {
		return IngestConfig{}, fmt.Errorf("invalid INGEST_WORKER_COUNT: %w", err)
	}
	maxRetries, err := strconv.Atoi(getEnvOrDefault("INGESTION_MAX_RETRIES", "3"))
	if err != nil {
		return IngestConfig{}, fmt.Errorf("invalid INGESTION_MAX_RETRIES: %w", err)
	}
	maxFileSizeMB, err := strconv.ParseInt(getEnvOrDefault("MAX_FILE_SIZE_MB", "500"), 10, 64)
	if err != nil {
		return IngestConfig{}, fmt.Errorf("invalid MAX_FILE_SIZE_MB: %w", err)
	}

	jobTimeout, err := parseDuration("INGESTION_JOB_TIMEOUT", "10m")
	if err != nil {
		return IngestConfig{}, err
	}
	maxDropAge, err := parseDuration("MAX_DROP_AGE", "72h")
	if err != nil {
		return IngestConfig{}, err
	}
	sweepInterval, err := parseDuration("SCRATCH_SWEEP_INTERVAL", "15m")
	if err != nil {
		return IngestConfig{}, err
	}
	scratchMaxAge, err := parseDuration("SCRATCH_MAX_AGE", "1h")
	if err != nil {
		return IngestConfig{}, err
	}
	shutdownTimeout, err := parseDuration("GRACEFUL_SHUTDOWN_TIMEOUT", "30s")
	if err != nil {
		return IngestConfig{}, err
	}
	nlpTimeout, err := parseDuration("NLP_TIMEOUT", "60s")
	if err != nil {
		return IngestConfig{}, err
	}

	return IngestConfig{
		WorkerCount:     workers,
		MaxRetries:      maxRetries,
		JobTimeout:      jobTimeout,
		MaxFileSizeMB:   maxFileSizeMB,
		MaxDropAge:      maxDropAge,
		ScratchDir:      getEnvOrDefault("SCRATCH_DIR", os.TempDir()),
		SweepInterval:   sweepInterval,
		ScratchMaxAge:   scratchMaxAge,
		ShutdownTimeout: shutdownTimeout,
		NLPServiceURL:   os.Getenv("NLP_SERVICE_URL"),
		NLPTimeout:      nlpTimeout,
	}, nil
}

func parseDuration(key, defaultVal string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnvOrDefault(key, defaultVal))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
