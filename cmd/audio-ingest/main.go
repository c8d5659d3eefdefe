// Audio-ingest worker — consumes drop notifications from the ingestion
// stream, persists validated conversations, and dead-letters failures.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"

	"github.com/myrag/audio-ingest/pkg/api"
	"github.com/myrag/audio-ingest/pkg/archive"
	"github.com/myrag/audio-ingest/pkg/cleanup"
	"github.com/myrag/audio-ingest/pkg/config"
	"github.com/myrag/audio-ingest/pkg/database"
	"github.com/myrag/audio-ingest/pkg/dlq"
	"github.com/myrag/audio-ingest/pkg/enrich"
	"github.com/myrag/audio-ingest/pkg/ingest"
	"github.com/myrag/audio-ingest/pkg/nlp"
	"github.com/myrag/audio-ingest/pkg/services"
	"github.com/myrag/audio-ingest/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveConsumerName determines the consumer-group member name for this
// replica. Priority: REDIS_CONSUMER_NAME env > HOSTNAME env > "consumer-1".
func resolveConsumerName(configured string) string {
	if configured != "consumer-1" {
		return configured
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return configured
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting audio-ingest worker",
		"version", version.Full(),
		"http_port", httpPort)

	ctx := context.Background()

	// 1. Configuration
	redisCfg, err := config.LoadRedisFromEnv()
	if err != nil {
		slog.Error("Failed to load Redis config", "error", err)
		os.Exit(1)
	}
	minioCfg, err := config.LoadMinIOFromEnv()
	if err != nil {
		slog.Error("Failed to load MinIO config", "error", err)
		os.Exit(1)
	}
	ingestCfg, err := config.LoadIngestFromEnv()
	if err != nil {
		slog.Error("Failed to load ingest config", "error", err)
		os.Exit(1)
	}

	// 2. Database (runs migrations on connect)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Redis
	redisOpts, err := redisCfg.Options()
	if err != nil {
		slog.Error("Failed to parse Redis URL", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() {
		if err := redisClient.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "addr", redisOpts.Addr, "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to Redis", "addr", redisOpts.Addr, "stream", redisCfg.Stream)

	// 4. MinIO
	minioClient, err := minio.New(minioCfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(minioCfg.AccessKey, minioCfg.SecretKey, ""),
		Secure: minioCfg.UseSSL,
	})
	if err != nil {
		slog.Error("Failed to create MinIO client", "endpoint", minioCfg.Endpoint, "error", err)
		os.Exit(1)
	}
	slog.Info("MinIO client initialized", "endpoint", minioCfg.Endpoint, "bucket", minioCfg.Bucket)

	// 5. One-time startup sweep of stranded scratch dirs
	if removed, err := archive.SweepScratch(ingestCfg.ScratchDir, ingestCfg.ScratchMaxAge); err != nil {
		slog.Error("Startup scratch sweep failed", "error", err)
		// Non-fatal — continue
	} else if removed > 0 {
		slog.Info("Startup scratch sweep removed stale directories", "count", removed)
	}

	// 6. Domain services and pipeline collaborators
	jobService := services.NewJobService(dbClient.DB())
	conversationService := services.NewConversationService(dbClient.DB())

	fetcher := archive.NewFetcher(
		archive.NewMinioStore(minioClient),
		ingestCfg.ScratchDir,
		ingestCfg.MaxFileSizeBytes(),
	)

	var dispatcher *enrich.Dispatcher
	if ingestCfg.NLPServiceURL != "" {
		dispatcher = enrich.NewDispatcher(nlp.NewClient(ingestCfg.NLPServiceURL, ingestCfg.NLPTimeout))
		slog.Info("Enrichment collaborator configured", "url", ingestCfg.NLPServiceURL)
	} else {
		dispatcher = enrich.NewDispatcher(nil)
		slog.Info("No enrichment collaborator configured, legacy payloads will be skipped")
	}

	publisher := dlq.NewPublisher(redisClient, redisCfg.DLQStream, redisCfg.DLQMaxLen)

	pipeline := ingest.NewPipeline(
		jobService, conversationService, fetcher, dispatcher, publisher,
		ingest.PipelineConfig{
			MaxRetries: ingestCfg.MaxRetries,
			MaxDropAge: ingestCfg.MaxDropAge,
		},
	)

	// 7. Consumer pool (before the HTTP server so /ready flips on time)
	pool := ingest.NewConsumerPool(redisClient, ingest.PoolConfig{
		Stream:      redisCfg.Stream,
		Group:       redisCfg.ConsumerGroup,
		Consumer:    resolveConsumerName(redisCfg.ConsumerName),
		WorkerCount: ingestCfg.WorkerCount,
		BatchSize:   redisCfg.BatchSize,
		Block:       redisCfg.Block,
		JobTimeout:  ingestCfg.JobTimeout,
	}, pipeline)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start consumer pool", "error", err)
		os.Exit(1)
	}

	// 8. Background scratch sweeper
	sweeper := cleanup.NewService(ingestCfg.ScratchDir, ingestCfg.ScratchMaxAge, ingestCfg.SweepInterval)
	sweeper.Start(ctx)

	// 9. Operational HTTP server (non-blocking)
	httpServer := api.NewServer(dbClient.DB(), redisClient, pool)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Worker started",
		"workers", ingestCfg.WorkerCount,
		"group", redisCfg.ConsumerGroup,
		"dlq_stream", redisCfg.DLQStream)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop consuming first so in-flight drops finish
	// or go back to pending, then the sweeper, then HTTP.
	shutdownCtx, cancel := context.WithTimeout(ctx, ingestCfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Consumer pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — unacked messages will be redelivered")
	}

	sweeper.Stop()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
