package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/myrag/audio-ingest/pkg/metrics"
)

// errorBackoff is the pause after a failed stream read before retrying.
const errorBackoff = time.Second

// Processor handles one decoded stream message.
type Processor interface {
	Process(ctx context.Context, fields map[string]string) error
}

// PoolConfig tunes the consumer group workers.
type PoolConfig struct {
	Stream      string
	Group       string
	Consumer    string
	WorkerCount int
	BatchSize   int64
	// Block is how long XREADGROUP blocks waiting for messages.
	Block time.Duration
	// JobTimeout bounds processing of a single message.
	JobTimeout time.Duration
}

// PoolHealth is a snapshot of the pool for the operational endpoints.
type PoolHealth struct {
	Started  bool   `json:"started"`
	Workers  int    `json:"workers"`
	Inflight int64  `json:"inflight"`
	Stream   string `json:"stream"`
	Group    string `json:"group"`
}

// ConsumerPool runs a fixed set of workers against one consumer group.
// Each worker drains its own pending entries first (messages delivered to a
// previous incarnation that crashed before acking), then switches to new
// messages.
type ConsumerPool struct {
	client    redis.UniversalClient
	cfg       PoolConfig
	processor Processor
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  atomic.Bool
	inflight atomic.Int64
}

// NewConsumerPool creates a pool; call Start to begin consuming.
func NewConsumerPool(client redis.UniversalClient, cfg PoolConfig, processor Processor) *ConsumerPool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	return &ConsumerPool{
		client:    client,
		cfg:       cfg,
		processor: processor,
		logger:    slog.Default().With("stream", cfg.Stream, "group", cfg.Group),
		stopCh:    make(chan struct{}),
	}
}

// Start creates the consumer group if needed and launches the workers.
func (p *ConsumerPool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("Consumer pool already started")
		return nil
	}

	if err := p.ensureGroup(ctx); err != nil {
		p.started.Store(false)
		return fmt.Errorf("creating consumer group %s on %s: %w", p.cfg.Group, p.cfg.Stream, err)
	}

	for i := 0; i < p.cfg.WorkerCount; i++ {
		name := fmt.Sprintf("%s-%d", p.cfg.Consumer, i)
		p.wg.Add(1)
		go p.runWorker(ctx, name)
	}

	p.logger.Info("Consumer pool started", "workers", p.cfg.WorkerCount)
	return nil
}

// Stop signals the workers and waits for in-flight messages to finish.
func (p *ConsumerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	p.started.Store(false)
	p.logger.Info("Consumer pool stopped")
}

// Health reports the pool state.
func (p *ConsumerPool) Health() PoolHealth {
	return PoolHealth{
		Started:  p.started.Load(),
		Workers:  p.cfg.WorkerCount,
		Inflight: p.inflight.Load(),
		Stream:   p.cfg.Stream,
		Group:    p.cfg.Group,
	}
}

func (p *ConsumerPool) ensureGroup(ctx context.Context) error {
	err := p.client.XGroupCreateMkStream(ctx, p.cfg.Stream, p.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (p *ConsumerPool) runWorker(ctx context.Context, consumer string) {
	defer p.wg.Done()
	logger := p.logger.With("consumer", consumer)
	logger.Info("Worker started")

	// "0" replays this consumer's pending entries left over from a crash;
	// once drained the worker reads new messages with ">".
	cursor := "0"

	for {
		select {
		case <-p.stopCh:
			logger.Info("Worker stopping")
			return
		case <-ctx.Done():
			logger.Info("Worker context canceled")
			return
		default:
		}

		streams, err := p.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.cfg.Group,
			Consumer: consumer,
			Streams:  []string{p.cfg.Stream, cursor},
			Count:    p.cfg.BatchSize,
			Block:    p.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if cursor == "0" {
					cursor = ">"
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if strings.Contains(err.Error(), "NOGROUP") {
				// Stream or group vanished underneath us (flushed Redis);
				// recreate and carry on.
				if gErr := p.ensureGroup(ctx); gErr != nil {
					logger.Error("Failed to recreate consumer group", "error", gErr)
				}
				continue
			}
			logger.Error("Stream read failed", "error", err)
			p.sleep(errorBackoff)
			continue
		}

		delivered := 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				delivered++
				p.handleMessage(ctx, logger, msg)
			}
		}
		if cursor == "0" && delivered == 0 {
			logger.Info("Pending backlog drained, switching to new messages")
			cursor = ">"
		}
	}
}

func (p *ConsumerPool) handleMessage(ctx context.Context, logger *slog.Logger, msg redis.XMessage) {
	readAt := time.Now()
	p.inflight.Add(1)
	metrics.Inflight.Inc()
	defer func() {
		p.inflight.Add(-1)
		metrics.Inflight.Dec()
	}()

	jobCtx := ctx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	err := p.processor.Process(jobCtx, stringFields(msg.Values))
	metrics.AckLatency.Observe(time.Since(readAt).Seconds())

	// Ack on success and on terminal failures; anything else stays pending
	// so the group redelivers it.
	if err == nil || errors.Is(err, ErrTerminal) {
		if ackErr := p.client.XAck(ctx, p.cfg.Stream, p.cfg.Group, msg.ID).Err(); ackErr != nil {
			logger.Error("Failed to ack message", "message_id", msg.ID, "error", ackErr)
		}
		return
	}
	logger.Warn("Message left pending for redelivery", "message_id", msg.ID, "error", err)
}

// sleep waits for d unless the pool is stopping.
func (p *ConsumerPool) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}

func stringFields(values map[string]any) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			fields[k] = s
			continue
		}
		fields[k] = fmt.Sprint(v)
	}
	return fields
}
