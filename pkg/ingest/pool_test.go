package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProcessor returns a canned result per stable_event_id.
type stubProcessor struct {
	mu      sync.Mutex
	seen    []string
	results map[string]error
}

func (s *stubProcessor) Process(_ context.Context, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fields["stable_event_id"]
	s.seen = append(s.seen, id)
	return s.results[id]
}

func (s *stubProcessor) processed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func setupPool(t *testing.T, processor Processor, workers int) (*ConsumerPool, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pool := NewConsumerPool(client, PoolConfig{
		Stream:      "audio.ingestion",
		Group:       "rag-ingestion",
		Consumer:    "consumer-1",
		WorkerCount: workers,
		BatchSize:   10,
		Block:       50 * time.Millisecond,
		JobTimeout:  5 * time.Second,
	}, processor)
	return pool, client
}

func addMessage(t *testing.T, client *redis.Client, stableEventID string) {
	t.Helper()
	err := client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "audio.ingestion",
		Values: map[string]any{"stable_event_id": stableEventID},
	}).Err()
	require.NoError(t, err)
}

func TestPoolAcksSuccessAndTerminalOnly(t *testing.T) {
	processor := &stubProcessor{results: map[string]error{
		"rec-ok":        nil,
		"rec-terminal":  fmt.Errorf("%w: archive rejected", ErrTerminal),
		"rec-retryable": errors.New("connection reset"),
	}}
	pool, client := setupPool(t, processor, 1)
	ctx := context.Background()

	addMessage(t, client, "rec-ok")
	addMessage(t, client, "rec-terminal")
	addMessage(t, client, "rec-retryable")

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return processor.processed() >= 3
	}, 5*time.Second, 10*time.Millisecond)
	pool.Stop()

	// Success and terminal failures are acked; the retryable one stays
	// pending for redelivery.
	pending, err := client.XPending(ctx, "audio.ingestion", "rag-ingestion").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestPoolReplaysOwnPendingAfterRestart(t *testing.T) {
	processor := &stubProcessor{results: map[string]error{}}
	pool, client := setupPool(t, processor, 1)
	ctx := context.Background()

	// Simulate a previous incarnation that read the message and died before
	// acking: deliver it to the same consumer name the pool will use.
	require.NoError(t, client.XGroupCreateMkStream(ctx, "audio.ingestion", "rag-ingestion", "0").Err())
	addMessage(t, client, "rec-orphaned")
	_, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "rag-ingestion",
		Consumer: "consumer-1-0",
		Streams:  []string{"audio.ingestion", ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return processor.processed() >= 1
	}, 5*time.Second, 10*time.Millisecond)
	pool.Stop()

	assert.Contains(t, processor.seen, "rec-orphaned")
	pending, err := client.XPending(ctx, "audio.ingestion", "rag-ingestion").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestPoolWorkersSplitTheStream(t *testing.T) {
	processor := &stubProcessor{results: map[string]error{}}
	pool, client := setupPool(t, processor, 3)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		addMessage(t, client, fmt.Sprintf("rec-%03d", i))
	}

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return processor.processed() >= 12
	}, 5*time.Second, 10*time.Millisecond)
	pool.Stop()

	assert.Len(t, processor.seen, 12)
	pending, err := client.XPending(ctx, "audio.ingestion", "rag-ingestion").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestPoolHealthAndStop(t *testing.T) {
	pool, _ := setupPool(t, &stubProcessor{}, 2)
	ctx := context.Background()

	health := pool.Health()
	assert.False(t, health.Started)

	require.NoError(t, pool.Start(ctx))
	health = pool.Health()
	assert.True(t, health.Started)
	assert.Equal(t, 2, health.Workers)
	assert.Equal(t, "audio.ingestion", health.Stream)
	assert.Equal(t, "rag-ingestion", health.Group)

	pool.Stop()
	pool.Stop()
	assert.False(t, pool.Health().Started)
}

func TestPoolStartTwiceIsNoop(t *testing.T) {
	pool, _ := setupPool(t, &stubProcessor{}, 1)
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()
	require.NoError(t, pool.Start(ctx))
	assert.Equal(t, 1, pool.Health().Workers)
}
