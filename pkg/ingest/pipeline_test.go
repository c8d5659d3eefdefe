package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myrag/audio-ingest/pkg/archive"
	"github.com/myrag/audio-ingest/pkg/checksum"
	"github.com/myrag/audio-ingest/pkg/dlq"
	"github.com/myrag/audio-ingest/pkg/enrich"
	"github.com/myrag/audio-ingest/pkg/faults"
	"github.com/myrag/audio-ingest/pkg/models"
	"github.com/myrag/audio-ingest/pkg/services"
	"github.com/myrag/audio-ingest/pkg/transcript"
)

const testEventID = "rec-20260810T120000Z-a1b2c3d4"

var validPayload = []byte(`{
	"schema_version": "1.0",
	"stable_event_id": "` + testEventID + `",
	"source_system": "recorder-fleet",
	"created_at": "2026-08-10T12:00:00Z",
	"meeting_metadata": {"scheduled_start": "2026-08-10T11:00:00Z", "duration_sec": 600, "title": "Standup"},
	"participants": [
		{"speaker_id": "spk-1", "display_name": "Alice"},
		{"speaker_id": "spk-2", "display_name": "Bob"}
	],
	"segments": [
		{"segment_id": "seg-001", "speaker_id": "spk-1", "start_ms": 0, "end_ms": 4000,
		 "text": "Morning.", "language": "en", "confidence": 0.95},
		{"segment_id": "seg-002", "speaker_id": "spk-2", "start_ms": 4000, "end_ms": 9000,
		 "text": "Morning, let's start.", "language": "en", "confidence": 0.91}
	]
}`)

// fakeJobs is an in-memory JobStore that enforces the same transition rules
// as the real service.
type fakeJobs struct {
	byEvent map[string]*models.IngestionJob
	byID    map[string]*models.IngestionJob
	nextID  int

	transitions    []models.JobStatus
	markRetryCalls int
	failedCodes    []string
	completedConv  string
	completedMeta  map[string]any

	createErr  error
	advanceErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		byEvent: map[string]*models.IngestionJob{},
		byID:    map[string]*models.IngestionJob{},
	}
}

func (f *fakeJobs) seed(job *models.IngestionJob) {
	f.nextID++
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", f.nextID)
	}
	f.byEvent[job.StableEventID] = job
	f.byID[job.ID] = job
}

func (f *fakeJobs) FindByStableEventID(_ context.Context, stableEventID string) (*models.IngestionJob, error) {
	job, ok := f.byEvent[stableEventID]
	if !ok {
		return nil, services.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobs) Create(_ context.Context, job *models.IngestionJob) error {
	if f.createErr != nil {
		return f.createErr
	}
	if _, exists := f.byEvent[job.StableEventID]; exists {
		return services.ErrAlreadyExists
	}
	job.Status = models.StatusPending
	f.seed(job)
	return nil
}

func (f *fakeJobs) Advance(_ context.Context, jobID string, next models.JobStatus, _ *services.JobPatch) (*models.IngestionJob, error) {
	if f.advanceErr != nil {
		return nil, f.advanceErr
	}
	job, ok := f.byID[jobID]
	if !ok {
		return nil, services.ErrNotFound
	}
	if !models.CanTransition(job.Status, next) {
		return nil, fmt.Errorf("%w: %s -> %s", services.ErrIllegalTransition, job.Status, next)
	}
	job.Status = next
	f.transitions = append(f.transitions, next)
	return job, nil
}

func (f *fakeJobs) MarkRetry(_ context.Context, jobID string) (*models.IngestionJob, error) {
	job, ok := f.byID[jobID]
	if !ok {
		return nil, services.ErrNotFound
	}
	job.Status = models.StatusDownloading
	job.RetryCount++
	f.markRetryCalls++
	f.transitions = append(f.transitions, models.StatusDownloading)
	return job, nil
}

func (f *fakeJobs) MarkFailed(_ context.Context, jobID, code, _, _ string, _ time.Time) (*models.IngestionJob, error) {
	job, ok := f.byID[jobID]
	if !ok {
		return nil, services.ErrNotFound
	}
	job.Status = models.StatusFailed
	job.ErrorCode = code
	f.failedCodes = append(f.failedCodes, code)
	f.transitions = append(f.transitions, models.StatusFailed)
	return job, nil
}

func (f *fakeJobs) Complete(_ context.Context, jobID, conversationID string, _ int64, metadata map[string]any) (*models.IngestionJob, error) {
	job, ok := f.byID[jobID]
	if !ok {
		return nil, services.ErrNotFound
	}
	job.Status = models.StatusCompleted
	f.transitions = append(f.transitions, models.StatusCompleted)
	f.completedConv = conversationID
	f.completedMeta = metadata
	return job, nil
}

type fakeConversations struct {
	persisted  int
	turns      []models.ConversationTurn
	topics     []string
	persistErr error
}

func (f *fakeConversations) PersistForJob(_ context.Context, _ string, _ *models.Conversation, turns []models.ConversationTurn) (string, error) {
	if f.persistErr != nil {
		return "", f.persistErr
	}
	f.persisted++
	f.turns = turns
	return "conv-1", nil
}

func (f *fakeConversations) SetTopics(_ context.Context, _ string, topics []string) error {
	f.topics = topics
	return nil
}

type fakeFetcher struct {
	drop  *archive.Drop
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(context.Context, string, string, string) (*archive.Drop, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.drop, nil
}

type fakeDeadLetter struct {
	requests []dlq.Request
}

func (f *fakeDeadLetter) Publish(_ context.Context, req dlq.Request) error {
	f.requests = append(f.requests, req)
	return nil
}

// ctxJobs refuses writes once the supplied context is dead, the way the real
// database-backed store does.
type ctxJobs struct {
	*fakeJobs
}

func (c *ctxJobs) MarkFailed(ctx context.Context, jobID, code, message, stack string, at time.Time) (*models.IngestionJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.fakeJobs.MarkFailed(ctx, jobID, code, message, stack, at)
}

// ctxDeadLetter refuses publishes once the supplied context is dead, the way
// the real stream client does.
type ctxDeadLetter struct {
	*fakeDeadLetter
}

func (c *ctxDeadLetter) Publish(ctx context.Context, req dlq.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.fakeDeadLetter.Publish(ctx, req)
}

// stallingFetcher consumes the whole job deadline and surfaces the
// context error, like a download against an unresponsive object store.
type stallingFetcher struct {
	calls int
}

func (f *stallingFetcher) Fetch(ctx context.Context, _, _, _ string) (*archive.Drop, error) {
	f.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeEnricher struct {
	outcome *enrich.Outcome
	calls   int
}

func (f *fakeEnricher) Dispatch(context.Context, string, *transcript.ConversationPayload) *enrich.Outcome {
	f.calls++
	if f.outcome != nil {
		return f.outcome
	}
	return &enrich.Outcome{Mode: enrich.ModeSkipped}
}

type harness struct {
	pipeline      *Pipeline
	jobs          *fakeJobs
	conversations *fakeConversations
	fetcher       *fakeFetcher
	deadLetter    *fakeDeadLetter
	enricher      *fakeEnricher
}

func newHarness(t *testing.T, payload []byte) *harness {
	t.Helper()
	h := &harness{
		jobs:          newFakeJobs(),
		conversations: &fakeConversations{},
		fetcher:       &fakeFetcher{},
		deadLetter:    &fakeDeadLetter{},
		enricher:      &fakeEnricher{},
	}
	if payload != nil {
		h.fetcher.drop = writeLegacyDrop(t, payload)
	}
	h.pipeline = NewPipeline(h.jobs, h.conversations, h.fetcher, h.enricher, h.deadLetter,
		PipelineConfig{MaxRetries: 3, MaxDropAge: 72 * time.Hour})
	return h
}

// writeLegacyDrop materializes payload as a bare .json drop on disk so the
// real checksum verification runs against it.
func writeLegacyDrop(t *testing.T, payload []byte) *archive.Drop {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, payload, 0o644))
	return &archive.Drop{
		ArchivePath:      path,
		ConversationPath: path,
		SizeBytes:        int64(len(payload)),
		Legacy:           true,
	}
}

func dropChecksum(t *testing.T, drop *archive.Drop) string {
	t.Helper()
	sum, err := checksum.HashFile(drop.ArchivePath)
	require.NoError(t, err)
	return sum
}

func validFields(t *testing.T, sum string) map[string]string {
	t.Helper()
	return map[string]string{
		"stable_event_id": testEventID,
		"package_uri":     "minio://ingestion/drops/" + testEventID + ".json",
		"checksum":        sum,
		"schema_version":  "1.0",
		"retry_count":     "0",
		"produced_at":     time.Now().UTC().Format(time.RFC3339),
		"trace_id":        "8b9bc9a2-1887-45f2-9c9e-5c3c1eddfd5a",
	}
}

func TestProcessHappyPath(t *testing.T) {
	h := newHarness(t, validPayload)
	h.enricher.outcome = &enrich.Outcome{
		Mode:     enrich.ModeLegacy,
		Topics:   []string{"Bob"},
		Metadata: map[string]any{"num_chunks": 2},
	}

	err := h.pipeline.Process(context.Background(), validFields(t, dropChecksum(t, h.fetcher.drop)))
	require.NoError(t, err)

	assert.Equal(t, []models.JobStatus{
		models.StatusDownloading,
		models.StatusValidating,
		models.StatusEmbedding,
		models.StatusCompleted,
	}, h.jobs.transitions)

	assert.Equal(t, "conv-1", h.jobs.completedConv)
	assert.Equal(t, 2, h.jobs.completedMeta["num_segments"])
	assert.Equal(t, 2, h.jobs.completedMeta["num_participants"])
	assert.Equal(t, 2, h.jobs.completedMeta["num_chunks"])

	assert.Equal(t, 1, h.conversations.persisted)
	assert.Len(t, h.conversations.turns, 2)
	assert.Equal(t, []string{"Bob"}, h.conversations.topics)
	assert.Equal(t, 1, h.enricher.calls)
	assert.Empty(t, h.deadLetter.requests)
}

// writeArchiveDrop materializes a full tar.gz-style drop: an extracted tree
// with conversation.json and a checksum manifest next to it.
func writeArchiveDrop(t *testing.T, payload []byte) *archive.Drop {
	t.Helper()
	dir := t.TempDir()
	extracted := filepath.Join(dir, "extracted")
	require.NoError(t, os.MkdirAll(extracted, 0o755))

	convPath := filepath.Join(extracted, "conversation.json")
	require.NoError(t, os.WriteFile(convPath, payload, 0o644))

	sum, err := checksum.HashFile(convPath)
	require.NoError(t, err)
	manifest := strings.TrimPrefix(sum, checksum.Prefix) + "  conversation.json\n"
	require.NoError(t, os.WriteFile(filepath.Join(extracted, checksum.ManifestName), []byte(manifest), 0o644))

	archivePath := filepath.Join(dir, "archive.tar.gz")
	require.NoError(t, os.WriteFile(archivePath, payload, 0o644))

	return &archive.Drop{
		ArchivePath:      archivePath,
		ExtractedRoot:    extracted,
		ManifestRoot:     extracted,
		ConversationPath: convPath,
		SizeBytes:        int64(len(payload)),
	}
}

func TestProcessArchiveDropVerifiesManifest(t *testing.T) {
	t.Run("intact archive completes", func(t *testing.T) {
		h := newHarness(t, nil)
		h.fetcher.drop = writeArchiveDrop(t, validPayload)

		err := h.pipeline.Process(context.Background(), validFields(t, dropChecksum(t, h.fetcher.drop)))
		require.NoError(t, err)
		assert.Equal(t, "conv-1", h.jobs.completedConv)
	})

	t.Run("tampered file fails manifest verification", func(t *testing.T) {
		h := newHarness(t, nil)
		h.fetcher.drop = writeArchiveDrop(t, validPayload)
		sum := dropChecksum(t, h.fetcher.drop)

		tampered := append([]byte(nil), validPayload...)
		tampered[len(tampered)-2] = ' '
		require.NoError(t, os.WriteFile(h.fetcher.drop.ConversationPath, tampered, 0o644))

		// checksum_mismatch on a first attempt earns one retry.
		err := h.pipeline.Process(context.Background(), validFields(t, sum))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrTerminal)
		assert.Equal(t, []string{"checksum_mismatch"}, h.jobs.failedCodes)
	})
}

func TestProcessUndecodableMessage(t *testing.T) {
	h := newHarness(t, nil)

	err := h.pipeline.Process(context.Background(), map[string]string{
		"stable_event_id": "not-a-valid-id",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTerminal)

	// Dead-lettered without a job row.
	require.Len(t, h.deadLetter.requests, 1)
	assert.Empty(t, h.deadLetter.requests[0].JobID)
	assert.Equal(t, "not-a-valid-id", h.deadLetter.requests[0].StableEventID)
	assert.Empty(t, h.jobs.byEvent)
	assert.Zero(t, h.fetcher.calls)
}

func TestProcessCompletedShortCircuit(t *testing.T) {
	h := newHarness(t, validPayload)
	h.jobs.seed(&models.IngestionJob{
		StableEventID: testEventID,
		Status:        models.StatusCompleted,
	})

	sum := dropChecksum(t, h.fetcher.drop)
	err := h.pipeline.Process(context.Background(), validFields(t, sum))
	require.NoError(t, err)

	assert.Zero(t, h.fetcher.calls)
	assert.Empty(t, h.jobs.transitions)
	assert.Empty(t, h.deadLetter.requests)
}

func TestProcessRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, validPayload)
	h.jobs.seed(&models.IngestionJob{
		StableEventID: testEventID,
		Status:        models.StatusFailed,
		RetryCount:    3,
		MaxRetries:    3,
	})

	err := h.pipeline.Process(context.Background(), validFields(t, dropChecksum(t, h.fetcher.drop)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTerminal)

	// Already dead-lettered when it failed; no republish on redelivery.
	assert.Empty(t, h.deadLetter.requests)
	assert.Zero(t, h.fetcher.calls)
}

func TestProcessReclaimsFailedJob(t *testing.T) {
	h := newHarness(t, validPayload)
	h.jobs.seed(&models.IngestionJob{
		StableEventID: testEventID,
		Status:        models.StatusFailed,
		RetryCount:    1,
		MaxRetries:    3,
	})

	err := h.pipeline.Process(context.Background(), validFields(t, dropChecksum(t, h.fetcher.drop)))
	require.NoError(t, err)

	assert.Equal(t, 1, h.jobs.markRetryCalls)
	job := h.jobs.byEvent[testEventID]
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, 2, job.RetryCount)
}

func TestProcessChecksumMismatch(t *testing.T) {
	wrongSum := "sha256:00a1b2c3d4e5f60718293a4b5c6d7e8f00a1b2c3d4e5f60718293a4b5c6d7e8f"

	t.Run("first failure is retryable", func(t *testing.T) {
		h := newHarness(t, validPayload)

		err := h.pipeline.Process(context.Background(), validFields(t, wrongSum))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrTerminal)

		require.Len(t, h.deadLetter.requests, 1)
		assert.Equal(t, []string{"checksum_mismatch"}, h.jobs.failedCodes)
	})

	t.Run("second failure is terminal", func(t *testing.T) {
		h := newHarness(t, validPayload)
		h.jobs.seed(&models.IngestionJob{
			StableEventID: testEventID,
			Status:        models.StatusFailed,
			RetryCount:    0,
			MaxRetries:    3,
		})

		// MarkRetry bumps the job to retry_count 1 before the checksum runs.
		err := h.pipeline.Process(context.Background(), validFields(t, wrongSum))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTerminal)
		require.Len(t, h.deadLetter.requests, 1)
	})
}

func TestProcessValidationFailure(t *testing.T) {
	bad := []byte(`{"schema_version": "1.0", "stable_event_id": "` + testEventID + `"}`)
	h := newHarness(t, bad)

	err := h.pipeline.Process(context.Background(), validFields(t, dropChecksum(t, h.fetcher.drop)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTerminal)

	assert.Equal(t, []string{"validation_error"}, h.jobs.failedCodes)
	require.Len(t, h.deadLetter.requests, 1)
	req := h.deadLetter.requests[0]
	assert.Equal(t, testEventID, req.StableEventID)
	assert.NotEmpty(t, req.JobID)
	assert.Zero(t, h.conversations.persisted)
}

func TestProcessExpiredDrop(t *testing.T) {
	h := newHarness(t, validPayload)

	fields := validFields(t, dropChecksum(t, h.fetcher.drop))
	fields["produced_at"] = time.Now().UTC().Add(-100 * time.Hour).Format(time.RFC3339)

	err := h.pipeline.Process(context.Background(), fields)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTerminal)

	require.Len(t, h.deadLetter.requests, 1)
	assert.Zero(t, h.fetcher.calls)
	assert.Empty(t, h.jobs.byEvent)
}

func TestProcessTimeoutFailureIsRecorded(t *testing.T) {
	h := newHarness(t, validPayload)
	sum := dropChecksum(t, h.fetcher.drop)

	fetcher := &stallingFetcher{}
	h.pipeline = NewPipeline(&ctxJobs{fakeJobs: h.jobs}, h.conversations, fetcher, h.enricher,
		&ctxDeadLetter{fakeDeadLetter: h.deadLetter},
		PipelineConfig{MaxRetries: 3, MaxDropAge: 72 * time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.pipeline.Process(ctx, validFields(t, sum))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTerminal)
	assert.Equal(t, 1, fetcher.calls)

	// The expired job context must not swallow the failure bookkeeping: the
	// ledger row lands on failed and the drop is dead-lettered, so the retry
	// budget still counts down across redeliveries.
	assert.Equal(t, []string{"ingestion_timeout"}, h.jobs.failedCodes)
	require.Len(t, h.deadLetter.requests, 1)
	assert.Equal(t, testEventID, h.deadLetter.requests[0].StableEventID)
	assert.Equal(t, models.StatusFailed, h.jobs.byEvent[testEventID].Status)
}

func TestProcessCompletedDropOutlivesFreshnessWindow(t *testing.T) {
	h := newHarness(t, validPayload)
	h.jobs.seed(&models.IngestionJob{
		StableEventID: testEventID,
		Status:        models.StatusCompleted,
	})

	// A redelivery older than the freshness window is still a duplicate of an
	// ingested drop: acked, never dead-lettered as expired.
	fields := validFields(t, dropChecksum(t, h.fetcher.drop))
	fields["produced_at"] = time.Now().UTC().Add(-100 * time.Hour).Format(time.RFC3339)

	err := h.pipeline.Process(context.Background(), fields)
	require.NoError(t, err)
	assert.Empty(t, h.deadLetter.requests)
	assert.Zero(t, h.fetcher.calls)
}

func TestProcessDownloadFailureIsRetryable(t *testing.T) {
	h := newHarness(t, validPayload)
	sum := dropChecksum(t, h.fetcher.drop)
	h.fetcher.err = faults.New(faults.CodeMinioDownloadFailed, "stat object ingestion/drops: connection reset")

	err := h.pipeline.Process(context.Background(), validFields(t, sum))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTerminal)

	require.Len(t, h.deadLetter.requests, 1)
	assert.Equal(t, []string{"minio_download_failed"}, h.jobs.failedCodes)
}

func TestProcessCreateRaceLeavesMessagePending(t *testing.T) {
	h := newHarness(t, validPayload)
	h.jobs.createErr = services.ErrAlreadyExists

	err := h.pipeline.Process(context.Background(), validFields(t, dropChecksum(t, h.fetcher.drop)))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTerminal)
	assert.Empty(t, h.deadLetter.requests)
}
