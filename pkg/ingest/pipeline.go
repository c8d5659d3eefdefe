// Package ingest is the at-least-once consumer for drop notifications: it
// reads the ingestion stream through a consumer group, drives each drop
// through download, verification, validation, persistence and enrichment,
// and routes failures to the dead-letter stream. Processing is idempotent
// per stable_event_id; redeliveries of completed drops are acked untouched.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/myrag/audio-ingest/pkg/archive"
	"github.com/myrag/audio-ingest/pkg/checksum"
	"github.com/myrag/audio-ingest/pkg/dlq"
	"github.com/myrag/audio-ingest/pkg/enrich"
	"github.com/myrag/audio-ingest/pkg/faults"
	"github.com/myrag/audio-ingest/pkg/metrics"
	"github.com/myrag/audio-ingest/pkg/models"
	"github.com/myrag/audio-ingest/pkg/services"
	"github.com/myrag/audio-ingest/pkg/transcript"
	"github.com/myrag/audio-ingest/pkg/wire"
)

// ErrTerminal marks a failure that must not be redelivered. The worker acks
// messages whose processing returned nil or ErrTerminal; anything else stays
// pending for redelivery.
var ErrTerminal = errors.New("terminal ingestion failure")

// failureWriteTimeout bounds the failure bookkeeping writes. They run on a
// context detached from the job's: when the failure being routed is the job
// deadline itself, the ledger update and the dead-letter publish must still
// go through, or the drop would be redelivered and retried forever.
const failureWriteTimeout = 10 * time.Second

func detachedWriteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
}

// JobStore is the slice of the job service the pipeline needs.
type JobStore interface {
	FindByStableEventID(ctx context.Context, stableEventID string) (*models.IngestionJob, error)
	Create(ctx context.Context, job *models.IngestionJob) error
	Advance(ctx context.Context, jobID string, next models.JobStatus, patch *services.JobPatch) (*models.IngestionJob, error)
	MarkRetry(ctx context.Context, jobID string) (*models.IngestionJob, error)
	MarkFailed(ctx context.Context, jobID, code, message, stack string, at time.Time) (*models.IngestionJob, error)
	Complete(ctx context.Context, jobID, conversationID string, durationMS int64, metadata map[string]any) (*models.IngestionJob, error)
}

// ConversationStore persists derived conversations.
type ConversationStore interface {
	PersistForJob(ctx context.Context, jobID string, conv *models.Conversation, turns []models.ConversationTurn) (string, error)
	SetTopics(ctx context.Context, conversationID string, topics []string) error
}

// Fetcher downloads drop packages.
type Fetcher interface {
	Fetch(ctx context.Context, bucket, key, stableEventID string) (*archive.Drop, error)
}

// DeadLetter publishes failure entries.
type DeadLetter interface {
	Publish(ctx context.Context, req dlq.Request) error
}

// Enricher computes topics and NLP metadata for a persisted conversation.
type Enricher interface {
	Dispatch(ctx context.Context, conversationID string, p *transcript.ConversationPayload) *enrich.Outcome
}

// PipelineConfig tunes per-drop processing.
type PipelineConfig struct {
	// MaxRetries is the per-job retry budget recorded on new jobs.
	MaxRetries int
	// MaxDropAge rejects notifications older than this; zero disables.
	MaxDropAge time.Duration
}

// Pipeline processes one decoded stream message end to end.
type Pipeline struct {
	jobs          JobStore
	conversations ConversationStore
	fetcher       Fetcher
	enricher      Enricher
	deadLetter    DeadLetter
	cfg           PipelineConfig
	logger        *slog.Logger
	now           func() time.Time
}

// NewPipeline wires the pipeline collaborators.
func NewPipeline(jobs JobStore, conversations ConversationStore, fetcher Fetcher, enricher Enricher, deadLetter DeadLetter, cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		jobs:          jobs,
		conversations: conversations,
		fetcher:       fetcher,
		enricher:      enricher,
		deadLetter:    deadLetter,
		cfg:           cfg,
		logger:        slog.Default(),
		now:           time.Now,
	}
}

// Process ingests one raw stream message. A nil return means success; an
// error wrapping ErrTerminal means the message is spent (acked, possibly
// dead-lettered); any other error leaves the message pending for
// redelivery.
func (p *Pipeline) Process(ctx context.Context, fields map[string]string) error {
	start := p.now()
	defer func() {
		metrics.ProcessingDuration.Observe(p.now().Sub(start).Seconds())
	}()

	n, err := wire.Decode(fields)
	if err != nil {
		// Undecodable messages get dead-lettered without a job row: there
		// is no trustworthy stable_event_id to key a ledger entry on.
		p.publishDeadLetter(ctx, fields, nil, err, fields["stable_event_id"], fields["trace_id"], fields["package_uri"], 0)
		metrics.ObserveFailure(string(faults.Classify(err)))
		return fmt.Errorf("%w: %w", ErrTerminal, err)
	}

	logger := p.logger.With("stable_event_id", n.StableEventID, "trace_id", n.TraceID)
	metrics.ObserveTraceID(n.TraceID != "")

	job, err := p.claimJob(ctx, logger, n)
	if err != nil || job == nil {
		return err
	}

	drop, err := p.fetcher.Fetch(ctx, n.Bucket, n.ObjectKey, n.StableEventID)
	if err != nil {
		return p.routeFailure(ctx, logger, n, job, err)
	}
	defer drop.Release()
	metrics.DownloadBytes.Observe(float64(drop.SizeBytes))

	checksumStart := p.now()
	if err := checksum.VerifyFile(drop.ArchivePath, n.Checksum); err != nil {
		return p.routeFailure(ctx, logger, n, job, err)
	}
	if !drop.Legacy {
		if err := checksum.VerifyManifest(drop.ManifestRoot, checksum.ManifestName); err != nil {
			return p.routeFailure(ctx, logger, n, job, err)
		}
	}
	metrics.ChecksumDuration.Observe(p.now().Sub(checksumStart).Seconds())

	size := drop.SizeBytes
	job, err = p.jobs.Advance(ctx, job.ID, models.StatusValidating, &services.JobPatch{FileSizeBytes: &size})
	if err != nil {
		return p.routeFailure(ctx, logger, n, job, faults.Wrap(faults.CodeDatabaseError, err))
	}

	data, err := drop.Payload()
	if err != nil {
		return p.routeFailure(ctx, logger, n, job, err)
	}

	validationStart := p.now()
	payload, summary, warnings, err := transcript.Validate(data, n.StableEventID)
	metrics.ValidationDuration.Observe(p.now().Sub(validationStart).Seconds())
	if err != nil {
		return p.routeFailure(ctx, logger, n, job, err)
	}
	metrics.Segments.Observe(float64(summary.SegmentCount))
	metrics.Participants.Observe(float64(summary.ParticipantCount))

	job, err = p.jobs.Advance(ctx, job.ID, models.StatusEmbedding, nil)
	if err != nil {
		return p.routeFailure(ctx, logger, n, job, faults.Wrap(faults.CodeDatabaseError, err))
	}

	conv, turns := services.DeriveConversation(payload)
	conversationID, err := p.conversations.PersistForJob(ctx, job.ID, conv, turns)
	if err != nil {
		return p.routeFailure(ctx, logger, n, job, faults.Wrap(faults.CodeDatabaseError, err))
	}

	outcome := p.enricher.Dispatch(ctx, conversationID, payload)
	metrics.NLPMode.WithLabelValues(outcome.Mode).Inc()
	if len(outcome.Topics) > 0 {
		// Topics are enrichment, not truth: losing them must not fail an
		// otherwise-ingested conversation.
		if err := p.conversations.SetTopics(ctx, conversationID, outcome.Topics); err != nil {
			logger.Warn("Failed to store topics", "conversation_id", conversationID, "error", err)
		}
	}

	metadata := map[string]any{
		"num_segments":     summary.SegmentCount,
		"num_participants": summary.ParticipantCount,
		"duration_sec":     summary.DurationSec,
		"warnings":         len(warnings),
	}
	if len(summary.VoiceMatches) > 0 {
		metadata["voice_matches"] = summary.VoiceMatches
	}
	for k, v := range outcome.Metadata {
		metadata[k] = v
	}

	durationMS := p.now().Sub(start).Milliseconds()
	if _, err := p.jobs.Complete(ctx, job.ID, conversationID, durationMS, metadata); err != nil {
		return p.routeFailure(ctx, logger, n, job, faults.Wrap(faults.CodeDatabaseError, err))
	}

	metrics.Success.Inc()
	logger.Info("Drop ingested",
		"conversation_id", conversationID,
		"segments", summary.SegmentCount,
		"participants", summary.ParticipantCount,
		"nlp_mode", outcome.Mode,
		"duration_ms", durationMS)
	return nil
}

// claimJob resolves the ledger row for the notification: short-circuits
// completed and retry-exhausted drops, re-claims in-flight or failed jobs,
// and creates the row on first sight. A (nil, nil) return means the drop is
// already ingested and the message should simply be acked. The ledger lookup
// runs before the freshness check: a stale redelivery of a completed drop is
// a duplicate, not an expired payload.
func (p *Pipeline) claimJob(ctx context.Context, logger *slog.Logger, n *wire.DropNotification) (*models.IngestionJob, error) {
	job, err := p.jobs.FindByStableEventID(ctx, n.StableEventID)
	switch {
	case err == nil:
		if job.Status == models.StatusCompleted {
			logger.Info("Drop already ingested, acking duplicate delivery", "job_id", job.ID)
			return nil, nil
		}
		if job.Status == models.StatusFailed && job.RetriesExhausted() {
			logger.Warn("Retry budget exhausted, dropping redelivery",
				"job_id", job.ID, "retry_count", job.RetryCount, "max_retries", job.MaxRetries)
			return nil, fmt.Errorf("%w: retry budget exhausted after %d attempts", ErrTerminal, job.RetryCount)
		}
		if err := wire.CheckFreshness(n, p.cfg.MaxDropAge, p.now()); err != nil {
			return nil, p.routeFailure(ctx, logger, n, job, err)
		}
		job, err = p.jobs.MarkRetry(ctx, job.ID)
		if err != nil {
			return nil, p.routeFailure(ctx, logger, n, job, faults.Wrap(faults.CodeDatabaseError, err))
		}
		metrics.ObserveRetry(job.RetryCount)
		logger.Info("Re-claimed existing job", "job_id", job.ID, "retry_count", job.RetryCount)
		return job, nil

	case errors.Is(err, services.ErrNotFound):
		if err := wire.CheckFreshness(n, p.cfg.MaxDropAge, p.now()); err != nil {
			return nil, p.routeFailure(ctx, logger, n, nil, err)
		}
		job = &models.IngestionJob{
			StableEventID: n.StableEventID,
			SourceBucket:  n.Bucket,
			SourceKey:     n.ObjectKey,
			TraceID:       n.TraceID,
			Checksum:      n.Checksum,
			SchemaVersion: n.SchemaVersion,
			RetryCount:    n.RetryCount,
			MaxRetries:    p.cfg.MaxRetries,
		}
		if err := p.jobs.Create(ctx, job); err != nil {
			if errors.Is(err, services.ErrAlreadyExists) {
				// Raced another consumer; leave the message pending, the
				// redelivery will find the winner's row.
				return nil, faults.Wrap(faults.CodeDatabaseError, err)
			}
			return nil, p.routeFailure(ctx, logger, n, nil, faults.Wrap(faults.CodeDatabaseError, err))
		}
		now := p.now().UTC()
		job, err = p.jobs.Advance(ctx, job.ID, models.StatusDownloading, &services.JobPatch{StartedAt: &now})
		if err != nil {
			return nil, p.routeFailure(ctx, logger, n, job, faults.Wrap(faults.CodeDatabaseError, err))
		}
		return job, nil

	default:
		// Could not even look the job up: retryable infrastructure fault,
		// no dead-letter entry.
		return nil, faults.Wrap(faults.CodeDatabaseError, err)
	}
}

// routeFailure is the error router: classify, persist the failure on the
// job when one exists, dead-letter, and decide terminal vs retryable.
func (p *Pipeline) routeFailure(ctx context.Context, logger *slog.Logger, n *wire.DropNotification, job *models.IngestionJob, cause error) error {
	code := faults.Classify(cause)

	retryCount := n.RetryCount
	if job != nil {
		retryCount = job.RetryCount
	}
	retryable := faults.Retryable(code, retryCount)

	logger.Error("Drop processing failed",
		"error_code", code,
		"retryable", retryable,
		"retry_count", retryCount,
		"error", cause)

	if job != nil && models.CanTransition(job.Status, models.StatusFailed) {
		writeCtx, cancel := detachedWriteContext(ctx)
		if _, err := p.jobs.MarkFailed(writeCtx, job.ID, string(code), cause.Error(), faults.StackOf(cause), p.now().UTC()); err != nil {
			logger.Error("Failed to record failure on job", "job_id", job.ID, "error", err)
		}
		cancel()
	}

	metrics.ObserveFailure(string(code))
	p.publishDeadLetter(ctx, n.Raw, job, cause, n.StableEventID, n.TraceID, n.PackageURI, retryCount)

	if retryable {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrTerminal, cause)
}

func (p *Pipeline) publishDeadLetter(ctx context.Context, original map[string]string, job *models.IngestionJob, cause error, stableEventID, traceID, packageURI string, retryCount int) {
	ctx, cancel := detachedWriteContext(ctx)
	defer cancel()

	jobID := ""
	if job != nil {
		jobID = job.ID
	}
	err := p.deadLetter.Publish(ctx, dlq.Request{
		OriginalMessage: original,
		Err:             cause,
		StableEventID:   stableEventID,
		TraceID:         traceID,
		JobID:           jobID,
		PackageURI:      packageURI,
		RetryCount:      retryCount,
	})
	if err != nil {
		p.logger.Error("Failed to publish dead-letter entry",
			"stable_event_id", stableEventID, "error", err)
		return
	}
	code := faults.Classify(cause)
	metrics.ObserveDLQ(string(code))
}
