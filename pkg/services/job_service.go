package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/myrag/audio-ingest/pkg/models"
)

const pgUniqueViolation = "23505"

const jobColumns = `id, stable_event_id, source_bucket, source_key, trace_id, checksum,
	schema_version, status, retry_count, max_retries, created_at, started_at,
	completed_at, last_error_at, error_code, error_message, error_stack,
	processing_metadata, conversation_id, file_size_bytes, processing_duration_ms`

// JobService manages the ingestion job ledger and its status machine.
type JobService struct {
	db *sql.DB
}

// NewJobService creates a new JobService
func NewJobService(db *sql.DB) *JobService {
	return &JobService{db: db}
}

// JobPatch carries the fields a status transition may update alongside the
// status itself. Nil pointers leave columns untouched; the Clear flags null
// them out.
type JobPatch struct {
	TraceID       *string
	Checksum      *string
	SchemaVersion *string

	RetryCountDelta int
	MaxRetries      *int

	StartedAt        *time.Time
	CompletedAt      *time.Time
	LastErrorAt      *time.Time
	ClearCompletedAt bool

	ErrorCode    *string
	ErrorMessage *string
	ErrorStack   *string
	ClearError   bool

	ProcessingMetadata map[string]any

	ConversationID       *string
	FileSizeBytes        *int64
	ProcessingDurationMS *int64
}

// Create inserts a new pending job for a stable event id. A duplicate
// stable_event_id yields ErrAlreadyExists.
func (s *JobService) Create(ctx context.Context, job *models.IngestionJob) error {
	if job.StableEventID == "" {
		return NewValidationError("stable_event_id", "required")
	}
	if job.SourceBucket == "" || job.SourceKey == "" {
		return NewValidationError("package_uri", "bucket and key are required")
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_jobs (
			id, stable_event_id, source_bucket, source_key, trace_id, checksum,
			schema_version, status, retry_count, max_retries, created_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11)`,
		job.ID, job.StableEventID, job.SourceBucket, job.SourceKey, job.TraceID,
		job.Checksum, job.SchemaVersion, job.Status, job.RetryCount, job.MaxRetries,
		job.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// FindByStableEventID looks up the job ledger row for a stable event id.
func (s *JobService) FindByStableEventID(ctx context.Context, stableEventID string) (*models.IngestionJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM ingestion_jobs WHERE stable_event_id = $1`, stableEventID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// GetByID fetches a job by primary key.
func (s *JobService) GetByID(ctx context.Context, jobID string) (*models.IngestionJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM ingestion_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// Advance moves a job to the next status inside one transaction: the row is
// locked, the transition validated against the state machine, the patch
// applied, and an audit row recorded.
func (s *JobService) Advance(ctx context.Context, jobID string, next models.JobStatus, patch *JobPatch) (*models.IngestionJob, error) {
	if !next.IsValid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", next))
	}
	if patch == nil {
		patch = &JobPatch{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM ingestion_jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}

	if !models.CanTransition(job.Status, next) {
		return nil, fmt.Errorf("%w: %s -> %s for job %s", ErrIllegalTransition, job.Status, next, jobID)
	}

	set := []string{"status = $1"}
	args := []any{next}
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.TraceID != nil {
		add("trace_id", *patch.TraceID)
	}
	if patch.Checksum != nil {
		add("checksum", *patch.Checksum)
	}
	if patch.SchemaVersion != nil {
		add("schema_version", *patch.SchemaVersion)
	}
	if patch.RetryCountDelta != 0 {
		add("retry_count", job.RetryCount+patch.RetryCountDelta)
	}
	if patch.MaxRetries != nil {
		add("max_retries", *patch.MaxRetries)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	} else if patch.ClearCompletedAt {
		set = append(set, "completed_at = NULL")
	}
	if patch.LastErrorAt != nil {
		add("last_error_at", *patch.LastErrorAt)
	}
	if patch.ClearError {
		set = append(set, "error_code = NULL", "error_message = NULL", "error_stack = NULL")
	} else {
		if patch.ErrorCode != nil {
			add("error_code", *patch.ErrorCode)
		}
		if patch.ErrorMessage != nil {
			add("error_message", *patch.ErrorMessage)
		}
		if patch.ErrorStack != nil {
			add("error_stack", *patch.ErrorStack)
		}
	}
	if patch.ProcessingMetadata != nil {
		metaJSON, err := json.Marshal(patch.ProcessingMetadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal processing_metadata: %w", err)
		}
		add("processing_metadata", metaJSON)
	}
	if patch.ConversationID != nil {
		add("conversation_id", *patch.ConversationID)
	}
	if patch.FileSizeBytes != nil {
		add("file_size_bytes", *patch.FileSizeBytes)
	}
	if patch.ProcessingDurationMS != nil {
		add("processing_duration_ms", *patch.ProcessingDurationMS)
	}

	args = append(args, jobID)
	query := fmt.Sprintf("UPDATE ingestion_jobs SET %s WHERE id = $%d",
		strings.Join(set, ", "), len(args))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ingestion_job_transitions (job_id, from_status, to_status, occurred_at)
		VALUES ($1, $2, $3, $4)`,
		jobID, job.Status, next, time.Now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("failed to record transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	return s.GetByID(ctx, jobID)
}

// MarkRetry re-claims a job for another attempt: back to downloading with
// the retry counter bumped and completion state cleared.
func (s *JobService) MarkRetry(ctx context.Context, jobID string) (*models.IngestionJob, error) {
	now := time.Now().UTC()
	return s.Advance(ctx, jobID, models.StatusDownloading, &JobPatch{
		RetryCountDelta:  1,
		StartedAt:        &now,
		ClearCompletedAt: true,
	})
}

// MarkFailed records a failure outcome on the job.
func (s *JobService) MarkFailed(ctx context.Context, jobID, code, message, stack string, at time.Time) (*models.IngestionJob, error) {
	return s.Advance(ctx, jobID, models.StatusFailed, &JobPatch{
		ErrorCode:    &code,
		ErrorMessage: &message,
		ErrorStack:   &stack,
		LastErrorAt:  &at,
	})
}

// Complete finalizes a successful ingestion.
func (s *JobService) Complete(ctx context.Context, jobID, conversationID string, durationMS int64, metadata map[string]any) (*models.IngestionJob, error) {
	now := time.Now().UTC()
	return s.Advance(ctx, jobID, models.StatusCompleted, &JobPatch{
		CompletedAt:          &now,
		ConversationID:       &conversationID,
		ProcessingDurationMS: &durationMS,
		ProcessingMetadata:   metadata,
		ClearError:           true,
	})
}

// Transitions returns the audit trail for a job, oldest first.
func (s *JobService) Transitions(ctx context.Context, jobID string) ([]models.JobTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, from_status, to_status, occurred_at
		FROM ingestion_job_transitions WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var transitions []models.JobTransition
	for rows.Next() {
		var t models.JobTransition
		if err := rows.Scan(&t.ID, &t.JobID, &t.FromStatus, &t.ToStatus, &t.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// CountByStatus returns job counts per status for the ops surface.
func (s *JobService) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM ingestion_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.IngestionJob, error) {
	var job models.IngestionJob
	var traceID, checksum, schemaVersion sql.NullString
	var startedAt, completedAt, lastErrorAt sql.NullTime
	var errorCode, errorMessage, errorStack sql.NullString
	var metadataJSON []byte
	var conversationID sql.NullString
	var fileSizeBytes, processingDurationMS sql.NullInt64
	err := row.Scan(
		&job.ID, &job.StableEventID, &job.SourceBucket, &job.SourceKey,
		&traceID, &checksum, &schemaVersion, &job.Status, &job.RetryCount,
		&job.MaxRetries, &job.CreatedAt, &startedAt, &completedAt, &lastErrorAt,
		&errorCode, &errorMessage, &errorStack, &metadataJSON, &conversationID,
		&fileSizeBytes, &processingDurationMS,
	)
	if err != nil {
		return nil, err
	}

	job.TraceID = traceID.String
	job.Checksum = checksum.String
	job.SchemaVersion = schemaVersion.String
	job.ErrorCode = errorCode.String
	job.ErrorMessage = errorMessage.String
	job.ErrorStack = errorStack.String
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if lastErrorAt.Valid {
		job.LastErrorAt = &lastErrorAt.Time
	}
	if conversationID.Valid {
		job.ConversationID = &conversationID.String
	}
	if fileSizeBytes.Valid {
		job.FileSizeBytes = &fileSizeBytes.Int64
	}
	if processingDurationMS.Valid {
		job.ProcessingDurationMS = &processingDurationMS.Int64
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.ProcessingMetadata); err != nil {
			return nil, fmt.Errorf("failed to decode processing_metadata: %w", err)
		}
	}
	return &job, nil
}
