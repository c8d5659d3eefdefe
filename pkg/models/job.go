package models

import "time"

// IngestionJob is the durable ledger row for one stable event id. It is
// born on first sight of a drop notification and lives forever; only its
// status and bookkeeping fields drift over time.
type IngestionJob struct {
	ID            string `json:"id"`
	StableEventID string `json:"stable_event_id"`
	SourceBucket  string `json:"source_bucket"`
	SourceKey     string `json:"source_key"`

	TraceID       string `json:"trace_id,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
	SchemaVersion string `json:"schema_version,omitempty"`

	Status     JobStatus `json:"status"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorStack   string `json:"error_stack,omitempty"`

	ProcessingMetadata map[string]any `json:"processing_metadata,omitempty"`

	ConversationID       *string `json:"conversation_id,omitempty"`
	FileSizeBytes        *int64  `json:"file_size_bytes,omitempty"`
	ProcessingDurationMS *int64  `json:"processing_duration_ms,omitempty"`
}

// RetriesExhausted reports whether the job has consumed its retry budget.
func (j *IngestionJob) RetriesExhausted() bool {
	return j.RetryCount >= j.MaxRetries
}

// JobTransition is one audit row recording a status change.
type JobTransition struct {
	ID         int64     `json:"id"`
	JobID      string    `json:"job_id"`
	FromStatus JobStatus `json:"from_status"`
	ToStatus   JobStatus `json:"to_status"`
	OccurredAt time.Time `json:"occurred_at"`
}
