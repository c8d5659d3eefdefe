// Package dlq publishes failed drop notifications to the dead-letter
// stream. Entries are self-describing: the consumer gets the original
// message, the classified error, a remediation hint and enough context to
// replay the drop without touching our database.
package dlq

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/myrag/audio-ingest/pkg/faults"
	"github.com/myrag/audio-ingest/pkg/version"
)

const unknownField = "unknown"

// ErrorDetail describes the classified failure.
type ErrorDetail struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Remediation tells the dead-letter consumer what to do about it.
type Remediation struct {
	Hint      string `json:"hint"`
	Retryable bool   `json:"retryable"`
}

// EntryContext carries replay context.
type EntryContext struct {
	StableEventID string `json:"stable_event_id"`
	TraceID       string `json:"trace_id,omitempty"`
	JobID         string `json:"job_id,omitempty"`
	PackageURI    string `json:"package_uri,omitempty"`
	RetryCount    int    `json:"retry_count"`
}

// EntryMetadata records where and when the entry was published.
type EntryMetadata struct {
	Stream      string    `json:"stream"`
	PublishedAt time.Time `json:"published_at"`
	Source      string    `json:"source"`
}

// Entry is the full dead-letter record serialized into the payload field.
type Entry struct {
	OriginalMessage map[string]string `json:"original_message"`
	Error           ErrorDetail       `json:"error"`
	Remediation     Remediation       `json:"remediation"`
	Context         EntryContext      `json:"context"`
	DLQMetadata     EntryMetadata     `json:"dlq_metadata"`
}

// Request is one failure to dead-letter.
type Request struct {
	OriginalMessage map[string]string
	Err             error
	StableEventID   string
	TraceID         string
	JobID           string
	PackageURI      string
	RetryCount      int
}

// Publisher appends dead-letter entries to a Redis stream.
type Publisher struct {
	client redis.Cmdable
	stream string
	// maxLen trims the stream approximately when positive; zero keeps it
	// unbounded.
	maxLen int64
	logger *slog.Logger
}

// NewPublisher creates a dead-letter publisher for the given stream.
func NewPublisher(client redis.Cmdable, stream string, maxLen int64) *Publisher {
	return &Publisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: slog.Default(),
	}
}

// Stream returns the dead-letter stream name.
func (p *Publisher) Stream() string {
	return p.stream
}

// Publish writes one entry. Besides the serialized payload the stream
// message carries top-level routing fields so consumers can filter without
// parsing JSON.
func (p *Publisher) Publish(ctx context.Context, req Request) error {
	code, ok := faults.CodeOf(req.Err)
	if !ok {
		code = faults.CodeInternalServerError
	}
	now := time.Now().UTC()

	entry := Entry{
		OriginalMessage: req.OriginalMessage,
		Error: ErrorDetail{
			Code:      string(code),
			Message:   req.Err.Error(),
			Stack:     faults.StackOf(req.Err),
			Timestamp: now,
		},
		Remediation: Remediation{
			Hint:      faults.HintFor(code),
			Retryable: faults.Retryable(code, req.RetryCount),
		},
		Context: EntryContext{
			StableEventID: req.StableEventID,
			TraceID:       req.TraceID,
			JobID:         req.JobID,
			PackageURI:    req.PackageURI,
			RetryCount:    req.RetryCount,
		},
		DLQMetadata: EntryMetadata{
			Stream:      p.stream,
			PublishedAt: now,
			Source:      version.AppName,
		},
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return faults.Wrapf(faults.CodeRedisPublishFailed, err, "marshaling dead-letter entry")
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"payload":         string(payload),
			"error_code":      string(code),
			"stable_event_id": orUnknown(req.StableEventID),
			"trace_id":        orUnknown(req.TraceID),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return faults.Wrapf(faults.CodeRedisPublishFailed, err,
			"publishing dead-letter entry for %s", orUnknown(req.StableEventID))
	}

	p.logger.Info("Published dead-letter entry",
		"stream", p.stream,
		"message_id", id,
		"stable_event_id", orUnknown(req.StableEventID),
		"error_code", code)
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return unknownField
	}
	return s
}
