package faults

import (
	"context"
	"errors"
	"strings"
)

// Classify maps an arbitrary error to a code. Already-classified errors pass
// through; context deadline errors become timeouts; everything else is
// matched on message substrings, in priority order, falling back to
// processing_failure (retryable) so unrecognized faults are never
// dead-ended on first sight.
func Classify(err error) Code {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeIngestionTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "validation"):
		return CodeValidationError
	case strings.Contains(msg, "checksum") && strings.Contains(msg, "mismatch"):
		return CodeChecksumMismatch
	case strings.Contains(msg, "checksum"):
		return CodeChecksumFormatInvalid
	case strings.Contains(msg, "duplicate"), strings.Contains(msg, "already exists"):
		return CodeDuplicateEvent
	case strings.Contains(msg, "minio"), strings.Contains(msg, "s3"):
		return CodeMinioDownloadFailed
	case strings.Contains(msg, "database"), strings.Contains(msg, "integrity"), strings.Contains(msg, "operational"):
		return CodeDatabaseError
	case strings.Contains(msg, "qdrant"):
		return CodeQdrantError
	case strings.Contains(msg, "timeout"):
		return CodeIngestionTimeout
	default:
		return CodeProcessingFailure
	}
}
