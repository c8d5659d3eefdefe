// Package faults defines the closed error-code taxonomy for ingestion
// failures, the remediation hints attached to each code, and the
// classification of arbitrary errors into codes for dead-letter routing.
package faults

// Code identifies a failure class. The set is closed: every failure the
// pipeline reports maps to exactly one of these values, and dead-letter
// consumers key their dashboards and runbooks off them.
type Code string

const (
	CodeValidationError       Code = "validation_error"
	CodeInvalidAudioFormat    Code = "invalid_audio_format"
	CodeMissingRequiredField  Code = "missing_required_field"
	CodeInvalidSchemaVersion  Code = "invalid_schema_version"
	CodeChecksumMismatch      Code = "checksum_mismatch"
	CodeChecksumFormatInvalid Code = "checksum_format_invalid"
	CodeDuplicateEvent        Code = "duplicate_event"
	CodePayloadExpired        Code = "payload_expired"
	CodeMinioDownloadFailed   Code = "minio_download_failed"
	CodeStorageError          Code = "storage_error"
	CodeDatabaseError         Code = "database_error"
	CodeQdrantError           Code = "qdrant_error"
	CodeRedisPublishFailed    Code = "redis_publish_failed"
	CodeProcessingFailure     Code = "processing_failure"
	CodeIngestionTimeout      Code = "ingestion_timeout"
	CodeInternalServerError   Code = "internal_server_error"
)

// retryableCodes are transient infrastructure or processing faults where a
// redelivery has a real chance of succeeding.
var retryableCodes = map[Code]bool{
	CodeProcessingFailure:   true,
	CodeIngestionTimeout:    true,
	CodeStorageError:        true,
	CodeDatabaseError:       true,
	CodeMinioDownloadFailed: true,
	CodeRedisPublishFailed:  true,
	CodeQdrantError:         true,
}

// IsValid checks if the code belongs to the closed set.
func (c Code) IsValid() bool {
	if retryableCodes[c] {
		return true
	}
	switch c {
	case CodeValidationError, CodeInvalidAudioFormat, CodeMissingRequiredField,
		CodeInvalidSchemaVersion, CodeChecksumMismatch, CodeChecksumFormatInvalid,
		CodeDuplicateEvent, CodePayloadExpired, CodeInternalServerError:
		return true
	}
	return false
}

// Retryable reports whether a failure with this code should be retried,
// given how many retries the job has already consumed.
//
// checksum_mismatch is special-cased: a mismatch can be a torn read of an
// archive mid-upload, so it earns exactly one retry. After that the archive
// is presumed genuinely corrupt and the failure is terminal.
func Retryable(code Code, retryCount int) bool {
	if code == CodeChecksumMismatch {
		return retryCount == 0
	}
	return retryableCodes[code]
}
